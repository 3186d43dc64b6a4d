package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/iaglobal/plantwatch/internal/telemetry"
)

var validate = validator.New()

// Engines indexes the polling engines by source id. Well-known ids:
// "estacion" for the weather station, "maqueta" for the realtime-database
// rig, plant ids for the IoT-platform sources.
type Engines map[string]*telemetry.Engine

// RegisterRoutes wires the read-only dashboard API into the Fiber app.
func RegisterRoutes(app *fiber.App, engines Engines) {
	v1 := app.Group("/api/v1")

	v1.Get("/plants", func(c *fiber.Ctx) error {
		infos := make([]plantInfo, 0, len(engines))
		for id, e := range engines {
			if id == "estacion" || id == "maqueta" {
				continue
			}
			infos = append(infos, describeSource(e.Source()))
		}
		return c.JSON(fiber.Map{"plants": infos})
	})

	v1.Get("/plants/:id/data", func(c *fiber.Ctx) error {
		e, ok := engines[c.Params("id")]
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown plant")
		}
		return serveSnapshot(c, e)
	})

	v1.Get("/weather", func(c *fiber.Ctx) error {
		e, ok := engines["estacion"]
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "weather station not configured")
		}
		return serveSnapshot(c, e)
	})

	v1.Get("/model", func(c *fiber.Ctx) error {
		e, ok := engines["maqueta"]
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "model rig not configured")
		}
		return serveSnapshot(c, e)
	})

	v1.Get("/map", func(c *fiber.Ctx) error {
		markers := make([]marker, 0, len(engines))
		for id, e := range engines {
			src := e.Source()
			if len(src.Location) != 2 {
				continue
			}
			markers = append(markers, marker{
				ID:           id,
				Name:         src.Name,
				Location:     src.Location,
				LatestValues: e.Snapshot().LatestValues,
			})
		}
		return c.JSON(fiber.Map{"markers": markers})
	})
}

// serveSnapshot returns the engine's published state. An explicit from/to
// range is answered as a one-shot fetch of that window; the scheduled live
// cycle keeps polling its automatic window untouched.
func serveSnapshot(c *fiber.Ctx, e *telemetry.Engine) error {
	var req rangeQuery
	if err := req.bind(c); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if req.From > 0 || req.To > 0 {
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		snap, err := e.PollRange(c.Context(), req.From, req.To)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(snap)
	}

	return c.JSON(e.Snapshot())
}

// plantInfo is the sanitized source descriptor exposed to the dashboard:
// display metadata only, no tokens.
type plantInfo struct {
	ID         string                        `json:"id"`
	Name       string                        `json:"name"`
	Location   []float64                     `json:"location,omitempty"`
	Thresholds map[string]float64            `json:"thresholds,omitempty"`
	Variables  map[string]telemetry.Variable `json:"variables"`
}

func describeSource(src telemetry.Source) plantInfo {
	vars := make(map[string]telemetry.Variable)
	for _, key := range src.VariableKeys() {
		if v, ok := src.VariableConfig(key); ok {
			v.RemoteID = ""
			vars[key] = v
		}
	}
	return plantInfo{
		ID:         src.ID,
		Name:       src.Name,
		Location:   src.Location,
		Thresholds: src.Thresholds,
		Variables:  vars,
	}
}

// marker is one map pin with its latest values.
type marker struct {
	ID           string                           `json:"id"`
	Name         string                           `json:"name"`
	Location     []float64                        `json:"location"`
	LatestValues map[string]telemetry.LatestValue `json:"latestValues"`
}

// rangeQuery holds the optional explicit history window.
type rangeQuery struct {
	From int64 `validate:"gte=0"`
	To   int64 `validate:"gtefield=From"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" && toStr == "" {
		return nil
	}
	if fromStr == "" || toStr == "" {
		return errors.New("from and to must be provided together")
	}

	from, err := parseTimeMs(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTimeMs(toStr)
	if err != nil {
		return err
	}

	r.From = from
	r.To = to
	return nil
}

// parseTimeMs accepts RFC3339 or epoch values. Bare integers above 1e12 are
// taken as milliseconds, smaller ones as seconds.
func parseTimeMs(s string) (int64, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UnixMilli(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1_000_000_000_000 {
			return n, nil
		}
		return n * 1000, nil
	}
	return 0, errors.New("invalid time format; use RFC3339 or epoch seconds/milliseconds")
}
