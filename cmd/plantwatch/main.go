package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/iaglobal/plantwatch/internal/api/http"
	"github.com/iaglobal/plantwatch/internal/cache"
	"github.com/iaglobal/plantwatch/internal/config"
	"github.com/iaglobal/plantwatch/internal/scheduler"
	"github.com/iaglobal/plantwatch/internal/telemetry"
	"github.com/iaglobal/plantwatch/internal/telemetry/adapters"
)

func main() {
	// Load configuration (godotenv runs inside Load).
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for outbound upstream calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	// One request cache shared by every engine, owned here.
	requestCache := cache.New(cfg.CacheTTL)

	// One polling engine per source.
	engines := httpapi.Engines{}
	var all []*telemetry.Engine

	addEngine := func(id string, e *telemetry.Engine) {
		engines[id] = e
		all = append(all, e)
	}

	for _, plant := range cfg.Plants {
		adapter := adapters.NewUbidotsAdapter(httpClient, plant).
			WithMaxLookback(cfg.MaxLookbackDays)
		addEngine(plant.ID, telemetry.NewEngine(plant, adapter, requestCache, telemetry.EngineOptions{
			Interval:       cfg.PlatformInterval,
			Timeout:        cfg.HTTPTimeout,
			StaleThreshold: cfg.StaleThreshold,
			MCAScale:       cfg.MCAScale,
		}))
	}

	if cfg.Weather.MAC != "" {
		adapter := adapters.NewAmbientAdapter(httpClient, cfg.Weather)
		addEngine(cfg.WeatherSource.ID, telemetry.NewEngine(cfg.WeatherSource, adapter, requestCache, telemetry.EngineOptions{
			Interval:       cfg.WeatherInterval,
			Timeout:        cfg.HTTPTimeout,
			StaleThreshold: cfg.StaleThreshold,
		}))
	}

	if cfg.Model.Node != "" {
		adapter := adapters.NewRTDBAdapter(httpClient, cfg.Model)
		addEngine(cfg.ModelSource.ID, telemetry.NewEngine(cfg.ModelSource, adapter, requestCache, telemetry.EngineOptions{
			Interval:       cfg.WeatherInterval,
			Timeout:        cfg.HTTPTimeout,
			StaleThreshold: cfg.StaleThreshold,
		}))
	}

	// Scheduler that drives the engines on their cadences.
	sched := scheduler.New(all)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "plantwatch",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "plantwatch",
			"sources": len(all),
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, engines)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
