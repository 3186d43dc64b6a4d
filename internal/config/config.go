package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelvins/geocoder"

	"github.com/iaglobal/plantwatch/internal/telemetry"
	"github.com/iaglobal/plantwatch/internal/telemetry/adapters"
	"github.com/iaglobal/plantwatch/internal/telemetry/convert"
)

var validate = validator.New()

// AppConfig is everything the composition root needs to wire the engines.
type AppConfig struct {
	// HTTPTimeout bounds each outbound request; engines additionally bound
	// whole cycles.
	HTTPTimeout time.Duration

	// CacheTTL bounds reuse of upstream responses across polling cycles.
	CacheTTL time.Duration

	StaleThreshold time.Duration

	// PlatformInterval is the cadence for IoT-platform plants,
	// WeatherInterval for the station and the realtime-database rig.
	PlatformInterval time.Duration
	WeatherInterval  time.Duration

	// MCAScale maps the 4-20 mA loop to the installed transducer range.
	MCAScale float64

	MaxLookbackDays int

	Port string

	// Plants are the IoT-platform sources.
	Plants []telemetry.Source

	// Weather station: adapter credentials plus its source descriptor.
	Weather       adapters.AmbientConfig
	WeatherSource telemetry.Source

	// Realtime-database model rig.
	Model       adapters.RTDBConfig
	ModelSource telemetry.Source
}

// sourcesFile is the deployment-supplied JSON descriptor of all sources.
type sourcesFile struct {
	Plants  []telemetry.Source `json:"plants" validate:"dive"`
	Weather struct {
		adapters.AmbientConfig
		Location   []float64          `json:"location,omitempty"`
		City       string             `json:"city,omitempty"`
		Country    string             `json:"country,omitempty"`
		Thresholds map[string]float64 `json:"thresholds,omitempty"`
	} `json:"weather"`
	Model struct {
		adapters.RTDBConfig
		DeviceName string             `json:"deviceName"`
		Location   []float64          `json:"location,omitempty"`
		Thresholds map[string]float64 `json:"thresholds,omitempty"`
	} `json:"model"`
}

// Load reads configuration from environment and the sources file, with
// sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{}

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getenvDuration("CACHE_TTL", "5m"); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = getenvDuration("STALE_THRESHOLD", "24h"); err != nil {
		return nil, err
	}
	if cfg.PlatformInterval, err = getenvDuration("PLATFORM_INTERVAL", "180s"); err != nil {
		return nil, err
	}
	if cfg.WeatherInterval, err = getenvDuration("WEATHER_INTERVAL", "300s"); err != nil {
		return nil, err
	}

	cfg.MCAScale = getenvFloat("MCA_SCALE", convert.DefaultMCAScale)
	cfg.MaxLookbackDays = getenvInt("MAX_LOOKBACK_DAYS", adapters.DefaultMaxLookbackDays)
	cfg.Port = getenvDefault("PORT", "8080")

	if err := loadSources(cfg); err != nil {
		return nil, err
	}

	resolveLocations(cfg)

	return cfg, nil
}

func loadSources(cfg *AppConfig) error {
	path := getenvDefault("SOURCES_FILE", "sources.json")

	var file sourcesFile
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := validate.Struct(file); err != nil {
			return fmt.Errorf("invalid sources file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		log.Printf("INFO: sources file %s not found; relying on environment", path)
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	cfg.Plants = file.Plants

	// Station credentials prefer the environment over the file, so secrets
	// never have to live in the descriptor.
	cfg.Weather = file.Weather.AmbientConfig
	if v := os.Getenv("AW_API_KEY"); v != "" {
		cfg.Weather.APIKey = v
	}
	if v := os.Getenv("AW_APPLICATION_KEY"); v != "" {
		cfg.Weather.ApplicationKey = v
	}
	if v := os.Getenv("AW_MAC_ADDRESS"); v != "" {
		cfg.Weather.MAC = v
	}
	cfg.WeatherSource = telemetry.Source{
		ID:         "estacion",
		Name:       "Estación Meteorológica",
		Location:   file.Weather.Location,
		City:       file.Weather.City,
		Country:    file.Weather.Country,
		Thresholds: file.Weather.Thresholds,
		Sensors:    []telemetry.Sensor{{ID: "station", Variables: weatherVariables()}},
	}

	cfg.Model = file.Model.RTDBConfig
	if v := os.Getenv("RTDB_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("RTDB_NODE"); v != "" {
		cfg.Model.Node = v
	}
	if v := os.Getenv("RTDB_AUTH"); v != "" {
		cfg.Model.Auth = v
	}
	deviceName := file.Model.DeviceName
	if deviceName == "" {
		deviceName = getenvDefault("DEVICE_NAME", "iaGlobal")
	}
	cfg.ModelSource = telemetry.Source{
		ID:         "maqueta",
		Name:       deviceName,
		Location:   file.Model.Location,
		Thresholds: file.Model.Thresholds,
		Sensors:    []telemetry.Sensor{{ID: "maqueta", Variables: modelVariables()}},
	}

	return nil
}

// weatherVariables is the display metadata for the station's converted keys,
// resolved once here instead of per render.
func weatherVariables() map[string]telemetry.Variable {
	return map[string]telemetry.Variable{
		"tempc":        {Name: "Temperatura", Unit: "°C", Color: "violet", Icon: "thermometer"},
		"humidity":     {Name: "Humedad", Unit: "%", Color: "orange", Icon: "droplets"},
		"baromrelhpa":  {Name: "Presión relativa", Unit: "hPa", Color: "sky", Icon: "gauge"},
		"windspeedkmh": {Name: "Viento", Unit: "km/h", Color: "green", Icon: "wind"},
		"dailyrainmm":  {Name: "Lluvia diaria", Unit: "mm", Color: "rose", Icon: "cloud-rain"},
	}
}

// modelVariables is the display metadata for the realtime-database rig.
func modelVariables() map[string]telemetry.Variable {
	return map[string]telemetry.Variable{
		"pressure": {Name: "Presión", Unit: "bar", Color: "sky", Icon: "gauge"},
		"flow":     {Name: "Caudal", Unit: "L/min", Color: "rose", Icon: "waves"},
		"rssi":     {Name: "Señal", Unit: "dBm", Color: "amber", Icon: "signal"},
	}
}

// resolveLocations geocodes sources that declare a city but no coordinates,
// so they still get a map marker. Needs GEOCODER_API_KEY; silently skipped
// otherwise.
func resolveLocations(cfg *AppConfig) {
	key := os.Getenv("GEOCODER_API_KEY")
	if key == "" {
		return
	}
	geocoder.ApiKey = key

	resolve := func(src *telemetry.Source) {
		if len(src.Location) == 2 || src.City == "" {
			return
		}
		loc, err := geocoder.Geocoding(geocoder.Address{City: src.City, Country: src.Country})
		if err != nil {
			log.Printf("config: geocoding %s (%s) failed: %v", src.ID, src.City, err)
			return
		}
		src.Location = []float64{loc.Latitude, loc.Longitude}
	}

	for i := range cfg.Plants {
		resolve(&cfg.Plants[i])
	}
	resolve(&cfg.WeatherSource)
	resolve(&cfg.ModelSource)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
