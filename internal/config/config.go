package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	defaultConfigPath = "~/.config/openclusters/config.json"
	defaultParallel   = 4

	// ConfigEnv names the variable that overrides the config file location.
	ConfigEnv = "OPENCLUSTERS_CONFIG"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Reduction  Reduction  `json:"reduction"`
	Regions    Regions    `json:"regions"`
	Photometry Photometry `json:"photometry"`
	Server     Server     `json:"server"`
	Telemetry  Telemetry  `json:"telemetry"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" env:"OPENCLUSTERS_PARALLEL_JOBS"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" env:"OPENCLUSTERS_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"OPENCLUSTERS_LOG_FORMAT"` // text, json
	FileOutput bool   `json:"file_output" env:"OPENCLUSTERS_LOG_FILE"`
	LogDir     string `json:"log_dir" env:"OPENCLUSTERS_LOG_DIR"`
}

// Paths configures default input/output locations.
type Paths struct {
	DataDir      string `json:"data_dir" env:"OPENCLUSTERS_DATA_DIR"`
	CatalogPath  string `json:"catalog_path" env:"OPENCLUSTERS_CATALOG"`
	DatabasePath string `json:"database_path" env:"OPENCLUSTERS_DB"`
	TIC8Path     string `json:"tic8_path" env:"OPENCLUSTERS_TIC8_DB"`
}

// Reduction tunes calibration frame handling.
type Reduction struct {
	SkySigma     float64  `json:"sky_sigma"`
	SkyTolerance float64  `json:"sky_tolerance"`
	DarkExposure float64  `json:"default_dark_exposure"`
	Extensions   []string `json:"extensions"`
	Exclude      string   `json:"exclude"`
}

// Regions controls DS9 region generation.
type Regions struct {
	Border float64 `json:"border"`
	Radius float64 `json:"radius"`
	Colour string  `json:"colour" env:"OPENCLUSTERS_REGION_COLOUR"`
}

// Photometry controls aperture measurements.
type Photometry struct {
	AnnulusInner float64 `json:"annulus_inner"`
	AnnulusOuter float64 `json:"annulus_outer"`
	Gain         float64 `json:"gain"`
	Recenter     bool    `json:"recenter"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr" env:"OPENCLUSTERS_ADDR"`
	GRPCAddr string `json:"grpc_addr" env:"OPENCLUSTERS_GRPC_ADDR"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Endpoint    string `json:"endpoint" env:"OPENCLUSTERS_OTEL_ENDPOINT"`
	Enabled     bool   `json:"enabled" env:"OPENCLUSTERS_OTEL_ENABLED"`
	ServiceName string `json:"service_name"`
}

// Load reads configuration from disk, falling back to sensible defaults,
// then applies OPENCLUSTERS_* environment overrides.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv(ConfigEnv)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	if err := decodeFile(expanded, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Reduction.SkySigma <= 0 {
		errs = append(errs, fmt.Errorf("reduction.sky_sigma must be positive, got %g", c.Reduction.SkySigma))
	}
	if len(c.Reduction.Extensions) == 0 {
		errs = append(errs, errors.New("reduction.extensions must list at least one extension"))
	}
	for _, ext := range c.Reduction.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			errs = append(errs, fmt.Errorf("reduction.extensions: %q must look like \".fits\"", ext))
		}
	}
	if c.Regions.Radius <= 0 {
		errs = append(errs, fmt.Errorf("regions.radius must be positive, got %g", c.Regions.Radius))
	}
	if c.Regions.Border < 0 {
		errs = append(errs, fmt.Errorf("regions.border must not be negative, got %g", c.Regions.Border))
	}
	if c.Photometry.AnnulusInner <= 0 || c.Photometry.AnnulusOuter <= c.Photometry.AnnulusInner {
		errs = append(errs, fmt.Errorf("photometry annulus must satisfy 0 < inner < outer, got %g/%g",
			c.Photometry.AnnulusInner, c.Photometry.AnnulusOuter))
	}
	if c.Photometry.Gain <= 0 {
		errs = append(errs, fmt.Errorf("photometry.gain must be positive, got %g", c.Photometry.Gain))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DataDir:      ".",
			DatabasePath: filepath.Join(os.TempDir(), "openclusters.db"),
		},
		Reduction: Reduction{
			SkySigma:     3,
			SkyTolerance: 1e-6,
			DarkExposure: 30,
			Extensions:   []string{".fits", ".fit", ".fts"},
			Exclude:      "master*",
		},
		Regions: Regions{
			Border: 50,
			Radius: 5,
			Colour: "green",
		},
		Photometry: Photometry{
			AnnulusInner: 15,
			AnnulusOuter: 20,
			Gain:         1,
		},
		Server: Server{
			Addr: ":8080",
		},
		Telemetry: Telemetry{
			Enabled:     true,
			ServiceName: "openclusters",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
