package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xraph/entitle"
)

// defaultConfigPath is used when neither --config nor ENTITLE_CONFIG is set.
const defaultConfigPath = "entitle.yaml"

// config is the entitlectl configuration file.
//
//	driver: postgres
//	dsn: postgres://localhost:5432/billing?sslmode=disable
//	log_level: info
//	engine:
//	  grace_period_days: 3
//	  near_limit_threshold: 0.8
type config struct {
	Driver   string         `yaml:"driver"`
	DSN      string         `yaml:"dsn"`
	LogLevel string         `yaml:"log_level"`
	Engine   entitle.Config `yaml:"engine"`
}

func defaultConfig() config {
	return config{
		Driver:   "sqlite",
		DSN:      "entitle.db",
		LogLevel: "info",
		Engine:   entitle.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults. A missing file at the default
// path is not an error; ENTITLE_DSN overrides the file's dsn.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("ENTITLE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if dsn := os.Getenv("ENTITLE_DSN"); dsn != "" {
		cfg.DSN = dsn
	}
	if err := cfg.Engine.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
