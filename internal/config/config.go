// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Automation  AutomationConfig  `koanf:"automation"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// Driver selects the backend: memory, sqlite, or postgres.
	Driver string `koanf:"driver"`
	// Path is the sqlite database file.
	Path string `koanf:"path"`
	// DSN is the postgres connection string.
	DSN string `koanf:"dsn"`
}

type DefinitionsConfig struct {
	// Path is a YAML pipeline definition file applied at startup. Empty
	// disables definition loading.
	Path string `koanf:"path"`
	// Watch reapplies the file on change.
	Watch bool `koanf:"watch"`
}

type AutomationConfig struct {
	// Endpoint is the external automation executor's webhook URL. Empty
	// disables dispatch.
	Endpoint string `koanf:"endpoint"`
	Workers  int    `koanf:"workers"`
	Queue    int    `koanf:"queue"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or the file does not exist) and then from STAGEFLOW_* environment
// variables, which take precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	// Environment variables override the file: STAGEFLOW_SERVER_PORT maps
	// to server.port.
	if err := k.Load(env.Provider("STAGEFLOW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STAGEFLOW_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.driver") {
		k.Set("storage.driver", "memory")
	}
	if !k.Exists("storage.path") {
		k.Set("storage.path", "stageflow.db")
	}
	if !k.Exists("automation.workers") {
		k.Set("automation.workers", 4)
	}
	if !k.Exists("automation.queue") {
		k.Set("automation.queue", 256)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
