package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("STAGEFLOW_SERVER_PORT")
	os.Unsetenv("STAGEFLOW_STORAGE_DRIVER")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver = %v, want memory", cfg.Storage.Driver)
	}
	if cfg.Automation.Workers != 4 {
		t.Errorf("workers = %v, want 4", cfg.Automation.Workers)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STAGEFLOW_SERVER_PORT", "9000")
	t.Setenv("STAGEFLOW_STORAGE_DRIVER", "sqlite")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %v, want 9000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %v, want sqlite", cfg.Storage.Driver)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 7070
storage:
  driver: sqlite
  path: /tmp/flow.db
definitions:
  path: pipelines.yaml
  watch: true
automation:
  endpoint: https://hooks.example.com/run
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %v, want 7070", cfg.Server.Port)
	}
	if cfg.Storage.Path != "/tmp/flow.db" {
		t.Errorf("path = %v", cfg.Storage.Path)
	}
	if !cfg.Definitions.Watch {
		t.Error("definitions.watch not read from file")
	}
	if cfg.Automation.Endpoint != "https://hooks.example.com/run" {
		t.Errorf("endpoint = %v", cfg.Automation.Endpoint)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STAGEFLOW_SERVER_PORT", "9001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %v, want env override 9001", cfg.Server.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("STAGEFLOW_STORAGE_DRIVER", "postgres")
	os.Unsetenv("STAGEFLOW_STORAGE_DSN")
	if _, err := Load(""); err == nil {
		t.Error("postgres without dsn should fail validation")
	}

	t.Setenv("STAGEFLOW_STORAGE_DRIVER", "cassandra")
	if _, err := Load(""); err == nil {
		t.Error("unknown driver should fail validation")
	}
}
