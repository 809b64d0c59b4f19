package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pipeline:
  boost_minutes: 15
  rate_max_ceiling: 25
  advance_threshold:
    extract: 10
discover:
  workers: 3
  rate_per_second: 2
extract:
  workers: 8
  max_workers: 16
checkpoint:
  backend: postgres
  dsn: postgres://jobsift:pw@localhost:5432/jobsift
source:
  base_url: https://jobs.example.com
  categories: [engineering, data]
  locations: [remote]
  pages_per_search: 3
storage:
  backend: local
  local_dir: /tmp/jobsift-blobs
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Discover.Workers != 3 || cfg.Discover.RatePerSecond != 2 {
		t.Fatalf("expected discover overrides to apply: %+v", cfg.Discover)
	}
	if cfg.Extract.Workers != 8 || cfg.Extract.MaxWorkers != 16 {
		t.Fatalf("expected extract overrides to apply: %+v", cfg.Extract)
	}
	if cfg.Extract.RatePerSecond != 5 {
		t.Fatalf("expected extract rate default to survive, got %v", cfg.Extract.RatePerSecond)
	}
	if cfg.Pipeline.AdvanceThreshold["extract"] != 10 {
		t.Fatalf("expected advance threshold for extract, got %+v", cfg.Pipeline.AdvanceThreshold)
	}
	if cfg.Checkpoint.Backend != "postgres" || cfg.Checkpoint.DSN == "" {
		t.Fatalf("expected postgres checkpoint config: %+v", cfg.Checkpoint)
	}
	if len(cfg.Source.Categories) != 2 || cfg.Source.PagesPerSearch != 3 {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if got := cfg.BoostDuration(); got != 15*time.Minute {
		t.Fatalf("expected boost duration 15m, got %v", got)
	}
	if got := cfg.BackoffInitial(); got != time.Second {
		t.Fatalf("expected default backoff 1s, got %v", got)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Checkpoint.Backend != "memory" || cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory backends by default: %+v %+v", cfg.Checkpoint, cfg.Storage)
	}
	if cfg.Index.RatePerSecond != 10 {
		t.Fatalf("expected index rate default 10, got %v", cfg.Index.RatePerSecond)
	}
	if cfg.Stage("index").Workers != 2 {
		t.Fatalf("expected index workers default 2, got %d", cfg.Stage("index").Workers)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Discover:   StageConfig{Workers: 1, RatePerSecond: 1},
		Extract:    StageConfig{Workers: 1, RatePerSecond: 1},
		Classify:   StageConfig{Workers: 1, RatePerSecond: 1},
		Index:      StageConfig{Workers: 1, RatePerSecond: 1},
		Checkpoint: CheckpointConfig{Backend: "memory"},
		Storage:    StorageConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Extract.Workers = 0
				return c
			}(),
			want: "extract.workers",
		},
		{
			name: "invalid rate",
			cfg: func() Config {
				c := base
				c.Classify.RatePerSecond = 0
				return c
			}(),
			want: "classify.rate_per_second",
		},
		{
			name: "max workers below workers",
			cfg: func() Config {
				c := base
				c.Index.Workers = 4
				c.Index.MaxWorkers = 2
				return c
			}(),
			want: "index.max_workers",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Checkpoint.Backend = "postgres"
				return c
			}(),
			want: "checkpoint.dsn",
		},
		{
			name: "unknown checkpoint backend",
			cfg: func() Config {
				c := base
				c.Checkpoint.Backend = "mongo"
				return c
			}(),
			want: "checkpoint.backend",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
