package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  listen: 127.0.0.1:9000
  read_timeout: 5s
  requests_per_second: 2.5
  burst: 3
  max_listen_sessions: 1
run:
  workers: 2
metrics:
  enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whistle.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen: %s", cfg.Server.Listen)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Fatalf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.RequestsPerSecond != 2.5 || cfg.Server.Burst != 3 {
		t.Fatalf("unexpected limiter settings: %+v", cfg.Server)
	}
	if cfg.Run.Workers != 2 {
		t.Fatalf("unexpected workers: %d", cfg.Run.Workers)
	}
	if cfg.Metrics.Enabled {
		t.Fatalf("expected metrics disabled")
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	def := Default()
	if cfg.Server.WriteTimeout != def.Server.WriteTimeout {
		t.Fatalf("expected default write timeout, got %s", cfg.Server.WriteTimeout)
	}
	if cfg.Run.Queue != def.Run.Queue {
		t.Fatalf("expected default queue, got %d", cfg.Run.Queue)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(context.Background(), writeConfig(t, "server:\n  burst: -1\n"))
	if err == nil || !strings.Contains(err.Error(), "server.burst") {
		t.Fatalf("expected burst error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envConfigPath, writeConfig(t, sampleYAML))

	cfg, err := LoadFromEnv(context.Background())
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}
	if cfg.Server.MaxListenSessions != 1 {
		t.Fatalf("unexpected max listen sessions: %d", cfg.Server.MaxListenSessions)
	}
}

func TestLoadFromEnvMissingExplicitFile(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := LoadFromEnv(context.Background()); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
