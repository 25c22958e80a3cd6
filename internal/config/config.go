package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "WHISTLE_CONFIG"
	DefaultConfigPath = "/etc/whistle/whistle.yaml"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Run     RunConfig     `yaml:"run"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxListenSessions int64         `yaml:"max_listen_sessions"`
}

type RunConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
	History int `yaml:"history"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is present. The write
// timeout has to outlast the longest listen session.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:            "127.0.0.1:8787",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      11 * time.Minute,
			IdleTimeout:       60 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			MaxListenSessions: 4,
		},
		Run: RunConfig{
			Workers: 8,
			Queue:   64,
			History: 8,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads path on top of Default, so a file only has to name what it changes.
func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by WHISTLE_CONFIG. Without the variable a
// missing default file is not an error.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		cfg, err := Load(ctx, DefaultConfigPath)
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return cfg, err
	}
	return Load(ctx, path)
}

func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must not be negative, got %v", c.Server.RequestsPerSecond)
	}
	if c.Server.Burst < 0 {
		return fmt.Errorf("server.burst must not be negative, got %d", c.Server.Burst)
	}
	if c.Server.MaxListenSessions < 0 {
		return fmt.Errorf("server.max_listen_sessions must not be negative, got %d", c.Server.MaxListenSessions)
	}
	if c.Run.Workers < 0 || c.Run.Queue < 0 || c.Run.History < 0 {
		return errors.New("run.workers, run.queue and run.history must not be negative")
	}
	return nil
}
