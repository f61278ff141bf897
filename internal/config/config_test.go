package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validTOML = `
[server]
port = 8080
host = "127.0.0.1"
cors_allowed_origins = ["*"]

[logging]
level = "info"
format = "console"

[upstream]
base_url = "http://localhost:9999/api"
request_timeout_seconds = 10
max_retries = 2

[forecast]
enabled_layers = ["turb-30-31"]
refresh_interval_minutes = 10
times_expiry_minutes = 15

[storage]
sqlite_path = "data/test.db"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Unexpected server config: %+v", cfg.Server)
	}
	if cfg.Upstream.BaseURL != "http://localhost:9999/api" {
		t.Errorf("Unexpected upstream base url: %s", cfg.Upstream.BaseURL)
	}
	if len(cfg.Forecast.EnabledLayers) != 1 || cfg.Forecast.EnabledLayers[0] != "turb-30-31" {
		t.Errorf("Unexpected enabled layers: %v", cfg.Forecast.EnabledLayers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "[server\nport=")); err == nil {
		t.Error("Expected error for malformed toml")
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	if cfg.Upstream.RateLimitPerSecond != 5 {
		t.Errorf("Expected default rate limit 5, got %f", cfg.Upstream.RateLimitPerSecond)
	}
	if cfg.Upstream.RateLimitBurst != 10 {
		t.Errorf("Expected default burst 10, got %d", cfg.Upstream.RateLimitBurst)
	}
	if cfg.Upstream.BreakerMaxFailures != 5 || cfg.Upstream.BreakerOpenSeconds != 60 {
		t.Errorf("Unexpected breaker defaults: %+v", cfg.Upstream)
	}
	if cfg.Forecast.PolygonExpiryMinutes != 30 || cfg.Forecast.LegendExpiryMinutes != 720 {
		t.Errorf("Unexpected expiry defaults: %+v", cfg.Forecast)
	}
	if cfg.Forecast.TileCacheSize != 512 {
		t.Errorf("Expected default tile cache size 512, got %d", cfg.Forecast.TileCacheSize)
	}
	if cfg.Storage.MaxSnapshotsPerLayer != 500 {
		t.Errorf("Expected default retention 500, got %d", cfg.Storage.MaxSnapshotsPerLayer)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad additional port", func(c *Config) { c.Server.AdditionalPorts = []int{70000} }},
		{"duplicate port", func(c *Config) { c.Server.AdditionalPorts = []int{8080} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"empty base url", func(c *Config) { c.Upstream.BaseURL = "" }},
		{"bad timeout", func(c *Config) { c.Upstream.RequestTimeoutSeconds = 0 }},
		{"negative retries", func(c *Config) { c.Upstream.MaxRetries = -1 }},
		{"bad refresh interval", func(c *Config) { c.Forecast.RefreshIntervalMinutes = 0 }},
		{"bad times expiry", func(c *Config) { c.Forecast.TimesExpiryMinutes = 0 }},
		{"empty sqlite path", func(c *Config) { c.Storage.SQLitePath = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validTOML))
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadWithFallback(t *testing.T) {
	path := writeConfig(t, validTOML)

	cfg, err := LoadWithFallback(path)
	if err != nil {
		t.Fatalf("Failed to load via fallback: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Unexpected port: %d", cfg.Server.Port)
	}

	missing := filepath.Join(t.TempDir(), "absent.toml")
	if _, err := LoadWithFallback(missing); err == nil {
		t.Error("Expected error when no config exists anywhere")
	} else if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Unexpected error message: %v", err)
	}
}
