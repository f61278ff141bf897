package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server   ServerConfig   `toml:"server"`   // HTTP server settings
	Logging  LoggingConfig  `toml:"logging"`  // Application logging settings
	Upstream UpstreamConfig `toml:"upstream"` // Public turbulence API settings
	Forecast ForecastConfig `toml:"forecast"` // Layer selection, refresh and cache settings
	Storage  StorageConfig  `toml:"storage"`  // Snapshot persistence settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts    []int    `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
	StaticFilesDir     string   `toml:"static_files_dir"`      // Directory to serve the bundled web map from (e.g., "www")
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// UpstreamConfig contains the public turbulence forecast API settings
type UpstreamConfig struct {
	BaseURL               string  `toml:"base_url"`                // Base URL of the turbulence API (the .../api prefix)
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"` // HTTP request timeout in seconds
	MaxRetries            int     `toml:"max_retries"`             // Maximum number of retry attempts for failed requests
	RateLimitPerSecond    float64 `toml:"rate_limit_per_second"`   // Maximum outbound requests per second (token bucket)
	RateLimitBurst        int     `toml:"rate_limit_burst"`        // Token bucket burst size
	BreakerMaxFailures    int     `toml:"breaker_max_failures"`    // Consecutive failures before the circuit breaker opens
	BreakerOpenSeconds    int     `toml:"breaker_open_seconds"`    // How long the breaker stays open before probing again
}

// ForecastConfig contains layer selection, refresh and cache settings
type ForecastConfig struct {
	EnabledLayers          []string `toml:"enabled_layers"`           // Layer ids to serve; empty enables the full fixed table
	RefreshIntervalMinutes int      `toml:"refresh_interval_minutes"` // Background time index refresh interval in minutes
	TimesExpiryMinutes     int      `toml:"times_expiry_minutes"`     // How long a cached time index stays valid
	PolygonExpiryMinutes   int      `toml:"polygon_expiry_minutes"`   // How long a cached polygon set stays valid
	LegendExpiryMinutes    int      `toml:"legend_expiry_minutes"`    // How long a cached legend image stays valid
	TileCacheSize          int      `toml:"tile_cache_size"`          // Number of proxied tile images held in the LRU
}

// StorageConfig contains snapshot persistence configuration
type StorageConfig struct {
	SQLitePath           string `toml:"sqlite_path"`             // Path to the snapshot database file
	MaxSnapshotsPerLayer int    `toml:"max_snapshots_per_layer"` // Snapshot rows kept per layer before pruning
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and applies defaults for zero values
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	portsSeen := map[int]bool{c.Server.Port: true}
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid additional server port: %d", p)
		}
		if portsSeen[p] {
			return fmt.Errorf("duplicate port configured: %d (primary or additional)", p)
		}
		portsSeen[p] = true
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.ValidateUpstream(); err != nil {
		return err
	}
	if err := c.ValidateForecast(); err != nil {
		return err
	}

	// Validate storage config
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite_path cannot be empty")
	}
	if c.Storage.MaxSnapshotsPerLayer < 0 {
		return fmt.Errorf("max_snapshots_per_layer must be 0 or greater: %d", c.Storage.MaxSnapshotsPerLayer)
	}
	if c.Storage.MaxSnapshotsPerLayer == 0 {
		c.Storage.MaxSnapshotsPerLayer = 500
	}

	return nil
}

// ValidateUpstream validates the upstream API configuration
func (c *Config) ValidateUpstream() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url cannot be empty")
	}
	if c.Upstream.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream request_timeout_seconds must be greater than 0: %d", c.Upstream.RequestTimeoutSeconds)
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream max_retries must be 0 or greater: %d", c.Upstream.MaxRetries)
	}
	if c.Upstream.RateLimitPerSecond < 0 {
		return fmt.Errorf("upstream rate_limit_per_second must be 0 or greater: %f", c.Upstream.RateLimitPerSecond)
	}
	if c.Upstream.RateLimitPerSecond == 0 {
		c.Upstream.RateLimitPerSecond = 5
	}
	if c.Upstream.RateLimitBurst == 0 {
		c.Upstream.RateLimitBurst = 10
	}
	if c.Upstream.BreakerMaxFailures == 0 {
		c.Upstream.BreakerMaxFailures = 5
	}
	if c.Upstream.BreakerOpenSeconds == 0 {
		c.Upstream.BreakerOpenSeconds = 60
	}
	return nil
}

// ValidateForecast validates the forecast service configuration
func (c *Config) ValidateForecast() error {
	if c.Forecast.RefreshIntervalMinutes <= 0 {
		return fmt.Errorf("forecast refresh_interval_minutes must be greater than 0: %d", c.Forecast.RefreshIntervalMinutes)
	}
	if c.Forecast.TimesExpiryMinutes <= 0 {
		return fmt.Errorf("forecast times_expiry_minutes must be greater than 0: %d", c.Forecast.TimesExpiryMinutes)
	}
	if c.Forecast.PolygonExpiryMinutes == 0 {
		c.Forecast.PolygonExpiryMinutes = 30
	}
	if c.Forecast.LegendExpiryMinutes == 0 {
		c.Forecast.LegendExpiryMinutes = 720
	}
	if c.Forecast.TileCacheSize == 0 {
		c.Forecast.TileCacheSize = 512
	}
	return nil
}
