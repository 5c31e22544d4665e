// Package config loads and validates sceneflow configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Auth     AuthConfig     `mapstructure:"auth"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Poll     PollConfig     `mapstructure:"poll"`
	Search   SearchConfig   `mapstructure:"search"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// APIConfig holds the remote endpoint URLs and the client-side request rate.
type APIConfig struct {
	SearchEndpoint    string  `mapstructure:"search_endpoint"`
	ImageryEndpoint   string  `mapstructure:"imagery_endpoint"`
	CarsEndpoint      string  `mapstructure:"cars_endpoint"`
	StatusEndpoint    string  `mapstructure:"status_endpoint"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// AuthConfig carries the bearer token. Token is read from the environment variable
// named by TokenEnv.
type AuthConfig struct {
	TokenEnv string `mapstructure:"token_env"`
	Token    string `mapstructure:"token"`
}

// HTTPConfig configures HTTP client timeouts and transport retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int  `mapstructure:"timeout_seconds"`
	MaxRetries       int  `mapstructure:"max_retries"`
	BackoffInitialMs int  `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int  `mapstructure:"backoff_max_ms"`
	RetryInitiate    bool `mapstructure:"retry_initiate"`
}

// PollConfig bounds the status polling phase of every pipeline.
type PollConfig struct {
	DefaultNextTrySeconds int `mapstructure:"default_next_try_seconds"`
	MaxWaitMinutes        int `mapstructure:"max_wait_minutes"`
	MaxPolls              int `mapstructure:"max_polls"`
	MaxDelaySeconds       int `mapstructure:"max_delay_seconds"`
}

// SearchConfig selects the imagery catalogue and acquisition window.
type SearchConfig struct {
	Provider     string `mapstructure:"provider"`
	Dataset      string `mapstructure:"dataset"`
	LookbackDays int    `mapstructure:"lookback_days"`
}

// WorkflowConfig controls release scheduling.
type WorkflowConfig struct {
	ParallelReleases bool `mapstructure:"parallel_releases"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus textfile written on exit.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// TracingConfig controls OpenTelemetry tracing. ProjectID enables Cloud Trace export.
type TracingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCENEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	tokenEnv := strings.TrimSpace(v.GetString("auth.token_env"))
	if tokenEnv == "" {
		return Config{}, fmt.Errorf("auth.token_env must be set")
	}
	if err := v.BindEnv("auth.token", tokenEnv, "SCENEFLOW_AUTH_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind token env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.search_endpoint", "https://spaceknow-imagery.appspot.com/imagery/search")
	v.SetDefault("api.imagery_endpoint", "https://spaceknow-kraken.appspot.com/kraken/release/imagery/geojson")
	v.SetDefault("api.cars_endpoint", "https://spaceknow-kraken.appspot.com/kraken/release/cars/geojson")
	v.SetDefault("api.status_endpoint", "https://spaceknow-tasking.appspot.com/tasking/get-status")
	v.SetDefault("api.requests_per_second", 0)
	v.SetDefault("api.burst", 1)
	v.SetDefault("auth.token_env", "JWT_TOKEN")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.retry_initiate", false)
	v.SetDefault("poll.default_next_try_seconds", 100)
	v.SetDefault("poll.max_wait_minutes", 120)
	v.SetDefault("poll.max_polls", 0)
	v.SetDefault("poll.max_delay_seconds", 0)
	v.SetDefault("search.provider", "gbdx")
	v.SetDefault("search.dataset", "idaho-pansharpened")
	v.SetDefault("search.lookback_days", 90)
	v.SetDefault("workflow.parallel_releases", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	endpoints := map[string]string{
		"api.search_endpoint":  c.API.SearchEndpoint,
		"api.imagery_endpoint": c.API.ImageryEndpoint,
		"api.cars_endpoint":    c.API.CarsEndpoint,
		"api.status_endpoint":  c.API.StatusEndpoint,
	}
	for _, key := range []string{"api.search_endpoint", "api.imagery_endpoint", "api.cars_endpoint", "api.status_endpoint"} {
		if strings.TrimSpace(endpoints[key]) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("api.requests_per_second must be >= 0")
	}
	if c.API.RequestsPerSecond > 0 && c.API.Burst <= 0 {
		return fmt.Errorf("api.burst must be > 0 when api.requests_per_second is set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffInitialMs < 0 || c.HTTP.BackoffMaxMs < 0 {
		return fmt.Errorf("http backoff values must be >= 0")
	}
	if c.Poll.DefaultNextTrySeconds <= 0 {
		return fmt.Errorf("poll.default_next_try_seconds must be > 0")
	}
	if c.Poll.MaxWaitMinutes < 0 {
		return fmt.Errorf("poll.max_wait_minutes must be >= 0")
	}
	if c.Poll.MaxPolls < 0 {
		return fmt.Errorf("poll.max_polls must be >= 0")
	}
	if c.Poll.MaxDelaySeconds < 0 {
		return fmt.Errorf("poll.max_delay_seconds must be >= 0")
	}
	if c.Search.LookbackDays <= 0 {
		return fmt.Errorf("search.lookback_days must be > 0")
	}
	return nil
}

// RequestTimeout is the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first transport retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps transport retry delays.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// DefaultNextTry is the poll delay used when the service does not advertise one.
func (c Config) DefaultNextTry() time.Duration {
	return time.Duration(c.Poll.DefaultNextTrySeconds) * time.Second
}

// MaxWait bounds each pipeline's poll phase; zero means unbounded.
func (c Config) MaxWait() time.Duration {
	return time.Duration(c.Poll.MaxWaitMinutes) * time.Minute
}

// MaxDelay caps any single poll delay; zero means uncapped.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Poll.MaxDelaySeconds) * time.Second
}

// Lookback is the search acquisition window.
func (c Config) Lookback() time.Duration {
	return time.Duration(c.Search.LookbackDays) * 24 * time.Hour
}
