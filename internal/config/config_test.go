package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_TOKEN", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.StatusEndpoint != "https://spaceknow-tasking.appspot.com/tasking/get-status" {
		t.Fatalf("unexpected status endpoint %q", cfg.API.StatusEndpoint)
	}
	if cfg.Auth.TokenEnv != "JWT_TOKEN" || cfg.Auth.Token != "" {
		t.Fatalf("expected empty token read from JWT_TOKEN, got %+v", cfg.Auth)
	}
	if got := cfg.DefaultNextTry(); got != 100*time.Second {
		t.Fatalf("expected default next try 100s, got %v", got)
	}
	if got := cfg.MaxWait(); got != 2*time.Hour {
		t.Fatalf("expected max wait 2h, got %v", got)
	}
	if cfg.MaxDelay() != 0 || cfg.Poll.MaxPolls != 0 {
		t.Fatalf("expected unbounded polls and uncapped delay")
	}
	if cfg.Search.Provider != "gbdx" || cfg.Search.Dataset != "idaho-pansharpened" {
		t.Fatalf("unexpected search defaults %+v", cfg.Search)
	}
	if got := cfg.Lookback(); got != 90*24*time.Hour {
		t.Fatalf("expected 90 day lookback, got %v", got)
	}
	if cfg.Workflow.ParallelReleases || cfg.HTTP.RetryInitiate {
		t.Fatalf("expected conservative workflow defaults")
	}
}

func TestLoadTokenFromEnvironment(t *testing.T) {
	t.Setenv("JWT_TOKEN", "jwt-from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "jwt-from-env" {
		t.Fatalf("expected token from JWT_TOKEN, got %q", cfg.Auth.Token)
	}
}

func TestLoadTokenFromCustomVariable(t *testing.T) {
	t.Setenv("SCENEFLOW_AUTH_TOKEN_ENV", "IMAGERY_TOKEN")
	t.Setenv("IMAGERY_TOKEN", "custom")
	t.Setenv("JWT_TOKEN", "ignored")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "custom" {
		t.Fatalf("expected token from IMAGERY_TOKEN, got %q", cfg.Auth.Token)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Setenv("JWT_TOKEN", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
api:
  search_endpoint: http://localhost:8080/imagery/search
  requests_per_second: 5
  burst: 2
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
  retry_initiate: true
poll:
  default_next_try_seconds: 10
  max_wait_minutes: 5
  max_polls: 30
  max_delay_seconds: 60
search:
  provider: maxar
  lookback_days: 30
workflow:
  parallel_releases: true
logging:
  development: true
metrics:
  textfile: /tmp/sceneflow.prom
tracing:
  enabled: true
  project_id: imagery-prod
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.SearchEndpoint != "http://localhost:8080/imagery/search" {
		t.Fatalf("expected search endpoint override, got %q", cfg.API.SearchEndpoint)
	}
	if cfg.API.CarsEndpoint == "" {
		t.Fatalf("expected cars endpoint default to survive partial override")
	}
	if cfg.API.RequestsPerSecond != 5 || cfg.API.Burst != 2 {
		t.Fatalf("expected rate overrides, got %+v", cfg.API)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %v", got)
	}
	if cfg.BackoffInitial() != 100*time.Millisecond || cfg.BackoffMax() != 500*time.Millisecond {
		t.Fatalf("expected backoff overrides")
	}
	if !cfg.HTTP.RetryInitiate || !cfg.Workflow.ParallelReleases || !cfg.Logging.Development {
		t.Fatalf("expected boolean overrides to apply: %+v", cfg)
	}
	if cfg.DefaultNextTry() != 10*time.Second || cfg.MaxWait() != 5*time.Minute ||
		cfg.MaxDelay() != time.Minute || cfg.Poll.MaxPolls != 30 {
		t.Fatalf("expected poll overrides, got %+v", cfg.Poll)
	}
	if cfg.Search.Provider != "maxar" || cfg.Search.Dataset != "idaho-pansharpened" {
		t.Fatalf("expected provider override with dataset default, got %+v", cfg.Search)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.ProjectID != "imagery-prod" {
		t.Fatalf("expected tracing overrides, got %+v", cfg.Tracing)
	}
	if cfg.Metrics.Textfile != "/tmp/sceneflow.prom" {
		t.Fatalf("expected metrics textfile, got %q", cfg.Metrics.Textfile)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		API: APIConfig{
			SearchEndpoint:  "http://s",
			ImageryEndpoint: "http://i",
			CarsEndpoint:    "http://c",
			StatusEndpoint:  "http://t",
		},
		HTTP:   HTTPConfig{TimeoutSeconds: 10},
		Poll:   PollConfig{DefaultNextTrySeconds: 100},
		Search: SearchConfig{LookbackDays: 90},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing status endpoint", mutate: func(c *Config) { c.API.StatusEndpoint = " " }, want: "api.status_endpoint"},
		{name: "missing cars endpoint", mutate: func(c *Config) { c.API.CarsEndpoint = "" }, want: "api.cars_endpoint"},
		{name: "negative rate", mutate: func(c *Config) { c.API.RequestsPerSecond = -1 }, want: "api.requests_per_second"},
		{name: "rate without burst", mutate: func(c *Config) { c.API.RequestsPerSecond = 1 }, want: "api.burst"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "negative retries", mutate: func(c *Config) { c.HTTP.MaxRetries = -1 }, want: "http.max_retries"},
		{name: "zero next try", mutate: func(c *Config) { c.Poll.DefaultNextTrySeconds = 0 }, want: "poll.default_next_try_seconds"},
		{name: "negative max wait", mutate: func(c *Config) { c.Poll.MaxWaitMinutes = -1 }, want: "poll.max_wait_minutes"},
		{name: "negative max polls", mutate: func(c *Config) { c.Poll.MaxPolls = -1 }, want: "poll.max_polls"},
		{name: "zero lookback", mutate: func(c *Config) { c.Search.LookbackDays = 0 }, want: "search.lookback_days"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
