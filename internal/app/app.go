// Package app wires configuration into long-lived services, acting as a dependency
// injection container for a single workflow run.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sceneflow/internal/clock"
	"github.com/JakeFAU/sceneflow/internal/clock/system"
	"github.com/JakeFAU/sceneflow/internal/config"
	"github.com/JakeFAU/sceneflow/internal/geojson"
	"github.com/JakeFAU/sceneflow/internal/id/uuid"
	"github.com/JakeFAU/sceneflow/internal/pipeline"
	"github.com/JakeFAU/sceneflow/internal/policy/ratelimit"
	"github.com/JakeFAU/sceneflow/internal/transport"
	"github.com/JakeFAU/sceneflow/internal/workflow"
)

// UserAgent identifies sceneflow to the remote API.
const UserAgent = "sceneflow/1.0"

// Endpoint family labels used in logs and metrics.
const (
	FamilySearch  = "search"
	FamilyImagery = "imagery"
	FamilyCars    = "cars"
)

// Option customizes App construction.
type Option func(*options)

type options struct {
	doer       transport.Doer
	clock      clock.Clock
	objects    geojson.ObjectOpener
	storageOpt []option.ClientOption
}

// WithHTTPDoer replaces the HTTP client used for API calls.
func WithHTTPDoer(doer transport.Doer) Option {
	return func(o *options) { o.doer = doer }
}

// WithClock replaces the wall clock used for polling and search windows.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithObjectOpener replaces the gs:// reader.
func WithObjectOpener(objects geojson.ObjectOpener) Option {
	return func(o *options) { o.objects = objects }
}

// WithStorageOptions passes client options to the lazily created GCS client.
func WithStorageOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.storageOpt = append(o.storageOpt, opts...) }
}

// App holds the services needed to run the workflow.
type App struct {
	logger       *zap.Logger
	loader       *geojson.Loader
	orchestrator *workflow.Orchestrator
	gcs          *geojson.GCSOpener
}

// New builds an App from cfg.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.doer == nil {
		o.doer = transport.NewHTTPClient(cfg.RequestTimeout())
	}
	if o.clock == nil {
		o.clock = system.New()
	}

	a := &App{logger: logger}
	if o.objects == nil {
		a.gcs = geojson.NewGCSOpener(o.storageOpt...)
		o.objects = a.gcs
	}
	a.loader = geojson.NewLoader(o.objects)

	cred := transport.NewCredential(cfg.Auth.Token)
	if cred.Empty() {
		logger.Warn("no API token configured; requests will be rejected",
			zap.String("token_env", cfg.Auth.TokenEnv))
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.API.RequestsPerSecond,
		DefaultBurst: cfg.API.Burst,
	})
	tc := transport.New(o.doer, cred, limiter, transport.Config{UserAgent: UserAgent}, logger)

	var retry pipeline.RetryPolicy
	if cfg.HTTP.MaxRetries > 0 {
		retry = pipeline.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax())
	}
	client := func(family, endpoint string) *pipeline.Client {
		return pipeline.New(tc, o.clock, retry, pipeline.Config{
			Family:         family,
			Endpoint:       endpoint,
			StatusEndpoint: cfg.API.StatusEndpoint,
			DefaultNextTry: cfg.DefaultNextTry(),
			MaxDelay:       cfg.MaxDelay(),
			MaxWait:        cfg.MaxWait(),
			MaxPolls:       cfg.Poll.MaxPolls,
			RetryInitiate:  cfg.HTTP.RetryInitiate,
		}, logger)
	}

	a.orchestrator = workflow.New(
		client(FamilySearch, cfg.API.SearchEndpoint),
		client(FamilyImagery, cfg.API.ImageryEndpoint),
		client(FamilyCars, cfg.API.CarsEndpoint),
		o.clock,
		uuid.New(),
		workflow.Config{
			Provider:         cfg.Search.Provider,
			Dataset:          cfg.Search.Dataset,
			Lookback:         cfg.Lookback(),
			ParallelReleases: cfg.Workflow.ParallelReleases,
		},
		logger,
	)
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run loads the geometry at location and runs the workflow over it.
func (a *App) Run(ctx context.Context, location string) (workflow.Result, error) {
	extent, err := a.loader.Load(ctx, location)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("load geometry: %w", err)
	}
	a.logger.Debug("geometry loaded", zap.String("location", location), zap.Int("bytes", len(extent)))
	return a.orchestrator.Run(ctx, extent)
}

// Close releases clients held by the App.
func (a *App) Close() {
	if a.gcs == nil {
		return
	}
	if err := a.gcs.Close(); err != nil {
		a.logger.Warn("error closing storage client", zap.Error(err))
	}
}
