// Package workflow chains the search, imagery release, and cars release pipelines.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/sceneflow/internal/clock"
	"github.com/JakeFAU/sceneflow/internal/metrics"
	"github.com/JakeFAU/sceneflow/internal/scene"
	"github.com/JakeFAU/sceneflow/internal/transport"
)

// ErrSkipped marks a release that never started because an earlier release hit a
// terminal authentication failure.
var ErrSkipped = errors.New("release skipped")

// DataGetter runs one remote pipeline to completion.
type DataGetter interface {
	GetData(ctx context.Context, payload any) (json.RawMessage, error)
}

// IDGenerator produces workflow run ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls the search window and release scheduling.
type Config struct {
	Provider string
	Dataset  string
	Lookback time.Duration
	// ParallelReleases runs the imagery and cars releases concurrently.
	ParallelReleases bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Outcome is the result of one release pipeline.
type Outcome struct {
	Data json.RawMessage
	Err  error
}

// OK reports whether the release produced a result.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Data != nil
}

// Result is everything one workflow run produced. Releases are reported
// individually so a caller can tell which one failed.
type Result struct {
	RunID string
	// Selected is set once a scene has been chosen. Scene is only meaningful then;
	// its SceneID may still be empty when the catalogue omits it.
	Selected bool
	Scene    scene.Scene
	Imagery  Outcome
	Cars     Outcome
}

// Orchestrator runs the three-pipeline workflow.
type Orchestrator struct {
	search  DataGetter
	imagery DataGetter
	cars    DataGetter
	clock   clock.Clock
	ids     IDGenerator
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New constructs an Orchestrator.
func New(
	search DataGetter,
	imagery DataGetter,
	cars DataGetter,
	clk clock.Clock,
	ids IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Orchestrator{
		search:  search,
		imagery: imagery,
		cars:    cars,
		clock:   clk,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
		tracer:  tp.Tracer("github.com/JakeFAU/sceneflow/internal/workflow"),
	}
}

// Run searches extent, selects the best scene, and releases imagery and cars maps
// for it. A search or selection failure aborts before any release starts. Release
// failures are reported in the Result and combined into the returned error.
func (o *Orchestrator) Run(ctx context.Context, extent json.RawMessage) (res Result, err error) {
	ctx, span := o.tracer.Start(ctx, "workflow.run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "workflow failed")
		}
		span.End()
	}()

	runID, err := o.ids.NewID()
	if err != nil {
		return res, fmt.Errorf("run id: %w", err)
	}
	res.RunID = runID
	span.SetAttributes(attribute.String("sceneflow.run_id", runID))
	logger := o.logger.With(zap.String("run_id", runID))

	payload := SearchPayload(extent, o.clock.Now(), o.cfg.Lookback, o.cfg.Provider, o.cfg.Dataset)
	logger.Info("searching scenes",
		zap.String("provider", payload.Provider),
		zap.String("dataset", payload.Dataset),
		zap.String("start", payload.StartDatetime),
	)
	raw, err := o.search.GetData(ctx, payload)
	if err != nil {
		metrics.ObserveWorkflow("failed")
		return res, fmt.Errorf("search: %w", err)
	}

	collection, err := scene.Decode(raw)
	if err != nil {
		metrics.ObserveWorkflow("failed")
		return res, err
	}
	best, err := scene.SelectBest(collection)
	if err != nil {
		metrics.ObserveWorkflow("failed")
		return res, fmt.Errorf("select scene: %w", err)
	}
	res.Scene = best
	res.Selected = true
	span.SetAttributes(attribute.String("sceneflow.scene_id", best.SceneID))
	logger = logger.With(zap.String("scene_id", best.SceneID))
	logger.Info("scene selected", zap.Int("candidates", len(collection.Results)))

	release := ReleasePayload(extent, best.SceneID)
	if o.cfg.ParallelReleases {
		res.Imagery, res.Cars = o.releaseParallel(ctx, release)
	} else {
		res.Imagery, res.Cars = o.releaseSequential(ctx, release)
	}

	err = multierr.Combine(releaseErr("imagery", res.Imagery), releaseErr("cars", res.Cars))
	switch {
	case err == nil:
		metrics.ObserveWorkflow("succeeded")
		logger.Info("workflow complete")
	case res.Imagery.OK() || res.Cars.OK():
		metrics.ObserveWorkflow("partial")
		logger.Warn("workflow partially complete",
			zap.Bool("imagery_ok", res.Imagery.OK()),
			zap.Bool("cars_ok", res.Cars.OK()),
			zap.Error(err),
		)
	default:
		metrics.ObserveWorkflow("failed")
	}
	return res, err
}

func (o *Orchestrator) releaseSequential(ctx context.Context, payload ReleaseRequest) (Outcome, Outcome) {
	imagery := o.runRelease(ctx, o.imagery, payload)
	if terminal(imagery.Err) {
		return imagery, Outcome{Err: ErrSkipped}
	}
	return imagery, o.runRelease(ctx, o.cars, payload)
}

func (o *Orchestrator) releaseParallel(ctx context.Context, payload ReleaseRequest) (Outcome, Outcome) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		imagery Outcome
		cars    Outcome
	)
	run := func(getter DataGetter, out *Outcome) {
		defer wg.Done()
		*out = o.runRelease(ctx, getter, payload)
		// A rejected token fails the sibling too; stop it instead of waiting it out.
		if terminal(out.Err) {
			cancel()
		}
	}
	wg.Add(2)
	go run(o.imagery, &imagery)
	go run(o.cars, &cars)
	wg.Wait()
	return imagery, cars
}

func (o *Orchestrator) runRelease(ctx context.Context, getter DataGetter, payload ReleaseRequest) Outcome {
	data, err := getter.GetData(ctx, payload)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Data: data}
}

func terminal(err error) bool {
	var authErr *transport.AuthenticationError
	return errors.As(err, &authErr) || errors.Is(err, context.Canceled)
}

func releaseErr(name string, o Outcome) error {
	if o.Err == nil || errors.Is(o.Err, ErrSkipped) {
		return nil
	}
	return fmt.Errorf("%s release: %w", name, o.Err)
}
