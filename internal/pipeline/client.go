// Package pipeline implements the initiate / poll / retrieve protocol spoken by the
// remote imagery API. Each Client is bound to one endpoint family (search, imagery
// release, cars release) and funnels its status checks through the shared tasking
// status endpoint.
//
// A call to GetData owns its pipeline id end to end: initiate strictly precedes every
// poll, and every poll strictly precedes the single retrieve. Any failure aborts the
// call; there is no resumption from a saved pipeline id.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sceneflow/internal/clock"
	"github.com/JakeFAU/sceneflow/internal/metrics"
)

// Remote pipeline status values.
const (
	StatusResolved = "RESOLVED"
	StatusFailed   = "FAILED"
)

// DefaultNextTry is used whenever a response omits nextTry or advertises a non-positive delay.
const DefaultNextTry = 100 * time.Second

// Requester posts a JSON payload and returns the raw JSON response.
type Requester interface {
	Request(ctx context.Context, url string, payload any) (json.RawMessage, error)
}

// Config binds a Client to one endpoint family and its poll budget.
type Config struct {
	// Family labels logs and metrics, e.g. "search" or "cars".
	Family string
	// Endpoint is the family base URL; /initiate and /retrieve are appended.
	Endpoint string
	// StatusEndpoint is the shared tasking status URL.
	StatusEndpoint string
	// DefaultNextTry overrides DefaultNextTry when positive.
	DefaultNextTry time.Duration
	// MaxDelay caps any single advertised delay when positive.
	MaxDelay time.Duration
	// MaxWait bounds the whole poll phase when positive.
	MaxWait time.Duration
	// MaxPolls bounds the number of status calls when positive.
	MaxPolls int
	// RetryInitiate allows transport failures on initiate to be retried.
	// Off by default since a lost response may have created a pipeline already.
	RetryInitiate bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

const tracerName = "github.com/JakeFAU/sceneflow/internal/pipeline"

// Handle is the initiate response: the pipeline id plus the advisory first delay.
type Handle struct {
	PipelineID string   `json:"pipelineId"`
	NextTry    *float64 `json:"nextTry,omitempty"`
}

// Status is one status poll response.
type Status struct {
	Status  string   `json:"status"`
	NextTry *float64 `json:"nextTry,omitempty"`
}

type pipelineRef struct {
	PipelineID string `json:"pipelineId"`
}

// Client runs pipelines of one family to completion.
type Client struct {
	requester Requester
	clock     clock.Clock
	retry     RetryPolicy
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs a Client. retry may be nil to disable retries.
func New(requester Requester, clk clock.Clock, retry RetryPolicy, cfg Config, logger *zap.Logger) *Client {
	if cfg.DefaultNextTry <= 0 {
		cfg.DefaultNextTry = DefaultNextTry
	}
	if cfg.Family == "" {
		cfg.Family = "pipeline"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Client{
		requester: requester,
		clock:     clk,
		retry:     retry,
		cfg:       cfg,
		logger:    logger.With(zap.String("family", cfg.Family)),
		tracer:    tp.Tracer(tracerName),
	}
}

// Family returns the endpoint family label.
func (c *Client) Family() string {
	return c.cfg.Family
}

// GetData initiates a pipeline with payload, waits for it to resolve, and returns the
// retrieved result verbatim.
func (c *Client) GetData(ctx context.Context, payload any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline."+c.cfg.Family,
		trace.WithAttributes(attribute.String("sceneflow.family", c.cfg.Family)))
	defer span.End()
	start := c.clock.Now()

	handle, err := c.initiate(ctx, payload)
	if err != nil {
		c.finish(span, "error", start, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("sceneflow.pipeline_id", handle.PipelineID))
	logger := c.logger.With(zap.String("pipeline_id", handle.PipelineID))
	logger.Info("pipeline initiated", zap.Duration("next_try", c.delay(handle.NextTry)))

	if err := c.awaitResolution(ctx, handle, logger); err != nil {
		var (
			failed  *FailedError
			expired *PollTimeoutError
		)
		switch {
		case errors.As(err, &failed):
			c.finish(span, "failed", start, err)
		case errors.As(err, &expired):
			c.finish(span, "timeout", start, err)
		default:
			c.finish(span, "error", start, err)
		}
		return nil, err
	}

	result, err := c.retrieve(ctx, handle.PipelineID)
	if err != nil {
		c.finish(span, "error", start, err)
		return nil, err
	}
	c.finish(span, "resolved", start, nil)
	logger.Info("pipeline retrieved", zap.Int("bytes", len(result)))
	return result, nil
}

func (c *Client) initiate(ctx context.Context, payload any) (Handle, error) {
	raw, err := c.call(ctx, c.cfg.Endpoint+"/initiate", payload, c.cfg.RetryInitiate)
	if err != nil {
		return Handle{}, fmt.Errorf("initiate %s pipeline: %w", c.cfg.Family, err)
	}
	var handle Handle
	if err := json.Unmarshal(raw, &handle); err != nil {
		return Handle{}, fmt.Errorf("decode %s initiate response: %w", c.cfg.Family, err)
	}
	if handle.PipelineID == "" {
		return Handle{}, fmt.Errorf("initiate %s pipeline: %w", c.cfg.Family, ErrMissingPipelineID)
	}
	return handle, nil
}

func (c *Client) awaitResolution(ctx context.Context, handle Handle, logger *zap.Logger) error {
	began := c.clock.Now()
	delay := c.delay(handle.NextTry)
	polls := 0

	for {
		if c.cfg.MaxPolls > 0 && polls >= c.cfg.MaxPolls {
			return c.timeout(handle.PipelineID, polls, began)
		}
		wait := delay
		if c.cfg.MaxWait > 0 {
			remaining := c.cfg.MaxWait - c.clock.Now().Sub(began)
			if remaining <= 0 {
				return c.timeout(handle.PipelineID, polls, began)
			}
			if wait > remaining {
				wait = remaining
			}
		}
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("wait for %s pipeline %s: %w", c.cfg.Family, handle.PipelineID, err)
		}

		status, err := c.status(ctx, handle.PipelineID)
		polls++
		metrics.ObservePoll(c.cfg.Family)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).AddEvent("poll", trace.WithAttributes(
			attribute.String("sceneflow.status", status.Status),
			attribute.Int("sceneflow.poll", polls),
		))

		switch status.Status {
		case StatusResolved:
			logger.Info("pipeline resolved", zap.Int("polls", polls))
			return nil
		case StatusFailed:
			logger.Warn("pipeline failed", zap.Int("polls", polls))
			return &FailedError{Family: c.cfg.Family, PipelineID: handle.PipelineID}
		default:
			delay = c.delay(status.NextTry)
			logger.Debug("pipeline still processing",
				zap.String("status", status.Status),
				zap.Duration("next_try", delay),
				zap.Int("polls", polls),
			)
		}
	}
}

func (c *Client) status(ctx context.Context, pipelineID string) (Status, error) {
	raw, err := c.call(ctx, c.cfg.StatusEndpoint, pipelineRef{PipelineID: pipelineID}, true)
	if err != nil {
		return Status{}, fmt.Errorf("status of %s pipeline %s: %w", c.cfg.Family, pipelineID, err)
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, fmt.Errorf("decode status of %s pipeline %s: %w", c.cfg.Family, pipelineID, err)
	}
	return status, nil
}

func (c *Client) retrieve(ctx context.Context, pipelineID string) (json.RawMessage, error) {
	raw, err := c.call(ctx, c.cfg.Endpoint+"/retrieve", pipelineRef{PipelineID: pipelineID}, true)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s pipeline %s: %w", c.cfg.Family, pipelineID, err)
	}
	return raw, nil
}

// call issues one request, repeating it on retryable failures while retries are allowed.
func (c *Client) call(ctx context.Context, url string, payload any, retryable bool) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		raw, err := c.requester.Request(ctx, url, payload)
		if err == nil {
			return raw, nil
		}
		if !retryable || c.retry == nil || ctx.Err() != nil || !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		backoff := c.retry.Backoff(attempt)
		c.logger.Warn("retrying request",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if serr := c.sleep(ctx, backoff); serr != nil {
			return nil, err
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// delay converts an advertised nextTry in seconds into a wait, applying the default
// when absent or non-positive and the cap when configured.
func (c *Client) delay(nextTry *float64) time.Duration {
	d := c.cfg.DefaultNextTry
	if nextTry != nil && *nextTry > 0 {
		// Clamp in float space; out-of-range conversions to int64 go negative.
		if ns := *nextTry * float64(time.Second); ns >= math.MaxInt64 {
			d = time.Duration(math.MaxInt64)
		} else if ns >= 1 {
			d = time.Duration(ns)
		}
	}
	if c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

func (c *Client) timeout(pipelineID string, polls int, began time.Time) error {
	return &PollTimeoutError{
		Family:     c.cfg.Family,
		PipelineID: pipelineID,
		Polls:      polls,
		Waited:     c.clock.Now().Sub(began),
	}
}

func (c *Client) finish(span trace.Span, status string, start time.Time, err error) {
	metrics.ObservePipeline(c.cfg.Family, status, c.clock.Now().Sub(start))
	span.SetAttributes(attribute.String("sceneflow.outcome", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
}
