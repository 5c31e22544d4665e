// Package transport issues authenticated JSON requests against the remote pipeline API
// and classifies the responses into success, authentication failure, or request failure.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sceneflow/internal/metrics"
	"github.com/JakeFAU/sceneflow/internal/telemetry"
)

const maxBodyBytes = 256 << 20

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter throttles outgoing requests per remote host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls request construction.
type Config struct {
	UserAgent string
}

// Client posts JSON payloads with the shared bearer token. It never retries.
type Client struct {
	doer    Doer
	cred    Credential
	limiter Limiter
	cfg     Config
	logger  *zap.Logger
}

// errorBody is the error envelope returned on non-200 responses.
type errorBody struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

// NewHTTPClient builds an *http.Client whose timeout bounds every request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: telemetry.Transport(newHTTPTransport()),
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// New constructs a Client. limiter may be nil.
func New(doer Doer, cred Credential, limiter Limiter, cfg Config, logger *zap.Logger) *Client {
	if doer == nil {
		doer = NewHTTPClient(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		doer:    doer,
		cred:    cred,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Request POSTs payload as JSON to url and returns the raw JSON response body.
func (c *Client) Request(ctx context.Context, url string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.cred.Header())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		metrics.ObserveAPIRequest(url, "transport_error", time.Since(start))
		c.logger.Debug("request failed", zap.String("url", url), zap.Error(err))
		return nil, &TransportError{URL: url, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.String("url", url), zap.Error(cerr))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveAPIRequest(url, "transport_error", time.Since(start))
		return nil, &TransportError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := classify(url, resp.StatusCode, data)
		outcome := "remote_error"
		if _, ok := err.(*AuthenticationError); ok {
			outcome = "auth_error"
		}
		metrics.ObserveAPIRequest(url, outcome, time.Since(start))
		c.logger.Debug("request rejected",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return nil, err
	}

	if !json.Valid(data) {
		metrics.ObserveAPIRequest(url, "malformed", time.Since(start))
		return nil, fmt.Errorf("%s: %w", url, ErrMalformedResponse)
	}

	metrics.ObserveAPIRequest(url, "ok", time.Since(start))
	c.logger.Debug("request succeeded",
		zap.String("url", url),
		zap.Duration("duration", time.Since(start)),
		zap.Int("bytes", len(data)),
	)
	return json.RawMessage(data), nil
}

// classify maps a non-200 response onto AuthenticationError or RemoteRequestError.
// A body that is not a JSON error envelope yields a RemoteRequestError with no message.
func classify(url string, status int, data []byte) error {
	var envelope errorBody
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &RemoteRequestError{URL: url, StatusCode: status}
	}
	if envelope.Error == AuthorizationErrorCode {
		return &AuthenticationError{URL: url, StatusCode: status}
	}
	return &RemoteRequestError{
		URL:        url,
		StatusCode: status,
		Code:       envelope.Error,
		Message:    envelope.ErrorMessage,
	}
}
