// Package httpengine implements the HTTP Engine (spec.md §4.4): a lazily
// created upstream HTTP client with the mandatory auth headers, the
// non-streaming retry/backoff policy, the split-timeout streaming
// establishment policy, and a per-account circuit breaker.
package httpengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kiroproxy/gateway/internal/auth"
	"github.com/kiroproxy/gateway/internal/gatewayerr"
	"github.com/kiroproxy/gateway/internal/metrics"
	"github.com/kiroproxy/gateway/internal/tracing"
)

const (
	DefaultMaxRetries           = 3
	DefaultBaseRetryDelay       = 500 * time.Millisecond
	DefaultMaxRetryDelay        = 30 * time.Second
	DefaultFirstTokenTimeout    = 15 * time.Second
	DefaultFirstTokenMaxRetries = 2
	DefaultStreamingReadTimeout = 60 * time.Second

	defaultCircuitFailureThreshold = 5
	defaultCircuitResetTimeout     = 30 * time.Second
	defaultCircuitHalfOpenMax      = 2
)

// TokenProvider is the subset of the Authentication Manager the HTTP Engine
// depends on (spec.md §4.4: both headers are "obtained from the Auth
// Manager"). auth.Manager satisfies this interface.
type TokenProvider interface {
	GetAccessToken(ctx context.Context, sticky *auth.Sticky) (token, profileArn string, err error)
	ForceRefresh(ctx context.Context, sticky *auth.Sticky) (token, profileArn string, err error)
}

// Config holds the HTTP Engine's tunables (spec.md §6).
type Config struct {
	MaxRetries           int
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	FirstTokenTimeout    time.Duration
	FirstTokenMaxRetries int
	StreamingReadTimeout time.Duration
	Fingerprint          string

	// Collector records per-account request/latency/circuit metrics on the
	// teacher's existing metrics surface (internal/metrics). Nil disables
	// recording.
	Collector *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.FirstTokenTimeout <= 0 {
		c.FirstTokenTimeout = DefaultFirstTokenTimeout
	}
	if c.FirstTokenMaxRetries <= 0 {
		c.FirstTokenMaxRetries = DefaultFirstTokenMaxRetries
	}
	if c.StreamingReadTimeout <= 0 {
		c.StreamingReadTimeout = DefaultStreamingReadTimeout
	}
	if c.Fingerprint == "" {
		c.Fingerprint = auth.Fingerprint()
	}
	return c
}

// RequestSpec is one upstream call the engine should perform. Body and
// Header are caller-supplied; the engine adds Authorization and the
// fingerprint identification header itself.
type RequestSpec struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully collected (non-streaming) upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// StreamResponse is a streaming upstream response whose Body enforces the
// per-frame read timeout (spec.md §4.4).
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Engine wraps an HTTP client that is lazily created and recreated if
// closed (spec.md §4.4).
type Engine struct {
	cfg    Config
	tokens TokenProvider
	cb     *CircuitBreakerRegistry

	mu     sync.Mutex
	client *http.Client
}

// New constructs an Engine. tokens is typically an *auth.Manager.
func New(tokens TokenProvider, cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		cb:     NewCircuitBreakerRegistry(defaultCircuitFailureThreshold, defaultCircuitResetTimeout, defaultCircuitHalfOpenMax),
	}
}

func (e *Engine) httpClient() *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		e.client = &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 10},
		}
	}
	return e.client
}

// Close releases idle connections; the next call to Do or DoStream lazily
// recreates the client.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.CloseIdleConnections()
		e.client = nil
	}
}

func stickyKeyOr(sticky *auth.Sticky, fallback string) string {
	if sticky != nil && sticky.Key != "" {
		return sticky.Key
	}
	return fallback
}

func applyHeaders(req *http.Request, extra http.Header, token, fingerprint string) {
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", auth.UserAgent(fingerprint))
}

// Do performs a non-streaming upstream call with the retry/backoff policy
// and circuit breaker of spec.md §4.4.
func (e *Engine) Do(ctx context.Context, spec RequestSpec, sticky *auth.Sticky) (*Response, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, spec.URL, "kiro")
	defer span.End()

	key := stickyKeyOr(sticky, "default")
	breaker := e.cb.Get(key)
	e.reportCircuitState(key, breaker.State())
	if !breaker.Allow() {
		err := gatewayerr.New(gatewayerr.KindUpstreamNetwork, "circuit open for account")
		tracing.RecordError(ctx, err)
		return nil, err
	}

	start := time.Now()
	forcedRefresh := false
	attempts := 0
	bo := &fixedExponentialBackOff{base: e.cfg.BaseRetryDelay, max: e.cfg.MaxRetryDelay}

	op := func() (*Response, error) {
		attempts++
		resp, err := e.doOnce(ctx, spec, sticky)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusForbidden && !forcedRefresh {
			forcedRefresh = true
			if _, _, rfErr := e.tokens.ForceRefresh(ctx, sticky); rfErr != nil {
				return nil, backoff.Permanent(gatewayerr.Wrap(gatewayerr.KindUpstreamAuth, "force refresh after 403 failed", rfErr))
			}
			resp2, err2 := e.doOnce(ctx, spec, sticky)
			if err2 != nil {
				return nil, err2
			}
			resp = resp2
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if !isRetryableStatus(resp.StatusCode) {
			// Other 4xx (including a repeat 403 after the forced refresh)
			// return immediately; the caller maps status to a gatewayerr kind.
			return resp, nil
		}
		bo.observeRetryAfter(resp.Header)
		return nil, fmt.Errorf("httpengine: retryable upstream status %d", resp.StatusCode)
	}

	result, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(e.cfg.MaxRetries)))
	e.observeRequest(key, "completion", time.Since(start).Seconds(), err == nil)
	if err != nil {
		breaker.RecordFailure()
		e.reportCircuitState(key, breaker.State())
		wrapped := gatewayerr.Wrap(gatewayerr.KindUpstreamNetwork, fmt.Sprintf("upstream request failed after %d attempts", attempts), err)
		tracing.RecordError(ctx, wrapped)
		return nil, wrapped
	}
	breaker.RecordSuccess()
	e.reportCircuitState(key, breaker.State())
	result.Attempts = attempts
	tracing.SetResponseAttributes(ctx, result.StatusCode, 0, 0, false, "kiro")
	return result, nil
}

// observeRequest and reportCircuitState are no-ops when Collector is nil, so
// Engine works the same whether or not a caller wires metrics.
func (e *Engine) observeRequest(account, phase string, seconds float64, ok bool) {
	if e.cfg.Collector == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	e.cfg.Collector.RecordProviderRequest(account, status)
	e.cfg.Collector.ObserveLatency(account, phase, false, seconds)
}

func (e *Engine) reportCircuitState(account string, state CBState) {
	if e.cfg.Collector == nil {
		return
	}
	e.cfg.Collector.SetCircuitState(account, float64(state))
}

func (e *Engine) doOnce(ctx context.Context, spec RequestSpec, sticky *auth.Sticky) (*Response, error) {
	token, _, err := e.tokens.GetAccessToken(ctx, sticky)
	if err != nil {
		return nil, backoff.Permanent(gatewayerr.Wrap(gatewayerr.KindAuthInvalid, "obtaining access token", err))
	}

	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, backoff.Permanent(gatewayerr.Wrap(gatewayerr.KindInternal, "building upstream request", err))
	}
	applyHeaders(req, spec.Header, token, e.cfg.Fingerprint)
	tracing.InjectHeaders(ctx, req)

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpengine: transport error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpengine: reading response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// DoStream performs a streaming upstream call using the split-timeout
// policy: immediate retries (no backoff) on a first-token timeout, capped at
// FirstTokenMaxRetries; after the first byte arrives, retry is no longer
// possible (spec.md §4.4).
func (e *Engine) DoStream(ctx context.Context, spec RequestSpec, sticky *auth.Sticky) (*StreamResponse, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, spec.URL, "kiro")
	defer span.End()

	key := stickyKeyOr(sticky, "default")
	breaker := e.cb.Get(key)
	if !breaker.Allow() {
		err := gatewayerr.New(gatewayerr.KindUpstreamNetwork, "circuit open for account")
		e.reportCircuitState(key, breaker.State())
		tracing.RecordError(ctx, err)
		return nil, err
	}

	start := time.Now()
	forcedRefresh := false
	maxAttempts := e.cfg.FirstTokenMaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := e.establishStream(ctx, spec, sticky, &forcedRefresh)
		if err == nil {
			breaker.RecordSuccess()
			e.reportCircuitState(key, breaker.State())
			e.observeRequest(key, "stream", time.Since(start).Seconds(), true)
			tracing.SetResponseAttributes(ctx, resp.StatusCode, 0, 0, false, "kiro")
			return resp, nil
		}
		lastErr = err
		breaker.RecordFailure()
		e.reportCircuitState(key, breaker.State())
		if gatewayerr.KindOf(err) != gatewayerr.KindUpstreamTimeout {
			e.observeRequest(key, "stream", time.Since(start).Seconds(), false)
			tracing.RecordError(ctx, err)
			return nil, err
		}
		// First-token timeout: immediate retry, no backoff sleep.
	}
	e.observeRequest(key, "stream", time.Since(start).Seconds(), false)
	wrapped := gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("first-token timeout after %d attempts", maxAttempts), lastErr)
	tracing.RecordError(ctx, wrapped)
	return nil, wrapped
}

func (e *Engine) establishStream(ctx context.Context, spec RequestSpec, sticky *auth.Sticky, forcedRefresh *bool) (*StreamResponse, error) {
	token, _, err := e.tokens.GetAccessToken(ctx, sticky)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindAuthInvalid, "obtaining access token", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(e.cfg.FirstTokenTimeout, cancel)

	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(streamCtx, spec.Method, spec.URL, body)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "building upstream stream request", err)
	}
	applyHeaders(req, spec.Header, token, e.cfg.Fingerprint)
	tracing.InjectHeaders(ctx, req)

	resp, err := e.httpClient().Do(req)
	if err != nil {
		timedOut := streamCtx.Err() != nil
		timer.Stop()
		cancel()
		if timedOut {
			return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, "first-token timeout establishing stream", err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamNetwork, "stream transport error", err)
	}

	if resp.StatusCode == http.StatusForbidden && forcedRefresh != nil && !*forcedRefresh {
		*forcedRefresh = true
		resp.Body.Close()
		timer.Stop()
		cancel()
		if _, _, rfErr := e.tokens.ForceRefresh(ctx, sticky); rfErr != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamAuth, "force refresh after stream 403 failed", rfErr)
		}
		return e.establishStream(ctx, spec, sticky, forcedRefresh)
	}

	first := make([]byte, 1)
	n, rerr := resp.Body.Read(first)
	if rerr != nil && n == 0 && rerr != io.EOF {
		timedOut := streamCtx.Err() != nil
		resp.Body.Close()
		timer.Stop()
		cancel()
		if timedOut {
			return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, "first-token timeout waiting for first byte", rerr)
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamNetwork, "stream read error establishing body", rerr)
	}
	timer.Stop()

	streamedBody := newStreamBody(resp.Body, streamCtx, cancel, e.cfg.StreamingReadTimeout, first[:n])
	return &StreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: streamedBody}, nil
}
