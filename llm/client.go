// Package llm provides a provider-agnostic LLM client with retry and
// fallback support. The draft engine consumes it through the Completer
// interface so tests can substitute a scripted producer.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize caps the response body read; a runaway endpoint cannot
// exhaust memory.
const maxResponseSize = 10 * 1024 * 1024

// Message is one chat turn; Role is "system", "user", or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion request.
type Request struct {
	Messages []Message

	// Temperature nil means the endpoint default; 0 is deterministic.
	Temperature *float64

	// MaxTokens 0 means the endpoint default.
	MaxTokens int
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one completion result.
type Response struct {
	// RequestID correlates the response with its call record.
	RequestID string

	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Completer is the minimal producer surface the draft engine depends on.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client completes requests against an ordered endpoint chain: transient
// failures retry on the same endpoint, then fall through to the next one;
// fatal failures stop immediately.
type Client struct {
	endpoints   *Endpoints
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	callLog     *CallLog
	defaultTemp *float64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithCallLog records every producer call for audit correlation.
func WithCallLog(log *CallLog) ClientOption {
	return func(client *Client) {
		client.callLog = log
	}
}

// WithDefaultTemperature applies a temperature to requests that don't set one.
func WithDefaultTemperature(t float64) ClientOption {
	return func(client *Client) {
		client.defaultTemp = &t
	}
}

// NewClient builds a client over the endpoint chain. The generous HTTP
// timeout covers slow generations.
func NewClient(endpoints *Endpoints, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:   endpoints,
		retryConfig: DefaultRetryConfig(),
		httpClient:  &http.Client{Timeout: 180 * time.Second},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs the request down the available endpoint chain and records
// the call outcome.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	if req.Temperature == nil {
		req.Temperature = c.defaultTemp
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	available := c.endpoints.Available()
	if len(available) == 0 {
		return nil, NewTransientError(fmt.Errorf("no endpoints available"))
	}

	var lastErr error
	for _, idx := range available {
		ep := c.endpoints.Get(idx)

		resp, err := c.tryEndpointWithRetry(ctx, idx, ep, req)
		if err == nil {
			resp.RequestID = requestID
			c.record(ctx, &CallRecord{
				RequestID:   requestID,
				Provider:    ep.Provider,
				Model:       resp.Model,
				Messages:    req.Messages,
				Response:    resp.Content,
				Usage:       resp.Usage,
				StartedAt:   startedAt,
				CompletedAt: time.Now(),
				DurationMs:  time.Since(startedAt).Milliseconds(),
			})
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)

		// A fatal error would fail identically on every endpoint.
		if IsFatal(err) {
			c.record(ctx, &CallRecord{
				RequestID:   requestID,
				Provider:    ep.Provider,
				Model:       ep.Model,
				Messages:    req.Messages,
				Error:       err.Error(),
				StartedAt:   startedAt,
				CompletedAt: time.Now(),
				DurationMs:  time.Since(startedAt).Milliseconds(),
			})
			return nil, err
		}
	}

	c.record(ctx, &CallRecord{
		RequestID:   requestID,
		Messages:    req.Messages,
		Error:       fmt.Sprintf("all endpoints failed: %v", lastErr),
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
		DurationMs:  time.Since(startedAt).Milliseconds(),
	})
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// record stores the call record when a call log is configured; a failed
// record never fails the completion.
func (c *Client) record(ctx context.Context, rec *CallRecord) {
	if c.callLog == nil {
		return
	}
	if err := c.callLog.Store(ctx, rec); err != nil {
		c.logger.Warn("Failed to record LLM call",
			"request_id", rec.RequestID,
			"error", err)
	}
}

// tryEndpointWithRetry retries transient failures against one endpoint and
// feeds the outcome back into its health tracking.
func (c *Client) tryEndpointWithRetry(ctx context.Context, idx int, ep EndpointConfig, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.endpoints.MarkSuccess(idx)
			return resp, nil
		}
		lastErr = err

		// Fatal errors are config problems, not endpoint health.
		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.endpoints.MarkFailure(idx)
	return nil, lastErr
}

// calculateBackoff grows geometrically, capped at MaxBackoff, with ±25%
// jitter so concurrent clients don't retry in lockstep.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest performs one HTTP round trip through the endpoint's provider.
func (c *Client) doRequest(ctx context.Context, ep EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError sorts an error status into transient (rate limits,
// gateway trouble, 5xx) or fatal (auth, bad request, anything unknown).
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}
