// Package llm provides a provider-agnostic LLM client with retry and fallback.
// Requests name a model.Task and the registry resolves it to endpoints.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/docbot/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body.
const maxResponseSize = 10 * 1024 * 1024

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	observer    Observer
	sleep       func(ctx context.Context, d time.Duration) error
}

// Observer receives the outcome of every completion. Used for metrics.
type Observer interface {
	ObserveLLMRequest(task, endpoint string, d time.Duration, err error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Task selects the model route.
	Task model.Task

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID identifies this call in logs.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model that answered.
	Model string

	// Endpoint is the registry endpoint name that answered.
	Endpoint string

	Usage        TokenUsage
	FinishReason string
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

// WithObserver reports request outcomes to o.
func WithObserver(o Observer) ClientOption {
	return func(client *Client) {
		client.observer = o
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
		sleep:  sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if !req.Task.IsValid() {
		return nil, NewFatalError(fmt.Errorf("unknown task %q", req.Task))
	}
	if len(req.Messages) == 0 {
		return nil, NewFatalError(errors.New("at least one message is required"))
	}

	requestID := uuid.New().String()
	chain := c.registry.AvailableChain(req.Task)
	if len(chain) == 0 {
		return nil, NewFatalError(fmt.Errorf("no models configured for task %s", req.Task))
	}

	var lastErr error
	for _, name := range chain {
		endpoint := c.registry.Endpoint(name)
		if endpoint == nil {
			c.logger.Debug("No endpoint for model, skipping", "endpoint", name)
			continue
		}

		started := time.Now()
		resp, err := c.tryEndpoint(ctx, endpoint, name, req)
		c.observe(req.Task, name, time.Since(started), err)
		if err == nil {
			resp.RequestID = requestID
			resp.Endpoint = name
			c.logger.Debug("LLM request completed",
				"request_id", requestID,
				"task", req.Task,
				"endpoint", name,
				"tokens", resp.Usage.TotalTokens,
				"duration", time.Since(started))
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsFatal(err) {
			c.logger.Warn("Fatal LLM error, not trying fallbacks",
				"request_id", requestID, "endpoint", name, "error", err)
			return nil, err
		}
		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"endpoint", name,
			"provider", endpoint.Provider,
			"error", err)
	}

	if lastErr == nil {
		return nil, NewFatalError(fmt.Errorf("no usable endpoints for task %s", req.Task))
	}
	return nil, fmt.Errorf("all endpoints failed for task %s: %w", req.Task, lastErr)
}

func (c *Client) observe(task model.Task, endpoint string, d time.Duration, err error) {
	if c.observer != nil {
		c.observer.ObserveLLMRequest(string(task), endpoint, d, err)
	}
}

// tryEndpoint attempts a request with retry on transient errors.
func (c *Client) tryEndpoint(ctx context.Context, ep *model.EndpointConfig, name string, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.MarkSuccess(name)
			return resp, nil
		}

		lastErr = err
		// Auth and bad-request errors are configuration problems, not endpoint health.
		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt, rand.Float64())
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	c.registry.MarkFailure(name)
	return nil, lastErr
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	temperature := req.Temperature
	if temperature == nil {
		temperature = ep.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = ep.MaxTokens
	}

	url := provider.BuildURL(ep.URL, ep.Model)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
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

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		// Truncated or malformed bodies tend to be one-offs.
		return nil, NewTransientError(err)
	}
	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		return NewTransientError(err)
	default:
		// 400, 401, 403, 404 and anything unexpected.
		return NewFatalError(err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
