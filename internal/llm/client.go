// Package llm is a retrying client for OpenAI-compatible chat completion
// endpoints. Every Call returns a Result; failures are classified, never
// panicked.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/ChuLiYu/dialog-forge/internal/metrics"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Second

	// DefaultSystemPrompt asks for a bare JSON object
	DefaultSystemPrompt = "You are an expert at writing natural dialogs. Always return valid JSON."
)

// Options configures a Client
type Options struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int

	Timeout        time.Duration // first attempt; attempt n gets Timeout*(n+1)
	MaxRetries     int           // extra attempts after the first
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	FailFastOnAuth bool // stop retrying on 401/403

	SystemPrompt string // sent as the system message when non-empty
	JSONMode     bool   // request response_format json_object

	HTTPClient *http.Client // nil builds a private transport
	Sleeper    Sleeper      // nil uses TimerSleeper
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// Result is either a parsed record or a failure, never both
type Result struct {
	Record   types.Record
	Usage    types.Usage
	Err      *CallError
	Attempts int
	Latency  time.Duration
}

// OK reports success
func (r Result) OK() bool { return r.Err == nil && r.Record != nil }

// Usage is the per-client request and token accounting
type Usage struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	SuccessRate      float64 `json:"success_rate"`
	EstimatedCost    float64 `json:"estimated_cost_usd"`
}

// Add merges two usages of the same model
func (u Usage) Add(o Usage) Usage {
	out := Usage{
		Model:            u.Model,
		Requests:         u.Requests + o.Requests,
		Successes:        u.Successes + o.Successes,
		Failures:         u.Failures + o.Failures,
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		EstimatedCost:    u.EstimatedCost + o.EstimatedCost,
	}
	if out.Model == "" {
		out.Model = o.Model
	}
	if out.Requests > 0 {
		out.SuccessRate = float64(out.Successes) / float64(out.Requests)
	}
	return out
}

// Client issues chat completion requests. Safe for concurrent use, although
// each worker normally owns its own.
type Client struct {
	opts    Options
	http    *http.Client
	api     *openai.Client
	backoff Backoff
	sleeper Sleeper
	log     *slog.Logger
	metrics *metrics.Collector

	requests         atomic.Int64
	successes        atomic.Int64
	failures         atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	totalTokens      atomic.Int64
	closed           atomic.Bool
}

// New validates opts and builds a Client
func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("llm: invalid base url %q", opts.BaseURL)
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = max(DefaultMaxDelay, opts.BaseDelay)
	}
	if opts.Sleeper == nil {
		opts.Sleeper = TimerSleeper
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	sdk := openai.DefaultConfig(opts.APIKey)
	sdk.BaseURL = u.String()
	sdk.HTTPClient = tracingDoer{hc}

	return &Client{
		opts:    opts,
		http:    hc,
		api:     openai.NewClientWithConfig(sdk),
		backoff: Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay},
		sleeper: opts.Sleeper,
		log:     opts.Logger.With("component", "llm"),
		metrics: opts.Metrics,
	}, nil
}

// Call sends prompt and retries transient failures. It counts as one request
// whatever the number of attempts.
func (c *Client) Call(ctx context.Context, prompt string, temperature float64) Result {
	start := time.Now()
	c.requests.Add(1)

	if c.closed.Load() {
		return c.fail(start, &CallError{Kind: KindUnknown, Attempts: 0, Err: ErrClientClosed})
	}

	requestID := uuid.NewString()
	var last *CallError
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.NextDelay(attempt - 1)
			c.metrics.RecordRetry(string(last.Kind))
			c.log.Debug("retrying request", "request_id", requestID, "attempt", attempt+1, "delay", delay, "last_error", last.Kind)
			if err := c.sleeper.Sleep(ctx, delay); err != nil {
				break
			}
		}

		rec, usage, cerr := c.attempt(ctx, requestID, prompt, temperature, attempt)
		if cerr == nil {
			return c.succeed(start, rec, usage, attempt+1)
		}
		cerr.Attempts = attempt + 1
		last = cerr

		if !cerr.Retryable() || (c.opts.FailFastOnAuth && cerr.Auth()) {
			break
		}
		if attempt < c.opts.MaxRetries {
			c.log.Warn("request attempt failed", "request_id", requestID, "attempt", attempt+1, "kind", cerr.Kind, "error", cerr.Err)
		}
	}

	c.log.Error("request failed", "request_id", requestID, "kind", last.Kind, "attempts", last.Attempts, "error", last.Err)
	return c.fail(start, last)
}

func (c *Client) succeed(start time.Time, rec types.Record, usage types.Usage, attempts int) Result {
	c.successes.Add(1)
	c.promptTokens.Add(int64(usage.PromptTokens))
	c.completionTokens.Add(int64(usage.CompletionTokens))
	c.totalTokens.Add(int64(usage.TotalTokens))

	latency := time.Since(start)
	c.metrics.RecordAPICall("success", latency.Seconds())
	c.metrics.AddTokens(usage.TotalTokens)
	return Result{Record: rec, Usage: usage, Attempts: attempts, Latency: latency}
}

func (c *Client) fail(start time.Time, cerr *CallError) Result {
	c.failures.Add(1)
	latency := time.Since(start)
	c.metrics.RecordAPICall(string(cerr.Kind), latency.Seconds())
	return Result{Err: cerr, Attempts: cerr.Attempts, Latency: latency}
}

// ============================================================================
// Wire format (go-openai)
// ============================================================================

type requestIDKey struct{}

// tracingDoer stamps X-Request-ID from the request context on every request
// the SDK sends
type tracingDoer struct {
	*http.Client
}

func (d tracingDoer) Do(req *http.Request) (*http.Response, error) {
	if id, ok := req.Context().Value(requestIDKey{}).(string); ok {
		req.Header.Set("X-Request-ID", id)
	}
	return d.Client.Do(req)
}

func (c *Client) request(prompt string, temperature float64) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Temperature: float32(temperature),
		MaxTokens:   c.opts.MaxTokens,
	}
	if c.opts.SystemPrompt != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.opts.SystemPrompt,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	if c.opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// attempt is one request with its own deadline. The SDK does not retry; Call
// owns the retry loop.
func (c *Client) attempt(ctx context.Context, requestID, prompt string, temperature float64, attempt int) (types.Record, types.Usage, *CallError) {
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout*time.Duration(attempt+1))
	defer cancel()

	resp, err := c.api.CreateChatCompletion(attemptCtx, c.request(prompt, temperature))
	if err != nil {
		return nil, types.Usage{}, classify(err)
	}
	return parseCompletion(resp)
}

func parseCompletion(resp openai.ChatCompletionResponse) (types.Record, types.Usage, *CallError) {
	usage := types.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return nil, usage, &CallError{Kind: KindEmpty, Err: fmt.Errorf("%w: no choices", ErrEmptyResponse)}
	}

	msg := resp.Choices[0].Message
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		// some reasoning models leave content empty and answer here
		content = strings.TrimSpace(msg.ReasoningContent)
	}
	if content == "" {
		return nil, usage, &CallError{Kind: KindEmpty, Err: ErrEmptyResponse}
	}

	rec, err := extractObject(content)
	if err != nil {
		return nil, usage, &CallError{Kind: KindMalformed, Err: err}
	}
	return rec, usage, nil
}

// extractObject parses content as a JSON object, tolerating markdown fences
// and prose around the object.
func extractObject(content string) (types.Record, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	if rec, err := types.ParseRecord([]byte(s)); err == nil && rec != nil {
		return rec, nil
	}

	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, ErrNotAnObject
	}
	rec, err := types.ParseRecord([]byte(s[start : end+1]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnObject, err)
	}
	if rec == nil {
		return nil, ErrNotAnObject
	}
	return rec, nil
}

// ============================================================================
// Extras
// ============================================================================

// Ping checks connectivity and credentials by listing models
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, requestIDKey{}, uuid.NewString()), c.opts.Timeout)
	defer cancel()

	if _, err := c.api.ListModels(ctx); err != nil {
		cerr := classify(err)
		cerr.Attempts = 1
		return cerr
	}
	return nil
}

// Usage returns request and token statistics
func (c *Client) Usage() Usage {
	u := Usage{
		Model:            c.opts.Model,
		Requests:         c.requests.Load(),
		Successes:        c.successes.Load(),
		Failures:         c.failures.Load(),
		PromptTokens:     c.promptTokens.Load(),
		CompletionTokens: c.completionTokens.Load(),
		TotalTokens:      c.totalTokens.Load(),
	}
	if u.Requests > 0 {
		u.SuccessRate = float64(u.Successes) / float64(u.Requests)
	}
	u.EstimatedCost = EstimateCost(u.Model, u.TotalTokens)
	return u
}

// Close releases idle connections. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}
