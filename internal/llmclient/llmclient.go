// Package llmclient wraps a [llm.Provider] with the timeout, bounded-retry,
// and error-classification contract the turn orchestrator relies on (spec
// component LLMClient): a per-request timeout, a small exponential backoff
// retry on transport failures, no retry on 4xx, and a single sentinel error
// ([ErrLLMUnavailable]) once the budget is exhausted.
//
// Retry/backoff here is hand-rolled rather than delegated to
// [resilience.CircuitBreaker] because the spec draws a line between "this
// provider is unhealthy, stop calling it" (circuit breaker, §9 fail-open
// guard rationale) and "this one request gets two quick retries before
// giving up" (this package). Callers that want both wrap a
// [resilience.LLMFallback] as the underlying [llm.Provider].
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turnengine/turnengine/pkg/provider/llm"
	"github.com/turnengine/turnengine/pkg/types"
)

// ErrLLMUnavailable is returned when every retry attempt fails or the
// request times out. The orchestrator surfaces this as a 503 and must not
// update conversation memory for the failed turn.
var ErrLLMUnavailable = errors.New("llmclient: unavailable")

// StatusError lets a [llm.Provider] implementation report the HTTP status
// code behind a failure so Client can decide whether to retry. Providers
// that do not wrap their errors this way are always treated as retryable.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// Options configures a Client. Zero values are replaced with spec defaults.
type Options struct {
	// RequestTimeout bounds a single attempt. Default 15s.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt on a
	// transport failure. Default 2 (three attempts total).
	MaxRetries int

	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it. Default 200ms.
	BackoffBase time.Duration

	// MaxTokens is the default completion length cap. Default 200.
	MaxTokens int

	// Temperature is the default sampling temperature. Default 0.7.
	Temperature float64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 15 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 2
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 200 * time.Millisecond
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 200
	}
	if out.Temperature == 0 {
		out.Temperature = 0.7
	}
	return out
}

// GenerateOptions overrides the Client's defaults for a single call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Client adapts a [llm.Provider] to the spec's generate/stream contract.
type Client struct {
	provider llm.Provider
	opts     Options
}

// New creates a Client wrapping provider.
func New(provider llm.Provider, opts Options) *Client {
	return &Client{provider: provider, opts: opts.withDefaults()}
}

// Generate sends prompt as a single user-role message and waits for the full
// completion, retrying on transport failures per Options. It never retries a
// 4xx ([StatusError] with Code in [400,500)).
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, llm.Usage, error) {
	req := c.request(prompt, opts)

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.opts.BackoffBase, attempt); err != nil {
				return "", llm.Usage{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		resp, err := c.provider.Complete(attemptCtx, req)
		cancel()

		if err == nil {
			return resp.Content, resp.Usage, nil
		}
		lastErr = err
		if isClientError(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", llm.Usage{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, lastErr)
}

// Ping reports whether the underlying provider's capabilities call succeeds,
// used by the readiness probe (§4.11, §6 GET /health/ready) to check LLM
// reachability without spending a completion call on every health check.
func (c *Client) Ping(ctx context.Context) error {
	if c.provider == nil {
		return ErrLLMUnavailable
	}
	done := make(chan struct{})
	var caps types.ModelCapabilities
	go func() {
		caps = c.provider.Capabilities()
		close(done)
	}()
	select {
	case <-done:
		if caps.ContextWindow <= 0 {
			return fmt.Errorf("%w: provider reports no context window", ErrLLMUnavailable)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLLMUnavailable, ctx.Err())
	}
}

// Stream sends prompt and returns a channel of incremental text chunks. Only
// the initial connection is retried; once the channel is returned it carries
// only the non-empty Text of each provider chunk and is closed when the
// provider's stream ends or ctx is done. A mid-stream failure is not reported
// on the channel other than by it closing.
func (c *Client) Stream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan string, error) {
	req := c.request(prompt, opts)

	var lastErr error
	var chunks <-chan llm.Chunk
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.opts.BackoffBase, attempt); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
			}
		}

		var err error
		chunks, err = c.provider.StreamCompletion(ctx, req)
		if err == nil {
			break
		}
		lastErr = err
		if isClientError(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
		}
	}
	if chunks == nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, lastErr)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for chunk := range chunks {
			if chunk.Text == "" {
				continue
			}
			select {
			case out <- chunk.Text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) request(prompt string, opts GenerateOptions) llm.CompletionRequest {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.opts.Temperature
	}
	return llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

func isClientError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500
	}
	return false
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << uint(attempt-1)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
