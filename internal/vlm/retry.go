package vlm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls the internal retry wrapper's backoff.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is 3 retries starting at a 250ms backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type retryingClient struct {
	inner Client
	cfg   RetryConfig
	rnd   *rand.Rand
}

// WithRetry wraps inner with exponential-backoff-with-jitter retries around
// transient Chat failures. This is distinct from the Lifecycle Manager's
// crash/circuit-breaker path: a transient HTTP failure on an otherwise
// healthy process is not a crash.
func WithRetry(inner Client, cfg RetryConfig) Client {
	if inner == nil {
		return inner
	}
	if cfg.MaxRetries <= 0 {
		return inner
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &retryingClient{
		inner: inner,
		cfg:   cfg,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *retryingClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.inner.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryableVLMError(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(c.backoffForAttempt(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}

func (c *retryingClient) ModelInfo() *ModelInfo          { return c.inner.ModelInfo() }
func (c *retryingClient) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }
func (c *retryingClient) Close() error                   { return c.inner.Close() }

func (c *retryingClient) backoffForAttempt(attempt int) time.Duration {
	backoff := c.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
			break
		}
	}
	if backoff <= 0 {
		backoff = c.cfg.InitialBackoff
	}

	jitterFrac := c.rnd.Float64()*0.4 - 0.2 // [-0.2, +0.2]
	sleep := backoff + time.Duration(float64(backoff)*jitterFrac)
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

func isRetryableVLMError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "api error 4") || strings.Contains(msg, "status 4") {
		return false
	}
	return true
}
