// Package resilience provides bounded retries and per-capability circuit
// breakers shared by every outbound provider call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// HTTPStatusError is the plain error for a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

var retryableStatus = map[int]struct{}{
	408: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// IsRetryableStatus reports whether a status code is worth another attempt.
func IsRetryableStatus(code int) bool {
	_, ok := retryableStatus[code]
	return ok
}

// RetryError is returned once the policy gives up. Attempts counts every
// call made, including the first one.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryPolicy configures Execute. The zero value makes a single attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64
	AttemptTimeout time.Duration

	// Sleep and Rand are replaced in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   func() float64
	Logger *infra.Logger
}

// PolicyFromConfig builds the production policy.
func PolicyFromConfig(cfg infra.RetryConfig, attemptTimeout time.Duration, logger *infra.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
		AttemptTimeout: attemptTimeout,
		Logger:         logger,
	}
}

// Delay returns the pause after the given failed attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), jittered by ±Jitter and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d *= 1 + p.Jitter*(2*r()-1)
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Execute runs op until it succeeds, fails with a non-retryable error or
// the attempts are used up. Caller cancellation stops it immediately.
func Execute[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := infra.OrDiscard(p.Logger)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := runAttempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) || attempt == attempts {
			return zero, &RetryError{Attempts: attempt, Err: err}
		}
		delay := p.Delay(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("retry: attempt failed")
		if err := sleep(ctx, delay); err != nil {
			return zero, &RetryError{Attempts: attempt, Err: lastErr}
		}
	}
	return zero, &RetryError{Attempts: attempts, Err: lastErr}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

// IsRetryable classifies transient failures: 408/429/5xx status codes,
// attempt timeouts and network level I/O errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableStatus(sc.HTTPStatus())
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// url.Error itself satisfies net.Error, so judge the cause instead.
		if urlErr.Timeout() {
			return true
		}
		var opErr *net.OpError
		var dnsErr *net.DNSError
		return errors.As(urlErr.Err, &opErr) || errors.As(urlErr.Err, &dnsErr)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
