package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
)

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.Code)
	}
	return fmt.Sprintf("provider status %d: %s", e.Code, e.Body)
}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Retryable classifies transport-level failures: timeouts, resets, refused
// connections, truncated bodies and retryable statuses. Caller cancellation
// is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return RetryableStatus(se.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"rate limit", "too many requests", "timeout", "timed out", "connection reset", "unavailable", "overloaded"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryPolicy retries a call with delay Base * 2^attempt up to MaxRetries
// additional attempts.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	// Sleep waits between attempts; nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewRetryPolicy(cfg Config) RetryPolicy {
	p := RetryPolicy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase}
	switch {
	case p.MaxRetries == 0:
		p.MaxRetries = DefaultMaxRetries
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = DefaultBackoffBase
	}
	return p
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Base * (1 << attempt)
}

// Do runs call until it succeeds, reports a non-retryable failure, or the
// retry ceiling is reached. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, call func(ctx context.Context) (retry bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		retry, err := call(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == p.MaxRetries {
			break
		}
		if err := p.sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
