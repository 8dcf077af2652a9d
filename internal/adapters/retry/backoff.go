// Package retry classifies transient failures and runs bounded
// exponential backoff around outbound calls. Classification works on
// error shape alone: providers surface status codes through the
// HTTPStatus interface, so this package needs no import of any client
// package.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/longregen/rubric/internal/domain/models"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Multiplier      float64
}

func DefaultConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxRetries:      3,
		Multiplier:      2.0,
	}
}

// ServiceConfig bounds retries for external grading services, whose
// retry count comes from per-service configuration.
func ServiceConfig(retries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxRetries:      retries,
		Multiplier:      2.0,
	}
}

// Interval returns the delay before retry attempt n (0-based),
// growing geometrically and capped at MaxInterval.
func (c BackoffConfig) Interval(attempt int) time.Duration {
	interval := c.InitialInterval
	for i := 0; i < attempt; i++ {
		interval = time.Duration(float64(interval) * c.Multiplier)
		if interval >= c.MaxInterval {
			return c.MaxInterval
		}
	}
	if interval > c.MaxInterval {
		return c.MaxInterval
	}
	return interval
}

// statusCoder is implemented by provider errors carrying an HTTP
// status.
type statusCoder interface {
	HTTPStatus() int
}

// retryAfterer is implemented by provider errors carrying a parsed
// Retry-After hint.
type retryAfterer interface {
	RetryAfterHint() time.Duration
}

// StatusOf extracts an HTTP status from err, or 0.
func StatusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// RetryAfterOf extracts a provider backoff hint from err, or 0.
func RetryAfterOf(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfterHint()
	}
	return 0
}

// IsRateLimited reports whether err is a concrete 429 reply.
func IsRateLimited(err error) bool {
	return StatusOf(err) == http.StatusTooManyRequests
}

func IsRetryableHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	if statusCode == http.StatusRequestTimeout {
		return true
	}
	return false
}

// IsRetryable reports whether another attempt can change the outcome.
// Pipeline-classified errors decide by kind, provider replies by
// status class, transport errors by the underlying network failure.
// Cancellations are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *models.PipelineError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case models.ErrorKindTimeout, models.ErrorKindRateLimited:
			return true
		case models.ErrorKindProviderAuth, models.ErrorKindConfig,
			models.ErrorKindFormat, models.ErrorKindBreakerOpen:
			return false
		}
	}

	if status := StatusOf(err); status > 0 {
		return IsRetryableHTTPStatus(status)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN is definitive and will not heal between attempts.
		return !dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		if errors.Is(opErr.Err, syscall.EPIPE) {
			return true
		}
	}

	return false
}

// Do runs op with backoff until it succeeds, exhausts MaxRetries, or
// fails non-retryably. A Retry-After hint longer than the computed
// interval takes precedence, but never beyond MaxInterval.
func Do(ctx context.Context, cfg BackoffConfig, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Interval(attempt)
		if hint := RetryAfterOf(err); hint > delay {
			delay = hint
			if delay > cfg.MaxInterval {
				delay = cfg.MaxInterval
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}
