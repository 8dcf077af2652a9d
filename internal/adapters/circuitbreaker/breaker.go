package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/longregen/rubric/internal/adapters/metrics"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// DefaultMaxFailures is the consecutive-failure threshold that trips a
// breaker.
const DefaultMaxFailures = 10

// Breaker tracks consecutive failures for one base model. Once the
// threshold is reached the breaker opens and callers are shed without
// touching the model; a successful call resets the streak. Cancelled
// calls are neutral: they neither extend nor reset the streak.
type Breaker struct {
	model       string
	maxFailures int

	mu       sync.Mutex
	failures int
	open     bool
}

func New(model string, maxFailures int) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Breaker{model: model, maxFailures: maxFailures}
}

// Allow reports whether a call may proceed. When the breaker is open
// it returns the shed error carrying the model id.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return b.openErrorLocked()
	}
	return nil
}

// RecordSuccess resets the failure streak and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	if b.open {
		b.open = false
		metrics.BreakerOpen.WithLabelValues(b.model).Set(0)
	}
	b.mu.Unlock()
}

// RecordFailure extends the failure streak, tripping the breaker at
// the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	if !b.open && b.failures >= b.maxFailures {
		b.open = true
		metrics.BreakerOpen.WithLabelValues(b.model).Set(1)
	}
	b.mu.Unlock()
}

// IsOpen reports the tripped state.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn under the breaker: shed when open, recorded
// afterwards. Context cancellation is not counted as a model failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
	default:
		b.RecordFailure()
	}
	return err
}

func (b *Breaker) openErrorLocked() error {
	return &OpenError{Model: b.model}
}

// OpenError is returned for calls shed by an open breaker.
type OpenError struct {
	Model string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("Circuit breaker for model '%s' is open", e.Model)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Registry owns the per-model breakers of one pipeline run.
type Registry struct {
	maxFailures int

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(maxFailures int) *Registry {
	return &Registry{
		maxFailures: maxFailures,
		breakers:    make(map[string]*Breaker),
	}
}

// For returns the breaker guarding model, creating it on first use.
func (r *Registry) For(model string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[model]; ok {
		return b
	}
	b := New(model, r.maxFailures)
	r.breakers[model] = b
	return b
}
