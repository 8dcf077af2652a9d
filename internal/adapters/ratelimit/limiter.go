package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/longregen/rubric/internal/adapters/metrics"
)

const (
	// successThreshold is how many consecutive successes earn one
	// extra concurrency slot.
	successThreshold = 10
	// decreaseCooldown suppresses further decreases after one was
	// honored.
	decreaseCooldown = 5 * time.Second
	// idleResetAfter reclaims adapted state after a quiet period.
	idleResetAfter = 5 * time.Minute
	// decreaseFactor is the multiplicative backoff applied on a
	// honored rate-limit signal.
	decreaseFactor = 0.5
)

// Profile configures one provider's limiter.
type Profile struct {
	Initial         int  `json:"initial"`
	Min             int  `json:"min"`
	Max             int  `json:"max"`
	AdaptiveEnabled bool `json:"adaptiveEnabled"`
}

// Validate rejects profiles that would make the AIMD bounds unsound.
func (p Profile) Validate() error {
	if p.Min <= 0 {
		return fmt.Errorf("rate limiter min must be positive, got %d", p.Min)
	}
	if p.Max < p.Min {
		return fmt.Errorf("rate limiter max (%d) must be >= min (%d)", p.Max, p.Min)
	}
	if p.Initial < p.Min || p.Initial > p.Max {
		return fmt.Errorf("rate limiter initial (%d) must be within [%d, %d]", p.Initial, p.Min, p.Max)
	}
	return nil
}

// DefaultProfile is applied to providers without an explicit profile.
func DefaultProfile() Profile {
	return Profile{Initial: 5, Min: 1, Max: 20, AdaptiveEnabled: true}
}

// State is a snapshot of one limiter for observability and tests.
type State struct {
	Provider        string    `json:"provider"`
	Current         int       `json:"current"`
	Min             int       `json:"min"`
	Max             int       `json:"max"`
	Active          int       `json:"active"`
	Waiting         int       `json:"waiting"`
	SuccessStreak   int       `json:"successStreak"`
	AdaptiveEnabled bool      `json:"adaptiveEnabled"`
	LastDecrease    time.Time `json:"lastDecrease,omitempty"`
}

// Limiter governs one provider's concurrency with additive increase
// and multiplicative decrease. It doubles as a counting semaphore
// whose capacity follows the adapted concurrency: Acquire blocks while
// the provider is saturated, Release wakes FIFO waiters.
type Limiter struct {
	provider string
	profile  Profile
	logger   *slog.Logger

	mu            sync.Mutex
	current       int
	active        int
	successStreak int
	lastDecrease  time.Time
	lastEvent     time.Time
	waiters       []chan struct{}

	now func() time.Time
}

// NewLimiter validates the profile and builds a limiter for provider.
func NewLimiter(provider string, profile Profile) (*Limiter, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider, err)
	}
	l := &Limiter{
		provider: provider,
		profile:  profile,
		logger:   slog.With("component", "ratelimit", "provider", provider),
		current:  profile.Initial,
		now:      time.Now,
	}
	l.lastEvent = l.now()
	metrics.LimiterCapacity.WithLabelValues(provider).Set(float64(l.current))
	return l, nil
}

// Acquire blocks until a concurrency slot is free or ctx is done.
// Waiters are served in arrival order.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.maybeIdleResetLocked()
	if l.active < l.current && len(l.waiters) == 0 {
		l.active++
		l.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if !l.removeWaiterLocked(w) {
			// Admitted concurrently with cancellation: hand the slot
			// to the next waiter.
			l.active--
			l.admitLocked()
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one slot and admits waiters up to current capacity.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.admitLocked()
	l.mu.Unlock()
}

// OnSuccess records one successful call. Ten in a row earn one slot,
// capped at the profile max.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	l.lastEvent = l.now()
	l.successStreak++
	if l.successStreak >= successThreshold {
		l.successStreak = 0
		if l.current < l.profile.Max {
			l.current++
			l.logger.Debug("concurrency increased", "current", l.current)
			metrics.LimiterCapacity.WithLabelValues(l.provider).Set(float64(l.current))
			l.admitLocked()
		}
	}
	l.mu.Unlock()
}

// OnRateLimit reacts to a concrete 429. The decrease halves current
// concurrency (at least by one, never below min) unless one already
// happened within the cooldown window. retryAfter is advisory and only
// logged here; callers use it to delay their retry.
func (l *Limiter) OnRateLimit(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastEvent = l.now()
	if !l.profile.AdaptiveEnabled {
		l.logger.Debug("rate limit observed, adaptation disabled")
		return
	}
	if !l.lastDecrease.IsZero() && l.now().Sub(l.lastDecrease) < decreaseCooldown {
		return
	}
	next := int(float64(l.current) * decreaseFactor)
	if l.current-1 < next {
		next = l.current - 1
	}
	if next < l.profile.Min {
		next = l.profile.Min
	}
	l.logger.Warn("rate limited, decreasing concurrency",
		"from", l.current, "to", next, "retryAfter", retryAfter)
	l.current = next
	l.lastDecrease = l.now()
	l.successStreak = 0
	metrics.LimiterCapacity.WithLabelValues(l.provider).Set(float64(l.current))
}

// OnError records a non-rate-limit failure: the success streak resets,
// concurrency is untouched.
func (l *Limiter) OnError() {
	l.mu.Lock()
	l.lastEvent = l.now()
	l.successStreak = 0
	l.mu.Unlock()
}

// GetCurrentConcurrency returns the adapted capacity, reclaiming to
// the initial value after a long idle period.
func (l *Limiter) GetCurrentConcurrency() int {
	l.mu.Lock()
	l.maybeIdleResetLocked()
	c := l.current
	l.mu.Unlock()
	return c
}

// GetState snapshots the limiter.
func (l *Limiter) GetState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Provider:        l.provider,
		Current:         l.current,
		Min:             l.profile.Min,
		Max:             l.profile.Max,
		Active:          l.active,
		Waiting:         len(l.waiters),
		SuccessStreak:   l.successStreak,
		AdaptiveEnabled: l.profile.AdaptiveEnabled,
		LastDecrease:    l.lastDecrease,
	}
}

// Reset restores the configured initial state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.current = l.profile.Initial
	l.successStreak = 0
	l.lastDecrease = time.Time{}
	metrics.LimiterCapacity.WithLabelValues(l.provider).Set(float64(l.current))
	l.admitLocked()
	l.mu.Unlock()
}

func (l *Limiter) maybeIdleResetLocked() {
	if l.now().Sub(l.lastEvent) > idleResetAfter && l.current != l.profile.Initial {
		l.logger.Info("idle period elapsed, restoring initial concurrency",
			"from", l.current, "to", l.profile.Initial)
		l.current = l.profile.Initial
		l.successStreak = 0
		metrics.LimiterCapacity.WithLabelValues(l.provider).Set(float64(l.current))
	}
}

func (l *Limiter) admitLocked() {
	for len(l.waiters) > 0 && l.active < l.current {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.active++
		close(w)
	}
}

func (l *Limiter) removeWaiterLocked(target chan struct{}) bool {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}
