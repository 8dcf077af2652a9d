package ratelimit

import (
	"fmt"
	"sync"
)

// Registry owns the per-provider limiters for one pipeline run. It is
// created at run start and discarded with the run; limiters are built
// lazily on first use.
type Registry struct {
	mu       sync.Mutex
	profiles map[string]Profile
	fallback Profile
	limiters map[string]*Limiter
}

// NewRegistry builds a registry with per-provider overrides and a
// fallback profile for everyone else.
func NewRegistry(profiles map[string]Profile, fallback Profile) (*Registry, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("fallback profile: %w", err)
	}
	for provider, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s profile: %w", provider, err)
		}
	}
	return &Registry{
		profiles: profiles,
		fallback: fallback,
		limiters: make(map[string]*Limiter),
	}, nil
}

// For returns the limiter governing provider, creating it on first use.
func (r *Registry) For(provider string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	profile, ok := r.profiles[provider]
	if !ok {
		profile = r.fallback
	}
	// Profiles were validated at construction; NewLimiter cannot fail.
	l, err := NewLimiter(provider, profile)
	if err != nil {
		panic(err)
	}
	r.limiters[provider] = l
	return l
}

// States snapshots every limiter created so far.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.GetState())
	}
	return out
}
