// Package registry holds call setup data between call placement and the
// moment the call's media stream connects.
package registry

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
)

// DefaultTTL bounds how long setup data for a call that never connects is kept.
const DefaultTTL = 10 * time.Minute

// Setup is the per-call agent override supplied at call placement.
type Setup struct {
	Prompt       string `json:"prompt,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
}

type entry struct {
	setup   Setup
	expires time.Time
}

// Registry maps opaque session tokens to pending Setup data.
// It is safe for concurrent use.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry

	closed core.Fuse
}

// Option configures the Registry.
type Option func(*options)

type options struct {
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// WithTTL sets how long an entry may stay unconsumed. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithSweepInterval enables a background janitor evicting expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a Registry. Call Close to stop the janitor.
func New(opts ...Option) *Registry {
	cfg := &options{
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Registry{
		ttl:     cfg.ttl,
		now:     cfg.now,
		entries: make(map[string]entry),
	}
	if cfg.sweepInterval > 0 && cfg.ttl > 0 {
		go r.janitor(cfg.sweepInterval)
	}
	return r
}

// Put stores setup data for token. A previous entry for the same token is overwritten.
func (r *Registry) Put(token string, setup Setup) {
	e := entry{setup: setup}
	if r.ttl > 0 {
		e.expires = r.now().Add(r.ttl)
	}

	r.mu.Lock()
	r.entries[token] = e
	r.mu.Unlock()
}

// Get returns the setup data for token without consuming it.
func (r *Registry) Get(token string) (Setup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok || r.expired(e) {
		return Setup{}, false
	}
	return e.setup, true
}

// TakeIfPresent returns and removes the setup data for token.
// Absence is not an error: callers fall back to default setup values.
func (r *Registry) TakeIfPresent(token string) (Setup, bool) {
	if token == "" {
		return Setup{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return Setup{}, false
	}
	delete(r.entries, token)
	if r.expired(e) {
		return Setup{}, false
	}
	return e.setup, true
}

// Delete removes token, if present.
func (r *Registry) Delete(token string) {
	r.mu.Lock()
	delete(r.entries, token)
	r.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts expired entries and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, token)
			removed++
		}
	}
	return removed
}

// Close stops the janitor and drops every entry.
func (r *Registry) Close() {
	r.closed.Break()

	r.mu.Lock()
	r.entries = make(map[string]entry)
	r.mu.Unlock()
}

func (r *Registry) expired(e entry) bool {
	return !e.expires.IsZero() && !r.now().Before(e.expires)
}

func (r *Registry) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closed.Watch():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
