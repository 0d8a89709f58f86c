// Package admission gates requests before any expensive work begins.
// It combines a per-client sliding-window rate limit with a global
// in-flight concurrency cap, both backed by process-local state.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reason identifies why a request was rejected.
type Reason string

const (
	// ReasonRateLimited means the client exceeded its request quota
	// and is blocked for the configured cooldown.
	ReasonRateLimited Reason = "rate_limited"
	// ReasonBusy means the global concurrency cap is reached.
	ReasonBusy Reason = "busy"
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Reason explains a rejection. Empty when Allowed.
	Reason Reason
	// RetryAfter is the suggested wait before retrying.
	// Only set for rate-limited rejections.
	RetryAfter time.Duration
}

// entry tracks one client's request history within the current window.
type entry struct {
	count        int
	windowStart  time.Time
	blocked      bool
	blockedUntil time.Time
	lastSeen     time.Time
}

// Options configures a Controller. The zero value is unusable; use
// DefaultOptions as a starting point.
type Options struct {
	// Limit is the maximum number of requests per client per window.
	Limit int
	// Window is the sliding rate-limit window.
	Window time.Duration
	// BlockDuration is the cooldown applied once Limit is exceeded.
	BlockDuration time.Duration
	// MaxConcurrent caps requests processed simultaneously across all clients.
	MaxConcurrent int
	// EntryTTL is how long an untouched client entry survives before
	// the sweeper evicts it.
	EntryTTL time.Duration
	// SweepInterval is the period of the background eviction loop.
	SweepInterval time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Limit:         10,
		Window:        time.Minute,
		BlockDuration: 15 * time.Minute,
		MaxConcurrent: 5,
		EntryTTL:      time.Hour,
		SweepInterval: time.Minute,
	}
}

// Controller implements admission control with internally synchronized
// state. Construct once at process start and inject into handlers.
type Controller struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*entry
	active  int

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewController creates a Controller with the given options.
func NewController(opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opts:    opts,
		logger:  logger,
		clients: make(map[string]*entry),
		now:     time.Now,
	}
}

// Admit decides whether a request from clientID may proceed.
// On an allowed decision the caller must call Release exactly once
// when the request finishes, on every exit path.
func (c *Controller) Admit(clientID string) Decision {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.clients[clientID]
	if !ok {
		e = &entry{windowStart: now}
		c.clients[clientID] = e
	}
	e.lastSeen = now

	if e.blocked {
		if now.Before(e.blockedUntil) {
			return Decision{
				Reason:     ReasonRateLimited,
				RetryAfter: e.blockedUntil.Sub(now),
			}
		}
		e.blocked = false
		e.count = 0
		e.windowStart = now
	}

	if now.Sub(e.windowStart) > c.opts.Window {
		e.count = 0
		e.windowStart = now
	}

	if e.count >= c.opts.Limit {
		e.blocked = true
		e.blockedUntil = now.Add(c.opts.BlockDuration)
		c.logger.Warn("client blocked for exceeding rate limit",
			slog.String("client_id", clientID),
			slog.Time("blocked_until", e.blockedUntil),
		)
		return Decision{
			Reason:     ReasonRateLimited,
			RetryAfter: c.opts.BlockDuration,
		}
	}
	e.count++

	// Global gate. Check and increment under the same lock so the cap
	// cannot be exceeded by concurrent admissions.
	if c.active >= c.opts.MaxConcurrent {
		return Decision{Reason: ReasonBusy}
	}
	c.active++

	return Decision{Allowed: true}
}

// Release returns a previously admitted request's concurrency slot.
// Safe to call from a deferred statement on any exit path.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
}

// Active returns the number of requests currently in flight.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Sweep evicts client entries untouched since before now minus EntryTTL.
// It is exported so tests can drive eviction deterministically.
// It returns the number of evicted entries.
func (c *Controller) Sweep(now time.Time) int {
	cutoff := now.Add(-c.opts.EntryTTL)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, e := range c.clients {
		if e.lastSeen.Before(cutoff) {
			delete(c.clients, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper launches the background eviction loop. It runs until
// ctx is cancelled, bounding memory under many distinct clients.
func (c *Controller) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(c.now()); n > 0 {
					c.logger.Debug("swept stale rate-limit entries",
						slog.Int("evicted", n),
					)
				}
			}
		}
	}()
}
