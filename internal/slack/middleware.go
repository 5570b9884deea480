package slack

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Middleware throttles chat commands. Every user gets a sliding window of
// commands, and start/stop are also throttled per room so nobody can make
// the bot flap a channel's callouts on and off.
type Middleware struct {
	logger zerolog.Logger
	users  *RateLimiter
	rooms  *RateLimiter
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithRoomToggleLimit allows at most max start or stop commands per room
// within window. A max below one disables the room limit.
func WithRoomToggleLimit(max int, window time.Duration) MiddlewareOption {
	return func(m *Middleware) {
		if max < 1 {
			m.rooms = nil
			return
		}
		m.rooms = NewRateLimiter(max, window)
	}
}

// NewMiddleware creates a middleware allowing maxRequests commands per user
// within window.
func NewMiddleware(logger zerolog.Logger, maxRequests int, window time.Duration, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		logger: logger.With().Str("component", "slack.middleware").Logger(),
		users:  NewRateLimiter(maxRequests, window),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckRateLimit returns true if the user is within rate limits.
func (m *Middleware) CheckRateLimit(userID string) bool {
	allowed := m.users.Allow(userID)
	if !allowed {
		m.logger.Warn().Str("user_id", userID).Msg("rate limited")
	}
	return allowed
}

// CheckRoomCommand returns true if command may run against room now. Only
// commands that change a room's state count against the room.
func (m *Middleware) CheckRoomCommand(room, command string) bool {
	if m.rooms == nil || !changesRoom(command) {
		return true
	}
	allowed := m.rooms.Allow(room)
	if !allowed {
		m.logger.Warn().Str("room", room).Str("command", command).Msg("room toggled too often")
	}
	return allowed
}

func changesRoom(command string) bool {
	return command == "start" || command == "stop"
}

// RateLimiter implements a sliding window rate limiter per key. Keys with
// no request inside the window are dropped.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	now         func() time.Time
	requests    map[string][]time.Time
	lastSweep   time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		requests:    make(map[string][]time.Time),
	}
}

// Allow checks if a request from the given key is allowed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	if now.Sub(r.lastSweep) >= r.window {
		r.sweep(cutoff)
		r.lastSweep = now
	}

	valid := recent(r.requests[key], cutoff)
	if len(valid) >= r.maxRequests {
		r.requests[key] = valid
		return false
	}

	r.requests[key] = append(valid, now)
	return true
}

// Keys reports how many keys are tracked.
func (r *RateLimiter) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// sweep must be called with mu held.
func (r *RateLimiter) sweep(cutoff time.Time) {
	for key, times := range r.requests {
		if valid := recent(times, cutoff); len(valid) > 0 {
			r.requests[key] = valid
		} else {
			delete(r.requests, key)
		}
	}
}

func recent(times []time.Time, cutoff time.Time) []time.Time {
	valid := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
