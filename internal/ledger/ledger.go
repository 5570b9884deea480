// Package ledger keeps the per-room, per-user exercise totals and the
// process-local handle of each room's armed callout timer.
//
// Totals are written through to the Store under a single "rooms" key after
// every mutation. Timer handles are never persisted: after a restart every
// room is stopped until someone starts it again.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/workoutbot/internal/errors"
	"github.com/p-blackswan/workoutbot/internal/retry"
)

// RoomsKey is the store key holding every room's stats.
const RoomsKey = "rooms"

// ExerciseStats maps exercise slug to accumulated reps.
type ExerciseStats map[string]int

// RoomStats maps user ID to that user's exercise totals.
type RoomStats map[string]ExerciseStats

// Timer is an armed callout timer.
type Timer interface {
	Stop() bool
}

// Ledger is the durable stats ledger.
type Ledger struct {
	store  Store
	retry  retry.Config
	known  []string
	logger zerolog.Logger

	// writeMu orders snapshots so an older one never overwrites a newer one.
	writeMu sync.Mutex

	mu     sync.Mutex
	rooms  map[string]RoomStats
	timers map[string]Timer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry overrides the write retry policy. Store errors are rarely
// classified, so a nil Retryable retries every error.
func WithRetry(cfg retry.Config) Option {
	return func(l *Ledger) {
		if cfg.Retryable == nil {
			cfg.Retryable = retry.Always
		}
		if cfg.MaxAttempts < 2 {
			cfg.MaxAttempts = 2
		}
		l.retry = cfg
	}
}

// WithExercises sets the slugs every newly seen user starts with at zero.
func WithExercises(slugs []string) Option {
	return func(l *Ledger) { l.known = append([]string(nil), slugs...) }
}

// New creates a ledger over store. Call Load to pick up persisted totals.
func New(store Store, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      true,
			Retryable:   retry.Always,
		},
		logger: logger.With().Str("component", "ledger").Logger(),
		rooms:  make(map[string]RoomStats),
		timers: make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory totals with the persisted ones.
func (l *Ledger) Load(ctx context.Context) error {
	raw, err := l.store.Get(ctx, RoomsKey)
	if errors.Is(err, perrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	rooms := make(map[string]RoomStats)
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return fmt.Errorf("decoding ledger: %w", err)
	}

	for room, rs := range rooms {
		if rs == nil {
			rooms[room] = make(RoomStats)
			continue
		}
		for user, us := range rs {
			if us == nil {
				rs[user] = make(ExerciseStats)
			}
		}
	}

	l.mu.Lock()
	l.rooms = rooms
	l.mu.Unlock()

	l.logger.Info().Int("rooms", len(rooms)).Msg("ledger loaded")
	return nil
}

// RoomStats returns a copy of the room's totals, creating the room if needed.
func (l *Ledger) RoomStats(_ context.Context, room string) RoomStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.room(room).clone()
}

// Rooms lists every room the ledger knows about.
func (l *Ledger) Rooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.rooms))
	for r := range l.rooms {
		out = append(out, r)
	}
	return out
}

// EnsureUser gives user a zero entry for every slug it does not have yet.
// It only writes to the store when something changed.
func (l *Ledger) EnsureUser(ctx context.Context, room, user string, slugs []string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	changed := l.ensure(room, user, slugs)
	var snapshot []byte
	var err error
	if changed {
		snapshot, err = l.encode()
	}
	l.mu.Unlock()

	if !changed {
		return nil
	}
	if err != nil {
		return err
	}
	return l.persist(ctx, snapshot)
}

// Record adds reps to user's total for slug and writes the ledger through to
// the store before returning. The in-memory total is kept even when the
// write ultimately fails.
func (l *Ledger) Record(ctx context.Context, room, user, slug string, reps int) error {
	if reps < 0 {
		return fmt.Errorf("%w: %d", perrors.ErrInvalidReps, reps)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.room(room)[user] == nil {
		l.ensure(room, user, l.known)
	}
	l.ensure(room, user, []string{slug})
	l.rooms[room][user][slug] += reps
	snapshot, err := l.encode()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	return l.persist(ctx, snapshot)
}

// SetActiveTimer stores the room's armed timer.
func (l *Ledger) SetActiveTimer(room string, t Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timers[room] = t
}

// ClearActiveTimer removes and returns the room's timer so the caller can
// stop it. Clearing an unset timer reports false.
func (l *Ledger) ClearActiveTimer(room string) (Timer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timers[room]
	delete(l.timers, room)
	return t, ok
}

// ActiveTimers counts the rooms with an armed timer.
func (l *Ledger) ActiveTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// room must be called with mu held.
func (l *Ledger) room(room string) RoomStats {
	rs := l.rooms[room]
	if rs == nil {
		rs = make(RoomStats)
		l.rooms[room] = rs
	}
	return rs
}

// ensure must be called with mu held.
func (l *Ledger) ensure(room, user string, slugs []string) bool {
	rs := l.room(room)
	changed := false
	us := rs[user]
	if us == nil {
		us = make(ExerciseStats, len(slugs))
		rs[user] = us
		changed = true
	}
	for _, s := range slugs {
		if _, ok := us[s]; !ok {
			us[s] = 0
			changed = true
		}
	}
	return changed
}

// encode must be called with mu held.
func (l *Ledger) encode() ([]byte, error) {
	raw, err := json.Marshal(l.rooms)
	if err != nil {
		return nil, fmt.Errorf("encoding ledger: %w", err)
	}
	return raw, nil
}

func (l *Ledger) persist(ctx context.Context, snapshot []byte) error {
	attempt := 0
	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		attempt++
		if err := l.store.Set(ctx, RoomsKey, snapshot); err != nil {
			l.logger.Warn().Err(err).Int("attempt", attempt).Msg("ledger write failed")
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting ledger: %w", err)
	}
	return nil
}

func (rs RoomStats) clone() RoomStats {
	out := make(RoomStats, len(rs))
	for user, stats := range rs {
		cp := make(ExerciseStats, len(stats))
		for slug, n := range stats {
			cp[slug] = n
		}
		out[user] = cp
	}
	return out
}
