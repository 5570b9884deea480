// Package callout runs the per-room workout callout cycle.
//
// Each room moves through Stopped → Scheduled → Running and back to
// Scheduled, or to Stopped when a stop was requested. Transitions happen
// under the scheduler lock and every armed timer carries the room's
// generation, so a timer that fires after its room was stopped or re-armed
// does nothing.
package callout

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/workoutbot/internal/clock"
	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/draw"
	"github.com/p-blackswan/workoutbot/internal/eligibility"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/metrics"
)

const (
	// StartMessage opens a room's workout session.
	StartMessage = "Starting the Workout counters! 🏋"
	// StopMessage ends it.
	StopMessage = "Stopping the Workout counters! 🛀"

	// DefaultFallbackDelay is used when the next delay cannot be computed.
	DefaultFallbackDelay = 5 * time.Minute
	// DefaultCycleTimeout bounds the adapter and ledger work of one callout.
	DefaultCycleTimeout = 30 * time.Second
)

// State is a room's position in the callout cycle.
type State int

const (
	StateStopped State = iota
	StateScheduled
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Chat is the chat platform as seen by the scheduler.
type Chat interface {
	ListChannelMembers(ctx context.Context, room string) ([]eligibility.Participant, error)
	SendMessage(ctx context.Context, room, text string) error
}

// Roster is implemented by chats that can list members without looking up
// presence. Seeding stats does not need presence, so it prefers this.
type Roster interface {
	ListChannelRoster(ctx context.Context, room string) ([]eligibility.Participant, error)
}

// Timers arms one-shot timers.
type Timers interface {
	AfterFunc(d time.Duration, f func()) ledger.Timer
}

// Delayer computes the delay until the next callout.
type Delayer interface {
	NextDelay(cfg config.Scheduler, now time.Time) (time.Duration, string, error)
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) ledger.Timer {
	return time.AfterFunc(d, f)
}

// RoomStatus is a read-only view of a room's cycle.
type RoomStatus struct {
	Room          string    `json:"room"`
	State         string    `json:"state"`
	ETA           string    `json:"eta,omitempty"`
	NextAt        time.Time `json:"next_at,omitempty"`
	StopRequested bool      `json:"stop_requested,omitempty"`
}

type roomState struct {
	state         State
	gen           uint64
	stopRequested bool
	eta           string
	nextAt        time.Time
}

// Scheduler owns the callout cycle of every room.
type Scheduler struct {
	cfg       config.Scheduler
	ledger    *ledger.Ledger
	chat      Chat
	src       draw.Source
	clock     Delayer
	picker    Picker
	timers    Timers
	now       func() time.Time
	publisher Publisher
	history   History
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	fallbackDelay time.Duration
	cycleTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*roomState
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSource sets the random source shared by the default clock and picker.
func WithSource(src draw.Source) Option {
	return func(s *Scheduler) { s.src = src }
}

func WithClock(d Delayer) Option {
	return func(s *Scheduler) { s.clock = d }
}

func WithPicker(p Picker) Option {
	return func(s *Scheduler) { s.picker = p }
}

func WithTimers(t Timers) Option {
	return func(s *Scheduler) { s.timers = t }
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

func WithHistory(h History) Option {
	return func(s *Scheduler) { s.history = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithFallbackDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.fallbackDelay = d }
}

// New creates a Scheduler. The configuration is validated on every Start,
// not here, so an invalid file still lets the bot explain itself in chat.
func New(cfg config.Scheduler, l *ledger.Ledger, chat Chat, logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:           cfg,
		ledger:        l,
		chat:          chat,
		timers:        realTimers{},
		now:           time.Now,
		logger:        logger.With().Str("component", "callout").Logger(),
		fallbackDelay: DefaultFallbackDelay,
		cycleTimeout:  DefaultCycleTimeout,
		ctx:           ctx,
		cancel:        cancel,
		rooms:         make(map[string]*roomState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.src == nil {
		s.src = draw.NewLocked(draw.NewSource(0))
	}
	if s.clock == nil {
		s.clock = clock.New(s.src, logger)
	}
	if s.picker == nil {
		s.picker = NewRandomPicker(s.src)
	}
	return s
}

// Config returns the scheduler configuration snapshot.
func (s *Scheduler) Config() config.Scheduler {
	return s.cfg
}

// Start begins the callout cycle for room and returns the announcement.
// Starting an active room only re-confirms it.
func (s *Scheduler) Start(ctx context.Context, room string) (string, error) {
	if err := s.cfg.Validate(); err != nil {
		msg := fmt.Sprintf("Cannot start the Workout counters, the configuration is invalid: %v", err)
		s.announce(ctx, room, msg)
		return msg, err
	}

	// The room id is kept past the call, in timers and the ledger.
	room = strings.Clone(room)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("scheduler closed: %w", perrors.ErrUnavailable)
	}
	rs := s.room(room)
	if rs.state != StateStopped {
		rs.stopRequested = false
		msg := "The Workout counters are already running!"
		if rs.state == StateScheduled {
			msg += " Next callout " + rs.eta
		}
		s.mu.Unlock()
		s.announce(ctx, room, msg)
		return msg, nil
	}
	delay, eta, err := s.clock.NextDelay(s.cfg, s.now())
	if err != nil {
		s.mu.Unlock()
		msg := fmt.Sprintf("Cannot start the Workout counters: %v", err)
		s.announce(ctx, room, msg)
		return msg, err
	}
	s.arm(room, rs, delay, eta)
	s.mu.Unlock()

	s.logger.Info().Str("room", room).Dur("delay", delay).Str("eta", eta).Msg("callouts started")
	s.seed(ctx, room)

	msg := StartMessage + " Next callout " + eta
	s.announce(ctx, room, msg)
	return msg, nil
}

// Stop cancels the room's cycle. It reports whether the room was active and
// always announces the stop. A cycle already running finishes its callout
// but does not re-arm.
func (s *Scheduler) Stop(ctx context.Context, room string) (bool, error) {
	s.mu.Lock()
	active := false
	if rs, ok := s.rooms[room]; ok {
		switch rs.state {
		case StateScheduled:
			s.disarm(room, rs)
			active = true
		case StateRunning:
			rs.stopRequested = true
			active = true
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("room", room).Bool("was_active", active).Msg("callouts stopped")
	return active, s.announce(ctx, room, StopMessage)
}

// Stats returns a snapshot of the room's totals.
func (s *Scheduler) Stats(ctx context.Context, room string) ledger.RoomStats {
	return s.ledger.RoomStats(ctx, room)
}

// State returns the room's current state.
func (s *Scheduler) State(room string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.rooms[room]; ok {
		return rs.state
	}
	return StateStopped
}

// Status describes one room.
func (s *Scheduler) Status(room string) RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[room]
	if !ok {
		return RoomStatus{Room: room, State: StateStopped.String()}
	}
	return rs.status(room)
}

// Statuses describes every room the scheduler has seen, sorted by name.
func (s *Scheduler) Statuses() []RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomStatus, 0, len(s.rooms))
	for room, rs := range s.rooms {
		out = append(out, rs.status(room))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Close stops every armed timer. Running cycles finish without re-arming.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for room, rs := range s.rooms {
		if rs.state == StateScheduled {
			s.disarm(room, rs)
		}
	}
	s.mu.Unlock()
	s.cancel()
}

func (rs *roomState) status(room string) RoomStatus {
	st := RoomStatus{Room: room, State: rs.state.String(), StopRequested: rs.stopRequested}
	if rs.state == StateScheduled {
		st.ETA = rs.eta
		st.NextAt = rs.nextAt
	}
	return st
}

// room must be called with s.mu held.
func (s *Scheduler) room(room string) *roomState {
	rs, ok := s.rooms[room]
	if !ok {
		rs = &roomState{}
		s.rooms[room] = rs
	}
	return rs
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(room string, rs *roomState, delay time.Duration, eta string) {
	rs.gen++
	gen := rs.gen
	rs.state = StateScheduled
	rs.stopRequested = false
	rs.eta = eta
	rs.nextAt = s.now().Add(delay)
	t := s.timers.AfterFunc(delay, func() { s.fire(room, gen) })
	s.ledger.SetActiveTimer(room, t)
	s.metrics.SetScheduledRooms(s.ledger.ActiveTimers())
}

// disarm must be called with s.mu held.
func (s *Scheduler) disarm(room string, rs *roomState) {
	if t, ok := s.ledger.ClearActiveTimer(room); ok {
		t.Stop()
	}
	rs.gen++
	rs.state = StateStopped
	rs.stopRequested = false
	rs.eta = ""
	rs.nextAt = time.Time{}
	s.metrics.SetScheduledRooms(s.ledger.ActiveTimers())
}

func (s *Scheduler) fire(room string, gen uint64) {
	s.mu.Lock()
	rs, ok := s.rooms[room]
	if !ok || s.closed || rs.gen != gen || rs.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	rs.state = StateRunning
	s.ledger.ClearActiveTimer(room)
	s.metrics.SetScheduledRooms(s.ledger.ActiveTimers())
	s.mu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cycleTimeout)
	s.cycle(ctx, room)
	cancel()
	s.metrics.ObserveCycle(time.Since(started).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || rs.stopRequested {
		rs.state = StateStopped
		rs.stopRequested = false
		rs.eta = ""
		rs.nextAt = time.Time{}
		return
	}
	delay, eta, err := s.clock.NextDelay(s.cfg, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("room", room).Dur("fallback", s.fallbackDelay).Msg("computing next delay failed, using fallback")
		s.metrics.RecordError("callout", "next_delay")
		delay = s.fallbackDelay
		eta = fmt.Sprintf("in %s", s.fallbackDelay)
	}
	s.arm(room, rs, delay, eta)
}

// cycle runs one callout. Adapter and ledger failures are logged and never
// abort the cadence.
func (s *Scheduler) cycle(ctx context.Context, room string) {
	ev := Event{ID: uuid.New(), Room: room, FiredAt: s.now()}
	logger := s.logger.With().Str("room", room).Str("callout_id", ev.ID.String()).Logger()

	ex, reps, err := s.picker.Exercise(s.cfg.Exercises)
	if err != nil {
		logger.Error().Err(err).Msg("drawing exercise failed, skipping callout")
		s.metrics.RecordError("callout", "draw")
		s.metrics.RecordCallout("aborted")
		return
	}
	ev.Exercise, ev.Reps = ex, reps

	members, err := s.chat.ListChannelMembers(ctx, room)
	if err != nil {
		logger.Warn().Err(err).Msg("listing channel members failed")
		s.metrics.RecordError("chat", "list_members")
	}
	eligible := eligibility.Filter(members)

	if len(eligible) > 0 && s.picker.Group(s.cfg.GroupCalloutChance) {
		ev.Group = true
	} else {
		for _, p := range s.picker.Users(eligible, s.cfg.NumUsers) {
			ev.Users = append(ev.Users, p.ID)
		}
	}

	if err := s.chat.SendMessage(ctx, room, FormatCallout(ev)); err != nil {
		logger.Warn().Err(err).Msg("announcing callout failed")
		s.metrics.RecordError("chat", "send_message")
	}

	for _, user := range ev.Users {
		if err := s.ledger.Record(ctx, room, user, ex.Slug, reps); err != nil {
			logger.Warn().Err(err).Str("user", user).Str("exercise", ex.Slug).Msg("recording reps failed, in-memory total kept")
			s.metrics.RecordError("ledger", "record")
			continue
		}
		s.metrics.RecordReps(ex.Slug, reps)
	}
	s.metrics.RecordCallout(ev.Kind())

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			logger.Warn().Err(err).Msg("publishing callout failed")
			s.metrics.RecordError("events", "publish")
		}
	}
	if s.history != nil {
		if err := s.history.AppendCallout(ctx, ev); err != nil {
			logger.Warn().Err(err).Msg("appending callout history failed")
			s.metrics.RecordError("store", "history")
		}
	}

	logger.Info().
		Str("exercise", ex.Slug).
		Int("reps", reps).
		Strs("users", ev.Users).
		Bool("group", ev.Group).
		Msg("callout fired")
}

// seed gives every human member of the room a zero entry per exercise.
func (s *Scheduler) seed(ctx context.Context, room string) {
	list := s.chat.ListChannelMembers
	if r, ok := s.chat.(Roster); ok {
		list = r.ListChannelRoster
	}
	members, err := list(ctx, room)
	if err != nil {
		s.logger.Warn().Err(err).Str("room", room).Msg("listing members for stats failed")
		return
	}
	slugs := s.cfg.ExerciseSlugs()
	for _, p := range members {
		if !eligibility.IsHuman(p) {
			continue
		}
		if err := s.ledger.EnsureUser(ctx, room, p.ID, slugs); err != nil {
			s.logger.Warn().Err(err).Str("room", room).Str("user", p.ID).Msg("initializing stats failed")
		}
	}
}

func (s *Scheduler) announce(ctx context.Context, room, text string) error {
	if err := s.chat.SendMessage(ctx, room, text); err != nil {
		s.logger.Warn().Err(err).Str("room", room).Msg("sending message failed")
		s.metrics.RecordError("chat", "send_message")
		return err
	}
	return nil
}
