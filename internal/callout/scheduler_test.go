package callout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/eligibility"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/metrics"
	"github.com/p-blackswan/workoutbot/internal/retry"
)

// --- fakes ---

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) ledger.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{d: d}
	t.f = func() {
		f.mu.Lock()
		t.fired = true
		f.mu.Unlock()
		fn()
	}
	f.armed = append(f.armed, t)
	return t
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

func (f *fakeTimers) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed[len(f.armed)-1]
}

func (f *fakeTimers) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.armed {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeChat struct {
	mu       sync.Mutex
	members  []eligibility.Participant
	listErr  error
	sendErr  error
	sent     []string
	onSend   func(text string)
	listHits int
}

func (c *fakeChat) ListChannelMembers(_ context.Context, _ string) ([]eligibility.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listHits++
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.members, nil
}

func (c *fakeChat) SendMessage(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	hook := c.onSend
	err := c.sendErr
	c.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return err
}

func (c *fakeChat) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type stubPicker struct {
	reps  int
	group bool
}

func (p stubPicker) Exercise(exs []config.Exercise) (config.Exercise, int, error) {
	if len(exs) == 0 {
		return config.Exercise{}, 0, perrors.ErrEmptyInput
	}
	return exs[0], p.reps, nil
}

func (p stubPicker) Users(eligible []eligibility.Participant, k int) []eligibility.Participant {
	if k > len(eligible) {
		k = len(eligible)
	}
	return eligible[:k]
}

func (p stubPicker) Group(float64) bool { return p.group }

type stubDelayer struct {
	mu        sync.Mutex
	delay     time.Duration
	calls     int
	failAfter int // calls after this many fail; 0 never fails
}

func (d *stubDelayer) NextDelay(config.Scheduler, time.Time) (time.Duration, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failAfter > 0 && d.calls > d.failAfter {
		return 0, "", perrors.InvalidConfig("boom")
	}
	return d.delay, "in 10 minutes", nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) AppendCallout(ctx context.Context, ev Event) error {
	return r.Publish(ctx, ev)
}

// --- helpers ---

func testConfig() config.Scheduler {
	return config.Scheduler{
		MinTime:   10,
		MaxTime:   10,
		TimeUnit:  config.UnitMinutes,
		NumUsers:  2,
		Location:  time.UTC,
		Locale:    "en",
		Exercises: []config.Exercise{pushups, planks},
	}
}

func testMembers() []eligibility.Participant {
	return []eligibility.Participant{
		{ID: "U1", Name: "ana", Presence: eligibility.PresenceActive},
		{ID: "U2", Name: "ben", Presence: eligibility.PresenceActive},
		{ID: "USLACKBOT", Name: "slackbot", IsServiceAccount: true, Presence: eligibility.PresenceActive},
		{ID: "B1", Name: "deploybot", IsBot: true, Presence: eligibility.PresenceActive},
		{ID: "U3", Name: "cal", Presence: "away"},
	}
}

type harness struct {
	sched  *Scheduler
	ledger *ledger.Ledger
	chat   *fakeChat
	timers *fakeTimers
	delay  *stubDelayer
}

func newHarness(t *testing.T, cfg config.Scheduler, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ledger: ledger.New(ledger.NewMemoryStore(), zerolog.Nop(),
			ledger.WithRetry(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Retryable: retry.Always})),
		chat:   &fakeChat{members: testMembers()},
		timers: &fakeTimers{},
		delay:  &stubDelayer{delay: 10 * time.Minute},
	}
	base := []Option{
		WithTimers(h.timers),
		WithClock(h.delay),
		WithPicker(stubPicker{reps: 18}),
		WithMetrics(metrics.New()),
	}
	h.sched = New(cfg, h.ledger, h.chat, zerolog.Nop(), append(base, opts...)...)
	t.Cleanup(h.sched.Close)
	return h
}

// --- tests ---

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "running", StateRunning.String())
}

func TestStart_ArmsAndAnnounces(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	msg, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	assert.Equal(t, StartMessage+" Next callout in 10 minutes", msg)
	assert.Equal(t, []string{msg}, h.chat.messages())
	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 1, h.timers.count())
	assert.Equal(t, 10*time.Minute, h.timers.last().d)
	assert.Equal(t, 1, h.ledger.ActiveTimers())

	// humans are seeded, bots and service accounts are not
	stats := h.sched.Stats(ctx, "C1")
	assert.Equal(t, ledger.ExerciseStats{"pushups": 0, "planks": 0}, stats["U1"])
	assert.Contains(t, stats, "U3")
	assert.NotContains(t, stats, "USLACKBOT")
	assert.NotContains(t, stats, "B1")
}

func TestCallout_EndToEnd(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	h.timers.last().f()

	msgs := h.chat.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "<@U1>, <@U2> 18 Pushups NOW!", msgs[1])

	stats := h.sched.Stats(ctx, "C1")
	assert.Equal(t, 18, stats["U1"]["pushups"])
	assert.Equal(t, 18, stats["U2"]["pushups"])
	assert.Equal(t, 0, stats["U3"]["pushups"])

	// re-armed for the next cycle
	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 2, h.timers.count())
	assert.Equal(t, 1, h.ledger.ActiveTimers())

	h.timers.last().f()
	assert.Equal(t, 36, h.sched.Stats(ctx, "C1")["U1"]["pushups"])
}

func TestCallout_NeverExceedsNumUsers(t *testing.T) {
	cfg := testConfig()
	cfg.NumUsers = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	h.timers.last().f()

	stats := h.sched.Stats(ctx, "C1")
	assert.Equal(t, 18, stats["U1"]["pushups"])
	assert.Equal(t, 0, stats["U2"]["pushups"])
}

func TestStart_Twice_OneTimer(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	msg, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	assert.Contains(t, msg, "already running")
	assert.Equal(t, 1, h.timers.count())
	assert.Equal(t, 1, h.ledger.ActiveTimers())
}

func TestStop_KeepsStats(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	h.timers.last().f()

	active, err := h.sched.Stop(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, active)

	assert.Equal(t, StateStopped, h.sched.State("C1"))
	assert.Equal(t, 0, h.timers.live())
	assert.Equal(t, 0, h.ledger.ActiveTimers())
	assert.Equal(t, 18, h.sched.Stats(ctx, "C1")["U1"]["pushups"])

	msgs := h.chat.messages()
	assert.Equal(t, StopMessage, msgs[len(msgs)-1])
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	active, err := h.sched.Stop(ctx, "C1")
	require.NoError(t, err)
	assert.False(t, active)

	active, err = h.sched.Stop(ctx, "C1")
	require.NoError(t, err)
	assert.False(t, active)

	// stop always announces
	assert.Equal(t, []string{StopMessage, StopMessage}, h.chat.messages())
}

func TestStaleTimer_DoesNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	stale := h.timers.last()

	_, err = h.sched.Stop(ctx, "C1")
	require.NoError(t, err)
	_, err = h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	before := len(h.chat.messages())
	stale.f()

	assert.Len(t, h.chat.messages(), before)
	assert.Equal(t, 0, h.sched.Stats(ctx, "C1")["U1"]["pushups"])
	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 1, h.timers.live())
}

func TestStop_WhileRunning_DoesNotRearm(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	stopped := false
	h.chat.mu.Lock()
	h.chat.onSend = func(string) {
		if stopped {
			return
		}
		stopped = true
		assert.Equal(t, StateRunning, h.sched.State("C1"))
		active, err := h.sched.Stop(ctx, "C1")
		assert.NoError(t, err)
		assert.True(t, active)
	}
	h.chat.mu.Unlock()

	h.timers.last().f()

	assert.Equal(t, StateStopped, h.sched.State("C1"))
	assert.Equal(t, 1, h.timers.count())
	assert.Equal(t, 0, h.ledger.ActiveTimers())
	// the callout in progress still completes
	assert.Equal(t, 18, h.sched.Stats(ctx, "C1")["U1"]["pushups"])
}

func TestStart_WhileRunning_CancelsPendingStop(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	toggled := false
	h.chat.mu.Lock()
	h.chat.onSend = func(string) {
		if toggled {
			return
		}
		toggled = true
		_, _ = h.sched.Stop(ctx, "C1")
		_, _ = h.sched.Start(ctx, "C1")
	}
	h.chat.mu.Unlock()

	h.timers.last().f()

	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 2, h.timers.count())
}

func TestCallout_AdapterFailuresKeepCadence(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)

	h.chat.mu.Lock()
	h.chat.listErr = errors.New("slack down")
	h.chat.sendErr = errors.New("slack down")
	h.chat.mu.Unlock()

	h.timers.last().f()

	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 2, h.timers.count())
	assert.Equal(t, 0, h.sched.Stats(ctx, "C1")["U1"]["pushups"])
}

func TestCallout_NobodyEligible(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.chat.members = []eligibility.Participant{{ID: "U9", Presence: "away"}}

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	h.timers.last().f()

	msgs := h.chat.messages()
	assert.Equal(t, "Nobody seems to be around for 18 Pushups. Next time!", msgs[len(msgs)-1])
	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 0, h.sched.Stats(ctx, "C1")["U9"]["pushups"])
}

func TestCallout_GroupCreditsNobody(t *testing.T) {
	h := newHarness(t, testConfig(), WithPicker(stubPicker{reps: 16, group: true}))
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	h.timers.last().f()

	msgs := h.chat.messages()
	assert.Equal(t, "<!here> 16 Pushups NOW!", msgs[len(msgs)-1])
	assert.Equal(t, 0, h.sched.Stats(ctx, "C1")["U1"]["pushups"])
}

func TestCallout_PublishesAndRecordsHistory(t *testing.T) {
	pub := &recordingSink{err: errors.New("nats down")}
	hist := &recordingSink{}
	now := time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, testConfig(), WithPublisher(pub), WithHistory(hist), WithNow(func() time.Time { return now }))
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	h.timers.last().f()

	require.Len(t, pub.events, 1)
	require.Len(t, hist.events, 1)
	ev := hist.events[0]
	assert.Equal(t, pub.events[0].ID, ev.ID)
	assert.Equal(t, "C1", ev.Room)
	assert.Equal(t, "pushups", ev.Exercise.Slug)
	assert.Equal(t, 18, ev.Reps)
	assert.Equal(t, []string{"U1", "U2"}, ev.Users)
	assert.Equal(t, now, ev.FiredAt)

	// a failing publisher does not stop the cycle
	assert.Equal(t, StateScheduled, h.sched.State("C1"))
}

func TestCallout_RearmFallback(t *testing.T) {
	h := newHarness(t, testConfig(), WithFallbackDelay(5*time.Minute))
	h.delay.failAfter = 1
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	h.timers.last().f()

	assert.Equal(t, StateScheduled, h.sched.State("C1"))
	assert.Equal(t, 5*time.Minute, h.timers.last().d)
}

func TestStart_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Exercises = nil
	h := newHarness(t, cfg)

	msg, err := h.sched.Start(context.Background(), "C1")
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrInvalidConfig)
	assert.Contains(t, msg, "configuration is invalid")
	assert.Equal(t, []string{msg}, h.chat.messages())
	assert.Equal(t, StateStopped, h.sched.State("C1"))
	assert.Equal(t, 0, h.timers.count())
}

type failingDelayer struct{}

func (failingDelayer) NextDelay(config.Scheduler, time.Time) (time.Duration, string, error) {
	return 0, "", perrors.InvalidConfig("office hours 17-9")
}

func TestStart_DelayError(t *testing.T) {
	h := newHarness(t, testConfig(), WithClock(failingDelayer{}))

	msg, err := h.sched.Start(context.Background(), "C1")
	assert.ErrorIs(t, err, perrors.ErrInvalidConfig)
	assert.Contains(t, msg, "Cannot start")
	assert.Equal(t, StateStopped, h.sched.State("C1"))
	assert.Equal(t, 0, h.timers.count())
}

func TestRooms_Independent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	_, err = h.sched.Start(ctx, "C2")
	require.NoError(t, err)
	assert.Equal(t, 2, h.ledger.ActiveTimers())

	_, err = h.sched.Stop(ctx, "C1")
	require.NoError(t, err)

	assert.Equal(t, StateStopped, h.sched.State("C1"))
	assert.Equal(t, StateScheduled, h.sched.State("C2"))

	st := h.sched.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "C1", st[0].Room)
	assert.Equal(t, "scheduled", st[1].State)
	assert.Equal(t, "in 10 minutes", st[1].ETA)
}

func TestClose_StopsTimers(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.sched.Start(ctx, "C1")
	require.NoError(t, err)
	armed := h.timers.last()

	h.sched.Close()

	assert.True(t, armed.stopped)
	assert.Equal(t, StateStopped, h.sched.State("C1"))
	_, err = h.sched.Start(ctx, "C1")
	assert.ErrorIs(t, err, perrors.ErrUnavailable)
}

func TestNew_RealTimers(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zerolog.Nop())
	chat := &fakeChat{members: testMembers()}
	cfg := testConfig()
	cfg.MinTime, cfg.MaxTime, cfg.TimeUnit = 1, 1, config.UnitSeconds

	s := New(cfg, l, chat, zerolog.Nop(), WithPicker(stubPicker{reps: 18}))
	defer s.Close()

	_, err := s.Start(context.Background(), "C1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Stats(context.Background(), "C1")["U1"]["pushups"] == 18
	}, 5*time.Second, 20*time.Millisecond)
}

// rosterChat lists members without presence for seeding.
type rosterChat struct {
	*fakeChat
	rosterHits int
}

func (c *rosterChat) ListChannelRoster(_ context.Context, _ string) ([]eligibility.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rosterHits++
	out := make([]eligibility.Participant, len(c.members))
	for i, p := range c.members {
		p.Presence = ""
		out[i] = p
	}
	return out, nil
}

func TestStart_SeedsFromRosterWithoutPresence(t *testing.T) {
	chat := &rosterChat{fakeChat: &fakeChat{members: testMembers()}}
	timers := &fakeTimers{}
	led := ledger.New(ledger.NewMemoryStore(), zerolog.Nop())
	sched := New(testConfig(), led, chat, zerolog.Nop(),
		WithTimers(timers),
		WithClock(&stubDelayer{delay: 10 * time.Minute}),
		WithPicker(stubPicker{reps: 18}),
	)
	t.Cleanup(sched.Close)
	ctx := context.Background()

	_, err := sched.Start(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, chat.rosterHits)
	assert.Zero(t, chat.listHits, "seeding skips presence lookups")

	stats := sched.Stats(ctx, "C1")
	assert.Contains(t, stats, "U1")
	assert.Contains(t, stats, "U3")
	assert.NotContains(t, stats, "B1")

	// callouts still need presence
	timers.last().f()
	assert.Equal(t, 1, chat.listHits)
	assert.Equal(t, 18, sched.Stats(ctx, "C1")["U1"]["pushups"])
}
