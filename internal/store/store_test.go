package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
	"github.com/p-blackswan/workoutbot/internal/ledger"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestNew_CreatesDB(t *testing.T) {
	store, _ := newTestStore(t)

	tables := []string{"kv", "callouts", "audit_log", "meta"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var idxCount int
	err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name LIKE 'idx_%'").Scan(&idxCount)
	require.NoError(t, err)
	assert.Greater(t, idxCount, 0, "indices should be created")

	assert.Equal(t, "3", store.schemaVersion())
}

func TestNew_ReopenKeepsSchemaVersion(t *testing.T) {
	store, dbPath := newTestStore(t)
	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, "3", reopened.schemaVersion())
	v, err := reopened.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestKV_GetSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "rooms")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	require.NoError(t, store.Set(ctx, "rooms", []byte(`{"C1":{}}`)))
	require.NoError(t, store.Set(ctx, "rooms", []byte(`{"C2":{}}`)))

	v, err := store.Get(ctx, "rooms")
	require.NoError(t, err)
	assert.JSONEq(t, `{"C2":{}}`, string(v))
}

func TestKV_BacksLedgerAcrossRestart(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	l := ledger.New(store, zerolog.Nop())
	require.NoError(t, l.Record(ctx, "C1", "U1", "pushups", 18))
	require.NoError(t, l.Record(ctx, "C1", "U1", "pushups", 12))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	restored := ledger.New(reopened, zerolog.Nop())
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 30, restored.RoomStats(ctx, "C1")["U1"]["pushups"])
	assert.Equal(t, 0, restored.ActiveTimers())
}

func testEvent(room string, firedAt time.Time, users ...string) callout.Event {
	return callout.Event{
		ID:       uuid.New(),
		Room:     room,
		Exercise: config.Exercise{Slug: "planks", Name: "planks", Units: "second"},
		Reps:     45,
		Users:    users,
		FiredAt:  firedAt,
	}
}

func TestCallouts_AppendAndList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", base, "U1", "U2")))
	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", base.Add(time.Minute))))
	require.NoError(t, store.AppendCallout(ctx, testEvent("C2", base.Add(2*time.Minute), "U3")))

	all, err := store.ListCallouts(ctx, CalloutFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C2", all[0].Room)

	c1, err := store.ListCallouts(ctx, CalloutFilter{Room: "C1"})
	require.NoError(t, err)
	require.Len(t, c1, 2)
	assert.Empty(t, c1[0].Users)
	assert.Equal(t, []string{"U1", "U2"}, c1[1].Users)
	assert.Equal(t, "planks", c1[1].Exercise)
	assert.Equal(t, "second", c1[1].Units)
	assert.Equal(t, 45, c1[1].Reps)
	assert.Equal(t, base.UnixMilli(), c1[1].FiredAt)

	limited, err := store.ListCallouts(ctx, CalloutFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	recent, err := store.ListCallouts(ctx, CalloutFilter{Since: base.Add(90 * time.Second).UnixMilli()})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestCallouts_Group(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("C1", time.Now())
	ev.Group = true
	require.NoError(t, store.AppendCallout(ctx, ev))

	got, err := store.ListCallouts(ctx, CalloutFilter{Room: "C1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Group)
	assert.Equal(t, ev.ID.String(), got[0].ID)
}

func TestAudit_SaveAndList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	e := &AuditEntry{UserID: "U1", Source: "slack", Action: "start", Room: "C1", Result: "ok"}
	require.NoError(t, store.SaveAudit(ctx, e))
	assert.NotZero(t, e.ID)
	assert.NotZero(t, e.CreatedAt)

	require.NoError(t, store.SaveAudit(ctx, &AuditEntry{UserID: "api-key", Source: "api", Action: "stop", Room: "C2", Result: "ok"}))
	require.NoError(t, store.SaveAudit(ctx, &AuditEntry{UserID: "U9", Source: "slack", Action: "start", Result: "denied", Details: "channel not allowed"}))

	all, err := store.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "denied", all[0].Result)
	assert.Equal(t, "channel not allowed", all[0].Details)

	c1, err := store.ListAudit(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, c1, 1)
	assert.Equal(t, "start", c1[0].Action)
}

func TestRetention(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", time.Now().Add(-100*24*time.Hour), "U1")))
	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", time.Now(), "U1")))
	require.NoError(t, store.SaveAudit(ctx, &AuditEntry{
		UserID: "U1", Source: "slack", Action: "start", Result: "ok",
		CreatedAt: time.Now().Add(-31 * 24 * time.Hour).UnixMilli(),
	}))
	require.NoError(t, store.Set(ctx, ledger.RoomsKey, []byte(`{}`)))

	removed, err := store.RunRetention(ctx, DefaultRetention())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	callouts, err := store.ListCallouts(ctx, CalloutFilter{})
	require.NoError(t, err)
	assert.Len(t, callouts, 1)

	audit, err := store.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, audit)

	// ledger is never pruned
	_, err = store.Get(ctx, ledger.RoomsKey)
	assert.NoError(t, err)
}

func TestRetention_ZeroKeepsEverything(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", time.Now().Add(-1000*24*time.Hour))))
	removed, err := store.RunRetention(ctx, Retention{})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDBSize(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendCallout(context.Background(), testEvent("C1", time.Now(), "U1")))
	}

	size, err := store.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNew_InMemory(t *testing.T) {
	store, err := New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	// a second connection would see an empty, unmigrated database
	assert.Equal(t, 1, store.db.Stats().MaxOpenConnections)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, ledger.RoomsKey, []byte(`{}`)))
	v, err := store.Get(ctx, ledger.RoomsKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), v)
}

func TestNew_BusyTimeout(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "busy.db")
	store, err := New(dbPath, zerolog.Nop(), WithBusyTimeout(1500*time.Millisecond), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer store.Close()

	var ms int
	require.NoError(t, store.db.QueryRow("PRAGMA busy_timeout").Scan(&ms))
	assert.Equal(t, 1500, ms)
}

func TestSummary(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	sum, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, dbPath, sum.Path)
	assert.Equal(t, "3", sum.SchemaVersion)
	assert.Zero(t, sum.LedgerBytes)
	assert.Zero(t, sum.Callouts)

	led := ledger.New(store, zerolog.Nop())
	require.NoError(t, led.Record(ctx, "C1", "U1", "pushups", 18))
	now := time.Now()
	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", now, "U1")))
	require.NoError(t, store.AppendCallout(ctx, testEvent("C1", now, "U2")))
	require.NoError(t, store.AppendCallout(ctx, testEvent("C2", now, "U1")))
	require.NoError(t, store.SaveAudit(ctx, &AuditEntry{UserID: "U1", Source: "slack", Action: "start", Room: "C1", Result: "ok"}))

	sum, err = store.Summary(ctx)
	require.NoError(t, err)
	assert.Greater(t, sum.LedgerBytes, 0)
	assert.Equal(t, int64(3), sum.Callouts)
	assert.Equal(t, int64(2), sum.Rooms)
	assert.Equal(t, int64(1), sum.AuditEntries)
	assert.Greater(t, sum.SizeBytes, int64(0))
}
