package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/store"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workoutbot.db")
	db, err := store.New(path, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	led := ledger.New(db, zerolog.Nop())
	require.NoError(t, led.Load(ctx))
	require.NoError(t, led.Record(ctx, "C1", "U1", "pushups", 18))
	require.NoError(t, led.Record(ctx, "C1", "U2", "planks", 45))

	ex := config.DefaultWorkout().Exercises[0]
	require.NoError(t, db.AppendCallout(ctx, callout.Event{
		ID:       uuid.New(),
		Room:     "C1",
		Exercise: ex,
		Reps:     18,
		Users:    []string{"U1"},
		FiredAt:  time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, db.AppendCallout(ctx, callout.Event{
		ID:       uuid.New(),
		Room:     "C1",
		Exercise: ex,
		Reps:     15,
		Group:    true,
		FiredAt:  time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC),
	}))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	statsJSON = false
	infoJSON = false
	historyLimit = 20
	workoutPath = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatsCommand(t *testing.T) {
	t.Setenv("DB_PATH", seedDB(t))
	t.Setenv("LEDGER_BACKEND", "sqlite")

	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "#C1")
	assert.Contains(t, out, "<@U1>: 18")
	assert.Contains(t, out, "<@U2>: 45")

	out, err = run(t, "stats", "--json", "C1")
	require.NoError(t, err)
	var all map[string]ledger.RoomStats
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Equal(t, 18, all["C1"]["U1"]["pushups"])
	assert.Equal(t, 45, all["C1"]["U2"]["planks"])
}

func TestStatsCommand_EmptyLedger(t *testing.T) {
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "empty.db"))
	t.Setenv("LEDGER_BACKEND", "sqlite")

	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "The ledger is empty.")
}

func TestHistoryCommand(t *testing.T) {
	t.Setenv("DB_PATH", seedDB(t))

	out, err := run(t, "history", "C1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "EXERCISE")
	// newest first
	assert.Contains(t, lines[1], "@here")
	assert.Contains(t, lines[2], "U1")
}

func TestInfoCommand(t *testing.T) {
	t.Setenv("DB_PATH", seedDB(t))

	out, err := run(t, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "schema")
	assert.Contains(t, out, "2 in 1 rooms")

	out, err = run(t, "info", "--json")
	require.NoError(t, err)
	var sum store.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, "3", sum.SchemaVersion)
	assert.Equal(t, int64(2), sum.Callouts)
	assert.Greater(t, sum.LedgerBytes, 0)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("MGMT_AUTH_MODE", "jwt")
	t.Setenv("MGMT_JWT_SECRET", "secret")

	out, err := run(t, "token", "--subject", "alice", "--role", "operator")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	_, err = run(t, "token", "--subject", "alice", "--role", "root")
	assert.Error(t, err)
}

func TestLogChat(t *testing.T) {
	chat := newLogChat(zerolog.Nop())
	members, err := chat.ListChannelMembers(context.Background(), "C1")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.NoError(t, chat.SendMessage(context.Background(), "C1", "hi"))
}

type lockedStore struct {
	*ledger.MemoryStore
	sets int
}

func (s *lockedStore) Set(context.Context, string, []byte) error {
	s.sets++
	return errors.New("database is locked")
}

func TestLedgerOptions_RetriesStoreErrors(t *testing.T) {
	store := &lockedStore{MemoryStore: ledger.NewMemoryStore()}
	schedCfg, err := config.DefaultWorkout().Scheduler()
	require.NoError(t, err)
	led := ledger.New(store, zerolog.Nop(), ledgerOptions(schedCfg)...)

	err = led.Record(context.Background(), "C1", "U1", "pushups", 5)
	require.Error(t, err)
	assert.GreaterOrEqual(t, store.sets, 2)
	assert.Equal(t, 5, led.RoomStats(context.Background(), "C1")["U1"]["pushups"])
}
