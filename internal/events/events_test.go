package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
)

type fakeConn struct {
	subjects  []string
	payloads  [][]byte
	err       error
	connected bool
	drained   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{connected: true}
	p := NewNATSPublisherWithConn(conn, "workoutbot.callouts", zerolog.Nop())

	ev := callout.Event{
		ID:       uuid.New(),
		Room:     "C1",
		Exercise: config.Exercise{Slug: "pushups", Name: "Pushups"},
		Reps:     18,
		Users:    []string{"U1", "U2"},
		FiredAt:  time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "workoutbot.callouts.C1", conn.subjects[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, ev.ID.String(), got["id"])
	assert.Equal(t, "named", got["kind"])
	assert.Equal(t, float64(18), got["reps"])
	assert.Equal(t, "2024-01-04T10:00:00Z", got["fired_at"])
}

func TestNATSPublisher_PublishError(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewNATSPublisherWithConn(conn, "workoutbot.callouts", zerolog.Nop())

	err := p.Publish(context.Background(), callout.Event{ID: uuid.New(), Room: "C1"})
	assert.ErrorContains(t, err, "connection closed")
}

func TestNATSPublisher_HealthAndClose(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisherWithConn(conn, "s", zerolog.Nop())

	assert.False(t, p.Healthy())
	conn.connected = true
	assert.True(t, p.Healthy())

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 100 * time.Millisecond

	_, err := NewNATSPublisher(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrUnavailable)
}

func TestNop(t *testing.T) {
	var n Nop
	assert.NoError(t, n.Publish(context.Background(), callout.Event{}))
	assert.NoError(t, n.Close())
}
