package callout

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/workoutbot/internal/config"
)

// Event is one fired callout.
type Event struct {
	ID       uuid.UUID       `json:"id"`
	Room     string          `json:"room"`
	Exercise config.Exercise `json:"exercise"`
	Reps     int             `json:"reps"`
	Users    []string        `json:"users"`
	Group    bool            `json:"group"`
	FiredAt  time.Time       `json:"fired_at"`
}

// Kind classifies the event for metrics and history.
func (e Event) Kind() string {
	switch {
	case e.Group:
		return "group"
	case len(e.Users) == 0:
		return "empty"
	default:
		return "named"
	}
}

// Publisher fans fired callouts out to other systems.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// History keeps an append-only log of fired callouts.
type History interface {
	AppendCallout(ctx context.Context, ev Event) error
}
