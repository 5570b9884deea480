package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/workoutbot/internal/eligibility"
)

// logChat stands in for Slack in API-only mode: rooms have no members and
// announcements go to the log.
type logChat struct {
	logger zerolog.Logger
}

func newLogChat(l zerolog.Logger) *logChat {
	return &logChat{logger: l.With().Str("component", "log_chat").Logger()}
}

func (c *logChat) ListChannelMembers(context.Context, string) ([]eligibility.Participant, error) {
	return nil, nil
}

func (c *logChat) SendMessage(_ context.Context, room, text string) error {
	c.logger.Info().Str("room", room).Str("text", text).Msg("announcement")
	return nil
}
