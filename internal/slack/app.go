package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// BotAPI abstracts the Slack API client for testing.
type BotAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetUserPresenceContext(ctx context.Context, user string) (*slack.UserPresence, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// SafeSlackClient wraps the Slack API client with security restrictions.
// Posting and member listing are limited to allowlisted channels. Direct
// message channels are always allowed so the bot can answer DMs. Users are
// only looked up one at a time, never enumerated workspace-wide.
type SafeSlackClient struct {
	inner           BotAPI
	allowedChannels map[string]bool
	logger          zerolog.Logger
}

// NewSafeSlackClient creates a restricted Slack client.
// If allowedChannels is empty, all non-DM channels are denied (fail-closed).
func NewSafeSlackClient(inner BotAPI, allowedChannels []string, logger zerolog.Logger) *SafeSlackClient {
	allowed := make(map[string]bool, len(allowedChannels))
	for _, ch := range allowedChannels {
		allowed[ch] = true
	}
	return &SafeSlackClient{
		inner:           inner,
		allowedChannels: allowed,
		logger:          logger.With().Str("component", "slack.safe_client").Logger(),
	}
}

// Allowed reports whether the bot may act in channelID.
func (s *SafeSlackClient) Allowed(channelID string) bool {
	return s.allowedChannels[channelID] || isDirectMessage(channelID)
}

// PostMessageContext sends a message only if the channel is allowed.
func (s *SafeSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if !s.Allowed(channelID) {
		s.logger.Warn().
			Str("channel_id", channelID).
			Msg("blocked PostMessage to non-allowlisted channel")
		return "", "", fmt.Errorf("channel %s is not in the allowed channels list", channelID)
	}
	return s.inner.PostMessageContext(ctx, channelID, options...)
}

// GetUsersInConversationContext lists members of an allowlisted channel.
func (s *SafeSlackClient) GetUsersInConversationContext(ctx context.Context, params *slack.GetUsersInConversationParameters) ([]string, string, error) {
	if !s.allowedChannels[params.ChannelID] {
		s.logger.Warn().
			Str("channel_id", params.ChannelID).
			Msg("blocked member listing of non-allowlisted channel")
		return nil, "", fmt.Errorf("channel %s is not in the allowed channels list", params.ChannelID)
	}
	return s.inner.GetUsersInConversationContext(ctx, params)
}

// GetUserInfoContext looks up a single user.
func (s *SafeSlackClient) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	return s.inner.GetUserInfoContext(ctx, user)
}

// GetUserPresenceContext returns a single user's presence.
func (s *SafeSlackClient) GetUserPresenceContext(ctx context.Context, user string) (*slack.UserPresence, error) {
	return s.inner.GetUserPresenceContext(ctx, user)
}

// AuthTestContext tests the bot token.
func (s *SafeSlackClient) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return s.inner.AuthTestContext(ctx)
}

func isDirectMessage(channelID string) bool {
	return strings.HasPrefix(channelID, "D")
}

// App is the Slack bot application using Socket Mode.
type App struct {
	api     *SafeSlackClient
	socket  *socketmode.Client
	logger  zerolog.Logger
	handler *Handler
}

// NewApp creates a new Slack bot app.
// allowedChannels restricts which channels the bot can act in (fail-closed if empty).
func NewApp(botToken, appToken string, allowedChannels []string, logger zerolog.Logger, handler *Handler) (*App, error) {
	if botToken == "" || appToken == "" {
		return nil, fmt.Errorf("slack bot and app tokens are required")
	}
	rawAPI := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	api := NewSafeSlackClient(rawAPI, allowedChannels, logger)
	socket := socketmode.New(rawAPI)
	handler.api = api
	handler.SetSocket(socket)

	return &App{
		api:     api,
		socket:  socket,
		logger:  logger.With().Str("component", "slack").Logger(),
		handler: handler,
	}, nil
}

// API returns the restricted client.
func (a *App) API() *SafeSlackClient {
	return a.api
}

// Check verifies the bot token. It backs the readiness probe.
func (a *App) Check(ctx context.Context) error {
	if _, err := a.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	return nil
}

// Run starts the Socket Mode event loop. Blocks until context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info().Msg("starting Slack Socket Mode connection")

	if resp, err := a.api.AuthTestContext(ctx); err == nil {
		a.handler.SetBotUserID(resp.UserID)
	} else {
		a.logger.Warn().Err(err).Msg("auth test failed, mentions of the bot will not be stripped")
	}

	go func() {
		for evt := range a.socket.Events {
			a.handler.HandleEvent(ctx, evt)
		}
	}()

	go func() {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down Slack Socket Mode")
	}()

	if err := a.socket.RunContext(ctx); err != nil {
		return fmt.Errorf("socket mode error: %w", err)
	}
	return nil
}
