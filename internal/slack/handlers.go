package slack

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/metrics"
	"github.com/p-blackswan/workoutbot/internal/requestid"
	"github.com/p-blackswan/workoutbot/internal/store"
)

// Commander is the scheduler surface driven by chat commands.
type Commander interface {
	Start(ctx context.Context, room string) (string, error)
	Stop(ctx context.Context, room string) (bool, error)
	Stats(ctx context.Context, room string) ledger.RoomStats
	Status(room string) callout.RoomStatus
	Config() config.Scheduler
}

// Auditor records who issued which command.
type Auditor interface {
	SaveAudit(ctx context.Context, e *store.AuditEntry) error
}

// Handler processes Slack events and turns mentions and DMs into commands.
type Handler struct {
	api        BotAPI
	socket     *socketmode.Client
	logger     zerolog.Logger
	middleware *Middleware
	commander  Commander
	auditor    Auditor
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	botUserID string
}

// NewHandler creates a new event handler.
func NewHandler(logger zerolog.Logger, middleware *Middleware, commander Commander) *Handler {
	return &Handler{
		logger:     logger.With().Str("component", "slack.handler").Logger(),
		middleware: middleware,
		commander:  commander,
	}
}

// SetCommander sets the scheduler commands are routed to. The scheduler
// posts through the App's client, so it is built after the handler.
func (h *Handler) SetCommander(c Commander) {
	h.commander = c
}

// SetAuditor sets the command audit sink.
func (h *Handler) SetAuditor(a Auditor) {
	h.auditor = a
}

// SetMetrics sets the metrics collector.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// SetSocket sets the Socket Mode client for acknowledging events.
func (h *Handler) SetSocket(s *socketmode.Client) {
	h.socket = s
}

// SetBotUserID sets the bot's own user ID so its mention can be stripped.
func (h *Handler) SetBotUserID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.botUserID = id
}

func (h *Handler) botID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.botUserID
}

// HandleEvent routes Socket Mode events to the appropriate handler.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	case socketmode.EventTypeConnected:
		h.logger.Info().Msg("connected to Slack")
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	// Slack requires an ack within 3 seconds
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}

	if eventsAPIEvent.Type == slackevents.CallbackEvent {
		h.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
	}
}

func (h *Handler) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		h.logger.Info().
			Str("user", ev.User).
			Str("channel", ev.Channel).
			Msg("app mention received")
		h.HandleCommand(ctx, ev.Channel, ev.User, ev.Text)

	case *slackevents.MessageEvent:
		// Skip bot messages and message_changed/deleted subtypes
		if ev.User == "" || ev.SubType != "" || ev.BotID != "" {
			return
		}
		if ev.ChannelType != "im" {
			return
		}
		h.logger.Info().
			Str("user", ev.User).
			Str("channel", ev.Channel).
			Msg("DM received")
		h.HandleCommand(ctx, ev.Channel, ev.User, ev.Text)

	default:
		h.logger.Debug().
			Str("inner_type", innerEvent.Type).
			Msg("unhandled callback event type")
	}
}

var (
	mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)
	channelRe = regexp.MustCompile(`^<#([A-Z0-9]+)(?:\|[^>]*)?>$`)
)

// ParseCommand extracts the command word and an optional <#channel> target.
func ParseCommand(text, botUserID string) (cmd, target string) {
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", " ")
	} else {
		text = mentionRe.ReplaceAllString(text, " ")
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		if m := channelRe.FindStringSubmatch(fields[1]); m != nil {
			target = m[1]
		}
	}
	return cmd, target
}

// HandleCommand runs one chat command issued by user in channel.
func (h *Handler) HandleCommand(ctx context.Context, channel, user, text string) {
	ctx, _ = requestid.New(ctx)
	logger := requestid.Logger(ctx, h.logger)

	cmd, target := ParseCommand(text, h.botID())
	h.metrics.RecordCommand("slack", commandLabel(cmd))

	if !h.middleware.CheckRateLimit(user) {
		h.reply(ctx, channel, "You're sending commands too fast. Give it a minute 🧘")
		return
	}
	if h.commander == nil {
		logger.Warn().Str("command", cmd).Msg("command received before the scheduler was wired")
		h.reply(ctx, channel, "I'm still warming up, try again in a moment.")
		return
	}

	room := target
	if room == "" && !isDirectMessage(channel) {
		room = channel
	}

	switch cmd {
	case "", "help":
		h.reply(ctx, channel, callout.HelpText, HelpBlocks()...)
		return
	case "start", "stop", "stats", "status":
	default:
		h.reply(ctx, channel, fmt.Sprintf("I don't know `%s`. Try `help`.", cmd))
		return
	}

	if room == "" {
		h.reply(ctx, channel, fmt.Sprintf("Which channel? Try `%s #channel`.", cmd))
		return
	}
	if !h.allowed(room) {
		logger.Warn().Str("room", room).Str("user", user).Str("command", cmd).Msg("command for non-allowlisted channel")
		h.audit(ctx, user, cmd, room, "denied", "channel not allowed")
		h.reply(ctx, channel, fmt.Sprintf("I'm not allowed to work out in <#%s>.", room))
		return
	}

	if !h.middleware.CheckRoomCommand(room, cmd) {
		h.audit(ctx, user, cmd, room, "denied", "room toggled too often")
		h.reply(ctx, channel, fmt.Sprintf("<#%s> was started or stopped a moment ago. Give it a minute 🧘", room))
		return
	}

	logger = logger.With().Str("room", room).Str("user", user).Str("command", cmd).Logger()

	switch cmd {
	case "start":
		msg, err := h.commander.Start(ctx, room)
		if err != nil {
			logger.Warn().Err(err).Msg("start failed")
			h.audit(ctx, user, cmd, room, "error", err.Error())
		} else {
			h.audit(ctx, user, cmd, room, "ok", "")
		}
		// the scheduler announces in the room itself
		if channel != room && msg != "" {
			h.reply(ctx, channel, msg)
		}

	case "stop":
		active, err := h.commander.Stop(ctx, room)
		if err != nil {
			logger.Warn().Err(err).Msg("stop announcement failed")
		}
		h.audit(ctx, user, cmd, room, "ok", fmt.Sprintf("was_active=%t", active))
		if channel != room {
			h.reply(ctx, channel, callout.StopMessage)
		}

	case "stats":
		cfg := h.commander.Config()
		stats := h.commander.Stats(ctx, room)
		h.reply(ctx, channel, callout.FormatStats(cfg.Exercises, stats), StatsBlocks(room, cfg.Exercises, stats)...)

	case "status":
		st := h.commander.Status(room)
		text := fmt.Sprintf("Callouts in <#%s> are %s.", room, st.State)
		if st.ETA != "" {
			text = fmt.Sprintf("Callouts in <#%s> are %s. Next callout %s.", room, st.State, st.ETA)
		}
		h.reply(ctx, channel, text)
	}
}

func commandLabel(cmd string) string {
	switch cmd {
	case "":
		return "help"
	case "help", "start", "stop", "stats", "status":
		return cmd
	}
	return "unknown"
}

func (h *Handler) allowed(room string) bool {
	if a, ok := h.api.(interface{ Allowed(string) bool }); ok {
		return a.Allowed(room) && !isDirectMessage(room)
	}
	return true
}

func (h *Handler) reply(ctx context.Context, channel, text string, blocks ...slack.Block) {
	if h.api == nil {
		return
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if _, _, err := h.api.PostMessageContext(ctx, channel, opts...); err != nil {
		logger := requestid.Logger(ctx, h.logger)
		logger.Warn().Err(err).Str("channel", channel).Msg("reply failed")
		h.metrics.RecordError("slack", "reply")
	}
}

func (h *Handler) audit(ctx context.Context, user, action, room, result, details string) {
	if h.auditor == nil {
		return
	}
	err := h.auditor.SaveAudit(ctx, &store.AuditEntry{
		UserID:  user,
		Source:  "slack",
		Action:  action,
		Room:    room,
		Result:  result,
		Details: details,
	})
	if err != nil {
		logger := requestid.Logger(ctx, h.logger)
		logger.Warn().Err(err).Msg("saving audit entry failed")
	}
}
