package mgmt

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
	"github.com/p-blackswan/workoutbot/internal/health"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/metrics"
	"github.com/p-blackswan/workoutbot/internal/requestid"
	"github.com/p-blackswan/workoutbot/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)

// Scheduler is the slice of the callout scheduler the API drives.
type Scheduler interface {
	Start(ctx context.Context, room string) (string, error)
	Stop(ctx context.Context, room string) (bool, error)
	Stats(ctx context.Context, room string) ledger.RoomStats
	Status(room string) callout.RoomStatus
	Statuses() []callout.RoomStatus
	Config() config.Scheduler
}

// History reads callout history and the audit log.
type History interface {
	ListCallouts(ctx context.Context, f store.CalloutFilter) ([]*store.Callout, error)
	ListAudit(ctx context.Context, room string, limit int) ([]*store.AuditEntry, error)
	SaveAudit(ctx context.Context, e *store.AuditEntry) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	scheduler Scheduler
	history   History
	checker   *health.Checker
	metrics   *metrics.Metrics
	allowed   func(room string) bool
	authMode  string
	logger    zerolog.Logger
}

// NewHandlers creates a new Handlers instance. history and allowed may be nil.
func NewHandlers(scheduler Scheduler, history History, checker *health.Checker, m *metrics.Metrics, allowed func(string) bool, authMode string, logger zerolog.Logger) *Handlers {
	return &Handlers{
		scheduler: scheduler,
		history:   history,
		checker:   checker,
		metrics:   m,
		allowed:   allowed,
		authMode:  authMode,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	report, ready := h.checker.Check(c.UserContext())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// ListRooms handles GET /api/v1/rooms.
func (h *Handlers) ListRooms(c *fiber.Ctx) error {
	rooms := h.scheduler.Statuses()
	return c.JSON(RoomsResponse{Rooms: rooms, Total: len(rooms)})
}

// GetRoom handles GET /api/v1/rooms/:room.
func (h *Handlers) GetRoom(c *fiber.Ctx) error {
	room, err := h.room(c, "")
	if err != nil {
		return err
	}
	return c.JSON(h.scheduler.Status(room))
}

// StartRoom handles POST /api/v1/rooms/:room/start.
func (h *Handlers) StartRoom(c *fiber.Ctx) error {
	room, err := h.room(c, "start")
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	h.metrics.RecordCommand("api", "start")

	msg, err := h.scheduler.Start(ctx, room)
	if err != nil {
		h.audit(c, "start", room, "error", err.Error())
		return h.commandError(c, err)
	}
	h.audit(c, "start", room, "ok", "")
	return c.JSON(CommandResponse{
		Room:    room,
		Message: msg,
		Status:  h.scheduler.Status(room),
	})
}

// StopRoom handles POST /api/v1/rooms/:room/stop. The stop takes effect even
// when the room announcement fails.
func (h *Handlers) StopRoom(c *fiber.Ctx) error {
	room, err := h.room(c, "stop")
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	h.metrics.RecordCommand("api", "stop")

	active, err := h.scheduler.Stop(ctx, room)
	resp := CommandResponse{
		Room:    room,
		Message: callout.StopMessage,
		Active:  active,
		Status:  h.scheduler.Status(room),
	}
	if err != nil {
		logger := requestid.Logger(ctx, h.logger)
		logger.Warn().Err(err).Str("room", room).Msg("stop announcement failed")
		resp.Warning = "announcement failed: " + err.Error()
	}
	h.audit(c, "stop", room, "ok", resp.Warning)
	return c.JSON(resp)
}

// RoomStats handles GET /api/v1/rooms/:room/stats.
func (h *Handlers) RoomStats(c *fiber.Ctx) error {
	room, err := h.room(c, "")
	if err != nil {
		return err
	}
	h.metrics.RecordCommand("api", "stats")
	return c.JSON(StatsResponse{Room: room, Stats: h.scheduler.Stats(c.UserContext(), room)})
}

// RoomCallouts handles GET /api/v1/rooms/:room/callouts?limit=&since=.
func (h *Handlers) RoomCallouts(c *fiber.Ctx) error {
	room, err := h.room(c, "")
	if err != nil {
		return err
	}
	if h.history == nil {
		return problemResponse(c, fiber.StatusNotImplemented,
			"history_disabled", "Not Implemented",
			"Callout history is not configured")
	}

	limit, err := pageSize(c)
	if err != nil {
		return err
	}
	var since int64
	if raw := c.Query("since"); raw != "" {
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_query", "Bad Request",
				"since must be an RFC 3339 timestamp")
		}
		since = t.UnixMilli()
	}

	callouts, err := h.history.ListCallouts(c.UserContext(), store.CalloutFilter{
		Room:  room,
		Since: since,
		Limit: limit,
	})
	if err != nil {
		return err
	}
	if callouts == nil {
		callouts = []*store.Callout{}
	}
	return c.JSON(CalloutsResponse{Room: room, Callouts: callouts, Total: len(callouts)})
}

// ListAudit handles GET /api/v1/audit?room=&limit=.
func (h *Handlers) ListAudit(c *fiber.Ctx) error {
	if h.history == nil {
		return problemResponse(c, fiber.StatusNotImplemented,
			"history_disabled", "Not Implemented",
			"Audit log is not configured")
	}
	limit, err := pageSize(c)
	if err != nil {
		return err
	}
	room := c.Query("room")
	if room != "" && !roomPattern.MatchString(room) {
		return newProblem(fiber.StatusBadRequest, "invalid_room", "Invalid room id")
	}
	entries, err := h.history.ListAudit(c.UserContext(), room, limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	return c.JSON(AuditResponse{Entries: entries, Total: len(entries)})
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	return c.JSON(configResponse(h.scheduler.Config(), h.authMode))
}

// room validates the :room parameter. A non-empty action announces in the
// room, so rooms the bot may not post to are rejected and audited.
func (h *Handlers) room(c *fiber.Ctx, action string) (string, error) {
	room := utils.CopyString(c.Params("room"))
	if !roomPattern.MatchString(room) {
		return "", newProblem(fiber.StatusBadRequest, "invalid_room", "Invalid room id")
	}
	if action != "" && h.allowed != nil && !h.allowed(room) {
		h.audit(c, action, room, "denied", "room not allowed")
		return "", newProblem(fiber.StatusForbidden, "room_not_allowed",
			"The bot is not allowed to post in this room")
	}
	return room, nil
}

func (h *Handlers) commandError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrInvalidConfig):
		return problemResponse(c, fiber.StatusUnprocessableEntity,
			"invalid_config", "Unprocessable Entity", err.Error())
	case errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", err.Error())
	default:
		return problemResponse(c, fiber.StatusInternalServerError,
			"command_failed", "Internal Server Error", err.Error())
	}
}

func (h *Handlers) audit(c *fiber.Ctx, action, room, result, details string) {
	if h.history == nil {
		return
	}
	ctx := c.UserContext()
	err := h.history.SaveAudit(ctx, &store.AuditEntry{
		UserID:  actor(c),
		Source:  "api",
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

func pageSize(c *fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, newProblem(fiber.StatusBadRequest, "invalid_query", "limit must be a positive integer")
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}
