package mgmt

import (
	"net/http"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/store"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemError carries a ProblemDetail through Fiber's error handler.
type problemError struct {
	ProblemDetail
}

func (e *problemError) Error() string { return e.Detail }

func newProblem(status int, errType, detail string) error {
	return &problemError{ProblemDetail{
		Type:   errType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}}
}

// CommandResponse is returned by start and stop.
type CommandResponse struct {
	Room    string             `json:"room"`
	Message string             `json:"message,omitempty"`
	Active  bool               `json:"was_active,omitempty"`
	Warning string             `json:"warning,omitempty"`
	Status  callout.RoomStatus `json:"status"`
}

// RoomsResponse lists every room the scheduler knows about.
type RoomsResponse struct {
	Rooms []callout.RoomStatus `json:"rooms"`
	Total int                  `json:"total"`
}

// StatsResponse carries a room's ledger.
type StatsResponse struct {
	Room  string           `json:"room"`
	Stats ledger.RoomStats `json:"stats"`
}

// CalloutsResponse is one page of callout history.
type CalloutsResponse struct {
	Room     string           `json:"room"`
	Callouts []*store.Callout `json:"callouts"`
	Total    int              `json:"total"`
}

// AuditResponse is one page of audit entries.
type AuditResponse struct {
	Entries []*store.AuditEntry `json:"entries"`
	Total   int                 `json:"total"`
}

// ConfigResponse is the read-only view of the running workout.
type ConfigResponse struct {
	MinTime            int               `json:"min_time"`
	MaxTime            int               `json:"max_time"`
	TimeUnit           string            `json:"time_unit"`
	NumUsers           int               `json:"num_users"`
	GroupCalloutChance float64           `json:"group_callout_chance"`
	WorkingTimeAware   bool              `json:"working_time_aware"`
	OfficeHoursBegin   int               `json:"office_hours_begin"`
	OfficeHoursEnd     int               `json:"office_hours_end"`
	Weekdays           []string          `json:"weekdays"`
	Timezone           string            `json:"timezone"`
	Locale             string            `json:"locale"`
	Exercises          []config.Exercise `json:"exercises"`
	AuthMode           string            `json:"auth_mode"`
}

func configResponse(s config.Scheduler, authMode string) ConfigResponse {
	days := make([]string, len(s.OfficeHours.Weekdays))
	for i, d := range s.OfficeHours.Weekdays {
		days[i] = d.String()
	}
	tz := ""
	if s.Location != nil {
		tz = s.Location.String()
	}
	return ConfigResponse{
		MinTime:            s.MinTime,
		MaxTime:            s.MaxTime,
		TimeUnit:           s.TimeUnit,
		NumUsers:           s.NumUsers,
		GroupCalloutChance: s.GroupCalloutChance,
		WorkingTimeAware:   s.WorkingTimeAware,
		OfficeHoursBegin:   s.OfficeHours.Begin,
		OfficeHoursEnd:     s.OfficeHours.End,
		Weekdays:           days,
		Timezone:           tz,
		Locale:             s.Locale,
		Exercises:          s.Exercises,
		AuthMode:           authMode,
	}
}
