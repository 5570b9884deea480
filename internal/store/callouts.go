package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/p-blackswan/workoutbot/internal/callout"
)

// Callout is one row of the callout history.
type Callout struct {
	ID           string   `json:"id"`
	Room         string   `json:"room"`
	Exercise     string   `json:"exercise"`
	ExerciseName string   `json:"exercise_name"`
	Units        string   `json:"units,omitempty"`
	Reps         int      `json:"reps"`
	Users        []string `json:"users"`
	Group        bool     `json:"group"`
	FiredAt      int64    `json:"fired_at"` // unix ms
}

// CalloutFilter for filtering callout history
type CalloutFilter struct {
	Room  string
	Since int64 // unix ms, 0 = no lower bound
	Limit int
}

// AppendCallout records a fired callout.
func (s *Store) AppendCallout(ctx context.Context, ev callout.Event) error {
	users := ev.Users
	if users == nil {
		users = []string{}
	}
	usersJSON, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("failed to encode callout users: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO callouts (id, room, exercise, exercise_name, units, reps, users, grp, fired_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID.String(), ev.Room, ev.Exercise.Slug, ev.Exercise.Name, ev.Exercise.Units,
		ev.Reps, string(usersJSON), ev.Group, ev.FiredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save callout: %w", err)
	}
	return nil
}

// ListCallouts returns callouts newest first.
func (s *Store) ListCallouts(ctx context.Context, f CalloutFilter) ([]*Callout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, room, exercise, exercise_name, units, reps, users, grp, fired_at
	FROM callouts WHERE fired_at >= ?
	`
	args := []any{f.Since}
	if f.Room != "" {
		query += ` AND room = ?`
		args = append(args, f.Room)
	}
	query += ` ORDER BY fired_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list callouts: %w", err)
	}
	defer rows.Close()

	var out []*Callout
	for rows.Next() {
		c := &Callout{}
		var users string
		if err := rows.Scan(&c.ID, &c.Room, &c.Exercise, &c.ExerciseName, &c.Units,
			&c.Reps, &users, &c.Group, &c.FiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan callout: %w", err)
		}
		if err := json.Unmarshal([]byte(users), &c.Users); err != nil {
			return nil, fmt.Errorf("failed to decode callout users: %w", err)
		}
		out = append(out, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating callouts: %w", err)
	}

	return out, nil
}
