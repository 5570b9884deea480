package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry records who issued a command and how it went.
type AuditEntry struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Source    string `json:"source"` // slack, api
	Action    string `json:"action"`
	Room      string `json:"room,omitempty"`
	Result    string `json:"result"` // ok, error, denied
	Details   string `json:"details,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

// SaveAudit appends an audit entry.
func (s *Store) SaveAudit(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO audit_log (user_id, source, action, room, result, details, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.UserID, e.Source, e.Action,
		sql.NullString{String: e.Room, Valid: e.Room != ""},
		e.Result,
		sql.NullString{String: e.Details, Valid: e.Details != ""},
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAudit returns the newest audit entries, optionally for one room.
func (s *Store) ListAudit(ctx context.Context, room string, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, user_id, source, action, room, result, details, created_at FROM audit_log`
	var args []any
	if room != "" {
		query += ` WHERE room = ?`
		args = append(args, room)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var room, details sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Source, &e.Action, &room, &e.Result, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Room = room.String
		e.Details = details.String
		out = append(out, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return out, nil
}
