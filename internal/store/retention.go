package store

import (
	"context"
	"fmt"
	"time"
)

// Retention says how long history rows are kept. Zero keeps rows forever.
type Retention struct {
	Callouts time.Duration
	Audit    time.Duration
}

// DefaultRetention keeps a quarter of callouts and a month of audit entries.
func DefaultRetention() Retention {
	return Retention{
		Callouts: 90 * 24 * time.Hour,
		Audit:    30 * 24 * time.Hour,
	}
}

// RunRetention cleans up old data according to retention policies. The
// ledger itself is never pruned.
func (s *Store) RunRetention(ctx context.Context, r Retention) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed int64

	if r.Callouts > 0 {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM callouts WHERE fired_at < ?",
			now.Add(-r.Callouts).UnixMilli(),
		)
		if err != nil {
			return removed, fmt.Errorf("failed to delete old callouts: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if r.Audit > 0 {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM audit_log WHERE created_at < ?",
			now.Add(-r.Audit).UnixMilli(),
		)
		if err != nil {
			return removed, fmt.Errorf("failed to delete old audit logs: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return removed, nil
}

// RunRetentionLoop prunes history every interval until ctx is done.
func (s *Store) RunRetentionLoop(ctx context.Context, r Retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RunRetention(ctx, r)
			if err != nil {
				s.logger.Warn().Err(err).Msg("retention run failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int64("removed", n).Msg("retention pruned history")
			}
		}
	}
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
