package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/auditchain/auditchain/internal/chain"
)

// SystemStats is the raw material for the monitor's health summary.
type SystemStats struct {
	Total       int64
	ErrorCount  int64
	AvgDuration float64
}

// SystemStats counts system logs overall, plus errors and average request
// duration since the given time.
func (s *Store) SystemStats(ctx context.Context, since time.Time) (SystemStats, error) {
	var stats SystemStats

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM system_logs`).Scan(&stats.Total); err != nil {
		return stats, fmt.Errorf("counting system logs: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM system_logs WHERE level = 'ERROR' AND created_at >= ?`,
		timeStr(since)).Scan(&stats.ErrorCount); err != nil {
		return stats, fmt.Errorf("counting system errors: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM system_logs WHERE created_at >= ?`,
		timeStr(since)).Scan(&avg); err != nil {
		return stats, fmt.Errorf("averaging request durations: %w", err)
	}
	stats.AvgDuration = avg.Float64

	return stats, nil
}

// RecentSystemLogs returns the newest system records, optionally filtered
// by level ("" or "ALL" means every level).
func (s *Store) RecentSystemLogs(ctx context.Context, level string, limit int) ([]*chain.SystemRecord, error) {
	query := selectFor(chain.StreamSystem, "system_logs") + ` WHERE 1=1`
	var args []any
	if level != "" && level != "ALL" {
		query += ` AND level = ?`
		args = append(args, level)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent system logs: %w", err)
	}
	defer rows.Close()

	var out []*chain.SystemRecord
	for rows.Next() {
		rec, err := scanRecord(chain.StreamSystem, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.(*chain.SystemRecord))
	}
	return out, rows.Err()
}
