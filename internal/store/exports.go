package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/auditchain/auditchain/internal/chain"
)

// Export request lifecycle. PENDING requests wait for a reviewer;
// APPROVED moves straight to PROCESSING; terminal states are COMPLETED,
// REJECTED, and FAILED.
const (
	ExportPending    = "PENDING"
	ExportApproved   = "APPROVED"
	ExportRejected   = "REJECTED"
	ExportProcessing = "PROCESSING"
	ExportCompleted  = "COMPLETED"
	ExportFailed     = "FAILED"
)

// ExportRequest is one approval-gated request to extract log data.
// Filters is the JSON-encoded filter set the export service defined it
// with; the store treats it as opaque.
type ExportRequest struct {
	ID              string       `json:"id"`
	RequestedBy     string       `json:"requestedBy"`
	Stream          chain.Stream `json:"logType"`
	Format          string       `json:"format"`
	Filters         string       `json:"filters,omitempty"`
	Status          string       `json:"status"`
	ReviewedBy      string       `json:"reviewedBy,omitempty"`
	ReviewedAt      time.Time    `json:"reviewedAt,omitempty"`
	RejectionReason string       `json:"rejectionReason,omitempty"`
	FilePath        string       `json:"filePath,omitempty"`
	FileSize        int64        `json:"fileSize,omitempty"`
	RecordCount     int          `json:"recordCount,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	CompletedAt     time.Time    `json:"completedAt,omitempty"`
	ExpiresAt       time.Time    `json:"expiresAt,omitempty"`
}

// InsertExport persists a new export request.
func (s *Store) InsertExport(ctx context.Context, req *ExportRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_requests (id, requested_by, stream, format, filters, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RequestedBy, string(req.Stream), req.Format, nullStr(req.Filters),
		req.Status, timeStr(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting export request: %w", err)
	}
	return nil
}

// UpdateExport rewrites the mutable fields of an export request.
func (s *Store) UpdateExport(ctx context.Context, req *ExportRequest) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE export_requests SET status = ?, reviewed_by = ?, reviewed_at = ?,
		 rejection_reason = ?, file_path = ?, file_size = ?, record_count = ?,
		 completed_at = ?, expires_at = ? WHERE id = ?`,
		req.Status, nullStr(req.ReviewedBy), nullTime(req.ReviewedAt),
		nullStr(req.RejectionReason), nullStr(req.FilePath), req.FileSize, req.RecordCount,
		nullTime(req.CompletedAt), nullTime(req.ExpiresAt), req.ID)
	if err != nil {
		return fmt.Errorf("updating export request %s: %w", req.ID, err)
	}
	return nil
}

const exportColumns = `id, requested_by, stream, format, filters, status, reviewed_by,
	reviewed_at, rejection_reason, file_path, file_size, record_count, created_at,
	completed_at, expires_at`

// FindExport returns one export request or chain.ErrRecordNotFound.
func (s *Store) FindExport(ctx context.Context, id string) (*ExportRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM export_requests WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying export request %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, chain.ErrRecordNotFound
	}
	return scanExport(rows)
}

// ListExports returns requests newest first, optionally filtered by
// status and stream.
func (s *Store) ListExports(ctx context.Context, status string, stream chain.Stream, limit int) ([]*ExportRequest, error) {
	query := `SELECT ` + exportColumns + ` FROM export_requests WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if stream != "" {
		query += ` AND stream = ?`
		args = append(args, string(stream))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing export requests: %w", err)
	}
	defer rows.Close()

	var out []*ExportRequest
	for rows.Next() {
		req, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ExpiredExports returns completed requests whose download window closed
// before now.
func (s *Store) ExpiredExports(ctx context.Context, now time.Time) ([]*ExportRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM export_requests WHERE status = ? AND expires_at < ?`,
		ExportCompleted, timeStr(now))
	if err != nil {
		return nil, fmt.Errorf("listing expired export requests: %w", err)
	}
	defer rows.Close()

	var out []*ExportRequest
	for rows.Next() {
		req, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanExport(rows *sql.Rows) (*ExportRequest, error) {
	var req ExportRequest
	var stream string
	var filters, reviewedBy, reviewedAt, reason, filePath, completedAt, expiresAt sql.NullString
	var createdAt string

	err := rows.Scan(&req.ID, &req.RequestedBy, &stream, &req.Format, &filters, &req.Status,
		&reviewedBy, &reviewedAt, &reason, &filePath, &req.FileSize, &req.RecordCount,
		&createdAt, &completedAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("scanning export request row: %w", err)
	}

	req.Stream = chain.Stream(stream)
	req.Filters, req.ReviewedBy = filters.String, reviewedBy.String
	req.RejectionReason, req.FilePath = reason.String, filePath.String

	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst *time.Time
	}{
		{reviewedAt, &req.ReviewedAt},
		{completedAt, &req.CompletedAt},
		{expiresAt, &req.ExpiresAt},
	} {
		if f.src.Valid {
			t, err := parseTime(f.src.String)
			if err != nil {
				return nil, err
			}
			*f.dst = t
		}
	}
	return &req, nil
}
