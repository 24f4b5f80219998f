// Package export implements the approval-gated workflow for extracting
// log data: a request is created PENDING, a reviewer approves or rejects
// it, approval renders the matching records to a CSV or JSON file, and
// completed files expire after a week.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/store"
)

// Supported output formats.
const (
	FormatCSV  = "CSV"
	FormatJSON = "JSON"
)

// downloadTTL is how long a completed export file stays available.
const downloadTTL = 7 * 24 * time.Hour

// defaultFetchLimit caps how many records one export loads. Matches the
// verification walk cap; an unbounded window never pulls a whole stream
// into memory.
const defaultFetchLimit = 50000

// ErrNotReady is returned when a download is requested before the export
// completed (or after it failed).
var ErrNotReady = errors.New("export is not ready for download")

// ErrNotPending is returned when approving or rejecting a request that
// already left the PENDING state.
var ErrNotPending = errors.New("export request is not pending")

// Filters narrows which records an export covers. Action is a glob
// pattern (e.g. "USER_*") applied to the audit stream; Level applies to
// the system stream.
type Filters struct {
	DateFrom time.Time `json:"dateFrom,omitempty"`
	DateTo   time.Time `json:"dateTo,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Level    string    `json:"level,omitempty"`
	Action   string    `json:"action,omitempty"`
}

// Service runs the export workflow against the log store, writing files
// under dir.
type Service struct {
	store      *store.Store
	dir        string
	fetchLimit int
}

// NewService returns an export Service writing files under dir.
func NewService(st *store.Store, dir string) *Service {
	return &Service{store: st, dir: dir, fetchLimit: defaultFetchLimit}
}

// Create registers a new PENDING export request.
func (s *Service) Create(ctx context.Context, requestedBy string, stream chain.Stream, format string, filters Filters) (*store.ExportRequest, error) {
	if _, err := chain.ParseStream(string(stream)); err != nil {
		return nil, err
	}
	switch format {
	case FormatCSV, FormatJSON:
	default:
		return nil, fmt.Errorf("unsupported export format: %s (use CSV or JSON)", format)
	}
	if filters.Action != "" {
		if _, err := glob.Compile(filters.Action); err != nil {
			return nil, fmt.Errorf("invalid action pattern %q: %w", filters.Action, err)
		}
	}

	encoded, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("encoding export filters: %w", err)
	}

	req := &store.ExportRequest{
		ID:          uuid.NewString(),
		RequestedBy: requestedBy,
		Stream:      stream,
		Format:      format,
		Filters:     string(encoded),
		Status:      store.ExportPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertExport(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns one request by id.
func (s *Service) Get(ctx context.Context, id string) (*store.ExportRequest, error) {
	return s.store.FindExport(ctx, id)
}

// List returns requests newest first, optionally filtered.
func (s *Service) List(ctx context.Context, status string, stream chain.Stream, limit int) ([]*store.ExportRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListExports(ctx, status, stream, limit)
}

// Approve marks a PENDING request approved and renders the file in the
// same call. On render failure the request ends FAILED.
func (s *Service) Approve(ctx context.Context, id, reviewedBy string) (*store.ExportRequest, error) {
	req, err := s.store.FindExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != store.ExportPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, req.Status)
	}

	req.Status = store.ExportApproved
	req.ReviewedBy = reviewedBy
	req.ReviewedAt = time.Now().UTC()
	if err := s.store.UpdateExport(ctx, req); err != nil {
		return nil, err
	}

	return s.process(ctx, req)
}

// Reject marks a PENDING request rejected with the reviewer's reason.
func (s *Service) Reject(ctx context.Context, id, reviewedBy, reason string) (*store.ExportRequest, error) {
	req, err := s.store.FindExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != store.ExportPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, req.Status)
	}

	req.Status = store.ExportRejected
	req.ReviewedBy = reviewedBy
	req.ReviewedAt = time.Now().UTC()
	req.RejectionReason = reason
	if err := s.store.UpdateExport(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// FilePath returns the on-disk path of a completed export for download.
func (s *Service) FilePath(ctx context.Context, id string) (string, *store.ExportRequest, error) {
	req, err := s.store.FindExport(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if req.Status != store.ExportCompleted {
		return "", nil, fmt.Errorf("%w: status is %s", ErrNotReady, req.Status)
	}

	full := filepath.Join(s.dir, req.FilePath)
	if _, err := os.Stat(full); err != nil {
		return "", nil, fmt.Errorf("%w: file missing, it may have expired", ErrNotReady)
	}
	return full, req, nil
}

// DeleteExpired removes files for completed exports past their expiry and
// marks the requests FAILED so they can no longer be downloaded.
func (s *Service) DeleteExpired(ctx context.Context) error {
	expired, err := s.store.ExpiredExports(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	deleted := 0
	for _, req := range expired {
		if req.FilePath != "" {
			if err := os.Remove(filepath.Join(s.dir, req.FilePath)); err == nil {
				deleted++
			}
		}
		req.Status = store.ExportFailed
		req.FilePath = ""
		if err := s.store.UpdateExport(ctx, req); err != nil {
			return err
		}
	}

	if len(expired) > 0 {
		slog.Info("expired exports cleaned up", "checked", len(expired), "deletedFiles", deleted)
	}
	return nil
}

// process renders an approved request: PROCESSING, query, write file,
// then COMPLETED with an expiry, or FAILED.
func (s *Service) process(ctx context.Context, req *store.ExportRequest) (*store.ExportRequest, error) {
	req.Status = store.ExportProcessing
	if err := s.store.UpdateExport(ctx, req); err != nil {
		return nil, err
	}

	records, err := s.fetch(ctx, req)
	if err == nil {
		err = s.render(req, records)
	}
	if err != nil {
		slog.Error("export processing failed", "exportRequestId", req.ID, "error", err)
		req.Status = store.ExportFailed
		if uerr := s.store.UpdateExport(ctx, req); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("export processing failed: %w", err)
	}

	now := time.Now().UTC()
	req.Status = store.ExportCompleted
	req.RecordCount = len(records)
	req.CompletedAt = now
	req.ExpiresAt = now.Add(downloadTTL)
	if err := s.store.UpdateExport(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// fetch loads and filters the records an export covers, capped at the
// service's fetch limit from the oldest end of the window. The date
// window is pushed down to SQL; userId/level/action filters apply in
// memory since the action filter is a glob.
func (s *Service) fetch(ctx context.Context, req *store.ExportRequest) ([]chain.Record, error) {
	var filters Filters
	if req.Filters != "" {
		if err := json.Unmarshal([]byte(req.Filters), &filters); err != nil {
			return nil, fmt.Errorf("decoding export filters: %w", err)
		}
	}

	records, err := s.store.Range(ctx, req.Stream, chain.Window{
		From:  filters.DateFrom,
		To:    filters.DateTo,
		Limit: s.fetchLimit,
	})
	if err != nil {
		return nil, err
	}

	var actionGlob glob.Glob
	if filters.Action != "" {
		actionGlob, err = glob.Compile(filters.Action)
		if err != nil {
			return nil, fmt.Errorf("invalid action pattern %q: %w", filters.Action, err)
		}
	}

	var out []chain.Record
	for _, rec := range records {
		switch r := rec.(type) {
		case *chain.AuditRecord:
			if filters.UserID != "" && r.UserID != filters.UserID {
				continue
			}
			if actionGlob != nil && !actionGlob.Match(r.Action) {
				continue
			}
		case *chain.SystemRecord:
			if filters.UserID != "" && r.UserID != filters.UserID {
				continue
			}
			if filters.Level != "" && !strings.EqualFold(r.Level, filters.Level) {
				continue
			}
		case *chain.AccessRecord:
			if filters.UserID != "" && r.UserID != filters.UserID {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// render writes the export file and records its name and size on req.
func (s *Service) render(req *store.ExportRequest, records []chain.Record) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating exports directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%d.%s", req.Stream, req.ID, time.Now().UnixMilli(), strings.ToLower(req.Format))
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	switch req.Format {
	case FormatCSV:
		err = writeCSV(f, req.Stream, records)
	case FormatJSON:
		err = writeJSON(f, records)
	default:
		err = fmt.Errorf("unsupported export format: %s", req.Format)
	}
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	req.FilePath = name
	req.FileSize = info.Size()
	return nil
}
