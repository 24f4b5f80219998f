package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/export"
)

// ---------------------------------------------------------------------------
// Event recording
// ---------------------------------------------------------------------------

type recordAuditRequest struct {
	UserID   string         `json:"userId"`
	Role     string         `json:"role"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleRecordAudit(w http.ResponseWriter, r *http.Request) {
	var req recordAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	rec := &chain.AuditRecord{
		UserID:    req.UserID,
		Role:      req.Role,
		Action:    req.Action,
		Entity:    req.Entity,
		EntityID:  req.EntityID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  req.Metadata,
	}
	s.writer.RecordAudit(r.Context(), rec)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
}

type sessionRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleRecordLogin(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rec := &chain.AccessRecord{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
	s.writer.RecordLogin(r.Context(), rec)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
}

func (s *Server) handleRecordLogout(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	s.writer.RecordLogout(r.Context(), req.UserID, req.SessionID, clientIP(r))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// ---------------------------------------------------------------------------
// Integrity verification
// ---------------------------------------------------------------------------

func (s *Server) handleVerifyOne(w http.ResponseWriter, r *http.Request) {
	stream, err := chain.ParseStream(chi.URLParam(r, "stream"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")

	result, err := s.verifier.VerifyOne(r.Context(), stream, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	// The verification itself is an auditable action.
	s.writer.RecordAudit(r.Context(), &chain.AuditRecord{
		Action:    "VERIFY_INTEGRITY",
		Entity:    string(stream),
		EntityID:  id,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  map[string]any{"valid": result.Valid},
	})

	status := http.StatusOK
	if result.Reason == chain.ReasonNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"message": "integrity verification completed",
		"data":    result,
	})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	stream, err := chain.ParseStream(chi.URLParam(r, "stream"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.verifier.VerifyChain(r.Context(), stream, win)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "chain verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "chain verification completed",
		"data":    report,
	})
}

// handleComplianceReport always answers 200 for a report that generated:
// "the check worked and found a problem" is a FAIL payload, not an HTTP
// error.
func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.reporter.Generate(r.Context(), win)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compliance report generation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	stream, err := chain.ParseStream(chi.URLParam(r, "stream"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, _ := strconv.Atoi(r.URL.Query().Get("batch"))
	processed, err := s.maintainer.Backfill(r.Context(), stream, batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tableName": stream,
		"processed": processed,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retentionDays"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.RetentionDays == 0 {
		req.RetentionDays = s.cfg.Integrity.RetentionDays
	}

	counts, err := s.sweeper.Cleanup(r.Context(), req.RetentionDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retention cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ---------------------------------------------------------------------------
// Export workflow
// ---------------------------------------------------------------------------

type createExportRequest struct {
	RequestedBy string         `json:"requestedBy"`
	LogType     string         `json:"logType"`
	Format      string         `json:"format"`
	Filters     export.Filters `json:"filters"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestedBy == "" {
		writeError(w, http.StatusBadRequest, "requestedBy is required")
		return
	}

	created, err := s.exports.Create(r.Context(), req.RequestedBy, chain.Stream(req.LogType), req.Format, req.Filters)
	if err != nil {
		writeError(w, exportStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.exports.List(r.Context(),
		r.URL.Query().Get("status"),
		chain.Stream(r.URL.Query().Get("logType")),
		limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing exports failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	req, err := s.exports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, exportStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reviewRequest struct {
	ReviewedBy string `json:"reviewedBy"`
	Reason     string `json:"reason"`
}

func (s *Server) handleApproveExport(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewedBy == "" {
		writeError(w, http.StatusBadRequest, "reviewedBy is required")
		return
	}

	updated, err := s.exports.Approve(r.Context(), chi.URLParam(r, "id"), req.ReviewedBy)
	if err != nil {
		writeError(w, exportStatus(err), err.Error())
		return
	}

	s.writer.RecordAudit(r.Context(), &chain.AuditRecord{
		UserID:    req.ReviewedBy,
		Action:    "EXPORT_APPROVED",
		Entity:    "ExportRequest",
		EntityID:  updated.ID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRejectExport(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewedBy == "" {
		writeError(w, http.StatusBadRequest, "reviewedBy is required")
		return
	}

	updated, err := s.exports.Reject(r.Context(), chi.URLParam(r, "id"), req.ReviewedBy, req.Reason)
	if err != nil {
		writeError(w, exportStatus(err), err.Error())
		return
	}

	s.writer.RecordAudit(r.Context(), &chain.AuditRecord{
		UserID:    req.ReviewedBy,
		Action:    "EXPORT_REJECTED",
		Entity:    "ExportRequest",
		EntityID:  updated.ID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	path, req, err := s.exports.FilePath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, exportStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(req.FilePath))
	http.ServeFile(w, r, path)
}

// ---------------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------------

func (s *Server) handleMonitorSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.monitor.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMonitorLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.monitor.Recent(r.Context(), r.URL.Query().Get("level"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetching logs failed")
		return
	}
	if logs == nil {
		logs = []*chain.SystemRecord{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// exportStatus maps export/chain errors to HTTP statuses.
func exportStatus(err error) int {
	switch {
	case errors.Is(err, chain.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrUnknownStream),
		errors.Is(err, export.ErrNotPending),
		errors.Is(err, export.ErrNotReady):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseWindow reads from/to/limit query parameters. Dates accept
// RFC 3339 timestamps or plain YYYY-MM-DD days (from = start of day,
// to = end of day, UTC).
func parseWindow(r *http.Request) (chain.Window, error) {
	var win chain.Window
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			return win, err
		}
		win.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			return win, err
		}
		win.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return win, errors.New("limit must be a positive integer")
		}
		win.Limit = n
	}
	return win, nil
}

func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, errors.New("dates must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t.UTC(), nil
}
