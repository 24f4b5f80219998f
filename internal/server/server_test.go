package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/compliance"
	"github.com/auditchain/auditchain/internal/config"
	"github.com/auditchain/auditchain/internal/export"
	"github.com/auditchain/auditchain/internal/monitor"
	"github.com/auditchain/auditchain/internal/store"
)

func testServer(t *testing.T) (*Server, *chain.Writer) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Env:       "development",
		Integrity: config.IntegrityConfig{RetentionDays: 90, VerifyLimit: 50000},
	}
	codec := chain.NewCodec("test-secret")
	writer := chain.NewWriter(st, codec)
	verifier := chain.NewVerifier(st, codec)
	maintainer := chain.NewMaintainer(st, codec)
	sweeper := chain.NewSweeper(st)
	reporter := compliance.NewReporter(st, verifier, cfg.Integrity.RetentionDays)
	exports := export.NewService(st, t.TempDir())
	mon := monitor.New(st)
	hub := monitor.NewHub()

	return New(cfg, writer, verifier, maintainer, sweeper, reporter, exports, mon, hub), writer
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecordAudit(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/logs/audit",
		`{"userId":"user-1","role":"admin","action":"USER_BLACKLISTED","entity":"User","entityId":"u-42"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] == "" {
		t.Error("response should carry the generated record id")
	}
}

func TestRecordAudit_RequiresAction(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/logs/audit", `{"userId":"user-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecordLogin_RequiresUser(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/logs/access/login", `{"sessionId":"s-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVerifyOne(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	created := doJSON(t, router, http.MethodPost, "/api/v1/logs/audit", `{"action":"USER_CREATED"}`)
	var resp map[string]string
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/integrity/records/AuditLog/"+resp["id"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Data chain.Verification `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Data.Valid {
		t.Errorf("freshly written record should verify, got %+v", body.Data)
	}
}

func TestVerifyOne_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/integrity/records/AuditLog/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVerifyOne_UnknownStream(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/integrity/records/PaymentLog/x", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVerifyChain(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()
	for i := 0; i < 3; i++ {
		doJSON(t, router, http.MethodPost, "/api/v1/logs/audit", `{"action":"USER_CREATED"}`)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/integrity/chain/AuditLog", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Data chain.ChainReport `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Data.ChainIntact || body.Data.Total != 3 {
		t.Errorf("chain should be intact over 3 records, got %+v", body.Data)
	}
}

func TestVerifyChain_BadWindow(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/integrity/chain/AuditLog?from=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestComplianceReport_AlwaysOKWhenGenerated(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/logs/audit", `{"action":"USER_CREATED"}`)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/integrity/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var report compliance.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.OverallStatus != compliance.StatusPass {
		t.Errorf("clean store should PASS, got %s", report.OverallStatus)
	}
}

func TestExportWorkflow(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/logs/audit", `{"action":"USER_CREATED"}`)

	created := doJSON(t, router, http.MethodPost, "/api/v1/exports/",
		`{"requestedBy":"auditor-1","logType":"AuditLog","format":"JSON"}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", created.Code, created.Body)
	}
	var req store.ExportRequest
	if err := json.Unmarshal(created.Body.Bytes(), &req); err != nil {
		t.Fatal(err)
	}

	approved := doJSON(t, router, http.MethodPost, "/api/v1/exports/"+req.ID+"/approve",
		`{"reviewedBy":"admin-1"}`)
	if approved.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", approved.Code, approved.Body)
	}

	download := doJSON(t, router, http.MethodGet, "/api/v1/exports/"+req.ID+"/download", "")
	if download.Code != http.StatusOK {
		t.Fatalf("download status = %d", download.Code)
	}
	if cd := download.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	// A second approval of the same request is rejected.
	again := doJSON(t, router, http.MethodPost, "/api/v1/exports/"+req.ID+"/approve",
		`{"reviewedBy":"admin-2"}`)
	if again.Code != http.StatusBadRequest {
		t.Fatalf("second approve status = %d", again.Code)
	}
}

func TestRequestLogger_RecordsSystemLog(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()
	doJSON(t, router, http.MethodPost, "/api/v1/logs/audit", `{"action":"USER_CREATED"}`)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/monitor/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var logs []*chain.SystemRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 {
		t.Fatal("the audit POST should have produced a system log entry")
	}
	if logs[0].Method != http.MethodPost || logs[0].Path != "/api/v1/logs/audit" {
		t.Errorf("unexpected entry %+v", logs[0])
	}
	if logs[0].IPAddress != "203.0.113.7" {
		t.Errorf("ip should be stripped of its port, got %q", logs[0].IPAddress)
	}
}
