package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/auditchain/auditchain/internal/chain"
)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func auditFixture(i int) *chain.AuditRecord {
	return &chain.AuditRecord{
		ID:            fmt.Sprintf("audit-%02d", i),
		UserID:        "user-1",
		Role:          "admin",
		Action:        "PROFILE_UPDATED",
		Entity:        "User",
		EntityID:      "user-2",
		IPAddress:     "10.0.0.1",
		UserAgent:     "curl/8.0",
		Metadata:      map[string]any{"field": "phone", "version": "1.0"},
		CreatedAt:     baseTime.Add(time.Duration(i) * time.Minute),
		PrevHash:      chain.GenesisHash,
		IntegrityHash: fmt.Sprintf("hash-%02d", i),
	}
}

func TestInsertAndFindByID_Audit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := auditFixture(0)
	if err := s.Insert(ctx, chain.StreamAudit, want); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.FindByID(ctx, chain.StreamAudit, want.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	rec := got.(*chain.AuditRecord)

	if rec.Action != want.Action || rec.UserID != want.UserID || rec.Role != want.Role {
		t.Errorf("roundtrip mismatch: got %+v", rec)
	}
	if rec.Metadata["field"] != "phone" {
		t.Errorf("metadata should roundtrip, got %v", rec.Metadata)
	}
	if !rec.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("createdAt should roundtrip exactly: got %v want %v", rec.CreatedAt, want.CreatedAt)
	}
	if rec.IntegrityHash != want.IntegrityHash || rec.PrevHash != want.PrevHash {
		t.Error("chain fields should roundtrip")
	}
}

func TestInsertAndFindByID_Access(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	login := &chain.AccessRecord{
		ID:        "acc-1",
		UserID:    "user-1",
		LoginTime: baseTime,
		SessionID: "sess-1",
		CreatedAt: baseTime,
	}
	if err := s.Insert(ctx, chain.StreamAccess, login); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.FindByID(ctx, chain.StreamAccess, "acc-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	rec := got.(*chain.AccessRecord)
	if !rec.LoginTime.Equal(baseTime) {
		t.Errorf("loginTime should roundtrip, got %v", rec.LoginTime)
	}
	if !rec.LogoutTime.IsZero() {
		t.Errorf("unset logoutTime should stay zero, got %v", rec.LogoutTime)
	}
}

func TestFindByID_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FindByID(context.Background(), chain.StreamAudit, "nope"); !errors.Is(err, chain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestInsert_StreamTypeMismatch(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert(context.Background(), chain.StreamSystem, auditFixture(0)); err == nil {
		t.Error("inserting an audit record into the system stream should fail")
	}
}

func TestLatestHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.LatestHash(ctx, chain.StreamAudit)
	if err != nil {
		t.Fatalf("LatestHash: %v", err)
	}
	if h != chain.GenesisHash {
		t.Errorf("empty stream should report genesis, got %q", h)
	}

	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, chain.StreamAudit, auditFixture(i)); err != nil {
			t.Fatal(err)
		}
	}

	h, err = s.LatestHash(ctx, chain.StreamAudit)
	if err != nil {
		t.Fatalf("LatestHash: %v", err)
	}
	if h != "hash-02" {
		t.Errorf("expected newest hash, got %q", h)
	}

	// A trailing unhashed record resets the reported head to genesis.
	legacy := auditFixture(3)
	legacy.PrevHash, legacy.IntegrityHash = "", ""
	if err := s.Insert(ctx, chain.StreamAudit, legacy); err != nil {
		t.Fatal(err)
	}
	h, err = s.LatestHash(ctx, chain.StreamAudit)
	if err != nil {
		t.Fatalf("LatestHash: %v", err)
	}
	if h != chain.GenesisHash {
		t.Errorf("unhashed head should report genesis, got %q", h)
	}
}

func TestLatestAssignedHash_SkipsUnhashed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, chain.StreamAudit, auditFixture(0)); err != nil {
		t.Fatal(err)
	}
	legacy := auditFixture(1)
	legacy.PrevHash, legacy.IntegrityHash = "", ""
	if err := s.Insert(ctx, chain.StreamAudit, legacy); err != nil {
		t.Fatal(err)
	}

	h, err := s.LatestAssignedHash(ctx, chain.StreamAudit)
	if err != nil {
		t.Fatalf("LatestAssignedHash: %v", err)
	}
	if h != "hash-00" {
		t.Errorf("expected newest assigned hash, got %q", h)
	}
}

func TestRange_OrderAndWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Insert out of order, including a createdAt tie broken by id.
	for _, i := range []int{2, 0, 1} {
		if err := s.Insert(ctx, chain.StreamAudit, auditFixture(i)); err != nil {
			t.Fatal(err)
		}
	}
	tied := auditFixture(3)
	tied.ID = "audit-00-b"
	tied.CreatedAt = baseTime
	if err := s.Insert(ctx, chain.StreamAudit, tied); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Range(ctx, chain.StreamAudit, chain.Window{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	wantOrder := []string{"audit-00", "audit-00-b", "audit-01", "audit-02"}
	if len(recs) != len(wantOrder) {
		t.Fatalf("expected %d records, got %d", len(wantOrder), len(recs))
	}
	for i, id := range wantOrder {
		if recs[i].RecordID() != id {
			t.Errorf("position %d: expected %s, got %s", i, id, recs[i].RecordID())
		}
	}

	// Window bounds are inclusive.
	recs, err = s.Range(ctx, chain.StreamAudit, chain.Window{
		From: baseTime.Add(time.Minute),
		To:   baseTime.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("window should contain 2 records, got %d", len(recs))
	}

	recs, err = s.Range(ctx, chain.StreamAudit, chain.Window{Limit: 1})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(recs) != 1 || recs[0].RecordID() != "audit-00" {
		t.Error("limit should cap from the oldest end")
	}
}

func TestMissingHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, chain.StreamAudit, auditFixture(0)); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		legacy := auditFixture(i)
		legacy.PrevHash, legacy.IntegrityHash = "", ""
		if err := s.Insert(ctx, chain.StreamAudit, legacy); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.MissingHash(ctx, chain.StreamAudit, 2)
	if err != nil {
		t.Fatalf("MissingHash: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(recs))
	}
	if recs[0].RecordID() != "audit-01" {
		t.Errorf("batch should start at the oldest unhashed record, got %s", recs[0].RecordID())
	}

	n, err := s.CountMissingHash(ctx, chain.StreamAudit, chain.Window{})
	if err != nil {
		t.Fatalf("CountMissingHash: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 unhashed records, got %d", n)
	}
}

func TestWriteOnce_UpdateBlocked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, chain.StreamAudit, auditFixture(0)); err != nil {
		t.Fatal(err)
	}

	err := s.AssignHashes(ctx, chain.StreamAudit, "audit-00", "x", "y")
	if err == nil {
		t.Fatal("UPDATE should be blocked while maintenance mode is off")
	}

	if err := s.SetMaintenance(ctx, true); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}
	if err := s.AssignHashes(ctx, chain.StreamAudit, "audit-00", "x", "y"); err != nil {
		t.Fatalf("UPDATE should pass in maintenance mode: %v", err)
	}
	if err := s.SetMaintenance(ctx, false); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}

	// Bypass is closed again.
	if err := s.AssignHashes(ctx, chain.StreamAudit, "audit-00", "a", "b"); err == nil {
		t.Error("UPDATE should be blocked again after maintenance mode closes")
	}
}

func TestWriteOnce_DeleteBlocked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, chain.StreamAudit, auditFixture(0)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteBefore(ctx, chain.StreamAudit, baseTime.Add(time.Hour)); err == nil {
		t.Fatal("DELETE should be blocked while maintenance mode is off")
	}

	if err := s.SetMaintenance(ctx, true); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteBefore(ctx, chain.StreamAudit, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("DELETE should pass in maintenance mode: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deletion, got %d", n)
	}
}

func TestAssignHashes_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetMaintenance(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignHashes(ctx, chain.StreamAudit, "nope", "x", "y"); !errors.Is(err, chain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestExportRequests_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &ExportRequest{
		ID:          "exp-1",
		RequestedBy: "auditor-1",
		Stream:      chain.StreamAudit,
		Format:      "csv",
		Filters:     `{"userId":"user-1"}`,
		Status:      ExportPending,
		CreatedAt:   baseTime,
	}
	if err := s.InsertExport(ctx, req); err != nil {
		t.Fatalf("InsertExport: %v", err)
	}

	got, err := s.FindExport(ctx, "exp-1")
	if err != nil {
		t.Fatalf("FindExport: %v", err)
	}
	if got.Status != ExportPending || got.Filters != req.Filters {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	got.Status = ExportCompleted
	got.ReviewedBy = "admin-1"
	got.ReviewedAt = baseTime.Add(time.Hour)
	got.FilePath = "exp-1.csv"
	got.FileSize = 128
	got.RecordCount = 5
	got.CompletedAt = baseTime.Add(time.Hour)
	got.ExpiresAt = baseTime.Add(-time.Minute)
	if err := s.UpdateExport(ctx, got); err != nil {
		t.Fatalf("UpdateExport: %v", err)
	}

	updated, err := s.FindExport(ctx, "exp-1")
	if err != nil {
		t.Fatalf("FindExport: %v", err)
	}
	if updated.Status != ExportCompleted || updated.RecordCount != 5 || updated.ReviewedBy != "admin-1" {
		t.Errorf("update not persisted: %+v", updated)
	}

	expired, err := s.ExpiredExports(ctx, baseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpiredExports: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "exp-1" {
		t.Errorf("completed request past expiry should be listed, got %+v", expired)
	}
}

func TestListExports_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []string{ExportPending, ExportPending, ExportRejected} {
		stream := chain.StreamAudit
		if i == 1 {
			stream = chain.StreamSystem
		}
		req := &ExportRequest{
			ID:          fmt.Sprintf("exp-%d", i),
			RequestedBy: "auditor-1",
			Stream:      stream,
			Format:      "json",
			Status:      status,
			CreatedAt:   baseTime.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertExport(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.ListExports(ctx, ExportPending, "", 0)
	if err != nil {
		t.Fatalf("ListExports: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != "exp-1" {
		t.Errorf("list should be newest first, got %s", pending[0].ID)
	}

	auditOnly, err := s.ListExports(ctx, "", chain.StreamAudit, 0)
	if err != nil {
		t.Fatalf("ListExports: %v", err)
	}
	if len(auditOnly) != 2 {
		t.Errorf("expected 2 audit-stream requests, got %d", len(auditOnly))
	}
}

func TestSystemStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recent := time.Now().UTC().Add(-time.Minute)
	for i, level := range []string{"INFO", "ERROR", "ERROR"} {
		rec := &chain.SystemRecord{
			ID:        fmt.Sprintf("sys-%d", i),
			Level:     level,
			Duration:  int64(100 * (i + 1)),
			CreatedAt: recent.Add(time.Duration(i) * time.Second),
		}
		if err := s.Insert(ctx, chain.StreamSystem, rec); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.SystemStats(ctx, recent.Add(-time.Minute))
	if err != nil {
		t.Fatalf("SystemStats: %v", err)
	}
	if stats.Total != 3 || stats.ErrorCount != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.AvgDuration != 200 {
		t.Errorf("expected average duration 200, got %v", stats.AvgDuration)
	}
}

func TestRecentSystemLogs_LevelFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, level := range []string{"INFO", "ERROR", "WARN"} {
		rec := &chain.SystemRecord{
			ID:        fmt.Sprintf("sys-%d", i),
			Level:     level,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}
		if err := s.Insert(ctx, chain.StreamSystem, rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.RecentSystemLogs(ctx, "ALL", 10)
	if err != nil {
		t.Fatalf("RecentSystemLogs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ALL should return every level, got %d", len(all))
	}
	if all[0].ID != "sys-2" {
		t.Errorf("newest first expected, got %s", all[0].ID)
	}

	errs, err := s.RecentSystemLogs(ctx, "ERROR", 10)
	if err != nil {
		t.Fatalf("RecentSystemLogs: %v", err)
	}
	if len(errs) != 1 || errs[0].Level != "ERROR" {
		t.Errorf("expected 1 error record, got %+v", errs)
	}
}
