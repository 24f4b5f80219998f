package compliance

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/store"
)

func testReporter(t *testing.T, retentionDays int) (*Reporter, *chain.Writer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	codec := chain.NewCodec("test-secret")
	writer := chain.NewWriter(st, codec)
	verifier := chain.NewVerifier(st, codec)
	return NewReporter(st, verifier, retentionDays), writer, st
}

func seedStreams(t *testing.T, w *chain.Writer) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		err := w.Append(ctx, chain.StreamAudit, &chain.AuditRecord{
			ID:        fmt.Sprintf("audit-%02d", i),
			Action:    "LOGIN",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	err := w.Append(ctx, chain.StreamSystem, &chain.SystemRecord{
		ID: "sys-00", Level: "INFO", CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = w.Append(ctx, chain.StreamAccess, &chain.AccessRecord{
		ID: "acc-00", UserID: "user-1", LoginTime: base, CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func findingsByType(report *Report) map[string]Finding {
	out := make(map[string]Finding, len(report.Findings))
	for _, f := range report.Findings {
		out[f.Type] = f
	}
	return out
}

func TestGenerate_CleanPass(t *testing.T) {
	reporter, writer, _ := testReporter(t, 90)
	seedStreams(t, writer)

	report, err := reporter.Generate(context.Background(), chain.Window{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if report.OverallStatus != StatusPass {
		t.Errorf("clean data should PASS, got %s", report.OverallStatus)
	}
	if report.ReportID == "" {
		t.Error("report should carry an id")
	}
	if report.Summary.TotalRecords != 5 || report.Summary.TotalValid != 5 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
	if report.Summary.IntegrityRate != "100.00%" {
		t.Errorf("expected 100.00%% integrity, got %s", report.Summary.IntegrityRate)
	}
	if len(report.Tables) != 3 {
		t.Errorf("report should cover all three streams, got %d", len(report.Tables))
	}
	for stream, res := range report.Tables {
		if res.Status != StatusPass {
			t.Errorf("%s should PASS, got %s", stream, res.Status)
		}
	}

	byType := findingsByType(report)
	if len(report.Findings) != 1 {
		t.Errorf("clean report should have one finding, got %d", len(report.Findings))
	}
	if f, ok := byType[FindingAllClear]; !ok || f.Severity != SeverityInfo {
		t.Errorf("expected an INFO ALL_CLEAR finding, got %+v", report.Findings)
	}
}

func TestGenerate_EmptyStreams(t *testing.T) {
	reporter, _, _ := testReporter(t, 90)

	report, err := reporter.Generate(context.Background(), chain.Window{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if report.OverallStatus != StatusPass {
		t.Errorf("no data should PASS, got %s", report.OverallStatus)
	}
	if report.Summary.IntegrityRate != "N/A" {
		t.Errorf("no examined records should report N/A, got %s", report.Summary.IntegrityRate)
	}
}

func TestGenerate_TamperFails(t *testing.T) {
	reporter, writer, st := testReporter(t, 90)
	seedStreams(t, writer)

	// Modify a stored field from under the chain (maintenance bypass
	// stands in for an attacker with direct DB access).
	ctx := context.Background()
	if err := st.SetMaintenance(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := st.AssignHashes(ctx, chain.StreamAudit, "audit-01", chain.GenesisHash, "forged"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetMaintenance(ctx, false); err != nil {
		t.Fatal(err)
	}

	report, err := reporter.Generate(ctx, chain.Window{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if report.OverallStatus != StatusFail {
		t.Errorf("tampered data should FAIL, got %s", report.OverallStatus)
	}
	if report.Tables[chain.StreamAudit].Status != StatusFail {
		t.Error("the tampered stream should FAIL")
	}
	if report.Tables[chain.StreamSystem].Status != StatusPass {
		t.Error("untouched streams should still PASS")
	}

	byType := findingsByType(report)
	f, ok := byType[FindingHashMismatch]
	if !ok {
		t.Fatalf("expected a HASH_MISMATCH finding, got %+v", report.Findings)
	}
	if f.Severity != SeverityHigh || f.Stream != chain.StreamAudit {
		t.Errorf("mismatch finding should be HIGH on the audit stream, got %+v", f)
	}
	found := false
	for _, id := range f.AffectedIDs {
		if id == "audit-01" {
			found = true
		}
	}
	if !found {
		t.Errorf("finding should name the tampered record, got %v", f.AffectedIDs)
	}
	if len(report.Recommendations) == 0 {
		t.Error("a failing report should carry recommendations")
	}
}

func TestGenerate_MissingHashIsLowSeverity(t *testing.T) {
	reporter, writer, st := testReporter(t, 90)
	seedStreams(t, writer)

	// A record written before hashing was introduced.
	legacy := &chain.AuditRecord{
		ID:        "legacy-00",
		Action:    "LOGIN",
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := st.Insert(context.Background(), chain.StreamAudit, legacy); err != nil {
		t.Fatal(err)
	}

	report, err := reporter.Generate(context.Background(), chain.Window{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Missing hashes degrade the stream but are not proof of tampering:
	// the stream FAILs while the finding stays LOW.
	byType := findingsByType(report)
	f, ok := byType[FindingMissingHash]
	if !ok {
		t.Fatalf("expected a MISSING_HASH finding, got %+v", report.Findings)
	}
	if f.Severity != SeverityLow {
		t.Errorf("missing hash should be LOW severity, got %s", f.Severity)
	}
	if f.Count != 1 {
		t.Errorf("expected count 1, got %d", f.Count)
	}
	if report.Summary.TotalNoHash != 1 {
		t.Errorf("summary should count the unhashed record, got %d", report.Summary.TotalNoHash)
	}
}

func TestGenerate_RetentionBoundaryIsInfo(t *testing.T) {
	reporter, writer, st := testReporter(t, 90)

	// The surviving head sits just inside the retention horizon and links
	// to a swept predecessor.
	ctx := context.Background()
	headAt := time.Now().UTC().AddDate(0, 0, -89)
	head := &chain.AuditRecord{ID: "head-00", Action: "LOGIN", CreatedAt: headAt}
	if err := writer.Append(ctx, chain.StreamAudit, head); err != nil {
		t.Fatal(err)
	}
	// Rewrite history: pretend the head chained onto a now-deleted record.
	if err := st.SetMaintenance(ctx, true); err != nil {
		t.Fatal(err)
	}
	codec := chain.NewCodec("test-secret")
	swept := "1111111111111111111111111111111111111111111111111111111111111111"
	rehash, err := codec.Compute(chain.StreamAudit, head, swept)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AssignHashes(ctx, chain.StreamAudit, "head-00", swept, rehash); err != nil {
		t.Fatal(err)
	}
	if err := st.SetMaintenance(ctx, false); err != nil {
		t.Fatal(err)
	}

	report, err := reporter.Generate(ctx, chain.Window{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	byType := findingsByType(report)
	f, ok := byType[FindingRetentionBoundary]
	if !ok {
		t.Fatalf("expected a RETENTION_BOUNDARY finding, got %+v", report.Findings)
	}
	if f.Severity != SeverityInfo {
		t.Errorf("retention boundary should be INFO, got %s", f.Severity)
	}
	if report.OverallStatus != StatusPass {
		t.Errorf("a retention boundary alone should not FAIL the report, got %s", report.OverallStatus)
	}
}

func TestGenerate_HeadGapOutsideRetentionIsHigh(t *testing.T) {
	reporter, writer, st := testReporter(t, 90)

	// A recent head linking to a missing predecessor cannot be the
	// sweeper's doing.
	ctx := context.Background()
	head := &chain.AuditRecord{ID: "head-00", Action: "LOGIN", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	if err := writer.Append(ctx, chain.StreamAudit, head); err != nil {
		t.Fatal(err)
	}
	if err := st.SetMaintenance(ctx, true); err != nil {
		t.Fatal(err)
	}
	codec := chain.NewCodec("test-secret")
	missing := "2222222222222222222222222222222222222222222222222222222222222222"
	rehash, err := codec.Compute(chain.StreamAudit, head, missing)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AssignHashes(ctx, chain.StreamAudit, "head-00", missing, rehash); err != nil {
		t.Fatal(err)
	}
	if err := st.SetMaintenance(ctx, false); err != nil {
		t.Fatal(err)
	}

	report, err := reporter.Generate(ctx, chain.Window{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	byType := findingsByType(report)
	f, ok := byType[FindingChainGap]
	if !ok {
		t.Fatalf("expected a CHAIN_GAP finding for the head, got %+v", report.Findings)
	}
	if f.Severity != SeverityHigh {
		t.Errorf("head gap outside retention should be HIGH, got %s", f.Severity)
	}
}

func TestGenerate_WindowedScanSkipsHeadClassification(t *testing.T) {
	reporter, writer, _ := testReporter(t, 90)
	seedStreams(t, writer)

	// A windowed scan legitimately starts mid-chain; its head must not be
	// classified at all.
	report, err := reporter.Generate(context.Background(), chain.Window{
		From: time.Now().UTC().Add(-30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	byType := findingsByType(report)
	if _, ok := byType[FindingRetentionBoundary]; ok {
		t.Error("windowed scans should not classify the head")
	}
	if report.Period.From == "beginning" {
		t.Error("period should echo the requested window")
	}
}
