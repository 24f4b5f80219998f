// Package compliance aggregates chain verification across all three log
// streams into a point-in-time PASS/FAIL report for operators and
// regulators, and schedules the recurring integrity and retention jobs.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auditchain/auditchain/internal/chain"
)

// Severity levels for findings.
const (
	SeverityHigh = "HIGH"
	SeverityLow  = "LOW"
	SeverityInfo = "INFO"
)

// Finding types.
const (
	FindingHashMismatch      = "HASH_MISMATCH"
	FindingChainGap          = "CHAIN_GAP"
	FindingMissingHash       = "MISSING_HASH"
	FindingRetentionBoundary = "RETENTION_BOUNDARY"
	FindingAllClear          = "ALL_CLEAR"
)

// Statuses for the report and its per-stream tables.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// maxAffectedIDs bounds the id sample attached to a finding.
const maxAffectedIDs = 10

// Finding is one detected condition, tagged with severity for triage.
type Finding struct {
	Severity    string       `json:"severity"`
	Stream      chain.Stream `json:"table,omitempty"`
	Type        string       `json:"type"`
	Count       int          `json:"count,omitempty"`
	Message     string       `json:"message"`
	AffectedIDs []string     `json:"affectedIds,omitempty"`
}

// StreamResult is one stream's chain report plus its no-hash count and
// PASS/FAIL status.
type StreamResult struct {
	*chain.ChainReport
	RecordsWithoutHash int64  `json:"recordsWithoutHash"`
	Status             string `json:"status"`
}

// Summary aggregates counts across all streams. IntegrityRate is a
// formatted percentage, or "N/A" when no records were examined.
type Summary struct {
	TotalRecords  int    `json:"totalRecords"`
	TotalValid    int    `json:"totalValid"`
	TotalBroken   int    `json:"totalBroken"`
	TotalNoHash   int64  `json:"totalNoHash"`
	IntegrityRate string `json:"integrityRate"`
}

// Period echoes the requested window in human-readable form.
type Period struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Report is the full compliance assessment. Ephemeral; generated on
// demand, never persisted.
type Report struct {
	ReportID        string                        `json:"reportId"`
	GeneratedAt     time.Time                     `json:"generatedAt"`
	DurationMs      int64                         `json:"durationMs"`
	Period          Period                        `json:"period"`
	OverallStatus   string                        `json:"overallStatus"`
	Summary         Summary                       `json:"summary"`
	Tables          map[chain.Stream]StreamResult `json:"tables"`
	Findings        []Finding                     `json:"findings"`
	Recommendations []string                      `json:"recommendations"`
}

// Reporter generates compliance reports. Read-only and idempotent: the
// same window over the same data yields the same assessment (modulo
// reportId and timestamps).
type Reporter struct {
	store         chain.Store
	verifier      *chain.Verifier
	retentionDays int
}

// NewReporter returns a Reporter. retentionDays is used to classify
// chain-head gaps as retention artifacts; pass 0 to disable that.
func NewReporter(store chain.Store, verifier *chain.Verifier, retentionDays int) *Reporter {
	return &Reporter{store: store, verifier: verifier, retentionDays: retentionDays}
}

// Generate verifies all three streams concurrently over the window and
// aggregates the results. Discovered corruption is a result in the
// report, never an error; only infrastructure failures return an error.
func (r *Reporter) Generate(ctx context.Context, win chain.Window) (*Report, error) {
	started := time.Now()
	slog.Info("compliance report generation started", "from", win.From, "to", win.To)

	results := make(map[chain.Stream]*chain.ChainReport, len(chain.Streams))
	errs := make(map[chain.Stream]error, len(chain.Streams))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, stream := range chain.Streams {
		wg.Add(1)
		go func(stream chain.Stream) {
			defer wg.Done()
			rep, err := r.verifier.VerifyChain(ctx, stream, win)
			mu.Lock()
			results[stream], errs[stream] = rep, err
			mu.Unlock()
		}(stream)
	}
	wg.Wait()

	for _, stream := range chain.Streams {
		if errs[stream] != nil {
			return nil, fmt.Errorf("verifying %s chain: %w", stream, errs[stream])
		}
	}

	noHash := make(map[chain.Stream]int64, len(chain.Streams))
	var totalNoHash int64
	for _, stream := range chain.Streams {
		n, err := r.store.CountMissingHash(ctx, stream, chain.Window{From: win.From, To: win.To})
		if err != nil {
			return nil, fmt.Errorf("counting unhashed %s records: %w", stream, err)
		}
		noHash[stream] = n
		totalNoHash += n
	}

	report := &Report{
		ReportID:    uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Period:      buildPeriod(win),
		Tables:      make(map[chain.Stream]StreamResult, len(chain.Streams)),
	}

	overallIntact := true
	var totalRecords, totalValid, totalBroken int
	for _, stream := range chain.Streams {
		res := results[stream]
		totalRecords += res.Total
		totalValid += res.Valid
		totalBroken += res.Broken
		overallIntact = overallIntact && res.ChainIntact

		report.Tables[stream] = StreamResult{
			ChainReport:        res,
			RecordsWithoutHash: noHash[stream],
			Status:             streamStatus(res),
		}
	}

	report.OverallStatus = StatusFail
	if overallIntact && totalBroken == 0 {
		report.OverallStatus = StatusPass
	}
	report.Summary = Summary{
		TotalRecords:  totalRecords,
		TotalValid:    totalValid,
		TotalBroken:   totalBroken,
		TotalNoHash:   totalNoHash,
		IntegrityRate: integrityRate(totalValid, totalRecords),
	}
	report.Findings = r.buildFindings(results, totalNoHash, win)
	report.Recommendations = buildRecommendations(results, totalBroken, totalNoHash, overallIntact)
	report.DurationMs = time.Since(started).Milliseconds()

	slog.Info("compliance report generated",
		"reportId", report.ReportID,
		"overallStatus", report.OverallStatus,
		"durationMs", report.DurationMs)
	return report, nil
}

func streamStatus(res *chain.ChainReport) string {
	if res.ChainIntact && res.Broken == 0 {
		return StatusPass
	}
	return StatusFail
}

func integrityRate(valid, total int) string {
	if total == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.2f%%", float64(valid)/float64(total)*100)
}

func buildPeriod(win chain.Window) Period {
	p := Period{From: "beginning", To: "now"}
	if !win.From.IsZero() {
		p.From = win.From.UTC().Format(time.RFC3339)
	}
	if !win.To.IsZero() {
		p.To = win.To.UTC().Format(time.RFC3339)
	}
	return p
}

// buildFindings turns per-stream results into typed findings. Chain-head
// predecessors missing because of retention are classified as an INFO
// retention boundary instead of a HIGH gap.
func (r *Reporter) buildFindings(results map[chain.Stream]*chain.ChainReport, totalNoHash int64, win chain.Window) []Finding {
	var findings []Finding

	for _, stream := range chain.Streams {
		res := results[stream]

		if res.Broken > 0 {
			findings = append(findings, Finding{
				Severity:    SeverityHigh,
				Stream:      stream,
				Type:        FindingHashMismatch,
				Count:       res.Broken,
				Message:     fmt.Sprintf("%d records in %s fail hash verification; possible post-insert modification", res.Broken, stream),
				AffectedIDs: brokenIDs(res.BrokenChain),
			})
		}
		if len(res.Gaps) > 0 {
			findings = append(findings, Finding{
				Severity:    SeverityHigh,
				Stream:      stream,
				Type:        FindingChainGap,
				Count:       len(res.Gaps),
				Message:     fmt.Sprintf("%d gaps in the %s hash chain; records may have been deleted or reordered", len(res.Gaps), stream),
				AffectedIDs: gapIDs(res.Gaps),
			})
		}
		if f, ok := r.classifyHead(stream, res, win); ok {
			findings = append(findings, f)
		}
	}

	if totalNoHash > 0 {
		findings = append(findings, Finding{
			Severity: SeverityLow,
			Type:     FindingMissingHash,
			Count:    int(totalNoHash),
			Message:  fmt.Sprintf("%d records have no integrityHash; likely created before integrity hashing was enabled", totalNoHash),
		})
	}

	if len(findings) == 0 {
		findings = append(findings, Finding{
			Severity: SeverityInfo,
			Type:     FindingAllClear,
			Message:  "no integrity issues found; every examined record passed verification",
		})
	}
	return findings
}

// classifyHead inspects the first examined record. On a full scan, a
// non-genesis head prevHash means the predecessor is gone; when the head
// sits at the retention horizon that is the sweeper's doing, not
// tampering.
func (r *Reporter) classifyHead(stream chain.Stream, res *chain.ChainReport, win chain.Window) (Finding, bool) {
	if !win.From.IsZero() || res.Total == 0 {
		// Windowed scans legitimately start mid-chain.
		return Finding{}, false
	}
	if res.OldestPrevHash == "" || res.OldestPrevHash == chain.GenesisHash {
		return Finding{}, false
	}

	if r.retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -r.retentionDays)
		// The sweeper runs daily, so a head within a couple of days past
		// the cutoff is an expected artifact.
		if !res.OldestCreatedAt.Before(cutoff) && res.OldestCreatedAt.Before(cutoff.AddDate(0, 0, 2)) {
			return Finding{
				Severity:    SeverityInfo,
				Stream:      stream,
				Type:        FindingRetentionBoundary,
				Count:       1,
				Message:     fmt.Sprintf("%s chain head predecessor removed by retention; expected at the %d-day boundary", stream, r.retentionDays),
				AffectedIDs: []string{res.OldestID},
			}, true
		}
	}

	return Finding{
		Severity:    SeverityHigh,
		Stream:      stream,
		Type:        FindingChainGap,
		Count:       1,
		Message:     fmt.Sprintf("%s chain head links to a missing predecessor outside the retention boundary", stream),
		AffectedIDs: []string{res.OldestID},
	}, true
}

func buildRecommendations(results map[chain.Stream]*chain.ChainReport, totalBroken int, totalNoHash int64, overallIntact bool) []string {
	var recs []string

	if totalBroken > 0 {
		recs = append(recs,
			"investigate records failing hash verification immediately and freeze access until the investigation completes",
			"review database access logs for the time range where mismatches were found")
	}
	for _, stream := range chain.Streams {
		if res := results[stream]; len(res.Gaps) > 0 {
			recs = append(recs, fmt.Sprintf("chain gaps found in %s; check for deleted records and verify the write-once triggers are armed", stream))
		}
	}
	if totalNoHash > 0 {
		recs = append(recs, fmt.Sprintf("%d records have no hash; consider running a backfill for legacy records", totalNoHash))
	}
	if overallIntact && totalBroken == 0 && totalNoHash == 0 {
		recs = append(recs, "integrity is in good standing; keep running the compliance report weekly")
	}
	return recs
}

func brokenIDs(broken []chain.BrokenRecord) []string {
	n := min(len(broken), maxAffectedIDs)
	ids := make([]string, 0, n)
	for _, b := range broken[:n] {
		ids = append(ids, b.ID)
	}
	return ids
}

func gapIDs(gaps []chain.Gap) []string {
	n := min(len(gaps), maxAffectedIDs)
	ids := make([]string, 0, n)
	for _, g := range gaps[:n] {
		ids = append(ids, g.ID)
	}
	return ids
}
