package compliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/auditchain/auditchain/internal/chain"
)

// Cron specs for the recurring jobs: weekly compliance check Monday
// 02:00, daily retention sweep 03:00.
const (
	weeklyReportSpec   = "0 2 * * 1"
	dailyRetentionSpec = "0 3 * * *"
)

// ExpiredSweeper is implemented by the export service so the scheduler
// can purge downloads past their expiry alongside log retention.
type ExpiredSweeper interface {
	DeleteExpired(ctx context.Context) error
}

// Scheduler runs the weekly compliance check and the daily retention
// sweep. Job failures are logged, never fatal; the next run retries.
type Scheduler struct {
	cron          *cron.Cron
	reporter      *Reporter
	sweeper       *chain.Sweeper
	exports       ExpiredSweeper
	retentionDays int
}

// NewScheduler wires the recurring jobs. exports may be nil when the
// export workflow is disabled.
func NewScheduler(reporter *Reporter, sweeper *chain.Sweeper, exports ExpiredSweeper, retentionDays int) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		reporter:      reporter,
		sweeper:       sweeper,
		exports:       exports,
		retentionDays: retentionDays,
	}
}

// Start registers the jobs and starts the cron loop in its own goroutine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(weeklyReportSpec, s.runWeeklyReport); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(dailyRetentionSpec, s.runDailyRetention); err != nil {
		return err
	}
	s.cron.Start()

	slog.Info("integrity scheduler registered", "weekly", weeklyReportSpec, "daily", dailyRetentionSpec)
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// runWeeklyReport verifies the trailing week. A FAIL outcome is an alert
// condition, logged at error level for downstream alerting to pick up.
func (s *Scheduler) runWeeklyReport() {
	ctx := context.Background()
	slog.Info("weekly compliance check started")

	report, err := s.reporter.Generate(ctx, chain.Window{
		From: time.Now().UTC().AddDate(0, 0, -7),
	})
	if err != nil {
		slog.Error("weekly compliance check failed", "error", err)
		return
	}

	if report.OverallStatus == StatusFail {
		slog.Error("COMPLIANCE FAIL: integrity issues detected",
			"reportId", report.ReportID,
			"totalBroken", report.Summary.TotalBroken,
			"findings", len(report.Findings))
		return
	}
	slog.Info("weekly compliance check passed",
		"reportId", report.ReportID,
		"totalRecords", report.Summary.TotalRecords,
		"integrityRate", report.Summary.IntegrityRate)
}

// runDailyRetention deletes logs past the retention window and purges
// expired export files.
func (s *Scheduler) runDailyRetention() {
	ctx := context.Background()
	slog.Info("log retention cleanup started")

	if _, err := s.sweeper.Cleanup(ctx, s.retentionDays); err != nil {
		slog.Error("log retention cleanup failed", "error", err)
	}
	if s.exports != nil {
		if err := s.exports.DeleteExpired(ctx); err != nil {
			slog.Error("expired export cleanup failed", "error", err)
		}
	}
}
