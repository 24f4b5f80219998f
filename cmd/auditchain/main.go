// Package main is the CLI entry point for auditchain, a tamper-evident
// audit logging service. Every audit, system, and access log record is
// HMAC hash-chained to its predecessor, so any mutation or deletion of
// history is detectable by walking the chain.
//
// Architecture overview:
//
//	clients --> HTTP API (:4200) --> chain.Writer --> SQLite (append-only)
//	                |                     |
//	                |                     +-- live feed broadcast (WebSocket)
//	                |-- integrity verification (single record / full chain)
//	                |-- compliance reports (all three streams, concurrent)
//	                |-- export workflow (request -> approve -> download)
//	                +-- retention cleanup + hash backfill (maintenance)
//
// CLI commands (cobra):
//
//	auditchain serve          - Run the HTTP service
//	auditchain verify         - Verify chain integrity offline
//	auditchain report         - Generate a compliance report offline
//	auditchain backfill       - Assign hashes to pre-chain records
//	auditchain cleanup        - Apply the retention policy
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/compliance"
	"github.com/auditchain/auditchain/internal/config"
	"github.com/auditchain/auditchain/internal/export"
	"github.com/auditchain/auditchain/internal/monitor"
	"github.com/auditchain/auditchain/internal/server"
	"github.com/auditchain/auditchain/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configPath is the global flag for the service config file.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "Tamper-evident audit logging service",
	Long: `auditchain records audit, system, and access log events into append-only
hash chains. Each record carries an HMAC of its own content plus the hash
of the record before it, so any mutation or deletion of history breaks
the chain and is detectable.

Run 'auditchain serve' to start the HTTP service, or use the offline
commands (verify, report, backfill, cleanup) directly against the database.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		"config.yaml",
		"Path to the service config file",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// setupLogging installs the process-wide slog handler. Production gets
// JSON for log shippers, development gets human-readable text.
func setupLogging(cfg *config.Config) {
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(handler))
}

// stack is the assembled core: everything the offline commands need,
// without the HTTP layer.
type stack struct {
	cfg        *config.Config
	store      *store.Store
	codec      *chain.Codec
	verifier   *chain.Verifier
	maintainer *chain.Maintainer
	sweeper    *chain.Sweeper
	reporter   *compliance.Reporter
}

// buildStack loads config, opens the database, and wires the chain core.
func buildStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	codec := chain.NewCodec(cfg.Integrity.Secret)

	verifierOpts := []chain.VerifierOption{chain.WithVerifyLimit(cfg.Integrity.VerifyLimit)}
	if !cfg.IsProduction() {
		// Expected hashes in mismatch payloads leak what a forged record
		// would need to contain. Development only.
		verifierOpts = append(verifierOpts, chain.WithDiagnostics())
	}
	verifier := chain.NewVerifier(st, codec, verifierOpts...)

	return &stack{
		cfg:        cfg,
		store:      st,
		codec:      codec,
		verifier:   verifier,
		maintainer: chain.NewMaintainer(st, codec),
		sweeper:    chain.NewSweeper(st),
		reporter:   compliance.NewReporter(st, verifier, cfg.Integrity.RetentionDays),
	}, nil
}

// ============================================================================
// auditchain serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit logging HTTP service",
	Long: `Start the HTTP service. Serves the record-ingestion endpoints, the
integrity verification API, the compliance report generator, the export
workflow, and a WebSocket live feed of new records.

The scheduler (weekly compliance report, daily retention cleanup) runs
inside the same process when enabled in config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// runServe wires the full service together:
//
//  1. Load config, set up logging, open the SQLite store
//  2. Build the chain core (codec, writer, verifier, maintainer, sweeper)
//  3. Wire the WebSocket hub into the writer as a new-record notifier
//  4. Start the in-process scheduler if enabled
//  5. Watch the config file so operators see a restart hint on edits
//  6. Serve HTTP and block until SIGINT/SIGTERM
func runServe() error {
	stk, err := buildStack()
	if err != nil {
		return err
	}
	defer stk.store.Close()

	hub := monitor.NewHub()

	writerOpts := []chain.WriterOption{chain.WithNotifier(hub)}
	if stk.cfg.Integrity.SerializeWrites {
		writerOpts = append(writerOpts, chain.WithSerializedWrites())
	}
	writer := chain.NewWriter(stk.store, stk.codec, writerOpts...)

	if err := os.MkdirAll(stk.cfg.Exports.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create exports directory: %w", err)
	}
	exports := export.NewService(stk.store, stk.cfg.Exports.Dir)
	mon := monitor.New(stk.store)

	srv := server.New(stk.cfg, writer, stk.verifier, stk.maintainer, stk.sweeper,
		stk.reporter, exports, mon, hub)

	if stk.cfg.Scheduler.Enabled {
		sched := compliance.NewScheduler(stk.reporter, stk.sweeper, exports,
			stk.cfg.Integrity.RetentionDays)
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// The HMAC secret is read once at startup. Reloading it live would
	// split the chain at an unrecorded point, so edits only get a hint.
	watcher, err := config.NewWatcher(configPath, func() {
		slog.Warn("config file changed; restart the service to apply")
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	writer.RecordAudit(context.Background(), &chain.AuditRecord{
		Action:   "SERVICE_START",
		Entity:   "Service",
		Metadata: map[string]any{"version": version, "commit": commit},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down on signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	writer.RecordAudit(context.Background(), &chain.AuditRecord{
		Action: "SERVICE_STOP",
		Entity: "Service",
	})
	return nil
}

// ============================================================================
// auditchain verify
// ============================================================================

var (
	verifyFrom  string
	verifyTo    string
	verifyLimit int
)

var verifyCmd = &cobra.Command{
	Use:   "verify [stream] [record-id]",
	Short: "Verify hash chain integrity",
	Long: `Verify chain integrity offline, without the HTTP service running.

With no arguments, walks all three streams and reports gaps and broken
records per stream. With a stream name, walks just that stream. With a
stream and a record ID, verifies the single record.

Streams: AuditLog, SystemLog, AccessLog.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(args)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFrom, "from", "", "Start of the window (RFC 3339 or YYYY-MM-DD)")
	verifyCmd.Flags().StringVar(&verifyTo, "to", "", "End of the window (RFC 3339 or YYYY-MM-DD)")
	verifyCmd.Flags().IntVar(&verifyLimit, "limit", 0, "Maximum records to walk per stream")
}

func runVerify(args []string) error {
	stk, err := buildStack()
	if err != nil {
		return err
	}
	defer stk.store.Close()

	ctx := context.Background()

	// Single-record mode.
	if len(args) == 2 {
		stream, err := chain.ParseStream(args[0])
		if err != nil {
			return err
		}
		result, err := stk.verifier.VerifyOne(ctx, stream, args[1])
		if err != nil {
			return err
		}
		if result.Valid {
			fmt.Printf("record %s VALID\n", args[1])
			return nil
		}
		fmt.Printf("record %s INVALID (%s)\n", args[1], result.Reason)
		return fmt.Errorf("integrity violation detected")
	}

	streams := chain.Streams
	if len(args) == 1 {
		stream, err := chain.ParseStream(args[0])
		if err != nil {
			return err
		}
		streams = []chain.Stream{stream}
	}

	win, err := cliWindow()
	if err != nil {
		return err
	}

	intact := true
	for _, stream := range streams {
		report, err := stk.verifier.VerifyChain(ctx, stream, win)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", stream, err)
		}
		if report.ChainIntact {
			fmt.Printf("%-10s INTACT  (%d records, %d hashed)\n",
				stream, report.Total, report.Valid)
			continue
		}
		intact = false
		fmt.Printf("%-10s BROKEN  (%d records, %d gaps, %d broken)\n",
			stream, report.Total, len(report.Gaps), report.Broken)
		for _, g := range report.Gaps {
			fmt.Printf("  gap at %s (record %s)\n", g.CreatedAt.Format(time.RFC3339), g.ID)
		}
		for _, b := range report.BrokenChain {
			fmt.Printf("  broken record %s (%s)\n", b.ID, b.Reason)
		}
	}

	if !intact {
		return fmt.Errorf("chain integrity violation detected")
	}
	return nil
}

// cliWindow builds a chain.Window from the shared from/to/limit flags.
func cliWindow() (chain.Window, error) {
	var win chain.Window
	if verifyFrom != "" {
		t, err := parseCLIDate(verifyFrom, false)
		if err != nil {
			return win, err
		}
		win.From = t
	}
	if verifyTo != "" {
		t, err := parseCLIDate(verifyTo, true)
		if err != nil {
			return win, err
		}
		win.To = t
	}
	win.Limit = verifyLimit
	return win, nil
}

func parseCLIDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use RFC 3339 or YYYY-MM-DD", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t.UTC(), nil
}

// ============================================================================
// auditchain report
// ============================================================================

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report",
	Long: `Generate a full compliance report offline: verifies all three streams
concurrently, counts unhashed records, and prints the report as JSON.

Exits non-zero when the overall status is FAIL so the command can gate
CI or cron alerting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stk, err := buildStack()
		if err != nil {
			return err
		}
		defer stk.store.Close()

		win, err := cliWindow()
		if err != nil {
			return err
		}

		report, err := stk.reporter.Generate(context.Background(), win)
		if err != nil {
			return fmt.Errorf("report generation failed: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}

		if report.OverallStatus == compliance.StatusFail {
			return fmt.Errorf("compliance status FAIL")
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&verifyFrom, "from", "", "Start of the report period (RFC 3339 or YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&verifyTo, "to", "", "End of the report period (RFC 3339 or YYYY-MM-DD)")
}

// ============================================================================
// auditchain backfill
// ============================================================================

var backfillBatch int

var backfillCmd = &cobra.Command{
	Use:   "backfill [stream]",
	Short: "Assign hashes to records that predate the chain",
	Long: `Walk records that have no integrity hash, oldest first, and chain them
onto the newest already-hashed record. Used once when hash chaining is
introduced over an existing log table. Safe to re-run: already-hashed
records are never touched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stk, err := buildStack()
		if err != nil {
			return err
		}
		defer stk.store.Close()

		streams := chain.Streams
		if len(args) == 1 {
			stream, err := chain.ParseStream(args[0])
			if err != nil {
				return err
			}
			streams = []chain.Stream{stream}
		}

		for _, stream := range streams {
			n, err := stk.maintainer.Backfill(context.Background(), stream, backfillBatch)
			if err != nil {
				return fmt.Errorf("backfill %s: %w", stream, err)
			}
			fmt.Printf("%-10s %d records hashed\n", stream, n)
		}
		return nil
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillBatch, "batch", 0, "Batch size (default 500)")
}

// ============================================================================
// auditchain cleanup
// ============================================================================

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete records past the retention period",
	Long: `Delete log records older than the retention period from all three
streams. Deleting the head of a chain leaves a visible boundary: the
oldest surviving record references a hash that no longer exists. The
compliance report classifies that boundary as informational, not as
tampering.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stk, err := buildStack()
		if err != nil {
			return err
		}
		defer stk.store.Close()

		days := cleanupDays
		if days == 0 {
			days = stk.cfg.Integrity.RetentionDays
		}

		counts, err := stk.sweeper.Cleanup(context.Background(), days)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		for _, stream := range chain.Streams {
			fmt.Printf("%-10s %d records deleted\n", stream, counts[stream])
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Retention period in days (default from config)")
}
