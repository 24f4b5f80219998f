// Package monitor exposes operational health derived from the system log
// stream, plus a WebSocket live feed of records as they are chained.
package monitor

import (
	"context"
	"math"
	"time"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/store"
)

// Alert thresholds for the health summary, over the trailing window.
const (
	summaryWindow    = 5 * time.Minute
	errorThreshold   = 10
	latencyThreshold = 2000 // milliseconds
)

// Summary is the monitor's point-in-time health view.
type Summary struct {
	Total       int64 `json:"total"`
	ErrorCount  int64 `json:"errorCount"`
	AvgResponse int64 `json:"avgResponse"`
	HighError   bool  `json:"highError"`
	HighLatency bool  `json:"highLatency"`
}

// Monitor answers health queries from the system log table.
type Monitor struct {
	store *store.Store
}

// New returns a Monitor over the given store.
func New(st *store.Store) *Monitor {
	return &Monitor{store: st}
}

// Summary reports totals, the trailing-window error count and average
// request duration, and whether either crossed its alert threshold.
func (m *Monitor) Summary(ctx context.Context) (Summary, error) {
	stats, err := m.store.SystemStats(ctx, time.Now().UTC().Add(-summaryWindow))
	if err != nil {
		return Summary{}, err
	}

	avg := int64(math.Round(stats.AvgDuration))
	return Summary{
		Total:       stats.Total,
		ErrorCount:  stats.ErrorCount,
		AvgResponse: avg,
		HighError:   stats.ErrorCount > errorThreshold,
		HighLatency: avg > latencyThreshold,
	}, nil
}

// Recent returns the newest system records, optionally filtered by level
// ("" or "ALL" means every level).
func (m *Monitor) Recent(ctx context.Context, level string, limit int) ([]*chain.SystemRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return m.store.RecentSystemLogs(ctx, level, limit)
}
