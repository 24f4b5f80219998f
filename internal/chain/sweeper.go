package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays is how long log records are kept before the
// sweeper removes them.
const DefaultRetentionDays = 90

// Sweeper deletes log records older than the retention window across all
// three streams. It does not repair the chain for survivors: deleting the
// oldest records leaves the new oldest record pointing at a predecessor
// that no longer exists. The compliance reporter classifies that head
// condition as a retention boundary rather than tampering.
type Sweeper struct {
	store Store
}

// NewSweeper returns a Sweeper over the given store.
func NewSweeper(store Store) *Sweeper {
	return &Sweeper{store: store}
}

// Cleanup removes records created before now−retentionDays from every
// stream and returns per-stream deletion counts.
func (s *Sweeper) Cleanup(ctx context.Context, retentionDays int) (map[Stream]int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	if err := s.store.SetMaintenance(ctx, true); err != nil {
		return nil, fmt.Errorf("opening maintenance bypass: %w", err)
	}
	defer func() {
		if err := s.store.SetMaintenance(context.WithoutCancel(ctx), false); err != nil {
			slog.Error("closing maintenance bypass failed", "error", err)
		}
	}()

	counts := make(map[Stream]int64, len(Streams))
	for _, stream := range Streams {
		n, err := s.store.DeleteBefore(ctx, stream, cutoff)
		if err != nil {
			return counts, fmt.Errorf("deleting old %s records: %w", stream, err)
		}
		counts[stream] = n
	}

	slog.Info("log retention cleanup finished",
		"retentionDays", retentionDays,
		"audit", counts[StreamAudit],
		"system", counts[StreamSystem],
		"access", counts[StreamAccess])
	return counts, nil
}
