package chain

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultBackfillBatch is how many hash-less records one backfill batch
// loads and updates.
const DefaultBackfillBatch = 500

// Maintainer retrofits chain fields onto records that predate integrity
// hashing. A one-time migration path: it must run before the store's
// write-once enforcement is turned on, and it briefly opens the
// maintenance bypass to update existing rows.
type Maintainer struct {
	store Store
	codec *Codec
}

// NewMaintainer returns a Maintainer over the given store and codec.
func NewMaintainer(store Store, codec *Codec) *Maintainer {
	return &Maintainer{store: store, codec: codec}
}

// Backfill assigns prevHash/integrityHash to every record in the stream
// that lacks one, ascending by createdAt, in batches of batchSize.
//
// The first record links to the latest already-hashed record (or genesis
// when none exists); within and across batches the hash threads forward
// exactly as the Writer would have at original insertion time, so the
// retrofitted chain is linear.
//
// Idempotent: selection is always "missing hash only", so a second run
// processes zero records.
func (m *Maintainer) Backfill(ctx context.Context, stream Stream, batchSize int) (int, error) {
	if _, err := ParseStream(string(stream)); err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatch
	}

	prev, err := m.store.LatestAssignedHash(ctx, stream)
	if err != nil {
		return 0, fmt.Errorf("establishing backfill start for %s: %w", stream, err)
	}

	if err := m.store.SetMaintenance(ctx, true); err != nil {
		return 0, fmt.Errorf("opening maintenance bypass: %w", err)
	}
	defer func() {
		if err := m.store.SetMaintenance(context.WithoutCancel(ctx), false); err != nil {
			slog.Error("closing maintenance bypass failed", "error", err)
		}
	}()

	slog.Info("hash backfill started", "stream", stream, "batchSize", batchSize)

	processed := 0
	for {
		batch, err := m.store.MissingHash(ctx, stream, batchSize)
		if err != nil {
			return processed, fmt.Errorf("loading backfill batch for %s: %w", stream, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			hash, err := m.codec.Compute(stream, rec, prev)
			if err != nil {
				return processed, err
			}
			if err := m.store.AssignHashes(ctx, stream, rec.RecordID(), prev, hash); err != nil {
				return processed, fmt.Errorf("assigning hashes to %s record %s: %w", stream, rec.RecordID(), err)
			}
			prev = hash
			processed++
		}

		slog.Info("hash backfill progress", "stream", stream, "processed", processed)
	}

	slog.Info("hash backfill complete", "stream", stream, "processed", processed)
	return processed, nil
}
