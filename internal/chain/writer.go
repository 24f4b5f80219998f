package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier receives every record the Writer successfully appends.
// Used by the live monitoring feed. Implementations must not block.
type Notifier interface {
	Notify(stream Stream, rec Record)
}

// Writer assigns chain linkage to new records: read the latest hash for
// the stream, embed it as prevHash, compute the integrityHash, insert.
//
// Two concurrent writers to the same stream can both read the same latest
// hash and fork the chain. That race is accepted for the high-volume
// streams; callers needing strict linearity enable WithSerializedWrites,
// which takes a per-stream mutex around the read-latest-then-insert pair.
type Writer struct {
	store    Store
	codec    *Codec
	notifier Notifier

	serialize bool
	locks     map[Stream]*sync.Mutex
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithNotifier forwards every appended record to n.
func WithNotifier(n Notifier) WriterOption {
	return func(w *Writer) { w.notifier = n }
}

// WithSerializedWrites serializes appends per stream, trading write
// throughput for a guaranteed linear chain. Records without a createdAt
// are timestamped under the lock, so chain linkage order and timestamp
// order agree and a verification walk sees no gaps.
func WithSerializedWrites() WriterOption {
	return func(w *Writer) { w.serialize = true }
}

// NewWriter returns a Writer backed by the given store and codec.
func NewWriter(store Store, codec *Codec, opts ...WriterOption) *Writer {
	w := &Writer{
		store: store,
		codec: codec,
		locks: map[Stream]*sync.Mutex{
			StreamAudit:  {},
			StreamSystem: {},
			StreamAccess: {},
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Prepare fills rec's prevHash and integrityHash from the current chain
// head, leaving it ready for a single atomic insert. The caller owns the
// insert; Append does both.
func (w *Writer) Prepare(ctx context.Context, stream Stream, rec Record) error {
	prev, err := w.store.LatestHash(ctx, stream)
	if err != nil {
		return fmt.Errorf("reading latest %s hash: %w", stream, err)
	}

	hash, err := w.codec.Compute(stream, rec, prev)
	if err != nil {
		return err
	}

	rec.setChain(prev, hash)
	return nil
}

// Append chains and inserts rec. Any failure aborts the write; the
// record is never stored without valid chain fields.
func (w *Writer) Append(ctx context.Context, stream Stream, rec Record) error {
	if w.serialize {
		l := w.locks[stream]
		l.Lock()
		defer l.Unlock()
	}
	rec.stampCreatedAt(time.Now().UTC())

	if err := w.Prepare(ctx, stream, rec); err != nil {
		return err
	}
	if err := w.store.Insert(ctx, stream, rec); err != nil {
		return fmt.Errorf("inserting %s record: %w", stream, err)
	}

	if w.notifier != nil {
		w.notifier.Notify(stream, rec)
	}
	return nil
}

// RecordAudit logs an administrative action. Best-effort: a failed audit
// write is reported operationally but never aborts the business operation
// being audited.
func (w *Writer) RecordAudit(ctx context.Context, rec *AuditRecord) {
	fillID(&rec.ID)
	stampMetadata(rec.Metadata)

	if err := w.Append(ctx, StreamAudit, rec); err != nil {
		slog.Error("audit log write failed", "action", rec.Action, "userId", rec.UserID, "error", err)
	}
}

// RecordRequest logs a handled API request into the system stream.
// Best-effort, same policy as RecordAudit.
func (w *Writer) RecordRequest(ctx context.Context, rec *SystemRecord) {
	fillID(&rec.ID)
	if rec.Level == "" {
		rec.Level = "INFO"
	}
	stampMetadata(rec.Metadata)

	if err := w.Append(ctx, StreamSystem, rec); err != nil {
		slog.Error("system log write failed", "requestId", rec.RequestID, "path", rec.Path, "error", err)
	}
}

// RecordLogin logs a session open. Best-effort.
func (w *Writer) RecordLogin(ctx context.Context, rec *AccessRecord) {
	fillID(&rec.ID)
	fillNow(&rec.LoginTime)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LoginTime
	}
	rec.UserAgent = truncate(rec.UserAgent, 500)

	if err := w.Append(ctx, StreamAccess, rec); err != nil {
		slog.Error("access log login write failed", "userId", rec.UserID, "error", err)
	}
}

// RecordLogout logs a session close as a new chained record for the same
// sessionId. The login record is never mutated; the access stream is
// insert-only, so the write-once guarantee holds for every row.
func (w *Writer) RecordLogout(ctx context.Context, userID, sessionID, ipAddress string) {
	now := time.Now().UTC()
	rec := &AccessRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		LogoutTime: now,
		IPAddress:  ipAddress,
		SessionID:  sessionID,
		CreatedAt:  now,
	}

	if err := w.Append(ctx, StreamAccess, rec); err != nil {
		slog.Error("access log logout write failed", "userId", userID, "sessionId", sessionID, "error", err)
	}
}

func fillID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func fillNow(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// stampMetadata tags caller-supplied metadata with the hashing epoch.
func stampMetadata(m map[string]any) {
	if m == nil {
		return
	}
	if _, ok := m["version"]; !ok {
		m["version"] = MetadataVersion
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
