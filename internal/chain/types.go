package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stream identifies one of the three append-only log streams. Each stream
// maintains its own hash chain; records in different streams never link
// to each other.
type Stream string

const (
	StreamAudit  Stream = "AuditLog"
	StreamSystem Stream = "SystemLog"
	StreamAccess Stream = "AccessLog"
)

// Streams lists every known stream, in the order compliance reports
// present them.
var Streams = []Stream{StreamAudit, StreamSystem, StreamAccess}

// ErrUnknownStream is returned when a caller names a stream that doesn't
// exist. Fatal to the call, not the process.
var ErrUnknownStream = errors.New("unknown log stream")

// ErrRecordNotFound is returned by stores when a record id doesn't resolve.
// Distinct from an integrity failure; see Verification reasons.
var ErrRecordNotFound = errors.New("log record not found")

// ParseStream converts a stream name (as it appears in URLs and CLI args)
// to a Stream. Accepts the canonical table names.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case StreamAudit, StreamSystem, StreamAccess:
		return Stream(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStream, s)
}

// GenesisHash is the prevHash of the first record ever written to a
// stream. Published and fixed so independent verifiers agree on where
// every chain starts.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MetadataVersion marks the metadata hashing epoch. Metadata is hashed as
// canonical sorted-key JSON; if that serialization ever changes, bump this
// so old and new hashes can coexist.
const MetadataVersion = "1.0"

// Record is the shape shared by the three concrete stream records.
// Implementations live in this package only; the chain fields are
// assigned through setChain by the Writer and the backfill Maintainer.
type Record interface {
	RecordID() string
	RecordCreatedAt() time.Time
	RecordPrevHash() string
	RecordHash() string

	setChain(prevHash, hash string)
	stampCreatedAt(now time.Time)
}

// AuditRecord is one administrative/business action (login success,
// password change, blacklist update, ...). Empty string fields hash as
// explicit nulls.
type AuditRecord struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId,omitempty"`
	Role          string         `json:"role,omitempty"`
	Action        string         `json:"action"`
	Entity        string         `json:"entity,omitempty"`
	EntityID      string         `json:"entityId,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	PrevHash      string         `json:"prevHash,omitempty"`
	IntegrityHash string         `json:"integrityHash,omitempty"`
}

func (r *AuditRecord) RecordID() string           { return r.ID }
func (r *AuditRecord) RecordCreatedAt() time.Time { return r.CreatedAt }
func (r *AuditRecord) RecordPrevHash() string     { return r.PrevHash }
func (r *AuditRecord) RecordHash() string         { return r.IntegrityHash }

func (r *AuditRecord) setChain(prevHash, hash string) {
	r.PrevHash = prevHash
	r.IntegrityHash = hash
}

func (r *AuditRecord) stampCreatedAt(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

// SystemRecord is one handled API request (or internal error event).
// Duration is milliseconds.
type SystemRecord struct {
	ID            string         `json:"id"`
	Level         string         `json:"level"`
	Method        string         `json:"method,omitempty"`
	Path          string         `json:"path,omitempty"`
	StatusCode    int            `json:"statusCode,omitempty"`
	Duration      int64          `json:"duration,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	PrevHash      string         `json:"prevHash,omitempty"`
	IntegrityHash string         `json:"integrityHash,omitempty"`
}

func (r *SystemRecord) RecordID() string           { return r.ID }
func (r *SystemRecord) RecordCreatedAt() time.Time { return r.CreatedAt }
func (r *SystemRecord) RecordPrevHash() string     { return r.PrevHash }
func (r *SystemRecord) RecordHash() string         { return r.IntegrityHash }

func (r *SystemRecord) setChain(prevHash, hash string) {
	r.PrevHash = prevHash
	r.IntegrityHash = hash
}

func (r *SystemRecord) stampCreatedAt(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

// AccessRecord is one session event. Logins carry LoginTime; logouts are
// separate closing records carrying LogoutTime for the same SessionID.
// Sessions are never mutated in place; the stream is insert-only.
type AccessRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	LoginTime     time.Time `json:"loginTime,omitempty"`
	LogoutTime    time.Time `json:"logoutTime,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	PrevHash      string    `json:"prevHash,omitempty"`
	IntegrityHash string    `json:"integrityHash,omitempty"`
}

func (r *AccessRecord) RecordID() string           { return r.ID }
func (r *AccessRecord) RecordCreatedAt() time.Time { return r.CreatedAt }
func (r *AccessRecord) RecordPrevHash() string     { return r.PrevHash }
func (r *AccessRecord) RecordHash() string         { return r.IntegrityHash }

func (r *AccessRecord) setChain(prevHash, hash string) {
	r.PrevHash = prevHash
	r.IntegrityHash = hash
}

func (r *AccessRecord) stampCreatedAt(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

// Window bounds a query by createdAt. Zero From/To mean unbounded on that
// side. Limit caps the number of records examined.
type Window struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Store is the per-stream append-only table the chain components talk to.
// Implementations must order Range results ascending by createdAt, ties
// broken by id, and must reject updates to chained rows except through
// the maintenance bypass (SetMaintenance).
type Store interface {
	// Insert appends rec to the stream. One atomic insert.
	Insert(ctx context.Context, stream Stream, rec Record) error

	// LatestHash returns the integrityHash of the most recently created
	// record, or GenesisHash when the stream is empty or the latest
	// record was never hashed.
	LatestHash(ctx context.Context, stream Stream) (string, error)

	// LatestAssignedHash returns the integrityHash of the most recently
	// created record that has one, or GenesisHash when no record does.
	LatestAssignedHash(ctx context.Context, stream Stream) (string, error)

	// FindByID returns the record or ErrRecordNotFound.
	FindByID(ctx context.Context, stream Stream, id string) (Record, error)

	// Range returns records in the window, ascending, capped at
	// win.Limit (0 means no cap).
	Range(ctx context.Context, stream Stream, win Window) ([]Record, error)

	// MissingHash returns up to limit records lacking an integrityHash,
	// ascending by createdAt.
	MissingHash(ctx context.Context, stream Stream, limit int) ([]Record, error)

	// CountMissingHash counts records lacking an integrityHash in the window.
	CountMissingHash(ctx context.Context, stream Stream, win Window) (int64, error)

	// AssignHashes writes chain fields onto an existing row. Only valid
	// while maintenance mode is on.
	AssignHashes(ctx context.Context, stream Stream, id, prevHash, hash string) error

	// DeleteBefore removes records created before cutoff. Only valid
	// while maintenance mode is on.
	DeleteBefore(ctx context.Context, stream Stream, cutoff time.Time) (int64, error)

	// SetMaintenance toggles the write-once bypass used by backfill and
	// retention.
	SetMaintenance(ctx context.Context, on bool) error
}
