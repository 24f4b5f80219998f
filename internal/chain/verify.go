package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reason classifies why a record failed verification. Corruption is a
// result, not an error; only infrastructure failures surface as errors.
type Reason string

const (
	ReasonNotFound     Reason = "NOT_FOUND"
	ReasonNoHash       Reason = "NO_HASH"
	ReasonHashMismatch Reason = "HASH_MISMATCH"
)

// Verification is the outcome of checking a single record.
type Verification struct {
	ID     string `json:"id"`
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`

	// Expected carries the recomputed hash for operator diagnostics.
	// Populated only when the Verifier exposes diagnostics (development
	// deployments); in production it would hand an attacker an oracle
	// for forging a matching record.
	Expected string `json:"expected,omitempty"`
}

// Gap is a prevHash discontinuity found during a chain walk: the record's
// stored prevHash doesn't match its actual predecessor's hash. Commonly a
// deletion (including legitimate retention) or reordering.
type Gap struct {
	Index     int       `json:"index"`
	ID        string    `json:"id"`
	Expected  string    `json:"expected"`
	Actual    string    `json:"actual"`
	CreatedAt time.Time `json:"createdAt"`
}

// BrokenRecord is a record whose own hash failed verification.
type BrokenRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Reason    Reason    `json:"reason"`
}

// ChainReport summarizes a chain walk over one stream. Gap and broken
// lists are capped at maxDetails; an operator needs a representative
// sample for triage, not an unbounded dump of a badly corrupted chain.
type ChainReport struct {
	Stream      Stream         `json:"streamType"`
	Total       int            `json:"total"`
	Valid       int            `json:"valid"`
	Broken      int            `json:"broken"`
	ChainIntact bool           `json:"chainIntact"`
	Gaps        []Gap          `json:"gaps"`
	BrokenChain []BrokenRecord `json:"brokenChain"`

	// Oldest* describe the first examined record, for retention-boundary
	// classification by the compliance reporter. A non-genesis
	// OldestPrevHash on a full scan means the chain head's predecessor
	// is gone.
	OldestID        string    `json:"-"`
	OldestCreatedAt time.Time `json:"-"`
	OldestPrevHash  string    `json:"-"`
}

// maxDetails caps the gap/broken sample lists in a ChainReport.
const maxDetails = 50

// DefaultVerifyLimit bounds how many records a single chain walk examines.
const DefaultVerifyLimit = 50000

// Verifier recomputes stored hashes and checks chain linkage. Read-only;
// safe to run concurrently with writers (the window bounds what a report
// claims to cover).
type Verifier struct {
	store Store
	codec *Codec

	exposeExpected bool
	maxLimit       int
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithDiagnostics makes VerifyOne surface the expected hash on mismatch.
// Development deployments only.
func WithDiagnostics() VerifierOption {
	return func(v *Verifier) { v.exposeExpected = true }
}

// WithVerifyLimit overrides the hard cap on records examined per walk.
func WithVerifyLimit(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.maxLimit = n
		}
	}
}

// NewVerifier returns a Verifier over the given store and codec.
func NewVerifier(store Store, codec *Codec, opts ...VerifierOption) *Verifier {
	v := &Verifier{store: store, codec: codec, maxLimit: DefaultVerifyLimit}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyOne checks a single stored record against its claimed hash.
// A missing record, missing hash, or mismatch is a result, not an error.
func (v *Verifier) VerifyOne(ctx context.Context, stream Stream, id string) (Verification, error) {
	if _, err := ParseStream(string(stream)); err != nil {
		return Verification{}, err
	}

	rec, err := v.store.FindByID(ctx, stream, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Verification{ID: id, Valid: false, Reason: ReasonNotFound}, nil
		}
		return Verification{}, fmt.Errorf("loading %s record %s: %w", stream, id, err)
	}

	res, err := v.VerifyRecord(stream, rec)
	if err != nil {
		return Verification{}, err
	}
	return res, nil
}

// VerifyRecord checks an already-loaded record. Pure apart from the codec.
func (v *Verifier) VerifyRecord(stream Stream, rec Record) (Verification, error) {
	out := Verification{ID: rec.RecordID()}

	if rec.RecordHash() == "" {
		out.Reason = ReasonNoHash
		return out, nil
	}

	expected, err := v.codec.Compute(stream, rec, rec.RecordPrevHash())
	if err != nil {
		return Verification{}, err
	}

	if expected == rec.RecordHash() {
		out.Valid = true
		return out, nil
	}

	out.Reason = ReasonHashMismatch
	if v.exposeExpected {
		out.Expected = expected
	}
	return out, nil
}

// VerifyChain walks one stream's records in the window, ascending by
// createdAt, and accumulates hash mismatches and linkage gaps.
//
// Walk rules:
//   - Gaps and hash validity are independent findings; neither halts
//     the walk.
//   - A hash-less record counts as broken (NO_HASH) but leaves the
//     expected predecessor hash unchanged, so one legacy record doesn't
//     cascade false gaps onto everything after it.
//   - A hashed record is recomputed against its own stored prevHash, and
//     advances the expected predecessor to its stored hash whether or not
//     it verified; downstream gap detection reflects the chain as
//     stored, not a hypothetical repaired one.
func (v *Verifier) VerifyChain(ctx context.Context, stream Stream, win Window) (*ChainReport, error) {
	if _, err := ParseStream(string(stream)); err != nil {
		return nil, err
	}

	if win.Limit <= 0 || win.Limit > v.maxLimit {
		win.Limit = v.maxLimit
	}

	records, err := v.store.Range(ctx, stream, win)
	if err != nil {
		return nil, fmt.Errorf("loading %s records: %w", stream, err)
	}

	report := &ChainReport{
		Stream:      stream,
		Total:       len(records),
		ChainIntact: true,
		Gaps:        []Gap{},
		BrokenChain: []BrokenRecord{},
	}
	if len(records) == 0 {
		return report, nil
	}

	report.OldestID = records[0].RecordID()
	report.OldestCreatedAt = records[0].RecordCreatedAt()
	report.OldestPrevHash = records[0].RecordPrevHash()

	expectedPrev := GenesisHash
	for i, rec := range records {
		if i > 0 && rec.RecordPrevHash() != expectedPrev {
			report.ChainIntact = false
			if len(report.Gaps) < maxDetails {
				report.Gaps = append(report.Gaps, Gap{
					Index:     i,
					ID:        rec.RecordID(),
					Expected:  expectedPrev,
					Actual:    rec.RecordPrevHash(),
					CreatedAt: rec.RecordCreatedAt(),
				})
			}
		}

		if rec.RecordHash() == "" {
			report.Broken++
			report.ChainIntact = false
			if len(report.BrokenChain) < maxDetails {
				report.BrokenChain = append(report.BrokenChain, BrokenRecord{
					ID:        rec.RecordID(),
					CreatedAt: rec.RecordCreatedAt(),
					Reason:    ReasonNoHash,
				})
			}
			continue
		}

		recomputed, err := v.codec.Compute(stream, rec, rec.RecordPrevHash())
		if err != nil {
			return nil, err
		}
		if recomputed != rec.RecordHash() {
			report.Broken++
			report.ChainIntact = false
			if len(report.BrokenChain) < maxDetails {
				report.BrokenChain = append(report.BrokenChain, BrokenRecord{
					ID:        rec.RecordID(),
					CreatedAt: rec.RecordCreatedAt(),
					Reason:    ReasonHashMismatch,
				})
			}
		} else {
			report.Valid++
		}

		expectedPrev = rec.RecordHash()
	}

	return report, nil
}
