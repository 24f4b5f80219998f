// Package chain implements the hash-chain integrity engine behind the
// three append-only log streams (audit, system, access).
//
// Every record's integrityHash is an HMAC-SHA256 over a fixed field set
// plus the previous record's hash, forming a per-stream chain where
// tampering with any stored field breaks verification from that record
// forward. The all-zero GenesisHash marks the start of each chain.
package chain

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// isoLayout renders timestamps the way they are hashed: ISO-8601 UTC with
// millisecond precision. Changing this changes every historical hash.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// Codec computes the keyed integrity digest for candidate records.
// Pure; no I/O, no clock. The secret is injected at construction so
// tests can pin a fixed key.
type Codec struct {
	secret []byte
}

// NewCodec returns a Codec keyed with the given HMAC secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Compute returns the integrity hash for rec given the hash of its
// predecessor. An empty prevHash defaults to GenesisHash. The field set
// is fixed per stream; fields added to the record types later do not
// silently change historical hash semantics.
func (c *Codec) Compute(stream Stream, rec Record, prevHash string) (string, error) {
	if prevHash == "" {
		prevHash = GenesisHash
	}

	payload, err := hashPayload(stream, rec, prevHash)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// hashPayload serializes the stream's enumerated field set (plus prevHash)
// as a JSON object with fixed key order.
func hashPayload(stream Stream, rec Record, prevHash string) ([]byte, error) {
	switch stream {
	case StreamAudit:
		r, ok := rec.(*AuditRecord)
		if !ok {
			return nil, fmt.Errorf("%s: record type %T doesn't belong to this stream", stream, rec)
		}
		return encodePayload([]payloadField{
			{"id", r.ID},
			{"userId", nullable(r.UserID)},
			{"role", nullable(r.Role)},
			{"action", r.Action},
			{"entity", nullable(r.Entity)},
			{"entityId", nullable(r.EntityID)},
			{"ipAddress", nullable(r.IPAddress)},
			{"metadata", nullableMap(r.Metadata)},
			{"createdAt", isoTime(r.CreatedAt)},
			{"prevHash", prevHash},
		})

	case StreamSystem:
		r, ok := rec.(*SystemRecord)
		if !ok {
			return nil, fmt.Errorf("%s: record type %T doesn't belong to this stream", stream, rec)
		}
		return encodePayload([]payloadField{
			{"id", r.ID},
			{"level", r.Level},
			{"method", nullable(r.Method)},
			{"path", nullable(r.Path)},
			{"statusCode", nullableInt(r.StatusCode)},
			{"userId", nullable(r.UserID)},
			{"ipAddress", nullable(r.IPAddress)},
			{"createdAt", isoTime(r.CreatedAt)},
			{"prevHash", prevHash},
		})

	case StreamAccess:
		r, ok := rec.(*AccessRecord)
		if !ok {
			return nil, fmt.Errorf("%s: record type %T doesn't belong to this stream", stream, rec)
		}
		return encodePayload([]payloadField{
			{"id", r.ID},
			{"userId", r.UserID},
			{"loginTime", isoTime(r.LoginTime)},
			{"ipAddress", nullable(r.IPAddress)},
			{"sessionId", nullable(r.SessionID)},
			{"createdAt", isoTime(r.CreatedAt)},
			{"prevHash", prevHash},
		})
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
}

// payloadField is one key/value pair of the hash payload. Order matters.
type payloadField struct {
	key   string
	value any
}

// encodePayload assembles fields into a JSON object, preserving field
// order. Values go through encoding/json, which sorts map keys; metadata
// therefore hashes canonically regardless of construction order.
func encodePayload(fields []payloadField) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, fmt.Errorf("encoding hash payload key %q: %w", f.key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("encoding hash payload field %q: %w", f.key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// nullable maps the empty string to an explicit JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt maps zero to an explicit JSON null. Status codes and
// durations are never legitimately zero in a stored record.
func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// nullableMap maps a nil/empty metadata map to an explicit JSON null.
func nullableMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// isoTime renders t in the canonical hashed form, or null when unset.
func isoTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(isoLayout)
}
