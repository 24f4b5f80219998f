// Package store persists the three log streams in SQLite and enforces
// their write-once contract.
//
// SQLite is the system of record here: one table per stream, ordered by
// creation time, with UPDATE/DELETE blocked by triggers except through
// the maintenance bypass used by backfill and retention. WAL mode allows
// verification reads to run concurrently with writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/auditchain/auditchain/internal/chain"
)

// timeLayout is the fixed-width on-disk timestamp format. Unlike
// RFC3339Nano it never trims trailing zeros, so lexicographic order in
// SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite-backed implementation of chain.Store, plus the
// export-request table and the monitor queries.
type Store struct {
	db *sql.DB
}

// tables maps a stream to its table name. Anything else is unknown.
func tableFor(stream chain.Stream) (string, error) {
	switch stream {
	case chain.StreamAudit:
		return "audit_logs", nil
	case chain.StreamSystem:
		return "system_logs", nil
	case chain.StreamAccess:
		return "access_logs", nil
	}
	return "", fmt.Errorf("%w: %q", chain.ErrUnknownStream, stream)
}

// Open opens (or creates) the log database at path, applies the schema,
// and arms the write-once triggers.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening log database %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating log schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id             TEXT PRIMARY KEY,
		user_id        TEXT,
		role           TEXT,
		action         TEXT NOT NULL,
		entity         TEXT,
		entity_id      TEXT,
		ip_address     TEXT,
		user_agent     TEXT,
		metadata       TEXT,
		created_at     TEXT NOT NULL,
		prev_hash      TEXT,
		integrity_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action);

	CREATE TABLE IF NOT EXISTS system_logs (
		id             TEXT PRIMARY KEY,
		level          TEXT NOT NULL,
		method         TEXT,
		path           TEXT,
		status_code    INTEGER,
		duration_ms    INTEGER,
		user_id        TEXT,
		ip_address     TEXT,
		request_id     TEXT,
		user_agent     TEXT,
		error          TEXT,
		metadata       TEXT,
		created_at     TEXT NOT NULL,
		prev_hash      TEXT,
		integrity_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_system_created ON system_logs(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_system_level ON system_logs(level);

	CREATE TABLE IF NOT EXISTS access_logs (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		login_time     TEXT,
		logout_time    TEXT,
		ip_address     TEXT,
		user_agent     TEXT,
		session_id     TEXT,
		created_at     TEXT NOT NULL,
		prev_hash      TEXT,
		integrity_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_access_created ON access_logs(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_access_session ON access_logs(session_id);

	CREATE TABLE IF NOT EXISTS export_requests (
		id               TEXT PRIMARY KEY,
		requested_by     TEXT NOT NULL,
		stream           TEXT NOT NULL,
		format           TEXT NOT NULL,
		filters          TEXT,
		status           TEXT NOT NULL,
		reviewed_by      TEXT,
		reviewed_at      TEXT,
		rejection_reason TEXT,
		file_path        TEXT,
		file_size        INTEGER NOT NULL DEFAULT 0,
		record_count     INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		completed_at     TEXT,
		expires_at       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_export_status ON export_requests(status);

	CREATE TABLE IF NOT EXISTS chain_settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO chain_settings (key, value) VALUES ('maintenance', '0');

	CREATE TRIGGER IF NOT EXISTS audit_logs_no_update BEFORE UPDATE ON audit_logs
	WHEN (SELECT value FROM chain_settings WHERE key = 'maintenance') = '0'
	BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_logs_no_delete BEFORE DELETE ON audit_logs
	WHEN (SELECT value FROM chain_settings WHERE key = 'maintenance') = '0'
	BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS system_logs_no_update BEFORE UPDATE ON system_logs
	WHEN (SELECT value FROM chain_settings WHERE key = 'maintenance') = '0'
	BEGIN SELECT RAISE(ABORT, 'system_logs is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS system_logs_no_delete BEFORE DELETE ON system_logs
	WHEN (SELECT value FROM chain_settings WHERE key = 'maintenance') = '0'
	BEGIN SELECT RAISE(ABORT, 'system_logs is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS access_logs_no_update BEFORE UPDATE ON access_logs
	WHEN (SELECT value FROM chain_settings WHERE key = 'maintenance') = '0'
	BEGIN SELECT RAISE(ABORT, 'access_logs is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS access_logs_no_delete BEFORE DELETE ON access_logs
	WHEN (SELECT value FROM chain_settings WHERE key = 'maintenance') = '0'
	BEGIN SELECT RAISE(ABORT, 'access_logs is append-only'); END;
`

// SetMaintenance toggles the write-once bypass. While on, UPDATE/DELETE
// reach the log tables; while off the triggers abort them. Backfill and
// the retention sweeper are the only callers.
func (s *Store) SetMaintenance(ctx context.Context, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chain_settings SET value = ? WHERE key = 'maintenance'`, value)
	if err != nil {
		return fmt.Errorf("setting maintenance mode: %w", err)
	}
	return nil
}

// Insert appends one record to its stream's table.
func (s *Store) Insert(ctx context.Context, stream chain.Stream, rec chain.Record) error {
	switch r := rec.(type) {
	case *chain.AuditRecord:
		if stream != chain.StreamAudit {
			return fmt.Errorf("%s: record type %T doesn't belong to this stream", stream, rec)
		}
		meta, err := metaJSON(r.Metadata)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO audit_logs (id, user_id, role, action, entity, entity_id, ip_address, user_agent, metadata, created_at, prev_hash, integrity_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, nullStr(r.UserID), nullStr(r.Role), r.Action, nullStr(r.Entity), nullStr(r.EntityID),
			nullStr(r.IPAddress), nullStr(r.UserAgent), meta, timeStr(r.CreatedAt),
			nullStr(r.PrevHash), nullStr(r.IntegrityHash))
		return err

	case *chain.SystemRecord:
		if stream != chain.StreamSystem {
			return fmt.Errorf("%s: record type %T doesn't belong to this stream", stream, rec)
		}
		meta, err := metaJSON(r.Metadata)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO system_logs (id, level, method, path, status_code, duration_ms, user_id, ip_address, request_id, user_agent, error, metadata, created_at, prev_hash, integrity_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Level, nullStr(r.Method), nullStr(r.Path), nullInt(r.StatusCode), nullInt64(r.Duration),
			nullStr(r.UserID), nullStr(r.IPAddress), nullStr(r.RequestID), nullStr(r.UserAgent),
			nullStr(r.Error), meta, timeStr(r.CreatedAt), nullStr(r.PrevHash), nullStr(r.IntegrityHash))
		return err

	case *chain.AccessRecord:
		if stream != chain.StreamAccess {
			return fmt.Errorf("%s: record type %T doesn't belong to this stream", stream, rec)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO access_logs (id, user_id, login_time, logout_time, ip_address, user_agent, session_id, created_at, prev_hash, integrity_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.UserID, nullTime(r.LoginTime), nullTime(r.LogoutTime), nullStr(r.IPAddress),
			nullStr(r.UserAgent), nullStr(r.SessionID), timeStr(r.CreatedAt),
			nullStr(r.PrevHash), nullStr(r.IntegrityHash))
		return err
	}

	return fmt.Errorf("unsupported record type %T", rec)
}

// LatestHash returns the chain head: the integrityHash of the most
// recently created record, GenesisHash when the stream is empty or the
// latest record was never hashed.
func (s *Store) LatestHash(ctx context.Context, stream chain.Stream) (string, error) {
	table, err := tableFor(stream)
	if err != nil {
		return "", err
	}

	var hash sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT integrity_hash FROM `+table+` ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return chain.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest %s hash: %w", stream, err)
	}
	if !hash.Valid || hash.String == "" {
		return chain.GenesisHash, nil
	}
	return hash.String, nil
}

// LatestAssignedHash returns the most recent non-null integrityHash, or
// GenesisHash when no record has one. Backfill's starting point.
func (s *Store) LatestAssignedHash(ctx context.Context, stream chain.Stream) (string, error) {
	table, err := tableFor(stream)
	if err != nil {
		return "", err
	}

	var hash string
	err = s.db.QueryRowContext(ctx,
		`SELECT integrity_hash FROM `+table+` WHERE integrity_hash IS NOT NULL
		 ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return chain.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest assigned %s hash: %w", stream, err)
	}
	return hash, nil
}

// FindByID returns one record or chain.ErrRecordNotFound.
func (s *Store) FindByID(ctx context.Context, stream chain.Stream, id string) (chain.Record, error) {
	table, err := tableFor(stream)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectFor(stream, table)+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying %s record %s: %w", stream, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, chain.ErrRecordNotFound
	}
	return scanRecord(stream, rows)
}

// Range returns records in the window, ascending by createdAt with ties
// broken by id so the walk order is total.
func (s *Store) Range(ctx context.Context, stream chain.Stream, win chain.Window) ([]chain.Record, error) {
	table, err := tableFor(stream)
	if err != nil {
		return nil, err
	}

	query := selectFor(stream, table) + ` WHERE 1=1`
	var args []any
	if !win.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, timeStr(win.From))
	}
	if !win.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, timeStr(win.To))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if win.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, win.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s range: %w", stream, err)
	}
	defer rows.Close()

	var records []chain.Record
	for rows.Next() {
		rec, err := scanRecord(stream, rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MissingHash returns up to limit records lacking an integrityHash,
// oldest first.
func (s *Store) MissingHash(ctx context.Context, stream chain.Stream, limit int) ([]chain.Record, error) {
	table, err := tableFor(stream)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		selectFor(stream, table)+` WHERE integrity_hash IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unhashed %s records: %w", stream, err)
	}
	defer rows.Close()

	var records []chain.Record
	for rows.Next() {
		rec, err := scanRecord(stream, rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountMissingHash counts hash-less records in the window.
func (s *Store) CountMissingHash(ctx context.Context, stream chain.Stream, win chain.Window) (int64, error) {
	table, err := tableFor(stream)
	if err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM ` + table + ` WHERE integrity_hash IS NULL`
	var args []any
	if !win.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, timeStr(win.From))
	}
	if !win.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, timeStr(win.To))
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unhashed %s records: %w", stream, err)
	}
	return n, nil
}

// AssignHashes writes chain fields onto an existing row. The write-once
// triggers abort this unless maintenance mode is on.
func (s *Store) AssignHashes(ctx context.Context, stream chain.Stream, id, prevHash, hash string) error {
	table, err := tableFor(stream)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET prev_hash = ?, integrity_hash = ? WHERE id = ?`, prevHash, hash, id)
	if err != nil {
		return fmt.Errorf("assigning hashes to %s record %s: %w", stream, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chain.ErrRecordNotFound
	}
	return nil
}

// DeleteBefore removes records created before cutoff. The write-once
// triggers abort this unless maintenance mode is on.
func (s *Store) DeleteBefore(ctx context.Context, stream chain.Stream, cutoff time.Time) (int64, error) {
	table, err := tableFor(stream)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE created_at < ?`, timeStr(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old %s records: %w", stream, err)
	}
	return res.RowsAffected()
}

// selectFor returns the SELECT clause matching scanRecord's column order.
func selectFor(stream chain.Stream, table string) string {
	switch stream {
	case chain.StreamAudit:
		return `SELECT id, user_id, role, action, entity, entity_id, ip_address, user_agent, metadata, created_at, prev_hash, integrity_hash FROM ` + table
	case chain.StreamSystem:
		return `SELECT id, level, method, path, status_code, duration_ms, user_id, ip_address, request_id, user_agent, error, metadata, created_at, prev_hash, integrity_hash FROM ` + table
	default:
		return `SELECT id, user_id, login_time, logout_time, ip_address, user_agent, session_id, created_at, prev_hash, integrity_hash FROM ` + table
	}
}

func scanRecord(stream chain.Stream, rows *sql.Rows) (chain.Record, error) {
	switch stream {
	case chain.StreamAudit:
		var r chain.AuditRecord
		var userID, role, entity, entityID, ip, ua, meta, prev, hash sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &userID, &role, &r.Action, &entity, &entityID, &ip, &ua, &meta, &createdAt, &prev, &hash); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.UserID, r.Role, r.Entity, r.EntityID = userID.String, role.String, entity.String, entityID.String
		r.IPAddress, r.UserAgent = ip.String, ua.String
		r.PrevHash, r.IntegrityHash = prev.String, hash.String
		if err := parseMeta(meta, &r.Metadata); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		r.CreatedAt = t
		return &r, nil

	case chain.StreamSystem:
		var r chain.SystemRecord
		var method, path, userID, ip, reqID, ua, errField, meta, prev, hash sql.NullString
		var statusCode, duration sql.NullInt64
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Level, &method, &path, &statusCode, &duration, &userID, &ip, &reqID, &ua, &errField, &meta, &createdAt, &prev, &hash); err != nil {
			return nil, fmt.Errorf("scanning system row: %w", err)
		}
		r.Method, r.Path, r.UserID, r.IPAddress = method.String, path.String, userID.String, ip.String
		r.RequestID, r.UserAgent, r.Error = reqID.String, ua.String, errField.String
		r.StatusCode, r.Duration = int(statusCode.Int64), duration.Int64
		r.PrevHash, r.IntegrityHash = prev.String, hash.String
		if err := parseMeta(meta, &r.Metadata); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		r.CreatedAt = t
		return &r, nil

	default:
		var r chain.AccessRecord
		var loginTime, logoutTime, ip, ua, session, prev, hash sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &loginTime, &logoutTime, &ip, &ua, &session, &createdAt, &prev, &hash); err != nil {
			return nil, fmt.Errorf("scanning access row: %w", err)
		}
		r.IPAddress, r.UserAgent, r.SessionID = ip.String, ua.String, session.String
		r.PrevHash, r.IntegrityHash = prev.String, hash.String
		if loginTime.Valid {
			t, err := parseTime(loginTime.String)
			if err != nil {
				return nil, err
			}
			r.LoginTime = t
		}
		if logoutTime.Valid {
			t, err := parseTime(logoutTime.String)
			if err != nil {
				return nil, err
			}
			r.LogoutTime = t
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		r.CreatedAt = t
		return &r, nil
	}
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeStr(t)
}

func timeStr(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func metaJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

func parseMeta(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("parsing stored metadata: %w", err)
	}
	return nil
}
