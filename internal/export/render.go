package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/auditchain/auditchain/internal/chain"
)

// writeJSON renders records as an indented JSON array.
func writeJSON(w io.Writer, records []chain.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if records == nil {
		records = []chain.Record{}
	}
	return enc.Encode(records)
}

// writeCSV renders records with a per-stream header row. Hash columns are
// included so an exported file can be independently re-verified.
func writeCSV(w io.Writer, stream chain.Stream, records []chain.Record) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader(stream)); err != nil {
		return err
	}
	for _, rec := range records {
		if err := cw.Write(csvRow(stream, rec)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvHeader(stream chain.Stream) []string {
	switch stream {
	case chain.StreamAudit:
		return []string{"id", "userId", "role", "action", "entity", "entityId", "ipAddress", "createdAt", "prevHash", "integrityHash"}
	case chain.StreamSystem:
		return []string{"id", "level", "method", "path", "statusCode", "duration", "userId", "ipAddress", "requestId", "createdAt", "prevHash", "integrityHash"}
	default:
		return []string{"id", "userId", "loginTime", "logoutTime", "ipAddress", "sessionId", "createdAt", "prevHash", "integrityHash"}
	}
}

func csvRow(stream chain.Stream, rec chain.Record) []string {
	switch r := rec.(type) {
	case *chain.AuditRecord:
		return []string{r.ID, r.UserID, r.Role, r.Action, r.Entity, r.EntityID, r.IPAddress,
			csvTime(r.CreatedAt), r.PrevHash, r.IntegrityHash}
	case *chain.SystemRecord:
		return []string{r.ID, r.Level, r.Method, r.Path, strconv.Itoa(r.StatusCode),
			strconv.FormatInt(r.Duration, 10), r.UserID, r.IPAddress, r.RequestID,
			csvTime(r.CreatedAt), r.PrevHash, r.IntegrityHash}
	case *chain.AccessRecord:
		return []string{r.ID, r.UserID, csvTime(r.LoginTime), csvTime(r.LogoutTime),
			r.IPAddress, r.SessionID, csvTime(r.CreatedAt), r.PrevHash, r.IntegrityHash}
	}
	return []string{fmt.Sprintf("%v", rec)}
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
