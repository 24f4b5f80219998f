package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/auditchain/auditchain/internal/chain"
)

// statusWriter captures the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// requestLogger records every handled API request into the hash-chained
// system stream. Health checks and the websocket feed stay out of the
// chain; they would drown it in noise.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		level := "INFO"
		switch {
		case status >= 500:
			level = "ERROR"
		case status >= 400:
			level = "WARN"
		}

		s.writer.RecordRequest(r.Context(), &chain.SystemRecord{
			Level:      level,
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: status,
			Duration:   time.Since(start).Milliseconds(),
			IPAddress:  clientIP(r),
			RequestID:  uuid.NewString(),
			UserAgent:  r.UserAgent(),
		})
	})
}
