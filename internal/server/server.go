// Package server exposes the audit service over HTTP: event recording,
// integrity verification, compliance reporting, maintenance entry points,
// the export workflow, and the monitoring surface.
//
// Authorization is an upstream concern; these handlers assume the
// caller was already vetted by the gateway in front of this service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/auditchain/auditchain/internal/chain"
	"github.com/auditchain/auditchain/internal/compliance"
	"github.com/auditchain/auditchain/internal/config"
	"github.com/auditchain/auditchain/internal/export"
	"github.com/auditchain/auditchain/internal/monitor"
)

// Server wires the HTTP surface to the chain components.
type Server struct {
	cfg        *config.Config
	writer     *chain.Writer
	verifier   *chain.Verifier
	maintainer *chain.Maintainer
	sweeper    *chain.Sweeper
	reporter   *compliance.Reporter
	exports    *export.Service
	monitor    *monitor.Monitor
	hub        *monitor.Hub

	http *http.Server
}

// New assembles a Server from its collaborators.
func New(cfg *config.Config, writer *chain.Writer, verifier *chain.Verifier,
	maintainer *chain.Maintainer, sweeper *chain.Sweeper, reporter *compliance.Reporter,
	exports *export.Service, mon *monitor.Monitor, hub *monitor.Hub) *Server {
	return &Server{
		cfg:        cfg,
		writer:     writer,
		verifier:   verifier,
		maintainer: maintainer,
		sweeper:    sweeper,
		reporter:   reporter,
		exports:    exports,
		monitor:    mon,
		hub:        hub,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/logs", func(r chi.Router) {
			r.Post("/audit", s.handleRecordAudit)
			r.Post("/access/login", s.handleRecordLogin)
			r.Post("/access/logout", s.handleRecordLogout)
		})

		r.Route("/integrity", func(r chi.Router) {
			r.Get("/records/{stream}/{id}", s.handleVerifyOne)
			r.Get("/chain/{stream}", s.handleVerifyChain)
			r.Get("/report", s.handleComplianceReport)
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/backfill/{stream}", s.handleBackfill)
			r.Post("/cleanup", s.handleCleanup)
		})

		r.Route("/exports", func(r chi.Router) {
			r.Post("/", s.handleCreateExport)
			r.Get("/", s.handleListExports)
			r.Get("/{id}", s.handleGetExport)
			r.Post("/{id}/approve", s.handleApproveExport)
			r.Post("/{id}/reject", s.handleRejectExport)
			r.Get("/{id}/download", s.handleDownloadExport)
		})

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/summary", s.handleMonitorSummary)
			r.Get("/logs", s.handleMonitorLogs)
		})
	})

	return r
}

// Start begins serving on the configured address. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("audit service listening", "addr", addr, "env", s.cfg.Env)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
