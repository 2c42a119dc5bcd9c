// Package api provides the HTTP surface of Citabot.
//
// It exposes the messaging and scheduling webhooks, the audit and compliance
// endpoints, and the health check. Handlers delegate to the orchestrator and
// the audit ledger; no business logic lives here.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/citabot/citabot/internal/audit"
	"github.com/citabot/citabot/internal/facade"
	"github.com/citabot/citabot/internal/orchestrator"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	RetentionDays int
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRetentionDays sets the conversation retention window used by the
// cleanup endpoint.
func WithRetentionDays(days int) Option {
	return func(o *Opts) { o.RetentionDays = days }
}

// Server wires HTTP routes to the orchestrator, facade and ledger.
type Server struct {
	facade        *facade.Facade
	ledger        *audit.Ledger
	orch          *orchestrator.Orchestrator
	retentionDays int
	httpServer    *http.Server
}

// NewServer creates the API server.
func NewServer(f *facade.Facade, l *audit.Ledger, o *orchestrator.Orchestrator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RetentionDays: 365}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		facade:        f,
		ledger:        l,
		orch:          o,
		retentionDays: cfg.RetentionDays,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
	}
	return s
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/whatsapp", s.whatsappWebhookHandler)
	mux.HandleFunc("/webhook/calendar", s.calendarWebhookHandler)
	mux.HandleFunc("/clients/erase", s.eraseClientHandler)
	mux.HandleFunc("/calendar/events", s.calendarEventsHandler)
	mux.HandleFunc("/audit", s.auditQueryHandler)
	mux.HandleFunc("/audit/gdpr-report", s.gdprReportHandler)
	mux.HandleFunc("/audit/consent", s.consentHandler)
	mux.HandleFunc("/audit/data-access", s.dataAccessHandler)
	mux.HandleFunc("/audit/security-incident", s.securityIncidentHandler)
	mux.HandleFunc("/audit/suspicious", s.suspiciousHandler)
	mux.HandleFunc("/audit/cleanup", s.cleanupHandler)
	mux.HandleFunc("/audit/export", s.exportHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
