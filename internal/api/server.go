package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fathomlabs/hookrelay/internal/auth"
	"github.com/fathomlabs/hookrelay/internal/dispatch"
	"github.com/fathomlabs/hookrelay/internal/ledger"
	"github.com/fathomlabs/hookrelay/internal/partner"
	"github.com/fathomlabs/hookrelay/internal/receiver"
)

// PartnerAdmin defines the partner directory operations the API exposes.
type PartnerAdmin interface {
	Register(ctx context.Context, name, destinationURL string, subscribedEvents []string) (*partner.Partner, error)
	GetByID(ctx context.Context, id string) (*partner.Partner, error)
	ListActive(ctx context.Context) ([]*partner.Partner, error)
	Update(ctx context.Context, id string, params partner.UpdateParams) (*partner.Partner, error)
	Deactivate(ctx context.Context, id string) error
}

// LedgerReader defines the dispatch ledger operations the API exposes.
type LedgerReader interface {
	History(ctx context.Context, partnerID string, limit int) ([]*ledger.Record, error)
	ListExhausted(ctx context.Context, limit int) ([]*ledger.Record, error)
	Rearm(ctx context.Context, id string, extraAttempts int) (*ledger.Record, error)
	CountByStatus(ctx context.Context) (map[ledger.Status]int, error)
}

// WebhookReceiver verifies and processes inbound webhooks.
type WebhookReceiver interface {
	Receive(ctx context.Context, req receiver.Request) (receiver.Ack, error)
}

// EventDispatcher fans a business event out to subscribed partners.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, event dispatch.Event) error
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server is the HTTP surface: inbound webhook endpoints authenticated by
// HMAC, admin endpoints authenticated by bearer token.
type Server struct {
	config     Config
	partners   PartnerAdmin
	dispatches LedgerReader
	receiver   WebhookReceiver
	dispatcher EventDispatcher
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. metricsHandler may be nil to leave
// /metrics unregistered; dispatcher may be nil to disable event ingestion.
func New(config Config, partners PartnerAdmin, dispatches LedgerReader, recv WebhookReceiver, dispatcher EventDispatcher, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		partners:   partners,
		dispatches: dispatches,
		receiver:   recv,
		dispatcher: dispatcher,
		metrics:    metricsHandler,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// Inbound webhooks: authenticated by HMAC signature, not bearer token.
	r.Post("/webhooks/receive", s.handleReceive)
	r.Post("/webhooks/receive-body", s.handleReceiveBody)

	// Bearer-protected admin API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("partners:rw", "*")).Post("/admin/partners", s.handleRegisterPartner)
		r.With(s.requireScopes("partners:ro", "partners:rw", "*")).Get("/admin/partners", s.handleListPartners)
		r.With(s.requireScopes("partners:ro", "partners:rw", "*")).Get("/admin/partners/{partnerID}", s.handleGetPartner)
		r.With(s.requireScopes("partners:rw", "*")).Patch("/admin/partners/{partnerID}", s.handleUpdatePartner)
		r.With(s.requireScopes("partners:rw", "*")).Delete("/admin/partners/{partnerID}", s.handleDeactivatePartner)
		r.With(s.requireScopes("dispatches:ro", "dispatches:rw", "*")).Get("/admin/partners/{partnerID}/dispatches", s.handleDispatchHistory)
		r.With(s.requireScopes("dispatches:ro", "dispatches:rw", "*")).Get("/admin/dispatches/exhausted", s.handleListExhausted)
		r.With(s.requireScopes("dispatches:rw", "*")).Post("/admin/dispatches/{dispatchID}/resend", s.handleResendDispatch)
		if s.dispatcher != nil {
			r.With(s.requireScopes("dispatches:rw", "*")).Post("/admin/events", s.handleDispatchEvent)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
