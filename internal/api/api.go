// Package api provides the operational HTTP surface of the notifier.
//
// It exposes endpoints for producing outbox events, inspecting and resetting
// them, managing templates and preferences, and checking pipeline health.
// Delivery itself never flows through here; the processor owns that.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cartloop/notifier/internal/channels"
	"github.com/cartloop/notifier/internal/outbox"
	"github.com/cartloop/notifier/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP handlers to the outbox service, the store, and the
// provider registry.
type Server struct {
	addr     string
	svc      *outbox.Service
	st       store.Store
	registry *channels.Registry
	httpSrv  *http.Server
}

// NewServer creates the API server over the given dependencies.
func NewServer(svc *outbox.Service, st store.Store, registry *channels.Registry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{addr: cfg.Addr, svc: svc, st: st, registry: registry}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/events/", s.eventHandler)
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/preferences", s.preferencesHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
