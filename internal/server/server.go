// Package server exposes the invoice pipeline over HTTP and pushes decisions
// to websocket subscribers.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/invoicemem/internal/config"
	"github.com/scrypster/invoicemem/internal/engine"
	"github.com/scrypster/invoicemem/internal/storage"
	"github.com/scrypster/invoicemem/pkg/types"
)

// metricsReporter is implemented by backends that count their calls, such as
// storage.Guarded.
type metricsReporter interface {
	Metrics() storage.BreakerMetrics
}

// Server routes API requests to one pipeline.
type Server struct {
	cfg      *config.Config
	pipeline *engine.Pipeline
	audit    storage.AuditReader
	metrics  metricsReporter
	hub      *Hub
	limiter  *RateLimiter
	done     chan struct{}
}

// New builds a server for p. audit may be nil, in which case GET /api/audit
// answers 501. When audit also reports breaker metrics they are included in
// GET /api/stats.
//
// New registers the server as p's decision callback.
func New(cfg *config.Config, p *engine.Pipeline, audit storage.AuditReader) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if p == nil {
		return nil, fmt.Errorf("server: pipeline is required")
	}

	s := &Server{
		cfg:      cfg,
		pipeline: p,
		audit:    audit,
		hub:      NewHub(allowedOrigins(cfg)...),
		limiter:  NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}
	if m, ok := audit.(metricsReporter); ok {
		s.metrics = m
	}

	p.SetOnDecision(func(out *types.DecisionOutput) {
		s.hub.Publish(Event{Type: EventDecision, InvoiceID: out.InvoiceID, Data: out})
	})
	return s, nil
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/invoices", allow(http.MethodPost, s.handleProcess))
	apiMux.HandleFunc("/api/feedback", allow(http.MethodPost, s.handleFeedback))
	apiMux.HandleFunc("/api/maintenance/decay", allow(http.MethodPost, s.handleDecay))
	apiMux.HandleFunc("/api/stats", allow(http.MethodGet, s.handleStats))
	apiMux.HandleFunc("/api/audit", allow(http.MethodGet, s.handleAudit))

	// Health needs no auth so monitors can reach it.
	mux.HandleFunc("/api/health", allow(http.MethodGet, s.handleHealth))
	mux.Handle("/api/", RequireAuth(apiMux, s.cfg))

	// Origin validation guards the websocket endpoint.
	mux.Handle("/ws", s.hub)

	handler := RateLimitMiddleware(mux, s.limiter)
	return securityHeaders(handler)
}

// Start listens on the configured address and serves until ctx is cancelled.
// It returns the address actually bound, which differs from the configured
// one when the port is 0.
//
// Cancelling ctx starts a graceful shutdown; Done is closed once in-flight
// requests have finished and the hub has stopped.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	go s.hub.Run()
	s.done = make(chan struct{})

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		s.hub.Stop()
	}()

	return listener.Addr().String(), nil
}

// Done returns a channel that is closed when the server started by Start has
// shut down. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func allow(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		h(w, r)
	}
}

// allowedOrigins lists the browser origins that may open a websocket: the
// configured host plus the loopback names for the configured port.
func allowedOrigins(cfg *config.Config) []string {
	port := strconv.Itoa(cfg.Server.Port)
	origins := []string{
		net.JoinHostPort("localhost", port),
		net.JoinHostPort("127.0.0.1", port),
	}
	host := cfg.Server.Host
	if host != "" && host != "localhost" && host != "127.0.0.1" && host != "0.0.0.0" {
		origins = append(origins, net.JoinHostPort(host, port))
	}
	return origins
}
