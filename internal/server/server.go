// Package server is the HTTP surface of the voice bridge: the Twilio media
// stream endpoint, provider webhooks and the operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/bridge"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// Bridge is the session manager as seen by the HTTP layer
type Bridge interface {
	Serve(ctx context.Context, tel bridge.Telephony) error
	EndCall(externalCallID, reason string) bool
	InvokeTool(ctx context.Context, id string, call tools.Call) (tools.Result, error)
	ActiveCalls() int
}

// Options configures the HTTP server
type Options struct {
	Addr           string
	MetricsEnabled bool
	ReadyTimeout   time.Duration
	Checks         []observability.DependencyCheck
}

// Server owns the HTTP listener and every media stream it accepted
type Server struct {
	bridge Bridge
	http   *http.Server
	logger zerolog.Logger

	// streams outlive their request once hijacked; ctx ends them on shutdown
	ctx     context.Context
	cancel  context.CancelFunc
	streams sync.WaitGroup
}

// New creates a server
func New(b Bridge, opts Options, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		bridge: b,
		logger: logger.With().Str("component", "server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /streams/twilio", s.handleTwilioStream)
	mux.HandleFunc("POST /twilio/status", s.handleStatusCallback)
	mux.HandleFunc("POST /engine/tools/{name}", s.handleToolWebhook)
	mux.HandleFunc("GET /health", observability.HealthCheckHandler(b.ActiveCalls))
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(opts.ReadyTimeout, opts.Checks...))
	if opts.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.http = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.logRequests(mux),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero; media streams are long-lived
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the listener fails or Shutdown is called
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("Server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, finalizes live calls and waits for
// their sessions to exit or ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("sessions still running: %w", ctx.Err()))
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/streams/twilio" {
			// hijacked; the session logs its own lifecycle
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	})
}
