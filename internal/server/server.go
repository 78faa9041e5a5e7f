// Package server exposes the sink registry, readiness and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/balena-io-experimental/audio/internal/auth"
	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/observability"
	"github.com/balena-io-experimental/audio/internal/sinks"
)

// SinkService is the registry surface the routes drive.
type SinkService interface {
	Sinks(ctx context.Context) ([]sinks.Projection, error)
	Sink(ctx context.Context, pos int) (sinks.Projection, error)
	SetVolume(ctx context.Context, pos int, percent int) error
	UpdateVolume(ctx context.Context, pos int, delta int) error
	SetMute(ctx context.Context, pos int, mute bool) error
	ToggleMute(ctx context.Context, pos int) error
	ActiveOrDefault(ctx context.Context) (int, error)
}

// Readiness reports whether the backing connection finished its handshake.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

type Options struct {
	Sinks    SinkService
	Ready    Readiness
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
	// Auth guards the mutation routes. Nil leaves them open.
	Auth auth.Validator
	// ReadyTimeout bounds the /ready check.
	ReadyTimeout time.Duration
}

type Server struct {
	opts     Options
	router   chi.Router
	appeared time.Time
}

func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 250 * time.Millisecond
	}
	s := &Server{opts: opts, router: chi.NewRouter(), appeared: time.Now()}
	s.router.Use(middleware.Recoverer)
	s.router.Use(observability.RequestLogger(logging.Logger()))
	s.router.Use(observability.RequestMetrics(opts.Metrics))
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Infof("server.Server.Serve listening addr=%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Infof("server.Server.Serve stopped addr=%s", ln.Addr())
	return nil
}
