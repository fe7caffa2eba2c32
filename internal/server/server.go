// Package server is the HTTP shell shared by the mock upstream: request ids,
// request logging, API key checks, timeouts and tracing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
)

const (
	defaultTimeout  = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*options)

type options struct {
	verifier *auth.Verifier
	timeout  time.Duration
	name     string
}

// WithVerifier rejects requests whose API key the verifier does not accept.
func WithVerifier(v *auth.Verifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithName sets the span name used by the tracing middleware.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func New(port int, logger *slog.Logger, opts ...Option) *Server {
	o := options{timeout: defaultTimeout, name: "llm-fetch"}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RateLimitMiddleware)

	if o.verifier != nil {
		r.Use(AuthMiddleware(o.verifier))
	}

	r.Use(TimeoutMiddleware(o.timeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, o.name)
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
