// Package metrics serves the Prometheus registry of tenantgate.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	// Address is the listen address.
	Address string

	// Path is the path to serve metrics on.
	Path string

	// ReadTimeout is the read timeout for the server.
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout for the server.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:      ":9090",
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ReadyFunc reports whether the process can serve.
type ReadyFunc func(ctx context.Context) error

// NewRegistry returns a registry with the Go runtime and process
// collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server exposes metrics, liveness and readiness over HTTP.
type Server struct {
	config   *ServerConfig
	server   *http.Server
	registry *prometheus.Registry
	ready    ReadyFunc
	logger   observability.Logger
	stopOnce sync.Once
}

// ServerOption is a functional option for the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithReadiness sets the readiness check behind /ready.
func WithReadiness(fn ReadyFunc) ServerOption {
	return func(s *Server) {
		s.ready = fn
	}
}

// NewServer creates a metrics server for registry.
func NewServer(config *ServerConfig, registry *prometheus.Registry, opts ...ServerOption) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Server{
		config:   config,
		registry: registry,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:              config.Address,
		Handler:           s.Handler(),
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
	return s
}

// Handler returns the server mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.config.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog:            &errorLogger{logger: s.logger},
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            s.registry,
		MaxRequestsInFlight: 10,
		Timeout:             s.config.WriteTimeout,
		EnableOpenMetrics:   true,
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.Debug("failed to write health response", observability.Error(err))
		}
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			if err := s.ready(r.Context()); err != nil {
				s.logger.Warn("readiness check failed", observability.Error(err))
				http.Error(w, "Not Ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("Ready")); err != nil {
			s.logger.Debug("failed to write ready response", observability.Error(err))
		}
	})

	return mux
}

// Start serves until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting metrics server",
		observability.String("address", s.config.Address),
		observability.String("path", s.config.Path),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping metrics server")
		stopErr = s.server.Shutdown(ctx)
	})
	return stopErr
}

// errorLogger adapts Logger to promhttp.Logger.
type errorLogger struct {
	logger observability.Logger
}

// Println implements promhttp.Logger.
func (l *errorLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}
