package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
)

// HTTPServer serves health and metrics.
type HTTPServer struct {
	Server *http.Server
	log    *log.Logger
}

// ReadyFunc reports whether the bridge is serving at least one panel.
type ReadyFunc func() bool

func NewHTTPServer(addr string, registry *prometheus.Registry, ready ReadyFunc, logger *log.Logger) *HTTPServer {
	return &HTTPServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           NewMux(registry, ready),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.With("http"),
	}
}

func NewMux(registry *prometheus.Registry, ready ReadyFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(registry))
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/readyz", ReadyHandler(ready))
	return mux
}

// Start serves in the background until Shutdown is called.
func (s *HTTPServer) Start() {
	go func() {
		s.log.Info("Serving metrics on %s", s.Server.Addr)
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed: %v", err)
		}
	}()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func ReadyHandler(ready ReadyFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
