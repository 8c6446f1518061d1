// Observability middleware and HTTP server for metrics and profiling
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/nainya/chatrelay/internal/logger"
	"github.com/nainya/chatrelay/internal/metrics"
)

// PeerMetricsInterceptor creates a gRPC interceptor for metrics and logging of peer requests
func PeerMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		m.PeerRequestsInFlight.Inc()
		defer m.PeerRequestsInFlight.Dec()

		// Call the handler
		resp, err := handler(ctx, req)

		// Record metrics
		duration := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
		}

		m.RecordPeerRequest(info.FullMethod, status, duration)

		source := "unknown"
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(NodeHeader); len(vals) > 0 {
				source = vals[0]
			}
		}
		log.LogPeerRequest(info.FullMethod, source, duration, err)

		return resp, err
	}
}

// ObservabilityServer provides HTTP endpoints for metrics and profiling
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
}

// ReadyFunc reports whether the relay is accepting work
type ReadyFunc func() bool

// NewObservabilityServer creates the metrics, health and pprof server. /ready
// answers 503 until ready returns true; a nil ready is always ready.
func NewObservabilityServer(addr string, gatherer prometheus.Gatherer, ready ReadyFunc, log *logger.Logger) *ObservabilityServer {
	if ready == nil {
		ready = func() bool { return true }
	}
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Liveness only: the process is up
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, `{"status":"healthy","service":"chatrelay"}`)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			writeStatus(w, http.StatusServiceUnavailable, `{"status":"relay loop not running"}`)
			return
		}
		writeStatus(w, http.StatusOK, `{"status":"ready"}`)
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &ObservabilityServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log,
	}
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

// Start serves until Shutdown is called
func (o *ObservabilityServer) Start() error {
	o.log.Info("observability listening").
		Str("addr", o.server.Addr).
		Strs("routes", []string{"/metrics", "/health", "/ready", "/debug/pprof/"}).
		Send()

	if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability server failed: %w", err)
	}
	return nil
}

// Handler exposes the observability routes, mainly for tests
func (o *ObservabilityServer) Handler() http.Handler {
	return o.server.Handler
}

// Shutdown gracefully shuts down the observability server
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("Shutting down observability server").Send()
	return o.server.Shutdown(ctx)
}
