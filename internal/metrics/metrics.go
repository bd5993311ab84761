// Package metrics exposes the agent's own health and resource gauges
// over Prometheus's text format, plus /healthz and /readyz probes for
// an orchestrator or init system to watch.
//
// Grounded on cuemby-warren/pkg/metrics/metrics.go's
// declare-gauges-then-serve-promhttp shape. Not part of spec.md or the
// original Python agent — carried as ambient stack per SPEC_FULL.md §9.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CPUPercent is the most recent CPU utilization sample.
	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splight_agent",
		Name:      "cpu_percent",
		Help:      "Most recent CPU utilization percentage sampled by the usage reporter.",
	})

	// MemoryPercent is the most recent memory utilization sample.
	MemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splight_agent",
		Name:      "memory_percent",
		Help:      "Most recent memory utilization percentage sampled by the usage reporter.",
	})

	// DiskPercent is the most recent disk utilization sample.
	DiskPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splight_agent",
		Name:      "disk_percent",
		Help:      "Most recent disk utilization percentage sampled by the usage reporter.",
	})

	// LatencyMillis is the most recent control-plane round-trip sample.
	LatencyMillis = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splight_agent",
		Name:      "latency_milliseconds",
		Help:      "Most recent control plane round-trip latency in milliseconds.",
	})
)

// Server serves /metrics, /healthz and /readyz on a loopback address.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics Server bound to addr (e.g. "127.0.0.1:8080").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

const shutdownTimeout = 5_000_000_000 // 5s, in nanoseconds per time.Duration
