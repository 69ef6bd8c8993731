// Package metrics exposes Prometheus-format metrics for the storage engine
// and serves them on a dedicated listener.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Engine counters and latency summaries. GetOrCreate keeps registration
// idempotent across engine instances in tests.
var (
	StoreRequests    = metrics.GetOrCreateCounter(`securestore_requests_total{op="store"}`)
	RetrieveRequests = metrics.GetOrCreateCounter(`securestore_requests_total{op="retrieve"}`)
	DeleteRequests   = metrics.GetOrCreateCounter(`securestore_requests_total{op="delete"}`)

	PolicyDenials     = metrics.GetOrCreateCounter(`securestore_policy_denials_total`)
	IntegrityFailures = metrics.GetOrCreateCounter(`securestore_integrity_failures_total`)
	SealingFailures   = metrics.GetOrCreateCounter(`securestore_sealing_failures_total`)
	BackendRetries    = metrics.GetOrCreateCounter(`securestore_backend_retries_total`)

	CacheHits   = metrics.GetOrCreateCounter(`securestore_cache_hits_total`)
	CacheMisses = metrics.GetOrCreateCounter(`securestore_cache_misses_total`)

	StoreLatency    = metrics.GetOrCreateSummary(`securestore_latency_seconds{op="store"}`)
	RetrieveLatency = metrics.GetOrCreateSummary(`securestore_latency_seconds{op="retrieve"}`)

	CompressionSavedBytes = metrics.GetOrCreateCounter(`securestore_compression_saved_bytes_total`)
)

// MetricsServer serves /metrics and /healthz on its own address, kept apart
// from the API listener so scrapes survive API drain.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name and listen address.
func New(name, addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, fmt.Errorf("metrics listen address is empty")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown or a listener error.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
