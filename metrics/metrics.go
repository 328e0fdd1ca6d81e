// Package metrics exposes the Prometheus metrics server and the counters
// recorded by the bootstrap pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the /metrics endpoint in the Prometheus text format.
type MetricsServer struct {
	srv    *http.Server
	prefix string
}

// New creates a metrics server. The name prefixes every metric emitted
// through this package.
func New(name, addr string) (*MetricsServer, error) {
	if name == "" {
		return nil, fmt.Errorf("empty metrics prefix")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		prefix: name,
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// IncStage counts one entry into a pipeline stage.
func IncStage(prefix, stage string) {
	l := fmt.Sprintf(`%s_stage_total{stage="%s"}`, prefix, stage)
	metrics.GetOrCreateCounter(l).Inc()
}

// ObserveStageDuration records how long a pipeline stage took.
func ObserveStageDuration(prefix, stage string, start time.Time) {
	l := fmt.Sprintf(`%s_stage_duration_seconds{stage="%s"}`, prefix, stage)
	metrics.GetOrCreateSummary(l).UpdateDuration(start)
}

// IncOutcome counts a terminal launch outcome.
func IncOutcome(prefix, outcome string) {
	l := fmt.Sprintf(`%s_launch_outcome_total{outcome="%s"}`, prefix, outcome)
	metrics.GetOrCreateCounter(l).Inc()
}

// AddRelayedBytes accounts bytes relayed over a proxy channel.
func AddRelayedBytes(prefix, channel string, n int64) {
	if n <= 0 {
		return
	}
	l := fmt.Sprintf(`%s_relayed_bytes_total{channel="%s"}`, prefix, channel)
	metrics.GetOrCreateCounter(l).Add(int(n))
}

// IncRelayConns counts accepted relay connections per channel.
func IncRelayConns(prefix, channel string) {
	l := fmt.Sprintf(`%s_relay_connections_total{channel="%s"}`, prefix, channel)
	metrics.GetOrCreateCounter(l).Inc()
}

// IncRelayDenied counts dials rejected by the allowlist.
func IncRelayDenied(prefix, channel string) {
	l := fmt.Sprintf(`%s_relay_denied_total{channel="%s"}`, prefix, channel)
	metrics.GetOrCreateCounter(l).Inc()
}
