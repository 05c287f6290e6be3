// File: internal/control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Metrics generalizes control/metrics.go's in-memory MetricsRegistry
// (a thread-safe map[string]any snapshot) into a Prometheus collector:
// the same "set a named value, read a snapshot" shape, but backed by
// real gauges registered on a private *prometheus.Registry so
// internal/coreserver's /metrics route can render the standard text
// exposition format instead of a bespoke JSON dump.

package control

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics tracks the reactor-wide gauges SPEC_FULL.md's DOMAIN STACK
// table calls out: active connections, in-flight executor tasks, and
// in-flight outbound HTTP client calls.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	executorTasks     prometheus.Gauge
	httpClientCalls   prometheus.Gauge
}

// NewMetrics builds a fresh, privately-owned registry -- this module
// never reaches into prometheus.DefaultRegisterer, so multiple Server
// instances (e.g. one per test) never collide on metric names.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enclavehttp_active_connections",
			Help: "Number of currently open, TLS-terminated connections.",
		}),
		executorTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enclavehttp_executor_tasks_in_flight",
			Help: "Number of executor reactor tasks awaiting completion.",
		}),
		httpClientCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enclavehttp_http_client_calls_in_flight",
			Help: "Number of outbound HTTP client reactor calls awaiting completion.",
		}),
	}
	m.registry.MustRegister(m.activeConnections, m.executorTasks, m.httpClientCalls)
	return m
}

// SetActiveConnections records the current connection-registry size.
func (m *Metrics) SetActiveConnections(n int) { m.activeConnections.Set(float64(n)) }

// SetExecutorTasks records the current executor in-flight task count.
func (m *Metrics) SetExecutorTasks(n int) { m.executorTasks.Set(float64(n)) }

// SetHTTPClientCalls records the current outbound call in-flight count.
func (m *Metrics) SetHTTPClientCalls(n int) { m.httpClientCalls.Set(float64(n)) }

// Render gathers every registered metric family and encodes it in the
// Prometheus text exposition format, for internal/coreserver's
// /metrics handler to write as a response body.
func (m *Metrics) Render() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
