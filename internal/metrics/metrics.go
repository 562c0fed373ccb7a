// Package metrics holds the process-wide Prometheus registry for the
// execution core. One Metrics value is created at startup and threaded
// through the subsystems; tests pass their own registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the execution core.
type Metrics struct {
	// Run lifecycle
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec

	// Proxy lifecycle
	ProxyAcquires    *prometheus.CounterVec
	ProxyLive        prometheus.Gauge
	ProxySweepOrphan prometheus.Counter

	// Gateway
	GatewayReconnects  prometheus.Counter
	GatewayForeignDrop prometheus.Counter

	// Billing ingest
	IngestResults  *prometheus.CounterVec
	CreditsCharged prometheus.Counter
}

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_runs_started_total",
				Help: "Runs accepted by the graph provider",
			},
			[]string{"mode"}, // mode: ephemeral, gateway
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_runs_finished_total",
				Help: "Runs reaching a terminal event",
			},
			[]string{"mode", "outcome"}, // outcome: final or an error kind
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_run_duration_seconds",
				Help:    "Wall-clock duration from accept to terminal event",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		ProxyAcquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_proxy_acquires_total",
				Help: "ProxyManager Acquire calls",
			},
			[]string{"result"}, // result: ok, duplicate_run, proxy_start_failed
		),
		ProxyLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_proxy_live",
				Help: "Currently live per-run proxy instances",
			},
		),
		ProxySweepOrphan: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentcore_proxy_sweep_orphans_total",
				Help: "Orphaned proxy containers removed by the sweeper",
			},
		),
		GatewayReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentcore_gateway_reconnects_total",
				Help: "WebSocket reconnect attempts to the agent gateway",
			},
		),
		GatewayForeignDrop: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentcore_gateway_foreign_frames_dropped_total",
				Help: "Gateway frames discarded because no local session matched",
			},
		),
		IngestResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_billing_ingest_total",
				Help: "Billing ingest callback outcomes",
			},
			[]string{"result"}, // result: inserted, duplicate, invalid, auth_failed, db_error
		),
		CreditsCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentcore_billing_credits_charged_total",
				Help: "Credits charged across all inserted receipts",
			},
		),
	}
}

// NewTestMetrics creates a Metrics on a private registry, for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
