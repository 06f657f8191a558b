// Package metrics exposes Prometheus gauges and counters for the fleet
// manager: deployments in progress, per-agent update outcomes, auth
// backoff/circuit state, and health-gate failures. Scraped over the
// admin API's /metrics endpoint and optionally also written to a
// textfile collector path via WriteTextfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeploymentsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmgr_deployments_in_progress",
		Help: "Number of deployments currently running.",
	})
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmgr_deployments_total",
		Help: "Total number of deployments started, by final status.",
	}, []string{"status"})
	DeploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetmgr_deployment_duration_seconds",
		Help:    "Duration of completed deployments, start to terminal state.",
		Buckets: prometheus.DefBuckets,
	})

	AgentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmgr_agents_total",
		Help: "Total number of agents in the fleet registry.",
	})
	AgentUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmgr_agent_updates_total",
		Help: "Total number of per-agent update attempts, by outcome.",
	}, []string{"outcome"}) // updated, deferred, failed
	AgentUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetmgr_agent_update_duration_seconds",
		Help:    "Duration of a single per-agent update round trip.",
		Buckets: prometheus.DefBuckets,
	})

	AuthCircuitOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmgr_auth_circuit_open_total",
		Help: "Total number of times an agent's auth circuit breaker tripped open.",
	})
	AuthBackoffActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmgr_auth_backoff_active",
		Help: "Number of agents currently in an authentication backoff period.",
	})

	HealthGateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmgr_health_gate_failures_total",
		Help: "Total number of canary phase health-gate rejections, by reason.",
	}, []string{"reason"})

	ImageChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmgr_image_checks_total",
		Help: "Total number of image-change detection checks, by result.",
	}, []string{"result"}) // changed, unchanged, error

	NotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmgr_notify_failures_total",
		Help: "Total number of notify-backend delivery failures, by backend.",
	}, []string{"backend"})
)
