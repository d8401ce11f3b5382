// Package clawmetrics registers the process-wide Prometheus metrics for
// every core subsystem: mesh allocation, service VIPs, the DDoS
// pipeline, the gateway session multiplexer, the autoscaler, and the
// deployment monitor.
package clawmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mesh allocator metrics
	MeshAddressesAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claw_mesh_addresses_allocated",
			Help: "Allocated mesh addresses by region",
		},
		[]string{"region"},
	)

	MeshAllocationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_mesh_allocations_failed_total",
			Help: "Mesh allocation attempts that failed with Exhausted",
		},
		[]string{"region"},
	)

	WorkloadSubnetsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "claw_workload_subnets_allocated",
			Help: "Allocated per-node workload /24 subnets",
		},
	)

	// Service VIP plane metrics
	ServiceVIPsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "claw_service_vips_allocated",
			Help: "Currently allocated service VIPs",
		},
	)

	DNATRulesProgrammed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claw_dnat_rules_programmed",
			Help: "DNAT rules currently programmed by service",
		},
		[]string{"service"},
	)

	// DDoS pipeline metrics
	DDoSDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_ddos_decisions_total",
			Help: "DDoS pipeline decisions by layer and outcome",
		},
		[]string{"layer", "outcome"},
	)

	DDoSBansActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claw_ddos_bans_active",
			Help: "Active blocklist entries by kind",
		},
		[]string{"kind"},
	)

	// Gateway session multiplexer metrics
	GatewaySessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claw_gateway_sessions_active",
			Help: "Active gateway sessions by dialect",
		},
		[]string{"dialect"},
	)

	GatewayBroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "claw_gateway_broadcast_drops_total",
			Help: "Messages dropped at broadcast due to a full session channel",
		},
	)

	GatewayFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_gateway_frames_total",
			Help: "Frames processed by dialect and direction",
		},
		[]string{"dialect", "direction"},
	)

	// Autoscaler / action manager metrics
	AutoscalerEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_autoscaler_evaluations_total",
			Help: "Autoscaler evaluations by recommended direction",
		},
		[]string{"direction"},
	)

	AutoscalerEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claw_autoscaler_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one pool",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_scale_actions_total",
			Help: "Scale actions by lifecycle status",
		},
		[]string{"status"},
	)

	// Deployment monitor / strategy engine metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_deployments_total",
			Help: "Deployment state entries by strategy and state",
		},
		[]string{"strategy", "state"},
	)

	DeploymentRollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_deployment_rollbacks_total",
			Help: "Deployments rolled back, by reason",
		},
		[]string{"reason"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claw_deployment_duration_seconds",
			Help:    "Deployment duration by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	// Marketplace tunnel and attestation metrics
	TunnelAllocationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "claw_tunnel_allocations_active",
			Help: "Currently allocated per-job marketplace tunnels",
		},
	)

	AttestationVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claw_attestation_verifications_total",
			Help: "Attestation verification attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		MeshAddressesAllocated,
		MeshAllocationsFailed,
		WorkloadSubnetsAllocated,
		ServiceVIPsAllocated,
		DNATRulesProgrammed,
		DDoSDecisionsTotal,
		DDoSBansActive,
		GatewaySessionsActive,
		GatewayBroadcastDrops,
		GatewayFramesTotal,
		AutoscalerEvaluationsTotal,
		AutoscalerEvaluationDuration,
		ScaleActionsTotal,
		DeploymentsTotal,
		DeploymentRollbacksTotal,
		DeploymentDuration,
		TunnelAllocationsActive,
		AttestationVerificationsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
