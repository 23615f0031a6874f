// Package metrics declares this daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workshop queue

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workshop",
		Name:      "queue_depth",
		Help:      "Pending jobs observed by the most recent select, by partition.",
	}, []string{"partition"})

	ClaimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workshop",
		Name:      "claim_latency_seconds",
		Help:      "Round-trip duration of the claim UPDATE.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	ClaimLostRaceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "claim_lost_race_total",
		Help:      "Claim attempts that lost the race to another node.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by exit outcome.",
	}, []string{"plan", "outcome"})

	// Operators / workplace

	OperatorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workshop",
		Name:      "operator_duration_seconds",
		Help:      "Wall-clock duration of one operator run.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"plan"})

	OperatorsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workshop",
		Name:      "operators_running",
		Help:      "Operators currently running in this partition's workplace.",
	})

	ConcurrencyRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "concurrency_rejected_total",
		Help:      "Jobs excluded from selection because their plan's concurrency limit was saturated.",
	}, []string{"plan"})

	RateLimitRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "rate_limit_rejected_total",
		Help:      "Jobs excluded from selection because their plan's rate limiter was tripped.",
	}, []string{"plan"})

	// Cron

	CronDispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workshop",
		Name:      "cron_dispatch_latency_seconds",
		Help:      "Time from a cron job's next_run to its actual dispatch.",
		Buckets:   []float64{.5, 1, 5, 10, 30, 60, 120, 300},
	})

	StickyRoutingDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "sticky_routing_decisions_total",
		Help:      "Rendezvous-hash routing outcomes for sticky cron jobs.",
	}, []string{"decision"})

	// Control channel / control protocol

	ControlChannelCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "control_channel_commands_total",
		Help:      "Control-channel RPC datagrams received from running children, by verb.",
	}, []string{"verb"})

	ControlCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "control_commands_total",
		Help:      "Administrative control-protocol datagrams received, by command.",
	}, []string{"command", "outcome"})

	// Lifecycle

	InstanceStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workshop",
		Name:      "instance_start_time_seconds",
		Help:      "Unix timestamp when this instance started.",
	})

	// Admin API

	AdminHTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workshop",
		Name:      "admin_http_request_duration_seconds",
		Help:      "Admin API request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	AdminHTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workshop",
		Name:      "admin_http_requests_total",
		Help:      "Total admin API requests.",
	}, []string{"method", "path", "status"})
)

// Register adds every collector to the default registry. Called once
// from main before the metrics server starts listening.
func Register() {
	prometheus.MustRegister(
		QueueDepth,
		ClaimLatency,
		ClaimLostRaceTotal,
		JobsCompletedTotal,
		OperatorDuration,
		OperatorsRunning,
		ConcurrencyRejectedTotal,
		RateLimitRejectedTotal,
		CronDispatchLatency,
		StickyRoutingDecisionsTotal,
		ControlChannelCommandsTotal,
		ControlCommandsTotal,
		InstanceStartTime,
		AdminHTTPRequestDuration,
		AdminHTTPRequestsTotal,
	)
}

// NewServer builds the standalone /metrics HTTP server.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
