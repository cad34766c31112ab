// Package metrics exposes Prometheus metrics and component health for
// the controller.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_nodes_total",
			Help: "Number of nodes by lifecycle state",
		},
		[]string{"state"},
	)

	BootScriptsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_boot_scripts_served_total",
			Help: "Boot scripts served by script kind",
		},
		[]string{"kind"},
	)

	// Clone session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_clone_sessions_total",
			Help: "Clone sessions by status",
		},
		[]string{"status"},
	)

	SessionBytesTransferred = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_clone_session_bytes_transferred",
			Help: "Bytes transferred per active session and role",
		},
		[]string{"session", "role"},
	)

	CertificatesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pureboot_session_certificates_live",
			Help: "Sessions with certificate material in memory",
		},
	)

	// Partition queue metrics
	OperationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_partition_operations_total",
			Help: "Partition operations by status",
		},
		[]string{"status"},
	)

	OperationsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pureboot_partition_operations_recovered_total",
			Help: "Stale in_progress operations returned to pending",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pureboot_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(BootScriptsServed)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionBytesTransferred)
	prometheus.MustRegister(CertificatesLive)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationsRecovered)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
