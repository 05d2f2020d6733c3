package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Directory metrics
	DirectoryActorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_directory_actors_total",
			Help: "Total number of actors known in the local directory, by realm and category",
		},
		[]string{"realm", "category"},
	)

	DirectoryTombstonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_directory_tombstones_total",
			Help: "Total number of tombstones awaiting culling",
		},
	)

	// Cluster membership metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_peers_total",
			Help: "Total number of known peer nodes, by status",
		},
		[]string{"status"},
	)

	// Instance supervision metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_instances_total",
			Help: "Total number of supervised worker-instance processes, by kind",
		},
		[]string{"kind"},
	)

	FreePortsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_free_ports_total",
			Help: "Number of unallocated ports remaining in the configured port range",
		},
	)

	ActorsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_actors_started_total",
			Help: "Total number of start_actor requests, by outcome",
		},
		[]string{"outcome"},
	)

	ActorsKilledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_actors_killed_total",
			Help: "Total number of kill_actor requests, by outcome",
		},
		[]string{"outcome"},
	)

	// Ops dispatcher metrics
	OpsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_ops_requests_total",
			Help: "Total number of ops requests received, by op and status",
		},
		[]string{"op", "status"},
	)

	OpsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_ops_request_duration_seconds",
			Help:    "Ops request duration in seconds, by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Sync loop metrics
	DirectorySyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hive_directory_sync_duration_seconds",
			Help:    "Time taken for one directory pull-sync round in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DirectoryPushTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_directory_push_total",
			Help: "Total number of coalesced directory push rounds sent to peers",
		},
	)
)

func init() {
	prometheus.MustRegister(DirectoryActorsTotal)
	prometheus.MustRegister(DirectoryTombstonesTotal)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(FreePortsTotal)
	prometheus.MustRegister(ActorsStartedTotal)
	prometheus.MustRegister(ActorsKilledTotal)
	prometheus.MustRegister(OpsRequestsTotal)
	prometheus.MustRegister(OpsRequestDuration)
	prometheus.MustRegister(DirectorySyncDuration)
	prometheus.MustRegister(DirectoryPushTotal)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
