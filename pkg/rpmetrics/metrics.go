// Package rpmetrics exposes Prometheus metrics for the fabric, supervisor
// and pipeline, trimmed from pkg/metrics/metrics.go's node/service/raft
// gauges down to the concerns this core actually owns.
package rpmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UnitsByState counts in-flight units per canonical state.
	UnitsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "radical_pilot_units_by_state",
		Help: "Number of units currently in each canonical state.",
	}, []string{"state"})

	// QueueDepth tracks the internal buffer occupancy of each Queue bridge.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "radical_pilot_queue_depth",
		Help: "Current number of buffered messages in a queue bridge.",
	}, []string{"queue"})

	// QueueDrops counts lossy drop-oldest events (Scenario E).
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radical_pilot_queue_drops_total",
		Help: "Total messages dropped by a lossy queue bridge.",
	}, []string{"queue"})

	// HeartbeatLatency observes the interval between heartbeat publishes.
	HeartbeatLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radical_pilot_heartbeat_latency_seconds",
		Help:    "Observed interval between successive heartbeat publishes.",
		Buckets: prometheus.DefBuckets,
	}, []string{"heart"})

	// TerminationDuration observes how long Controller.Stop took end to end.
	TerminationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radical_pilot_termination_duration_seconds",
		Help:    "Duration of the cascaded termination sequence.",
		Buckets: prometheus.DefBuckets,
	}, []string{"owner"})

	// StagingDuration observes staging directive processing time.
	StagingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radical_pilot_staging_duration_seconds",
		Help:    "Duration of one staging directive batch.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

// Timer observes elapsed time into a histogram on Stop, mirroring
// pkg/reconciler/reconciler.go's metrics.NewTimer() usage.
type Timer struct {
	start time.Time
	obs   prometheus.Observer
}

func NewTimer(obs prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), obs: obs}
}

func (t *Timer) ObserveDuration() {
	t.obs.Observe(time.Since(t.start).Seconds())
}
