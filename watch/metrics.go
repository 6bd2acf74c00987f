package watch

import "github.com/prometheus/client_golang/prometheus"

var (
	watcherGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "watchers",
		Help:      "The number of registered watchers.",
	}, []string{"type"})

	watcherDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "delivered_total",
		Help:      "The total number of responses delivered for key changes.",
	})

	watcherExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "expired_total",
		Help:      "The total number of watchers that reached their deadline.",
	})

	watcherDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "duplicate_total",
		Help:      "The total number of rejected duplicate registrations.",
	})

	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "send_failures_total",
		Help:      "The total number of responses the session failed to send.",
	})

	globalVersionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "global_version",
		Help:      "The latest global version applied to the watcher set.",
	})

	sweepSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dswatch",
		Subsystem: "watch",
		Name:      "expiry_sweep_duration_seconds",
		Help:      "The latency distribution of expiry sweeps that expired at least one watcher.",

		// lowest bucket start of upper bound 0.0001 sec (0.1 ms) with factor 2
		// highest bucket start of 0.0001 sec * 2^15 == 3.2768 sec
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
)

func init() {
	prometheus.MustRegister(watcherGauge)
	prometheus.MustRegister(watcherDelivered)
	prometheus.MustRegister(watcherExpired)
	prometheus.MustRegister(watcherDuplicate)
	prometheus.MustRegister(sendFailures)
	prometheus.MustRegister(globalVersionGauge)
	prometheus.MustRegister(sweepSec)
}
