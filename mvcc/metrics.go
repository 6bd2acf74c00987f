package mvcc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rangeCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dswatch",
			Subsystem: "mvcc",
			Name:      "range_total",
			Help:      "Total number of gets and ranges seen by this server.",
		})

	putCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dswatch",
			Subsystem: "mvcc",
			Name:      "put_total",
			Help:      "Total number of puts seen by this server.",
		})

	deleteCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dswatch",
			Subsystem: "mvcc",
			Name:      "delete_total",
			Help:      "Total number of deletes seen by this server.",
		})

	keysGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dswatch",
			Subsystem: "mvcc",
			Name:      "keys_total",
			Help:      "Total number of keys.",
		})

	notifyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dswatch",
			Subsystem: "mvcc",
			Name:      "watch_notify_total",
			Help:      "Total number of watchers notified by writes, including stale registrations.",
		})

	// overridden by mvcc initialization
	reportDbTotalSizeInBytesMu sync.RWMutex
	reportDbTotalSizeInBytes   = func() float64 { return 0 }

	dbTotalSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dswatch",
		Subsystem: "mvcc",
		Name:      "db_total_size_in_bytes",
		Help:      "Total size of the underlying database physically allocated in bytes.",
	}, func() float64 {
		reportDbTotalSizeInBytesMu.RLock()
		defer reportDbTotalSizeInBytesMu.RUnlock()
		return reportDbTotalSizeInBytes()
	})

	// overridden by mvcc initialization
	reportCurrentRevMu sync.RWMutex
	reportCurrentRev   = func() float64 { return 0 }
	currentRev         = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dswatch",
		Subsystem: "mvcc",
		Name:      "current_revision",
		Help:      "The current revision of store.",
	}, func() float64 {
		reportCurrentRevMu.RLock()
		defer reportCurrentRevMu.RUnlock()
		return reportCurrentRev()
	})

	totalPutSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dswatch",
			Subsystem: "mvcc",
			Name:      "total_put_size_in_bytes",
			Help:      "The total size of put kv pairs seen by this server.",
		})
)

func init() {
	prometheus.MustRegister(rangeCounter)
	prometheus.MustRegister(putCounter)
	prometheus.MustRegister(deleteCounter)
	prometheus.MustRegister(keysGauge)
	prometheus.MustRegister(notifyCounter)

	prometheus.MustRegister(dbTotalSize)
	prometheus.MustRegister(currentRev)

	prometheus.MustRegister(totalPutSizeGauge)
}
