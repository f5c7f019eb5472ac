// Package metrics holds the Prometheus collectors shared by the lock
// manager and the batch-atomic backend, wired the way
// GoogleCloudPlatform/gcsfuse and marmos91/dittofs register storage-layer
// counters and histograms against the default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockWaitSeconds observes how long a Handle.Lock call spent
	// suspended on the advisory lock primitive, labeled by the target
	// level it was climbing toward.
	LockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webvfs",
			Subsystem: "lockmgr",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a lock level.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	// LockTimeouts counts lock acquisitions that gave up and reported
	// BUSY or BUSY_TIMEOUT, labeled by the level being acquired.
	LockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webvfs",
			Subsystem: "lockmgr",
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions that gave up with BUSY or BUSY_TIMEOUT.",
		},
		[]string{"level"},
	)

	// TxRetries counts coalescer transactions retried after a
	// retryable conflict.
	TxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webvfs",
			Subsystem: "idbvfs",
			Name:      "tx_retries_total",
			Help:      "Coalesced transactions retried after a conflict.",
		},
	)

	// PurgedVersions counts obsolete block versions removed by bounded
	// garbage collection.
	PurgedVersions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webvfs",
			Subsystem: "idbvfs",
			Name:      "purged_versions_total",
			Help:      "Obsolete block versions removed during purge.",
		},
	)
)

func init() {
	prometheus.MustRegister(LockWaitSeconds, LockTimeouts, TxRetries, PurgedVersions)
}
