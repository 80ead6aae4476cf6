// Package metrics exposes the engine's Prometheus collectors: buffer pool
// hit/miss/eviction counts, journal fsync latency, checkpoint cadence, and
// transaction commit/rollback/retry counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the engine registers, so a caller can
// wire them all into one prometheus.Registerer at Open time.
type Registry struct {
	BufferHits      prometheus.Counter
	BufferMisses    prometheus.Counter
	BufferEvictions prometheus.Counter
	BufferResident  prometheus.Gauge

	JournalFsyncSeconds prometheus.Histogram
	JournalBytesWritten prometheus.Counter
	CheckpointsTotal    prometheus.Counter
	CopybackReclaimed   prometheus.Counter

	TxnCommits   prometheus.Counter
	TxnRollbacks prometheus.Counter
	TxnConflicts prometheus.Counter
	TxnRetries   prometheus.Histogram
}

// New constructs a Registry with every collector under the "lattice"
// namespace, grouped into the bufferpool, journal and mvcc subsystems.
func New() *Registry {
	return &Registry{
		BufferHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "bufferpool", Name: "hits_total",
			Help: "Pin calls satisfied by an already-resident frame.",
		}),
		BufferMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "bufferpool", Name: "misses_total",
			Help: "Pin calls that required a page fetch.",
		}),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "bufferpool", Name: "evictions_total",
			Help: "Frames reclaimed by the clock eviction sweep.",
		}),
		BufferResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lattice", Subsystem: "bufferpool", Name: "resident_frames",
			Help: "Frames currently resident in the pool.",
		}),
		JournalFsyncSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lattice", Subsystem: "journal", Name: "fsync_seconds",
			Help:    "Latency of journal fsync calls, including group-commit waits.",
			Buckets: prometheus.DefBuckets,
		}),
		JournalBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "journal", Name: "bytes_written_total",
			Help: "Bytes appended to the journal across all generations.",
		}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "journal", Name: "checkpoints_total",
			Help: "Checkpoint records written.",
		}),
		CopybackReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "journal", Name: "copyback_generations_reclaimed_total",
			Help: "Journal generations removed by copy-back reclaim.",
		}),
		TxnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "mvcc", Name: "commits_total",
			Help: "Transactions that committed successfully.",
		}),
		TxnRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "mvcc", Name: "rollbacks_total",
			Help: "Transactions explicitly rolled back.",
		}),
		TxnConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice", Subsystem: "mvcc", Name: "conflicts_total",
			Help: "Commit attempts rejected by first-committer-wins conflict detection.",
		}),
		TxnRetries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lattice", Subsystem: "mvcc", Name: "retry_attempts",
			Help:    "Attempts taken by Manager.Run before a transaction body committed.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration error the way prometheus's own MustRegister
// does — intended for use once at Engine construction time.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.BufferHits, r.BufferMisses, r.BufferEvictions, r.BufferResident,
		r.JournalFsyncSeconds, r.JournalBytesWritten, r.CheckpointsTotal, r.CopybackReclaimed,
		r.TxnCommits, r.TxnRollbacks, r.TxnConflicts, r.TxnRetries,
	)
}
