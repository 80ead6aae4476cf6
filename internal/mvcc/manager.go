package mvcc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Manager is the Transaction Manager: a global commit counter, the set of
// in-flight snapshots, and the per-key version chains every Txn reads
// through and commits into.
type Manager struct {
	mu sync.Mutex

	commitCounter uint64
	nextTxnID     uint64
	active        map[uint64]*Txn
	values        map[string]chain

	log zerolog.Logger

	pruneInterval time.Duration
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		active:        make(map[uint64]*Txn),
		values:        make(map[string]chain),
		log:           log.With().Str("component", "mvcc").Logger(),
		pruneInterval: time.Second,
	}
}

// Begin opens a new snapshot-isolated transaction reading as of the
// current commit counter.
func (m *Manager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxnID++
	tx := newTxn(m.nextTxnID, m.commitCounter)
	m.active[tx.ID] = tx
	return tx
}

// readAt resolves key against the version chain as of snapshotTS. tracked
// reports whether the key has any chain entries at all — false means
// nothing has touched this key since the Manager started (pruning always
// keeps at least one version, so it never untracks a key), so a caller falling back to older storage below the mvcc layer knows it
// is safe to trust that storage as-is. visible is only meaningful when
// tracked is true: it is false when every chain entry postdates
// snapshotTS, meaning the key's current chain content was produced by a
// commit this snapshot must not see.
func (m *Manager) readAt(key string, snapshotTS uint64) (v Version, tracked, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, tracked := m.values[key]
	if !tracked || len(c) == 0 {
		return Version{}, false, false
	}
	v, visible = c.visibleAt(snapshotTS)
	return v, true, visible
}

// Commit validates tx's read set against concurrent commits and, if clean,
// applies its write set under a freshly assigned commit timestamp. journal
// is called with tx and the assigned commit timestamp before the writes
// become visible, so the caller can make the commit durable first; a
// non-nil error from journal aborts the commit as if it had conflicted.
func (m *Manager) Commit(tx *Txn, journal func(tx *Txn, commitTS uint64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Status != StatusActive {
		return apperrors.InvariantViolationError("commit of non-active transaction %d", tx.ID)
	}

	if key, conflicted := m.conflicts(tx); conflicted {
		tx.Status = StatusAborted
		delete(m.active, tx.ID)
		return apperrors.ConflictError("transaction %d: key %q changed since read (read %d, now %d)", tx.ID, key, tx.readSet[key], m.values[key].latestCommitTS())
	}

	commitTS := m.commitCounter + 1
	if journal != nil {
		if err := journal(tx, commitTS); err != nil {
			tx.Status = StatusAborted
			delete(m.active, tx.ID)
			return err
		}
	}

	for key, w := range tx.writeSet {
		m.values[key] = append(m.values[key], Version{CommitTS: commitTS, Payload: w.payload, Deleted: w.deleted})
	}
	m.commitCounter = commitTS
	tx.Status = StatusCommitted
	delete(m.active, tx.ID)
	return nil
}

func (m *Manager) Rollback(tx *Txn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.Status == StatusActive {
		tx.Status = StatusAborted
	}
	delete(m.active, tx.ID)
}

// oldestActiveSnapshot returns the lowest SnapshotTS among in-flight
// transactions, or the current commit counter if none are active: no
// version newer than this floor may be pruned.
func (m *Manager) oldestActiveSnapshot() uint64 {
	floor := m.commitCounter
	for _, tx := range m.active {
		if tx.SnapshotTS < floor {
			floor = tx.SnapshotTS
		}
	}
	return floor
}

// prune drops version-chain entries no active or future snapshot can
// still observe.
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	floor := m.oldestActiveSnapshot()
	for key, c := range m.values {
		pruned := c.prunedBefore(floor)
		if len(pruned) != len(c) {
			m.values[key] = pruned
		}
	}
}

// StartPruning launches the background pruning sweep, stopping when ctx is
// canceled. Intended to be launched under an errgroup.Group alongside the
// engine's checkpoint and journal copy-back goroutines.
func (m *Manager) StartPruning(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		ticker := time.NewTicker(m.pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.prune()
			}
		}
	})
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) CommitCounter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitCounter
}
