package mvcc

// Status is a transaction's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// Txn is one snapshot-isolated transaction: it reads as of SnapshotTS and
// buffers its writes until Commit, per the optimistic commit contract of
// the transaction manager.
type Txn struct {
	ID         uint64
	SnapshotTS uint64
	Status     Status

	readSet  map[string]uint64 // key -> commit ts observed at read time
	writeSet map[string]write
}

type write struct {
	payload []byte
	deleted bool
}

func newTxn(id, snapshotTS uint64) *Txn {
	return &Txn{
		ID:         id,
		SnapshotTS: snapshotTS,
		Status:     StatusActive,
		readSet:    make(map[string]uint64),
		writeSet:   make(map[string]write),
	}
}

// Get returns key's value as this transaction would see it: its own
// uncommitted write if any, otherwise the snapshot read.
func (tx *Txn) Get(mgr *Manager, key string) ([]byte, bool) {
	if w, ok := tx.writeSet[key]; ok {
		if w.deleted {
			return nil, false
		}
		return w.payload, true
	}
	v, tracked, visible := mgr.readAt(key, tx.SnapshotTS)
	if tracked && visible {
		tx.readSet[key] = v.CommitTS
	}
	if !tracked || !visible || v.Deleted {
		return nil, false
	}
	return v.Payload, true
}

// Resolve is Get's counterpart for a caller already iterating durable
// storage in key order: durableValue/durableFound is whatever the caller's
// underlying store currently holds for key, and Resolve overrides it with
// this transaction's own write or the mvcc version chain when either has an
// opinion. A key absent from both the write set and the chain predates
// anything this Manager tracks, so the durable value passes through
// unchanged — the same fallback Get uses for a single-key lookup.
func (tx *Txn) Resolve(mgr *Manager, key string, durableValue []byte, durableFound bool) ([]byte, bool) {
	if w, ok := tx.writeSet[key]; ok {
		if w.deleted {
			return nil, false
		}
		return w.payload, true
	}
	v, tracked, visible := mgr.readAt(key, tx.SnapshotTS)
	if !tracked {
		return durableValue, durableFound
	}
	if visible {
		tx.readSet[key] = v.CommitTS
	}
	if !visible || v.Deleted {
		return nil, false
	}
	return v.Payload, true
}

// HasWrite reports whether this transaction has already buffered a write
// (put or delete) for key, so a caller falling back to older storage on a
// miss knows not to override the transaction's own pending write.
func (tx *Txn) HasWrite(key string) bool {
	_, ok := tx.writeSet[key]
	return ok
}

func (tx *Txn) Put(key string, val []byte) {
	tx.writeSet[key] = write{payload: val}
}

func (tx *Txn) Delete(key string) {
	tx.writeSet[key] = write{deleted: true}
}

// WriteOp is one buffered write, exported so a caller's journal callback
// (passed to Manager.Commit) can durably apply the transaction's effects
// before they become visible.
type WriteOp struct {
	Payload []byte
	Deleted bool
}

// Writes returns a copy of the transaction's buffered write set.
func (tx *Txn) Writes() map[string]WriteOp {
	out := make(map[string]WriteOp, len(tx.writeSet))
	for k, w := range tx.writeSet {
		out[k] = WriteOp{Payload: w.payload, Deleted: w.deleted}
	}
	return out
}
