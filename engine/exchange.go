package engine

import (
	"bytes"

	"github.com/latticekv/lattice/internal/accum"
	"github.com/latticekv/lattice/internal/btree"
	"github.com/latticekv/lattice/internal/mvcc"
	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Exchange is the engine's access handle: a mutable key buffer, a mutable
// value buffer, a tree reference, and an (implicit or explicit)
// transaction, per spec.md §4.7. All point and range operations read and
// write through whichever transaction currently owns the Exchange.
type Exchange struct {
	eng  *Engine
	tree *Tree

	key   btree.KeyBuilder
	value []byte

	tx *mvcc.Txn

	it      *btree.Iterator
	itValid bool
	// scanTx is the throwaway read-only snapshot a range scan begins for
	// itself when no explicit transaction is bound, so every key the scan
	// visits is filtered through one fixed snapshot instead of whatever is
	// currently committed at the moment each key happens to be visited.
	// Rolled back once the scan runs off the end of the range.
	scanTx *mvcc.Txn
}

func newExchange(eng *Engine, tree *Tree) *Exchange {
	return &Exchange{eng: eng, tree: tree}
}

// --- key building ---

func (x *Exchange) Clear() *Exchange {
	x.key.Reset()
	return x
}

func (x *Exchange) Append(segment any) *Exchange {
	appendSegment(&x.key, segment)
	return x
}

func (x *Exchange) Cut(n int) *Exchange {
	x.key.Cut(n)
	return x
}

func (x *Exchange) Reset() *Exchange {
	x.key.Reset()
	x.value = nil
	return x
}

func (x *Exchange) To(segment any) *Exchange {
	x.key.Reset()
	appendSegment(&x.key, segment)
	return x
}

func appendSegment(b *btree.KeyBuilder, segment any) {
	switch v := segment.(type) {
	case string:
		b.AppendString(v)
	case []byte:
		b.AppendBytes(v)
	case int:
		b.AppendInt64(int64(v))
	case int64:
		b.AppendInt64(v)
	case uint64:
		b.AppendUint64(v)
	default:
		panic(apperrors.InvariantViolationError("unsupported key segment type %T", segment))
	}
}

// --- value access ---

func (x *Exchange) GetValue() []byte   { return x.value }
func (x *Exchange) SetValue(v []byte) { x.value = v }

// --- transaction plumbing ---

// withTxn runs fn against either the Exchange's explicit transaction, or
// a fresh auto-commit transaction that is begun and committed around fn
// when no explicit transaction is active.
func (x *Exchange) withTxn(fn func(tx *mvcc.Txn) error) error {
	if x.tx != nil {
		return fn(x.tx)
	}
	return x.eng.mgr(x.tree).Run(mvcc.DefaultRetryPolicy(), fn, x.journalFunc())
}

func (x *Exchange) journalFunc() func(tx *mvcc.Txn, commitTS uint64) error {
	return func(tx *mvcc.Txn, commitTS uint64) error {
		return x.eng.applyCommit(x.tree, tx, commitTS)
	}
}

// --- point operations ---

func (x *Exchange) Store() error {
	key := string(x.key.Bytes())
	val := append([]byte(nil), x.value...)
	return x.withTxn(func(tx *mvcc.Txn) error {
		tx.Put(key, val)
		return nil
	})
}

func (x *Exchange) Fetch() (bool, error) {
	key := string(x.key.Bytes())
	var found bool
	var val []byte
	err := x.readTxn(func(tx *mvcc.Txn) {
		// Resolve applies this transaction's own writes first, then the
		// version chain as of the snapshot; the durable tree only answers
		// for keys the mvcc layer has no chain for (data committed before
		// this Manager started).
		durable, ok, ferr := x.tree.bt.Get(x.key.Bytes())
		if ferr != nil {
			ok = false
		}
		val, found = tx.Resolve(x.eng.mgr(x.tree), key, durable, ok)
	})
	if err != nil {
		return false, err
	}
	x.value = val
	return found, nil
}

func (x *Exchange) Exists() (bool, error) {
	return x.Fetch()
}

func (x *Exchange) FetchAndRemove() (bool, error) {
	found, err := x.Fetch()
	if err != nil || !found {
		return found, err
	}
	if err := x.Remove(); err != nil {
		return false, err
	}
	return true, nil
}

func (x *Exchange) Remove() error {
	key := string(x.key.Bytes())
	return x.withTxn(func(tx *mvcc.Txn) error {
		tx.Delete(key)
		return nil
	})
}

// readTxn runs fn against the explicit transaction's snapshot if one is
// active, else a throwaway snapshot transaction that is rolled back
// (reads never need to commit).
func (x *Exchange) readTxn(fn func(tx *mvcc.Txn)) error {
	if x.tx != nil {
		fn(x.tx)
		return nil
	}
	tx := x.eng.mgr(x.tree).Begin()
	fn(tx)
	x.eng.mgr(x.tree).Rollback(tx)
	return nil
}

// --- range operations ---

// scanSnapshot returns the transaction whose snapshot a range scan should
// be bound to: the Exchange's explicit transaction if one is bound,
// otherwise a throwaway read-only transaction begun the first time the
// scan moves and rolled back once the scan is exhausted.
func (x *Exchange) scanSnapshot() *mvcc.Txn {
	if x.tx != nil {
		return x.tx
	}
	if x.scanTx == nil {
		x.scanTx = x.eng.mgr(x.tree).Begin()
	}
	return x.scanTx
}

func (x *Exchange) endScan() {
	if x.scanTx != nil {
		x.eng.mgr(x.tree).Rollback(x.scanTx)
		x.scanTx = nil
	}
}

func (x *Exchange) ensureIterator() {
	if x.it == nil {
		x.it = btree.NewIterator(x.tree.bt)
	}
}

// Next advances to the next key visible to this Exchange's transaction
// snapshot, skipping durable entries the mvcc version chain says were
// inserted, updated, or deleted by a commit after that snapshot was taken
// — so a scan spanning several calls never picks up a non-repeatable read
// from a transaction that commits mid-traversal. deep is accepted for API
// parity with spec.md's next(deep?) but this tree has no nested
// containers to recurse into, so it has no effect.
func (x *Exchange) Next(deep bool) (bool, error) {
	x.ensureIterator()
	seeking := !x.itValid
	x.itValid = true
	return x.advance(+1, seeking)
}

func (x *Exchange) Previous(deep bool) (bool, error) {
	x.ensureIterator()
	seeking := !x.itValid
	x.itValid = true
	return x.advance(-1, seeking)
}

// advance moves the iterator one step at a time in direction dir (seeking
// to x.key first when seeking is set), skipping any key this Exchange's
// snapshot cannot see, until it lands on a visible key or runs off the end
// of the tree.
func (x *Exchange) advance(dir int, seeking bool) (bool, error) {
	tx := x.scanSnapshot()
	mgr := x.eng.mgr(x.tree)
	for {
		if seeking {
			if err := x.it.Seek(x.key.Bytes()); err != nil {
				return false, err
			}
			seeking = false
		} else {
			var err error
			if dir > 0 {
				err = x.it.Next()
			} else {
				err = x.it.Prev()
			}
			if err != nil {
				return false, err
			}
		}
		if !x.it.Valid() {
			x.endScan()
			return false, nil
		}
		k, ok := x.it.Key()
		if !ok {
			x.endScan()
			return false, nil
		}
		if len(k) == 0 {
			// The root leaf's leading empty-key sentinel is not a stored key.
			continue
		}
		durableVal, err := x.it.Value()
		if err != nil {
			return false, err
		}
		val, found := tx.Resolve(mgr, string(k), durableVal, true)
		if !found {
			continue
		}
		x.key.Reset()
		x.key.AppendBytes(k)
		x.value = val
		return true, nil
	}
}

// RemoveRange buffers a delete for every key in [lo, hi) visible to this
// Exchange's transaction into that transaction's write set — the same
// path Store/Remove use — so the range delete is journaled with the rest
// of the transaction's effects and rolled back along with it rather than
// permanently mutating durable storage outside the transaction boundary.
func (x *Exchange) RemoveRange(hi []byte) (int, error) {
	lo := append([]byte(nil), x.key.Bytes()...)
	upper := append([]byte(nil), hi...)
	count := 0
	err := x.withTxn(func(tx *mvcc.Txn) error {
		mgr := x.eng.mgr(x.tree)
		it := btree.NewIterator(x.tree.bt)
		if err := it.Seek(lo); err != nil {
			return err
		}
		for it.Valid() {
			k, ok := it.Key()
			if !ok || bytes.Compare(k, upper) >= 0 {
				break
			}
			key := string(k)
			durableVal, verr := it.Value()
			if verr != nil {
				return verr
			}
			if _, found := tx.Resolve(mgr, key, durableVal, true); found {
				tx.Delete(key)
				count++
			}
			if err := it.Next(); err != nil {
				return err
			}
		}
		// Keys this same transaction has already inserted but not yet
		// made durable never surface from the iterator above; pick those
		// up separately so a RemoveRange that follows a Store in the same
		// transaction still removes them.
		loStr, hiStr := string(lo), string(upper)
		for key, w := range tx.Writes() {
			if w.Deleted || key < loStr || key >= hiStr {
				continue
			}
			tx.Delete(key)
			count++
		}
		return nil
	})
	return count, err
}

// --- accumulators ---

// DefineAccumulator declares slot's kind the first time it is used on
// this tree; later calls validate the kind matches.
func (x *Exchange) DefineAccumulator(slot int, kind accum.Kind) error {
	_, err := x.tree.acc.Define(slot, kind)
	return err
}

func (x *Exchange) AccumulatorValue(slot int) (int64, error) {
	a, err := x.tree.acc.Get(slot)
	if err != nil {
		return 0, err
	}
	ts := x.eng.mgr(x.tree).CommitCounter()
	if x.tx != nil && x.tx.Status == mvcc.StatusActive {
		ts = x.tx.SnapshotTS
	}
	return a.ValueAt(ts), nil
}

// AccumulatorAdd buffers a SUM/MIN/MAX contribution into slot, applied
// atomically with the rest of this Exchange's transaction at commit.
func (x *Exchange) AccumulatorAdd(slot int, value int64) error {
	return x.withAccum(func(buf *accum.Buffer) error {
		return buf.Add(slot, value)
	})
}

// AccumulatorAllocate buffers one SEQ allocation and returns its unique
// sequence number; the allocation becomes visible to readers once the
// surrounding transaction commits.
func (x *Exchange) AccumulatorAllocate(slot int) (int64, error) {
	var n int64
	err := x.withAccum(func(buf *accum.Buffer) error {
		var aerr error
		n, aerr = buf.Allocate(slot)
		return aerr
	})
	return n, err
}

// withAccum runs fn against the accumulator buffer of whichever
// transaction owns this Exchange, committing an auto-commit attempt
// around it when no explicit transaction is active — the same contract
// Store/Remove use for key/value writes.
func (x *Exchange) withAccum(fn func(buf *accum.Buffer) error) error {
	if x.tx != nil {
		return fn(x.tree.accumBufferFor(x.tx.ID))
	}
	return x.eng.mgr(x.tree).Run(mvcc.DefaultRetryPolicy(), func(tx *mvcc.Txn) error {
		return fn(x.tree.accumBufferFor(tx.ID))
	}, x.journalFunc())
}
