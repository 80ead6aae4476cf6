// Package engine wires the Page Store, Buffer Pool, Journal, B-Tree
// Index, Transaction Manager, and Accumulators into the Exchange access
// handle spec.md §2 describes: Engine.Open is the single entry point a
// caller uses to get a durable, transactional, multi-tree store.
package engine

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/latticekv/lattice/internal/btree"
	"github.com/latticekv/lattice/internal/bufferpool"
	"github.com/latticekv/lattice/internal/config"
	"github.com/latticekv/lattice/internal/metrics"
	"github.com/latticekv/lattice/internal/mvcc"
	"github.com/latticekv/lattice/internal/pagestore"
	"github.com/latticekv/lattice/internal/wal"
	apperrors "github.com/latticekv/lattice/pkg/errors"
)

const primaryVolumeName = "primary"

// Engine is the top-level handle a caller opens once per database.
type Engine struct {
	mu sync.RWMutex

	cfg config.Options
	log zerolog.Logger
	met *metrics.Registry

	store    *pagestore.Store
	vol      *pagestore.Volume
	pool     *bufferpool.Pool
	journal  *wal.Writer
	copyback *wal.Copyback

	dir   *btree.BTree // tree directory: name -> root page id
	trees map[string]*Tree

	lastHits, lastMisses, lastEvictions float64

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	closed bool
}

// Open opens (or creates, per volume_specification.create_if_missing) the
// volume and journal described by opts, replays the committed transactions
// in the journal tail, and starts the background checkpoint loop, which
// also reclaims journal generations (copy-back).
func Open(opts config.Options, log zerolog.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.VolumeSpecification.CreateIfMissing {
		if _, err := os.Stat(opts.VolumeSpecification.Path); err != nil {
			return nil, apperrors.StorageIoError("volume %q not found and create_if_missing is off", err, opts.VolumeSpecification.Path)
		}
	}

	store := pagestore.NewStore()
	vol, err := store.OpenVolume(primaryVolumeName, opts.VolumeSpecification.Path, opts.PageSize, false)
	if err != nil {
		return nil, err
	}

	log.Info().Str("volume_id", vol.VolumeID().String()).Str("path", opts.VolumeSpecification.Path).Msg("volume opened")

	pool := bufferpool.New(vol, opts.ResolvedBufferCount(), 16)

	journal, err := wal.Open(opts.JournalPath, opts.CommitPolicyResolved())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	e := &Engine{
		cfg:      opts,
		log:      log,
		met:      metrics.New(),
		store:    store,
		vol:      vol,
		pool:     pool,
		journal:  journal,
		copyback: wal.NewCopyback(opts.JournalPath, opts.AppendOnly),
		trees:    make(map[string]*Tree),
		ctx:      gctx,
		cancel:   cancel,
		g:        g,
	}

	get := treeGetFn(pool, vol.PageSize())
	newFn := treeNewFn(vol, pool)
	del := treeDelFn(vol)
	e.dir = btree.NewBTree(vol.PageSize(), get, newFn, del)
	if root := vol.TreeDirRoot(); root != 0 {
		e.dir.SetRoot(root)
	} else {
		root := newFn(btree.NewEmptyLeaf(vol.PageSize()))
		e.dir.SetRoot(root)
		vol.SetTreeDirRoot(root)
	}

	if err := wal.Recover(opts.JournalPath, e.applyRecoveredRecord); err != nil {
		_ = journal.Close()
		_ = store.Close()
		return nil, err
	}

	e.startBackgroundLoops()
	return e, nil
}

func (e *Engine) startBackgroundLoops() {
	e.g.Go(func() error {
		ticker := time.NewTicker(e.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return nil
			case <-ticker.C:
				if err := e.checkpoint(); err != nil {
					e.log.Warn().Err(err).Msg("checkpoint failed")
				}
			}
		}
	})
}

// checkpoint flushes every dirty buffer pool page to the volume, records a
// CHECKPOINT journal record, collapses every tree's accumulator history up
// to the current commit counter (journaling the collapsed base so it
// survives a crash before the next checkpoint), and reclaims journal
// generations the checkpoint makes redundant. Recovery trusts that every
// record at or before the CHECKPOINT record's LSN is already reflected in
// either a durable page or a journaled accumulator base, so the flush and
// the accumulator-checkpoint records must both land before it.
func (e *Engine) checkpoint() error {
	e.mu.RLock()
	trees := make([]*Tree, 0, len(e.trees))
	for _, t := range e.trees {
		trees = append(trees, t)
	}
	e.mu.RUnlock()

	if err := e.pool.FlushAll(); err != nil {
		return err
	}

	for _, t := range trees {
		ts := t.mgr.CommitCounter()
		for slot, snap := range t.acc.CheckpointSnapshot(ts) {
			if _, err := e.journal.Append(wal.Record{
				Type:    wal.RecordAccumulatorCheckpoint,
				Payload: encodeAccumulatorCheckpointPayload(t.name, slot, snap.Kind, ts, snap.BaseVal),
			}); err != nil {
				return err
			}
		}
	}

	lsn, err := e.journal.Append(wal.Record{Type: wal.RecordCheckpoint})
	if err != nil {
		return err
	}
	e.met.CheckpointsTotal.Inc()

	n, err := e.copyback.Reclaim(e.journal.Generation(), lsn)
	if err != nil {
		return err
	}
	if n > 0 {
		e.met.CopybackReclaimed.Add(float64(n))
	}

	e.reportPoolStats()
	return nil
}

// reportPoolStats publishes the buffer pool's cumulative counters as the
// checkpoint loop's cadence for refreshing gauges/counters, rather than
// incrementing metrics from the hot Pin/Unpin path.
func (e *Engine) reportPoolStats() {
	hits, misses, evictions := e.pool.Stats()
	e.met.BufferHits.Add(float64(hits) - e.lastHits)
	e.met.BufferMisses.Add(float64(misses) - e.lastMisses)
	e.met.BufferEvictions.Add(float64(evictions) - e.lastEvictions)
	e.lastHits, e.lastMisses, e.lastEvictions = float64(hits), float64(misses), float64(evictions)
	e.met.BufferResident.Set(float64(e.pool.Resident()))
}

func (e *Engine) mgr(t *Tree) *mvcc.Manager { return t.mgr }

// --- tree directory ---

func (e *Engine) dirLookup(name string) (uint64, bool) {
	v, ok, err := e.dir.Get([]byte(name))
	if err != nil || !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

func (e *Engine) dirPut(name string, root uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, root)
	if err := e.dir.Insert([]byte(name), buf); err != nil {
		return err
	}
	if e.dir.GetRoot() != e.vol.TreeDirRoot() {
		e.vol.SetTreeDirRoot(e.dir.GetRoot())
	}
	return nil
}

func (e *Engine) dirDelete(name string) {
	e.dir.Delete([]byte(name))
	if e.dir.GetRoot() != e.vol.TreeDirRoot() {
		e.vol.SetTreeDirRoot(e.dir.GetRoot())
	}
}

// CreateTree creates a new, empty named tree. It returns ConflictError if
// name already exists.
func (e *Engine) CreateTree(name string) (*Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.dirLookup(name); exists {
		return nil, apperrors.ConflictError("tree %q already exists", name)
	}
	t := newTree(name, e.vol, e.pool, 0, e.log)
	if err := e.dirPut(name, t.RootPage()); err != nil {
		return nil, err
	}
	e.trees[name] = t
	t.mgr.StartPruning(e.ctx, e.g)
	return t, nil
}

// OpenTree returns an already-created named tree, loading its directory
// entry into memory on first use.
func (e *Engine) OpenTree(name string) (*Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openTreeLocked(name)
}

func (e *Engine) openTreeLocked(name string) (*Tree, error) {
	if t, ok := e.trees[name]; ok {
		return t, nil
	}
	root, ok := e.dirLookup(name)
	if !ok {
		return nil, apperrors.InvariantViolationError("tree %q does not exist", name)
	}
	t := newTree(name, e.vol, e.pool, root, e.log)
	e.trees[name] = t
	t.mgr.StartPruning(e.ctx, e.g)
	return t, nil
}

// RemoveTree deletes every key from name's tree and removes it from the
// directory. The tree's root page is freed once empty.
func (e *Engine) RemoveTree(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.openTreeLocked(name)
	if err != nil {
		return err
	}
	it := btree.NewIterator(t.bt)
	if err := it.SeekFirst(); err != nil {
		return err
	}
	for it.Valid() {
		k, ok := it.Key()
		if !ok {
			break
		}
		keyCopy := append([]byte(nil), k...)
		t.bt.Delete(keyCopy)
		// keyCopy is gone now, so re-seeking to it lands on whatever
		// remaining key comes next (or goes invalid when none do).
		if err := it.Seek(keyCopy); err != nil {
			return err
		}
	}
	if err := e.vol.Free(t.RootPage()); err != nil {
		return err
	}
	e.dirDelete(name)
	delete(e.trees, name)
	return nil
}

// TreeNames lists every tree currently registered in the directory.
func (e *Engine) TreeNames() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var names []string
	it := btree.NewIterator(e.dir)
	if err := it.SeekFirst(); err != nil {
		return nil, err
	}
	for it.Valid() {
		k, ok := it.Key()
		if !ok {
			break
		}
		names = append(names, string(k))
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// Exchange opens a new access handle bound to name's tree, operating in
// auto-commit mode until an explicit transaction is attached.
func (e *Engine) Exchange(name string) (*Exchange, error) {
	t, err := e.OpenTree(name)
	if err != nil {
		return nil, err
	}
	return newExchange(e, t), nil
}

// --- transactions ---

// Txn is an explicit, caller-managed transaction spanning one or more
// Exchanges against the same tree.
type Txn struct {
	tree *Tree
	tx   *mvcc.Txn
}

func (e *Engine) Begin(treeName string) (*Txn, error) {
	t, err := e.OpenTree(treeName)
	if err != nil {
		return nil, err
	}
	return &Txn{tree: t, tx: t.mgr.Begin()}, nil
}

// Bind attaches an explicit transaction to x, so its operations buffer
// into the transaction's write set instead of auto-committing.
func (x *Exchange) Bind(tx *Txn) *Exchange {
	x.tx = tx.tx
	return x
}

func (e *Engine) Commit(txn *Txn) error {
	err := txn.tree.mgr.Commit(txn.tx, func(tx *mvcc.Txn, commitTS uint64) error {
		return e.applyCommit(txn.tree, tx, commitTS)
	})
	if apperrors.KindOf(err) == apperrors.Conflict {
		e.met.TxnConflicts.Inc()
	}
	return err
}

func (e *Engine) Rollback(txn *Txn) {
	txn.tree.mgr.Rollback(txn.tx)
	e.met.TxnRollbacks.Inc()
}

// applyCommit journals and durably applies tx's buffered writes to tree,
// in the role of Manager.Commit's journal callback.
func (e *Engine) applyCommit(tree *Tree, tx *mvcc.Txn, commitTS uint64) error {
	for key, w := range tx.Writes() {
		if _, err := e.journal.Append(wal.Record{
			Type:    wal.RecordTxnUpdate,
			TxnID:   tx.ID,
			Payload: encodeTxnPayload(tree.name, key, w),
		}); err != nil {
			return err
		}
		if w.Deleted {
			tree.bt.Delete([]byte(key))
		} else if err := tree.bt.Insert([]byte(key), w.Payload); err != nil {
			return err
		}
	}

	if buf := tree.takeAccumBuffer(tx.ID); buf != nil {
		for slot, value := range buf.Updates() {
			if _, err := e.journal.Append(wal.Record{
				Type:    wal.RecordAccumulatorUpdate,
				TxnID:   tx.ID,
				PageID:  uint64(slot),
				Payload: encodeAccumulatorPayload(tree.name, slot, value),
			}); err != nil {
				return err
			}
		}
		if err := buf.Apply(commitTS); err != nil {
			return err
		}
	}

	if _, err := e.journal.Append(wal.Record{Type: wal.RecordTxnCommit, TxnID: tx.ID}); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dir.GetRoot() != e.vol.TreeDirRoot() {
		e.vol.SetTreeDirRoot(e.dir.GetRoot())
	}
	_ = e.dirPut(tree.name, tree.RootPage())
	e.mu.Unlock()
	e.met.TxnCommits.Inc()
	return nil
}

// --- recovery ---

func (e *Engine) applyRecoveredRecord(r wal.Record) error {
	switch r.Type {
	case wal.RecordTxnUpdate:
		treeName, key, w, err := decodeTxnPayload(r.Payload)
		if err != nil {
			return err
		}
		t, err := e.openTreeLocked(treeName)
		if err != nil {
			t = newTree(treeName, e.vol, e.pool, 0, e.log)
			e.trees[treeName] = t
			t.mgr.StartPruning(e.ctx, e.g)
			if err := e.dirPut(treeName, t.RootPage()); err != nil {
				return err
			}
		}
		if w.Deleted {
			t.bt.Delete([]byte(key))
		} else if err := t.bt.Insert([]byte(key), w.Payload); err != nil {
			return err
		}
		return e.dirPut(treeName, t.RootPage())

	case wal.RecordAccumulatorUpdate:
		treeName, slot, value, err := decodeAccumulatorPayload(r.Payload)
		if err != nil {
			return err
		}
		t, terr := e.openTreeLocked(treeName)
		if terr != nil {
			return nil
		}
		a, aerr := t.acc.Get(slot)
		if aerr != nil {
			e.log.Warn().Str("tree", treeName).Int("slot", slot).Msg("accumulator slot undefined during recovery, skipping update")
			return nil
		}
		a.Apply(r.LSN, value)
		return nil

	case wal.RecordAccumulatorCheckpoint:
		treeName, slot, kind, baseTS, baseVal, err := decodeAccumulatorCheckpointPayload(r.Payload)
		if err != nil {
			return err
		}
		t, terr := e.openTreeLocked(treeName)
		if terr != nil {
			t = newTree(treeName, e.vol, e.pool, 0, e.log)
			e.trees[treeName] = t
			t.mgr.StartPruning(e.ctx, e.g)
			if err := e.dirPut(treeName, t.RootPage()); err != nil {
				return err
			}
		}
		if err := t.acc.LoadCheckpoint(slot, kind, baseTS, baseVal); err != nil {
			e.log.Warn().Str("tree", treeName).Int("slot", slot).Err(err).Msg("accumulator checkpoint kind mismatch, skipping")
		}
		return nil

	default:
		return nil
	}
}

// --- lifecycle ---

// Sync writes every dirty buffer pool frame into the volume and syncs the
// volume to stable storage. It does not sync the journal; journal
// durability follows the configured commit policy.
func (e *Engine) Sync() error {
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	return e.vol.Sync()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	_ = e.g.Wait()

	if err := e.Sync(); err != nil {
		return err
	}
	if err := e.journal.Close(); err != nil {
		return err
	}
	return e.store.Close()
}
