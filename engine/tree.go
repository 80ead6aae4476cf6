package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/latticekv/lattice/internal/accum"
	"github.com/latticekv/lattice/internal/btree"
	"github.com/latticekv/lattice/internal/bufferpool"
	"github.com/latticekv/lattice/internal/mvcc"
	"github.com/latticekv/lattice/internal/pagestore"
)

// Tree is a named, ordered map inside a volume: a B-tree root page backed
// by the buffer pool for durable storage, an mvcc.Manager holding the
// recent-version chains snapshot reads need, and up to 64 accumulator
// slots. It is spec.md §3's Tree entity.
type Tree struct {
	name string
	vol  *pagestore.Volume
	pool *bufferpool.Pool
	bt   *btree.BTree
	mgr  *mvcc.Manager
	acc  *accum.Set

	accBufMu sync.Mutex
	accBufs  map[uint64]*accum.Buffer // transaction id -> buffered updates
}

func treeGetFn(pool *bufferpool.Pool, pageSize int) func(uint64) btree.BNode {
	return func(id uint64) btree.BNode {
		frame, err := pool.Pin(context.Background(), id)
		if err != nil {
			panic(err)
		}
		data := make([]byte, pageSize)
		copy(data, frame.Data)
		pool.Unpin(id, false)
		return btree.NewBNode(data)
	}
}

func treeNewFn(vol *pagestore.Volume, pool *bufferpool.Pool) func(btree.BNode) uint64 {
	return func(n btree.BNode) uint64 {
		id, err := vol.Allocate()
		if err != nil {
			panic(err)
		}
		// PinNew, not Pin: the page the volume just allocated has no
		// valid on-disk image yet, so reading it back would fail
		// checksum verification.
		frame, err := pool.PinNew(id)
		if err != nil {
			panic(err)
		}
		copy(frame.Data, n.Data())
		pool.Unpin(id, true)
		return id
	}
}

func treeDelFn(vol *pagestore.Volume) func(uint64) {
	return func(id uint64) {
		_ = vol.Free(id)
	}
}

func newTree(name string, vol *pagestore.Volume, pool *bufferpool.Pool, rootPage uint64, log zerolog.Logger) *Tree {
	pageSize := vol.PageSize()
	get := treeGetFn(pool, pageSize)
	newFn := treeNewFn(vol, pool)
	del := treeDelFn(vol)

	bt := btree.NewBTree(pageSize, get, newFn, del)
	if rootPage == 0 {
		// A brand new tree starts as a single empty data page; Insert grows
		// it from there.
		rootPage = newFn(btree.NewEmptyLeaf(pageSize))
	}
	bt.SetRoot(rootPage)
	bt.SetLongValueStore(btree.NewLongValueChain(pageSize, get, newFn, del))

	return &Tree{
		name:    name,
		vol:     vol,
		pool:    pool,
		bt:      bt,
		mgr:     mvcc.NewManager(log.With().Str("tree", name).Logger()),
		acc:     accum.NewSet(name),
		accBufs: make(map[uint64]*accum.Buffer),
	}
}

func (t *Tree) RootPage() uint64 { return t.bt.GetRoot() }

func (t *Tree) Name() string { return t.name }

// accumBufferFor returns the accumulator update buffer for transaction
// txnID, creating one on first use; it is flushed and discarded by
// Engine.applyCommit once txnID commits.
func (t *Tree) accumBufferFor(txnID uint64) *accum.Buffer {
	t.accBufMu.Lock()
	defer t.accBufMu.Unlock()
	buf, ok := t.accBufs[txnID]
	if !ok {
		buf = accum.NewBuffer(t.acc)
		t.accBufs[txnID] = buf
	}
	return buf
}

func (t *Tree) takeAccumBuffer(txnID uint64) *accum.Buffer {
	t.accBufMu.Lock()
	defer t.accBufMu.Unlock()
	buf := t.accBufs[txnID]
	delete(t.accBufs, txnID)
	return buf
}
