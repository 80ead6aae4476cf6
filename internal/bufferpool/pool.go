// Package bufferpool caches volume pages in memory behind pin/unpin
// handles, evicting via clock replacement and gating dirty-page writeback
// on the caller's WAL-ahead discipline.
package bufferpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/latticekv/lattice/internal/btree"
	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Volume is the subset of pagestore.Volume the pool needs; kept narrow so
// tests can fake it without a real mmap'd file.
type Volume interface {
	PageSize() int
	ReadPage(id uint64) ([]byte, error)
	WritePage(id uint64, data []byte)
}

// Frame is one cached page and its pin/dirty/clock state.
type Frame struct {
	PageID  uint64
	Data    []byte
	Latch   *Latch
	pinned  int32
	dirty   bool
	touched bool
}

// Pool is a bounded, clock-evicted cache of one volume's pages.
type Pool struct {
	mu       sync.Mutex
	volume   Volume
	latches  *LatchTable
	frames   map[uint64]*Frame
	order    []uint64 // clock ring, in insertion-then-rotation order
	hand     int
	capacity int
	sem      *semaphore.Weighted

	hits, misses, evictions int64
}

// New builds a pool over volume bounded to capacity resident pages and at
// most inFlight concurrent fetches from storage.
func New(volume Volume, capacity, inFlight int) *Pool {
	return &Pool{
		volume:   volume,
		latches:  NewLatchTable(),
		frames:   make(map[uint64]*Frame, capacity),
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(inFlight)),
	}
}

// Pin brings pageID into memory if it is not already resident and
// increments its pin count, protecting it from eviction until Unpin.
// Callers still acquire frame.Latch themselves before reading or writing
// frame.Data.
func (p *Pool) Pin(ctx context.Context, pageID uint64) (*Frame, error) {
	p.mu.Lock()
	if f, ok := p.frames[pageID]; ok {
		f.pinned++
		f.touched = true
		p.hits++
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.InterruptedError("pin page %d: %v", pageID, err)
	}
	defer p.sem.Release(1)

	raw, err := p.volume.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	data := make([]byte, p.volume.PageSize())
	copy(data, raw)
	if !btree.NewBNode(data).VerifyChecksum() {
		return nil, apperrors.CorruptionError("page %d: checksum mismatch on read", pageID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[pageID]; ok {
		// lost the race to another fetch of the same page
		f.pinned++
		f.touched = true
		p.hits++
		return f, nil
	}

	p.misses++
	if len(p.frames) >= p.capacity && p.capacity > 0 {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	f := &Frame{PageID: pageID, Data: data, Latch: p.latches.Get(pageID), pinned: 1, touched: true}
	p.frames[pageID] = f
	p.order = append(p.order, pageID)
	return f, nil
}

// PinNew brings a just-allocated pageID into memory as an empty frame,
// skipping the checksum-verified read path: the volume has no valid page
// image there yet (a freshly mmap'd region reads as zeros), so reading it
// through the normal path would report corruption on every allocation.
// The frame starts dirty so the caller's first write is guaranteed to
// flush even if nothing ever pins it again.
func (p *Pool) PinNew(pageID uint64) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[pageID]; ok {
		f.pinned++
		f.touched = true
		return f, nil
	}
	if len(p.frames) >= p.capacity && p.capacity > 0 {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}
	f := &Frame{
		PageID:  pageID,
		Data:    make([]byte, p.volume.PageSize()),
		Latch:   p.latches.Get(pageID),
		pinned:  1,
		touched: true,
		dirty:   true,
	}
	p.frames[pageID] = f
	p.order = append(p.order, pageID)
	return f, nil
}

// Unpin releases one pin on pageID. dirty marks the frame as modified
// (sticky: it stays dirty until flushed, even across repeated pins).
func (p *Pool) Unpin(pageID uint64, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[pageID]
	if !ok {
		return
	}
	if dirty {
		f.dirty = true
	}
	if f.pinned > 0 {
		f.pinned--
	}
}

// FlushDirty writes pageID's frame back to the volume if it is dirty. The
// caller is responsible for ensuring the page's WAL record is durable
// first; the pool has no notion of journal position.
func (p *Pool) FlushDirty(pageID uint64) error {
	p.mu.Lock()
	f, ok := p.frames[pageID]
	p.mu.Unlock()
	if !ok || !f.dirty {
		return nil
	}
	f.Latch.RLock()
	p.volume.WritePage(pageID, f.Data)
	f.Latch.RUnlock()

	p.mu.Lock()
	f.dirty = false
	p.mu.Unlock()
	return nil
}

// FlushAll flushes every dirty frame, used by the checkpoint path.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.frames))
	for id, f := range p.frames {
		if f.dirty {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.FlushDirty(id); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked runs one clock sweep looking for an unpinned, untouched
// frame, flushing it if dirty before reclaiming its slot. Called with
// p.mu held.
func (p *Pool) evictLocked() error {
	n := len(p.order)
	for i := 0; i < 2*n; i++ { // at most two full sweeps: first clears touched bits
		if len(p.order) == 0 {
			return apperrors.CapacityError("buffer pool exhausted: no evictable frame")
		}
		if p.hand >= len(p.order) {
			p.hand = 0
		}
		id := p.order[p.hand]
		f := p.frames[id]
		if f == nil {
			p.order = append(p.order[:p.hand], p.order[p.hand+1:]...)
			continue
		}
		if f.pinned > 0 {
			p.hand++
			continue
		}
		if f.touched {
			f.touched = false
			p.hand++
			continue
		}
		if f.dirty {
			p.volume.WritePage(id, f.Data)
		}
		delete(p.frames, id)
		p.order = append(p.order[:p.hand], p.order[p.hand+1:]...)
		p.latches.Remove(id)
		p.evictions++
		return nil
	}
	return apperrors.CapacityError("buffer pool exhausted: every resident page is pinned")
}

// Stats reports cumulative hit/miss/eviction counters for the metrics
// package to export as counters.
func (p *Pool) Stats() (hits, misses, evictions int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses, p.evictions
}

func (p *Pool) Resident() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
