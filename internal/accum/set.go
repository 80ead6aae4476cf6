package accum

import (
	"sync"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Set holds the up-to-64 accumulator slots belonging to one tree.
type Set struct {
	mu   sync.Mutex
	tree string
	slot [MaxSlots]*Accumulator
}

func NewSet(tree string) *Set {
	return &Set{tree: tree}
}

// Define assigns slot its kind if unassigned, or validates the kind
// matches if it already is. Trees declare their accumulator slots once,
// typically at create_tree time or on first use after recovery.
func (s *Set) Define(slot int, kind Kind) (*Accumulator, error) {
	if slot < 0 || slot >= MaxSlots {
		return nil, apperrors.InvariantViolationError("accumulator slot %d out of range [0,%d)", slot, MaxSlots)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot[slot] == nil {
		s.slot[slot] = New(kind)
	} else if s.slot[slot].Kind() != kind {
		return nil, apperrors.InvariantViolationError("accumulator slot %d already defined as %s, not %s", slot, s.slot[slot].Kind(), kind)
	}
	return s.slot[slot], nil
}

func (s *Set) Get(slot int) (*Accumulator, error) {
	if slot < 0 || slot >= MaxSlots {
		return nil, apperrors.InvariantViolationError("accumulator slot %d out of range [0,%d)", slot, MaxSlots)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.slot[slot]
	if a == nil {
		return nil, apperrors.InvariantViolationError("accumulator slot %d not defined on tree %q", slot, s.tree)
	}
	return a, nil
}

// Checkpoint collapses every defined slot's committed updates up to ts.
func (s *Set) Checkpoint(ts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.slot {
		if a != nil {
			a.Checkpoint(ts)
		}
	}
}

// SlotCheckpoint is one accumulator slot's collapsed state as of a
// checkpoint, enough to restore it with LoadCheckpoint without first
// having to redeclare the slot's kind.
type SlotCheckpoint struct {
	Kind    Kind
	BaseVal int64
}

// CheckpointSnapshot collapses every defined slot's committed updates up
// to ts, the same as Checkpoint, and returns the resulting per-slot state
// so the caller can journal it: once this checkpoint's pre-ts history has
// been discarded from each Accumulator's commit list, that history only
// survives a restart if something durable recorded the collapsed base
// first.
func (s *Set) CheckpointSnapshot(ts uint64) map[int]SlotCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]SlotCheckpoint)
	for slot, a := range s.slot {
		if a != nil {
			a.Checkpoint(ts)
			out[slot] = SlotCheckpoint{Kind: a.Kind(), BaseVal: a.ValueAt(ts)}
		}
	}
	return out
}

// LoadCheckpoint restores slot from a journaled checkpoint, defining it
// with kind first if this is the first thing to touch the slot since
// restart — recovery runs before the application gets a chance to call
// DefineAccumulator again, so a checkpoint record has to be able to stand
// up the slot on its own.
func (s *Set) LoadCheckpoint(slot int, kind Kind, ts uint64, baseVal int64) error {
	a, err := s.Define(slot, kind)
	if err != nil {
		return err
	}
	a.LoadCheckpoint(ts, baseVal)
	return nil
}

// pendingUpdate is one slot's buffered contribution within a transaction,
// combined in program order before commit.
type pendingUpdate struct {
	kind Kind
	// folded is the running combine() of every update this transaction
	// buffered for the slot so far, seeded from identity(kind).
	folded int64
	touched bool
}

// Buffer stages accumulator updates within a single transaction; commit
// applies them atomically alongside the transaction's key/value writes.
type Buffer struct {
	set     *Set
	pending map[int]*pendingUpdate
}

func NewBuffer(set *Set) *Buffer {
	return &Buffer{set: set, pending: make(map[int]*pendingUpdate)}
}

// Add folds value into slot's buffered contribution (SUM: delta, MIN/MAX:
// observed value, SEQ: allocate count).
func (b *Buffer) Add(slot int, value int64) error {
	a, err := b.set.Get(slot)
	if err != nil {
		return err
	}
	p, ok := b.pending[slot]
	if !ok {
		p = &pendingUpdate{kind: a.Kind(), folded: identity(a.Kind())}
		b.pending[slot] = p
	}
	p.folded = combine(p.kind, p.folded, value)
	p.touched = true
	return nil
}

// Allocate buffers one SEQ allocation and returns its unique sequence
// number, without yet making the allocation count visible to readers.
func (b *Buffer) Allocate(slot int) (int64, error) {
	a, err := b.set.Get(slot)
	if err != nil {
		return 0, err
	}
	n, err := a.AllocateSeq()
	if err != nil {
		return 0, err
	}
	if err := b.Add(slot, 1); err != nil {
		return 0, err
	}
	return n, nil
}

// Updates returns the slot -> folded-value pairs this buffer accumulated,
// for the commit path to journal as ACCUMULATOR_UPDATE records.
func (b *Buffer) Updates() map[int]int64 {
	out := make(map[int]int64, len(b.pending))
	for slot, p := range b.pending {
		if p.touched {
			out[slot] = p.folded
		}
	}
	return out
}

// Apply commits the buffer's updates into the underlying accumulators at
// commitTS. Called after the journal record durably records them.
func (b *Buffer) Apply(commitTS uint64) error {
	for slot, value := range b.Updates() {
		a, err := b.set.Get(slot)
		if err != nil {
			return err
		}
		a.Apply(commitTS, value)
	}
	return nil
}
