// Package accum implements per-tree accumulators: SUM/MIN/MAX/SEQ
// aggregates updated inside transactions, snapshot-readable at any
// committed timestamp, and recoverable from a checkpoint base plus
// replayed updates.
package accum

import (
	"math"
	"sync"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// Kind is one of the four accumulator kinds spec.md §4.6 defines.
type Kind int

const (
	KindSum Kind = iota
	KindMin
	KindMax
	KindSeq
)

func (k Kind) String() string {
	switch k {
	case KindSum:
		return "SUM"
	case KindMin:
		return "MIN"
	case KindMax:
		return "MAX"
	case KindSeq:
		return "SEQ"
	default:
		return "UNKNOWN"
	}
}

// MaxSlots is the bound on accumulator slot indices per tree.
const MaxSlots = 64

func identity(k Kind) int64 {
	switch k {
	case KindMin:
		return math.MaxInt64
	case KindMax:
		return math.MinInt64
	default:
		return 0
	}
}

func combine(k Kind, acc, update int64) int64 {
	switch k {
	case KindSum, KindSeq:
		return acc + update
	case KindMin:
		if update < acc {
			return update
		}
		return acc
	case KindMax:
		if update > acc {
			return update
		}
		return acc
	default:
		return acc
	}
}

// commitRecord is one committed update, ordered by CommitTS. For SUM/SEQ
// Value is the delta/allocate-count contributed by that commit; for
// MIN/MAX it is the absolute value observed.
type commitRecord struct {
	CommitTS uint64
	Value    int64
}

// Accumulator is one (tree, slot) aggregate.
type Accumulator struct {
	mu   sync.Mutex
	kind Kind

	baseTS   uint64
	baseVal  int64
	commits  []commitRecord
	nextSeqN int64
}

func New(kind Kind) *Accumulator {
	return &Accumulator{kind: kind, baseVal: identity(kind)}
}

func (a *Accumulator) Kind() Kind {
	return a.kind
}

// ValueAt folds the checkpoint base with every committed update at or
// before ts, per spec.md I5.
func (a *Accumulator) ValueAt(ts uint64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.baseVal
	for _, c := range a.commits {
		if c.CommitTS <= ts {
			v = combine(a.kind, v, c.Value)
		}
	}
	return v
}

// Latest returns the fold of every committed update regardless of
// timestamp, i.e. the current live value.
func (a *Accumulator) Latest() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.baseVal
	for _, c := range a.commits {
		v = combine(a.kind, v, c.Value)
	}
	return v
}

// Apply records one committed update at commitTS. Called by the
// transaction manager's commit path after the ACCUMULATOR_UPDATE journal
// record has been durably written.
func (a *Accumulator) Apply(commitTS uint64, value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, commitRecord{CommitTS: commitTS, Value: value})
}

// AllocateSeq returns the next value a SEQ accumulator's Allocate() call
// within a transaction should buffer; it does not itself commit.
func (a *Accumulator) AllocateSeq() (int64, error) {
	if a.kind != KindSeq {
		return 0, apperrors.InvariantViolationError("AllocateSeq on non-SEQ accumulator")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSeqN++
	return a.nextSeqN, nil
}

// Checkpoint collapses every committed update at or before ts into the
// base value, so recovery after this point only needs to replay updates
// committed after ts.
func (a *Accumulator) Checkpoint(ts uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.baseVal
	kept := a.commits[:0]
	for _, c := range a.commits {
		if c.CommitTS <= ts {
			v = combine(a.kind, v, c.Value)
		} else {
			kept = append(kept, c)
		}
	}
	a.baseVal = v
	a.baseTS = ts
	a.commits = kept
}

// LoadCheckpoint seeds the accumulator's base from recovered state,
// discarding any buffered commits (used when restoring from a persisted
// checkpoint record before replaying the journal tail).
func (a *Accumulator) LoadCheckpoint(ts uint64, value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseTS = ts
	a.baseVal = value
	a.commits = nil
}
