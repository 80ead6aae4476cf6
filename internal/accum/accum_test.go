package accum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumAccumulatorLaw(t *testing.T) {
	a := New(KindSum)
	deltas := []int64{5, -2, 10, -1}
	for i, d := range deltas {
		a.Apply(uint64(i+1), d)
	}
	require.Equal(t, int64(12), a.Latest())
}

func TestMinMaxAccumulators(t *testing.T) {
	min := New(KindMin)
	max := New(KindMax)
	for i, v := range []int64{7, 3, 9, -5, 2} {
		min.Apply(uint64(i+1), v)
		max.Apply(uint64(i+1), v)
	}
	require.Equal(t, int64(-5), min.Latest())
	require.Equal(t, int64(9), max.Latest())
}

func TestSeqAccumulatorCountsAllocates(t *testing.T) {
	a := New(KindSeq)
	set := NewSet("t")
	set.slot[47] = a
	buf := NewBuffer(set)

	n1, err := buf.Allocate(47)
	require.NoError(t, err)
	n2, err := buf.Allocate(47)
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)

	require.NoError(t, buf.Apply(1))
	require.Equal(t, int64(2), a.Latest())
}

func TestSnapshotValueAtRespectsCommitTimestamp(t *testing.T) {
	a := New(KindSum)
	a.Apply(10, 5)
	a.Apply(20, 7)
	a.Apply(30, -3)

	require.Equal(t, int64(0), a.ValueAt(5))
	require.Equal(t, int64(5), a.ValueAt(10))
	require.Equal(t, int64(12), a.ValueAt(25))
	require.Equal(t, int64(9), a.ValueAt(100))
}

func TestCheckpointCollapsesPriorUpdates(t *testing.T) {
	a := New(KindSum)
	a.Apply(10, 5)
	a.Apply(20, 7)
	a.Checkpoint(15)
	require.Equal(t, int64(12), a.ValueAt(100))
}

func TestMinIdentityIsPositiveInfinity(t *testing.T) {
	a := New(KindMin)
	require.Equal(t, int64(math.MaxInt64), a.Latest())
}

func TestSetDefineRejectsKindMismatch(t *testing.T) {
	set := NewSet("t")
	_, err := set.Define(0, KindSum)
	require.NoError(t, err)
	_, err = set.Define(0, KindMax)
	require.Error(t, err)
}

func TestSetDefineRejectsOutOfRangeSlot(t *testing.T) {
	set := NewSet("t")
	_, err := set.Define(MaxSlots, KindSum)
	require.Error(t, err)
}

func TestBufferFoldsMultipleUpdatesWithinOneTransaction(t *testing.T) {
	set := NewSet("t")
	_, err := set.Define(0, KindSum)
	require.NoError(t, err)
	buf := NewBuffer(set)

	require.NoError(t, buf.Add(0, 3))
	require.NoError(t, buf.Add(0, 4))
	updates := buf.Updates()
	require.Equal(t, int64(7), updates[0])

	require.NoError(t, buf.Apply(1))
	a, err := set.Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(7), a.Latest())
}

func TestAccumulatorRestartAfterCheckpointAndReplay(t *testing.T) {
	kinds := map[int]Kind{17: KindSum, 22: KindMax, 23: KindMin, 47: KindSeq}
	set := NewSet("t")
	for slot, kind := range kinds {
		_, err := set.Define(slot, kind)
		require.NoError(t, err)
	}

	ref := map[int]int64{17: 0, 22: math.MinInt64, 23: math.MaxInt64, 47: 0}
	apply := func(slot int, v int64, ts uint64) {
		a, _ := set.Get(slot)
		a.Apply(ts, v)
		ref[slot] = combine(kinds[slot], ref[slot], v)
	}

	apply(17, 100, 1)
	apply(22, 5, 1)
	apply(23, -5, 1)
	apply(47, 1, 1)

	set.Checkpoint(1)

	apply(17, -40, 2)
	apply(22, 9, 2)
	apply(23, -9, 2)
	apply(47, 1, 2)

	for slot, want := range ref {
		a, _ := set.Get(slot)
		require.Equal(t, want, a.Latest(), "slot %d", slot)
	}
}
