package mvcc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

func newTestManager() *Manager {
	return NewManager(zerolog.Nop())
}

func TestReadYourOwnWrites(t *testing.T) {
	m := newTestManager()
	tx := m.Begin()
	_, ok := tx.Get(m, "a")
	require.False(t, ok)

	tx.Put("a", []byte("1"))
	v, ok := tx.Get(m, "a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, m.Commit(tx, nil))
}

func TestSnapshotIsolationHidesConcurrentCommit(t *testing.T) {
	m := newTestManager()

	seed := m.Begin()
	seed.Put("a", []byte("seed"))
	require.NoError(t, m.Commit(seed, nil))

	reader := m.Begin()

	writer := m.Begin()
	writer.Put("a", []byte("updated"))
	require.NoError(t, m.Commit(writer, nil))

	v, ok := reader.Get(m, "a")
	require.True(t, ok)
	require.Equal(t, []byte("seed"), v, "reader's snapshot predates the concurrent commit")

	fresh := m.Begin()
	v, ok = fresh.Get(m, "a")
	require.True(t, ok)
	require.Equal(t, []byte("updated"), v)
}

func TestFirstCommitterWinsConflict(t *testing.T) {
	m := newTestManager()
	seed := m.Begin()
	seed.Put("a", []byte("0"))
	require.NoError(t, m.Commit(seed, nil))

	tx1 := m.Begin()
	tx2 := m.Begin()

	_, _ = tx1.Get(m, "a")
	_, _ = tx2.Get(m, "a")

	tx1.Put("a", []byte("from-tx1"))
	tx2.Put("a", []byte("from-tx2"))

	require.NoError(t, m.Commit(tx1, nil))
	err := m.Commit(tx2, nil)
	require.Error(t, err)
	require.Equal(t, apperrors.Conflict, apperrors.KindOf(err))
}

func TestDeleteIsVisibleAsTombstone(t *testing.T) {
	m := newTestManager()
	tx := m.Begin()
	tx.Put("a", []byte("1"))
	require.NoError(t, m.Commit(tx, nil))

	tx2 := m.Begin()
	tx2.Delete("a")
	require.NoError(t, m.Commit(tx2, nil))

	tx3 := m.Begin()
	_, ok := tx3.Get(m, "a")
	require.False(t, ok)
}

func TestRunRetriesOnConflictThenSucceeds(t *testing.T) {
	m := newTestManager()
	seed := m.Begin()
	seed.Put("counter", []byte{0})
	require.NoError(t, m.Commit(seed, nil))

	// Force exactly one collision on the first attempt by committing a
	// competing write after body has already read the counter once.
	attempts := 0
	err := m.Run(DefaultRetryPolicy(), func(tx *Txn) error {
		attempts++
		v, _ := tx.Get(m, "counter")
		if attempts == 1 {
			interloper := m.Begin()
			interloper.Put("counter", []byte{99})
			require.NoError(t, m.Commit(interloper, nil))
		}
		tx.Put("counter", []byte{v[0] + 1})
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	m := newTestManager()
	seed := m.Begin()
	seed.Put("a", []byte("0"))
	require.NoError(t, m.Commit(seed, nil))

	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}
	err := m.Run(policy, func(tx *Txn) error {
		_, _ = tx.Get(m, "a")
		interloper := m.Begin()
		interloper.Put("a", []byte("interference"))
		require.NoError(t, m.Commit(interloper, nil))
		tx.Put("a", []byte("mine"))
		return nil
	}, nil)
	require.Error(t, err)
	require.Equal(t, apperrors.Conflict, apperrors.KindOf(err))
}

func TestPruneDropsVersionsBelowOldestSnapshot(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 5; i++ {
		tx := m.Begin()
		tx.Put("a", []byte{byte(i)})
		require.NoError(t, m.Commit(tx, nil))
	}
	require.Len(t, m.values["a"], 5)

	m.prune()
	require.Len(t, m.values["a"], 1, "no active snapshot needs anything but the newest version")
}

func TestPruneKeepsVersionNeededByActiveSnapshot(t *testing.T) {
	m := newTestManager()
	first := m.Begin()
	first.Put("a", []byte("v1"))
	require.NoError(t, m.Commit(first, nil))

	reader := m.Begin()

	second := m.Begin()
	second.Put("a", []byte("v2"))
	require.NoError(t, m.Commit(second, nil))

	m.prune()
	v, ok := reader.Get(m, "a")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestStartPruningStopsOnContextCancel(t *testing.T) {
	m := newTestManager()
	m.pruneInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	m.StartPruning(gctx, g)
	cancel()
	require.NoError(t, g.Wait())
}
