package bufferpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatchBasic(t *testing.T) {
	l := NewLatch()

	l.RLock()
	require.Equal(t, 1, l.State().Readers)
	l.RUnlock()

	l.Lock()
	require.Equal(t, 1, l.State().Writers)
	l.Unlock()

	require.True(t, l.TryRLock())
	l.RUnlock()

	require.True(t, l.TryLock())
	l.Unlock()

	stats := l.Stats()
	require.Positive(t, stats.ReadAcquisitions)
	require.Positive(t, stats.WriteAcquisitions)
}

func TestLatchTable(t *testing.T) {
	table := NewLatchTable()

	l1 := table.Get(1)
	require.NotNil(t, l1)

	l2 := table.Get(1)
	require.Same(t, l1, l2)

	l3 := table.Get(2)
	require.NotSame(t, l1, l3)

	stats := table.Stats()
	require.Len(t, stats, 2)

	table.Remove(1)
	require.NotSame(t, l1, table.Get(1))
}

func TestLatchConcurrentReaders(t *testing.T) {
	l := NewLatch()

	var wg sync.WaitGroup
	var mu sync.Mutex
	readCount := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			mu.Lock()
			readCount++
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			l.RUnlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 10, readCount)
}

func TestLatchWriterExcludesReaders(t *testing.T) {
	l := NewLatch()

	var wg sync.WaitGroup
	start := time.Now()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Lock()
		time.Sleep(50 * time.Millisecond)
		l.Unlock()
	}()

	time.Sleep(5 * time.Millisecond) // let the writer get there first
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			l.RUnlock()
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLatchWaitForLockTimeout(t *testing.T) {
	l := NewLatch()
	l.Lock()

	require.False(t, l.WaitForLock(50*time.Millisecond, false))
	require.False(t, l.WaitForLock(50*time.Millisecond, true))

	l.Unlock()
	require.True(t, l.WaitForLock(50*time.Millisecond, false))
}
