package bufferpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticekv/lattice/internal/btree"
)

type fakeVolume struct {
	pageSize int
	pages    map[uint64][]byte
	writes   int
}

func newFakeVolume(pageSize int) *fakeVolume {
	return &fakeVolume{pageSize: pageSize, pages: make(map[uint64][]byte)}
}

func (v *fakeVolume) PageSize() int { return v.pageSize }

// ReadPage returns a freshly-sealed empty leaf for any page id the test
// hasn't written yet, the same way a real volume's mmap'd region always
// holds a valid BNode image by the time the buffer pool reads it back
// (pages are seeded via PinNew, never read cold).
func (v *fakeVolume) ReadPage(id uint64) ([]byte, error) {
	if p, ok := v.pages[id]; ok {
		return p, nil
	}
	return btree.NewEmptyLeaf(v.pageSize).Data(), nil
}

func (v *fakeVolume) WritePage(id uint64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	v.pages[id] = buf
	v.writes++
}

func TestPoolPinReusesResidentFrame(t *testing.T) {
	vol := newFakeVolume(64)
	pool := New(vol, 4, 2)

	f1, err := pool.Pin(context.Background(), 1)
	require.NoError(t, err)
	f2, err := pool.Pin(context.Background(), 1)
	require.NoError(t, err)
	require.Same(t, f1, f2)

	hits, misses, _ := pool.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestPoolFlushDirtyWritesThrough(t *testing.T) {
	vol := newFakeVolume(64)
	pool := New(vol, 4, 2)

	f, err := pool.Pin(context.Background(), 1)
	require.NoError(t, err)
	copy(f.Data, []byte("hello"))
	pool.Unpin(1, true)

	require.NoError(t, pool.FlushDirty(1))
	require.Equal(t, 1, vol.writes)
	require.Equal(t, []byte("hello"), vol.pages[1][:5])
}

func TestPoolEvictsUnpinnedUntouchedFrame(t *testing.T) {
	vol := newFakeVolume(64)
	pool := New(vol, 2, 2)

	for id := uint64(1); id <= 2; id++ {
		f, err := pool.Pin(context.Background(), id)
		require.NoError(t, err)
		pool.Unpin(id, false)
		_ = f
	}
	require.Equal(t, 2, pool.Resident())

	// Pinning a third page must evict one of the first two.
	_, err := pool.Pin(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Resident())

	_, _, evictions := pool.Stats()
	require.Equal(t, int64(1), evictions)
}

func TestPoolPinRejectsChecksumMismatch(t *testing.T) {
	vol := newFakeVolume(64)
	good := btree.NewEmptyLeaf(64).Data()
	corrupt := make([]byte, 64)
	copy(corrupt, good)
	corrupt[40] ^= 0xff // flip a body byte without fixing up the checksum
	vol.pages[1] = corrupt

	pool := New(vol, 4, 2)
	_, err := pool.Pin(context.Background(), 1)
	require.Error(t, err)
}

func TestPoolPinNewSkipsChecksumCheck(t *testing.T) {
	vol := newFakeVolume(64)
	pool := New(vol, 4, 2)

	f, err := pool.PinNew(7)
	require.NoError(t, err)
	require.Len(t, f.Data, 64)
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	vol := newFakeVolume(64)
	pool := New(vol, 1, 1)

	_, err := pool.Pin(context.Background(), 1)
	require.NoError(t, err)

	_, err = pool.Pin(context.Background(), 2)
	require.Error(t, err)
}
