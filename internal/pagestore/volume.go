package pagestore

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	apperrors "github.com/latticekv/lattice/pkg/errors"

	"github.com/latticekv/lattice/pkg/assert"
)

// growChunkPages is how many pages a volume's backing file grows by each
// time it runs out of mapped space. The chunk size is fixed (growth does
// not double), and it spares a remap on every single allocation.
const growChunkPages = 1024

// Volume is one named, file-backed page space: a header page, a free
// list threaded through freed pages, and a monotonically increasing
// next-page-id for pages that have never been freed.
type Volume struct {
	mu sync.Mutex

	path     string
	file     *os.File
	temp     bool
	pageSize int

	chunks [][]byte // mmap'd regions, page-aligned, possibly non-contiguous

	header VolumeHeader
}

// Open maps path, creating and formatting a new volume if it does not
// exist. A temporary volume (used for sort/scratch space, per spec
// section 6) is unlinked from the directory immediately after creation so
// it disappears when the process exits or the Volume is closed.
func Open(path string, pageSize int, temp bool) (*Volume, error) {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, apperrors.StorageIoError("open volume %q", err, path)
	}

	v := &Volume{path: path, file: f, temp: temp, pageSize: pageSize}

	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.StorageIoError("stat volume %q", err, path)
	}
	if info.Size() == 0 {
		if err := v.format(); err != nil {
			return nil, err
		}
	} else if err := v.mapExisting(info.Size()); err != nil {
		return nil, err
	}

	if temp {
		_ = os.Remove(path)
	}
	return v, nil
}

func (v *Volume) format() error {
	if err := v.file.Truncate(int64(v.pageSize)); err != nil {
		return apperrors.StorageIoError("truncate volume %q", err, v.path)
	}
	v.header = VolumeHeader{PageSize: v.pageSize, NextPageID: 1, VolumeID: uuid.New()}
	if err := v.mapExisting(int64(v.pageSize)); err != nil {
		return err
	}
	return v.writeHeader()
}

func (v *Volume) mapExisting(size int64) error {
	chunk, err := unix.Mmap(int(v.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return apperrors.StorageIoError("mmap volume %q", err, v.path)
	}
	v.chunks = [][]byte{chunk}
	h, ok := decodeHeader(chunk[:v.pageSize])
	if !ok {
		return apperrors.CorruptionError("volume %q: bad or corrupt header", v.path)
	}
	v.header = h
	v.pageSize = h.PageSize
	return nil
}

func (v *Volume) writeHeader() error {
	buf := encodeHeader(v.header)
	copy(v.chunks[0][:v.pageSize], buf)
	return nil
}

func (v *Volume) totalPages() uint64 {
	n := uint64(0)
	for _, c := range v.chunks {
		n += uint64(len(c)) / uint64(v.pageSize)
	}
	return n
}

// grow extends the backing file and maps another chunk so at least one
// more page is available.
func (v *Volume) grow() error {
	addBytes := int64(growChunkPages) * int64(v.pageSize)
	oldSize := int64(v.totalPages()) * int64(v.pageSize)
	newSize := oldSize + addBytes
	if err := v.file.Truncate(newSize); err != nil {
		return apperrors.StorageIoError("extend volume %q", err, v.path)
	}
	chunk, err := unix.Mmap(int(v.file.Fd()), oldSize, int(addBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return apperrors.StorageIoError("mmap extension of volume %q", err, v.path)
	}
	v.chunks = append(v.chunks, chunk)
	return nil
}

func (v *Volume) pageSlice(id uint64) []byte {
	start := uint64(0)
	for _, c := range v.chunks {
		pages := uint64(len(c)) / uint64(v.pageSize)
		if id < start+pages {
			off := (id - start) * uint64(v.pageSize)
			return c[off : off+uint64(v.pageSize)]
		}
		start += pages
	}
	assert.That(false, "pageSlice: page id %d out of mapped range", id)
	return nil
}

// ReadPage returns a direct view into the mmap'd page; callers must copy
// out anything they need to keep past their next mutation of the volume.
// Unlike the internal pageSlice helper (which asserts, since its callers
// only ever pass ids the volume itself just allocated or freed), ReadPage
// is reached from the buffer pool with page ids sourced from on-disk
// structures, so an out-of-range id is reported as corruption rather than
// crashing the process.
func (v *Volume) ReadPage(id uint64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := uint64(0)
	for _, c := range v.chunks {
		pages := uint64(len(c)) / uint64(v.pageSize)
		if id < start+pages {
			off := (id - start) * uint64(v.pageSize)
			return c[off : off+uint64(v.pageSize)], nil
		}
		start += pages
	}
	return nil, apperrors.CorruptionError("volume %q: page id %d out of mapped range", v.path, id)
}

// WritePage copies data into page id's mmap'd slot.
func (v *Volume) WritePage(id uint64, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.pageSlice(id), data)
}

// Allocate returns a fresh page id, reusing the free list before extending
// the volume.
func (v *Volume) Allocate() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.header.FreeListHead != 0 {
		id := v.header.FreeListHead
		v.header.FreeListHead = freePageNext(v.pageSlice(id))
		return id, v.writeHeaderLocked()
	}

	id := v.header.NextPageID
	if id >= v.totalPages() {
		if err := v.grow(); err != nil {
			return 0, err
		}
	}
	v.header.NextPageID++
	return id, v.writeHeaderLocked()
}

// Free pushes id onto the free list.
func (v *Volume) Free(id uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	setFreePageNext(v.pageSlice(id), v.header.FreeListHead)
	v.header.FreeListHead = id
	return v.writeHeaderLocked()
}

func (v *Volume) writeHeaderLocked() error {
	return v.writeHeader()
}

func (v *Volume) PageSize() int          { return v.pageSize }
func (v *Volume) TreeDirRoot() uint64     { return v.header.TreeDirRoot }
func (v *Volume) VolumeID() uuid.UUID     { return v.header.VolumeID }
func (v *Volume) SetTreeDirRoot(id uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.header.TreeDirRoot = id
	_ = v.writeHeaderLocked()
}

// Sync flushes mapped pages to disk. Temporary volumes skip this: they are
// never recovered, so durability is meaningless for them.
func (v *Volume) Sync() error {
	if v.temp {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.chunks {
		if err := unix.Msync(c, unix.MS_SYNC); err != nil {
			return apperrors.StorageIoError("msync volume %q", err, v.path)
		}
	}
	return nil
}

// Close unmaps and closes the volume. A temporary volume's file was
// already unlinked at Open time, so closing it frees the disk space too.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.chunks {
		_ = unix.Munmap(c)
	}
	return v.file.Close()
}
