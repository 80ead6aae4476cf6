// Package pagestore maps a volume's fixed-size pages onto a backing file,
// tracking the free list and handing out page ids to allocate and free.
package pagestore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Volume header: page 0 of every volume, never handed out to callers.
const (
	VolumeMagic        = 0x4c415454494345 // "LATTICE" truncated to 7 bytes, fits a uint64 tag
	VolumeHeaderSize   = 80
	volumeHeaderFormat = 1

	offMagic       = 0
	offFormat      = 8
	offPageSize    = 12
	offTreeDirRoot = 16
	offFreeListHead = 24
	offNextPageID  = 32
	offVersion     = 40
	offVolumeID    = 48
	offChecksum    = 64
)

// VolumeHeader is the decoded form of page 0.
type VolumeHeader struct {
	PageSize    int
	TreeDirRoot uint64 // root page of the tree-directory B-tree (tree name -> root page id)
	FreeListHead uint64
	NextPageID  uint64
	Version     uint64
	// VolumeID is stamped once at format time and never changes again; it
	// gives log lines and error messages a stable identifier for this
	// volume even across a path rename, distinct from the backing file
	// path an operator might move or symlink.
	VolumeID uuid.UUID
}

func encodeHeader(h VolumeHeader) []byte {
	buf := make([]byte, h.PageSize)
	binary.LittleEndian.PutUint64(buf[offMagic:], VolumeMagic)
	binary.LittleEndian.PutUint32(buf[offFormat:], volumeHeaderFormat)
	binary.LittleEndian.PutUint32(buf[offPageSize:], uint32(h.PageSize))
	binary.LittleEndian.PutUint64(buf[offTreeDirRoot:], h.TreeDirRoot)
	binary.LittleEndian.PutUint64(buf[offFreeListHead:], h.FreeListHead)
	binary.LittleEndian.PutUint64(buf[offNextPageID:], h.NextPageID)
	binary.LittleEndian.PutUint64(buf[offVersion:], h.Version)
	copy(buf[offVolumeID:offChecksum], h.VolumeID[:])
	csum := xxhash.Sum64(buf[:offChecksum])
	binary.LittleEndian.PutUint64(buf[offChecksum:], csum)
	return buf
}

func decodeHeader(buf []byte) (VolumeHeader, bool) {
	if binary.LittleEndian.Uint64(buf[offMagic:]) != VolumeMagic {
		return VolumeHeader{}, false
	}
	csum := binary.LittleEndian.Uint64(buf[offChecksum:])
	if xxhash.Sum64(buf[:offChecksum]) != csum {
		return VolumeHeader{}, false
	}
	var id uuid.UUID
	copy(id[:], buf[offVolumeID:offChecksum])
	return VolumeHeader{
		PageSize:     int(binary.LittleEndian.Uint32(buf[offPageSize:])),
		TreeDirRoot:  binary.LittleEndian.Uint64(buf[offTreeDirRoot:]),
		FreeListHead: binary.LittleEndian.Uint64(buf[offFreeListHead:]),
		NextPageID:   binary.LittleEndian.Uint64(buf[offNextPageID:]),
		Version:      binary.LittleEndian.Uint64(buf[offVersion:]),
		VolumeID:     id,
	}, true
}

// freePageNext reads the next-pointer a free page stores in its first 8
// bytes, threading the free list
// through the pages it describes instead of a separate on-disk structure.
func freePageNext(page []byte) uint64 {
	return binary.LittleEndian.Uint64(page[:8])
}

func setFreePageNext(page []byte, next uint64) {
	binary.LittleEndian.PutUint64(page[:8], next)
}
