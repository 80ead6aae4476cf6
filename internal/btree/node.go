// Package btree implements the ordered, page-resident B-tree index: split
// and join, long-value chaining, and prefix-compressed keys, per the
// B-Tree Index component of the spec.
package btree

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/latticekv/lattice/pkg/assert"
)

// PageKind tags what a page holds. Dispatch on the tag rather than a type
// hierarchy, per the "deep class hierarchies" redesign note.
type PageKind uint8

const (
	KindHeader PageKind = iota
	KindIndex           // internal nodes: (key, child page id)
	KindData            // leaf nodes: (key, value-or-long-ref)
	KindLongRecord
	KindGarbage
	KindFree
)

// Fixed-width page header. Laid out so the checksum can be computed over
// everything else in one pass: [0:checksumOffset) then [checksumOffset+8:).
const (
	PageHeaderSize = 32

	offKind         = 0
	offLevel        = 1
	offNKeys        = 2
	offRightSibling = 4
	offVersion      = 12
	offReserved     = 20
	offChecksum     = 24
)

// BNode is a page-sized buffer interpreted as a B-tree node. It never owns
// its backing array; callers get pages from the Buffer Pool and return
// freshly-built ones to it.
type BNode struct {
	data     []byte
	pageSize int
}

func NewBNode(data []byte) BNode {
	return BNode{data: data, pageSize: len(data)}
}

func newPage(pageSize int) BNode {
	return BNode{data: make([]byte, pageSize), pageSize: pageSize}
}

func (n BNode) Data() []byte   { return n.data }
func (n BNode) PageSize() int  { return n.pageSize }
func (n BNode) Kind() PageKind { return PageKind(n.data[offKind]) }
func (n BNode) Level() uint8   { return n.data[offLevel] }
func (n BNode) NKeys() uint16  { return binary.LittleEndian.Uint16(n.data[offNKeys:]) }
func (n BNode) RightSibling() uint64 {
	return binary.LittleEndian.Uint64(n.data[offRightSibling:])
}
func (n BNode) Version() uint64 { return binary.LittleEndian.Uint64(n.data[offVersion:]) }
func (n BNode) Checksum() uint64 {
	return binary.LittleEndian.Uint64(n.data[offChecksum:])
}

func (n BNode) setKind(k PageKind)       { n.data[offKind] = byte(k) }
func (n BNode) setLevel(l uint8)         { n.data[offLevel] = l }
func (n BNode) setNKeys(k uint16)        { binary.LittleEndian.PutUint16(n.data[offNKeys:], k) }
func (n BNode) setRightSibling(p uint64) { binary.LittleEndian.PutUint64(n.data[offRightSibling:], p) }
func (n BNode) SetVersion(v uint64)      { binary.LittleEndian.PutUint64(n.data[offVersion:], v) }
func (n BNode) setChecksum(c uint64)     { binary.LittleEndian.PutUint64(n.data[offChecksum:], c) }

// ComputeChecksum hashes every header field but the checksum itself, plus
// the whole body.
func ComputeChecksum(data []byte) uint64 {
	h := xxhash.New()
	_, _ = h.Write(data[:offChecksum])
	_, _ = h.Write(data[offChecksum+8:])
	return h.Sum64()
}

// Seal recomputes and stores the page's checksum. Must be called after any
// mutation and before the page is handed to the buffer pool for writeback.
func (n BNode) Seal() {
	n.setChecksum(ComputeChecksum(n.data))
}

// VerifyChecksum reports whether the stored checksum matches the page
// contents; a mismatch is a CorruptionError at the Page Store layer.
func (n BNode) VerifyChecksum() bool {
	return n.Checksum() == ComputeChecksum(n.data)
}

func (n BNode) IsLeaf() bool { return n.Kind() == KindData }

// entry is the materialized, absolute-key form of one record on a page,
// used as the intermediate representation between decode and encode so
// that split/merge/insert/delete never have to juggle prefix-relative
// offsets directly.
type entry struct {
	key      []byte
	val      []byte // leaf: value bytes, unset if longRef
	ptr      uint64 // index: child page id
	longRef  bool
	longHead uint64
	longLen  uint32
}

// decode materializes every record on the page, expanding prefix-compressed
// suffixes back to absolute keys.
func decode(n BNode) (kind PageKind, level uint8, entries []entry) {
	kind = n.Kind()
	level = n.Level()
	nkeys := int(n.NKeys())
	entries = make([]entry, 0, nkeys)
	if nkeys == 0 {
		return
	}
	pos := PageHeaderSize
	prefixLen := int(binary.LittleEndian.Uint16(n.data[pos:]))
	pos += 2
	prefix := n.data[pos : pos+prefixLen]
	pos += prefixLen

	ptrsStart := pos
	pos += nkeys * 8
	offsetsStart := pos
	pos += nkeys * 2
	kvStart := pos

	offsetAt := func(i int) uint16 {
		if i == 0 {
			return 0
		}
		return binary.LittleEndian.Uint16(n.data[offsetsStart+(i-1)*2:])
	}

	for i := 0; i < nkeys; i++ {
		recPos := kvStart + int(offsetAt(i))
		var e entry
		if kind == KindIndex {
			suffixLen := int(binary.LittleEndian.Uint16(n.data[recPos:]))
			suffix := n.data[recPos+2 : recPos+2+suffixLen]
			e.key = concat(prefix, suffix)
			e.ptr = binary.LittleEndian.Uint64(n.data[ptrsStart+i*8:])
		} else {
			suffixLen := int(binary.LittleEndian.Uint16(n.data[recPos:]))
			rawValLen := binary.LittleEndian.Uint16(n.data[recPos+2:])
			suffix := n.data[recPos+4 : recPos+4+suffixLen]
			e.key = concat(prefix, suffix)
			valPos := recPos + 4 + suffixLen
			if rawValLen&longRefFlag != 0 {
				e.longRef = true
				e.longHead = binary.LittleEndian.Uint64(n.data[valPos:])
				e.longLen = binary.LittleEndian.Uint32(n.data[valPos+8:])
			} else {
				e.val = n.data[valPos : valPos+int(rawValLen)]
			}
		}
		entries = append(entries, e)
	}
	return
}

const longRefFlag = 0x8000

func concat(a, b []byte) []byte {
	out := make([]byte, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}

func commonPrefix(entries []entry) []byte {
	if len(entries) < 2 {
		return nil
	}
	first, last := entries[0].key, entries[len(entries)-1].key
	n := len(first)
	if len(last) < n {
		n = len(last)
	}
	i := 0
	for i < n && first[i] == last[i] {
		i++
	}
	return first[:i]
}

// recordSize returns the encoded byte length of entries[i] given a prefix
// of length prefixLen, including the pointer-array and offset-array slots
// it contributes.
func recordSize(kind PageKind, e entry, prefixLen int) int {
	suffixLen := len(e.key) - prefixLen
	const ptrSlot = 8
	const offsetSlot = 2
	if kind == KindIndex {
		return ptrSlot + offsetSlot + 2 + suffixLen
	}
	valLen := len(e.val)
	if e.longRef {
		valLen = 12 // headPageID(8) + totalLen(4)
	}
	return ptrSlot + offsetSlot + 4 + suffixLen + valLen
}

// encode builds one page from entries. Returns false if entries does not
// fit in a single page of size pageSize (caller must split first).
func encode(kind PageKind, level uint8, rightSibling uint64, version uint64, pageSize int, entries []entry) (BNode, bool) {
	prefix := commonPrefix(entries)
	bodyLen := 2 + len(prefix)
	for _, e := range entries {
		bodyLen += recordSize(kind, e, len(prefix))
	}
	if PageHeaderSize+bodyLen > pageSize {
		return BNode{}, false
	}

	n := newPage(pageSize)
	n.setKind(kind)
	n.setLevel(level)
	n.setNKeys(uint16(len(entries)))
	n.setRightSibling(rightSibling)
	n.SetVersion(version)

	pos := PageHeaderSize
	binary.LittleEndian.PutUint16(n.data[pos:], uint16(len(prefix)))
	pos += 2
	copy(n.data[pos:], prefix)
	pos += len(prefix)

	ptrsStart := pos
	pos += len(entries) * 8
	offsetsStart := pos
	pos += len(entries) * 2
	kvStart := pos

	cursor := 0
	for i, e := range entries {
		suffix := e.key[len(prefix):]
		recPos := kvStart + cursor
		if kind == KindIndex {
			binary.LittleEndian.PutUint64(n.data[ptrsStart+i*8:], e.ptr)
			binary.LittleEndian.PutUint16(n.data[recPos:], uint16(len(suffix)))
			copy(n.data[recPos+2:], suffix)
			cursor += 2 + len(suffix)
		} else {
			var rawValLen uint16
			if e.longRef {
				rawValLen = longRefFlag
			} else {
				rawValLen = uint16(len(e.val))
			}
			binary.LittleEndian.PutUint16(n.data[recPos:], uint16(len(suffix)))
			binary.LittleEndian.PutUint16(n.data[recPos+2:], rawValLen)
			copy(n.data[recPos+4:], suffix)
			valPos := recPos + 4 + len(suffix)
			if e.longRef {
				binary.LittleEndian.PutUint64(n.data[valPos:], e.longHead)
				binary.LittleEndian.PutUint32(n.data[valPos+8:], e.longLen)
				cursor += 4 + len(suffix) + 12
			} else {
				copy(n.data[valPos:], e.val)
				cursor += 4 + len(suffix) + len(e.val)
			}
		}
		binary.LittleEndian.PutUint16(n.data[offsetsStart+i*2:], uint16(cursor))
	}
	n.Seal()
	return n, true
}

// MaxKeyLen derives the open question in spec section 9 mechanically from
// the page geometry instead of hand-picking a constant: it is the largest
// key that can still share a page with one other minimal record and the
// fixed per-record overhead.
func MaxKeyLen(pageSize int) int {
	return pageSize/2 - 64
}

// NewEmptyLeaf builds a freshly-sealed KindData page holding only the
// empty-key sentinel entry that lookupLE relies on: the starting root of a
// brand new tree.
func NewEmptyLeaf(pageSize int) BNode {
	n, ok := encode(KindData, 0, 0, 0, pageSize, []entry{{key: nil}})
	assert.That(ok, "empty leaf always fits")
	return n
}

func init() {
	assert.That(PageHeaderSize < 4096, "PageHeaderSize fits the smallest supported page")
}
