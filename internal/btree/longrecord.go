package btree

import apperrors "github.com/latticekv/lattice/pkg/errors"

// LongValueChain is the default LongValueStore: a value too large to sit
// inline in a leaf record is split across a singly-linked chain of
// KindLongRecord pages, reusing the ordinary page header's right-sibling
// field as the "next page" pointer.
type LongValueChain struct {
	pageSize int
	get      func(uint64) BNode
	new      func(BNode) uint64
	del      func(uint64)
}

func NewLongValueChain(pageSize int, get func(uint64) BNode, new func(BNode) uint64, del func(uint64)) *LongValueChain {
	return &LongValueChain{pageSize: pageSize, get: get, new: new, del: del}
}

func (c *LongValueChain) chunkSize() int { return c.pageSize - PageHeaderSize }

// WriteLongValue chains val across as many pages as needed and returns the
// head page id; the chain is built tail-first so every page's right
// -sibling pointer is known before it is sealed.
func (c *LongValueChain) WriteLongValue(val []byte) (uint64, error) {
	chunk := c.chunkSize()
	if chunk <= 0 {
		return 0, apperrors.ConfigurationError("page size %d leaves no room for a long-value chain", c.pageSize)
	}
	n := len(val)
	numChunks := (n + chunk - 1) / chunk
	if numChunks == 0 {
		numChunks = 1
	}

	var next uint64
	for i := numChunks - 1; i >= 0; i-- {
		start := i * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		page := newPage(c.pageSize)
		page.setKind(KindLongRecord)
		page.setRightSibling(next)
		copy(page.data[PageHeaderSize:], val[start:end])
		page.Seal()
		next = c.new(page)
	}
	return next, nil
}

// ReadLongValue walks the chain from headPage, reassembling length bytes.
func (c *LongValueChain) ReadLongValue(headPage uint64, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	remaining := int(length)
	ptr := headPage
	chunk := c.chunkSize()
	for ptr != 0 && remaining > 0 {
		page := c.get(ptr)
		if !page.VerifyChecksum() {
			return nil, apperrors.CorruptionError("long-value page %d failed checksum verification", ptr)
		}
		take := chunk
		if take > remaining {
			take = remaining
		}
		out = append(out, page.data[PageHeaderSize:PageHeaderSize+take]...)
		remaining -= take
		ptr = page.RightSibling()
	}
	if remaining > 0 {
		return nil, apperrors.CorruptionError("long-value chain truncated: %d bytes unaccounted for", remaining)
	}
	return out, nil
}

// FreeLongValue deallocates every page in the chain.
func (c *LongValueChain) FreeLongValue(headPage uint64) {
	ptr := headPage
	for ptr != 0 {
		page := c.get(ptr)
		next := page.RightSibling()
		c.del(ptr)
		ptr = next
	}
}
