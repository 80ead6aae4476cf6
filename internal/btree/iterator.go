package btree

import "bytes"

// levelFrame is one decoded page on the path from root to leaf, plus the
// iterator's current position within it. Seek clears the path before it
// descends, so frames are not reused across Seek calls; refresh only
// reuses a frame already on the current path whose (ptr, version) matches.
type levelFrame struct {
	ptr     uint64
	version uint64
	kind    PageKind
	entries []entry
	pos     int
}

// Iterator walks a BTree's leaves in key order. It is not safe for
// concurrent use; callers hold one per cursor the way an Exchange holds
// one per key-space traversal.
type Iterator struct {
	tree *BTree
	path []levelFrame
}

func NewIterator(tree *BTree) *Iterator {
	return &Iterator{tree: tree}
}

// refresh returns a decoded frame for ptr, reusing one already on the
// iterator's path if its version stamp still matches.
func (it *Iterator) refresh(ptr uint64) levelFrame {
	node := it.tree.GetNode(ptr)
	version := node.Version()
	for _, f := range it.path {
		if f.ptr == ptr && f.version == version {
			return f
		}
	}
	kind, _, entries := decode(node)
	return levelFrame{ptr: ptr, version: version, kind: kind, entries: entries}
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) error {
	it.path = it.path[:0]
	ptr := it.tree.GetRoot()
	for ptr != 0 {
		frame := it.refresh(ptr)
		idx := lookupLE(frame.entries, key)
		// lookupLE finds the last key <= key; when that key is
		// strictly less than key on a leaf, the true successor is
		// one slot further on.
		if frame.kind == KindData && idx < len(frame.entries) &&
			bytes.Compare(frame.entries[idx].key, key) < 0 {
			idx++
		}
		frame.pos = idx
		it.path = append(it.path, frame)
		if frame.kind == KindIndex {
			ptr = frame.entries[idx].ptr
		} else {
			ptr = 0
		}
	}
	// Every key in the reached leaf is < key: the successor, if any, is
	// the first key of the next leaf.
	if last := len(it.path) - 1; last >= 0 && it.path[last].pos >= len(it.path[last].entries) {
		it.path[last].pos = len(it.path[last].entries) - 1
		return it.move(+1)
	}
	return nil
}

// SeekFirst positions the iterator at the tree's first key, skipping the
// leading dummy entry of the global root leaf.
func (it *Iterator) SeekFirst() error {
	if err := it.Seek(nil); err != nil {
		return err
	}
	if it.Valid() {
		if k, _ := it.Key(); len(k) == 0 {
			return it.Next()
		}
	}
	return nil
}

func (it *Iterator) Valid() bool {
	if len(it.path) == 0 {
		return false
	}
	last := it.path[len(it.path)-1]
	return last.pos >= 0 && last.pos < len(last.entries)
}

func (it *Iterator) Key() ([]byte, bool) {
	if !it.Valid() {
		return nil, false
	}
	last := it.path[len(it.path)-1]
	return last.entries[last.pos].key, true
}

// Value returns the current record's value, resolving a long-value
// reference through the tree's LongValueStore when needed.
func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, nil
	}
	last := it.path[len(it.path)-1]
	e := last.entries[last.pos]
	if e.longRef {
		return it.tree.longValues.ReadLongValue(e.longHead, e.longLen)
	}
	return e.val, nil
}

func (it *Iterator) Next() error { return it.move(+1) }
func (it *Iterator) Prev() error { return it.move(-1) }

func (it *Iterator) move(dir int) error {
	level := len(it.path) - 1
	for level >= 0 {
		next := it.path[level].pos + dir
		if next >= 0 && next < len(it.path[level].entries) {
			it.path[level].pos = next
			break
		}
		level--
	}
	if level < 0 {
		it.path = it.path[:0]
		return nil
	}
	it.path = it.path[:level+1]
	for it.path[len(it.path)-1].kind == KindIndex {
		top := it.path[len(it.path)-1]
		ptr := top.entries[top.pos].ptr
		child := it.refresh(ptr)
		if dir < 0 {
			child.pos = len(child.entries) - 1
		} else {
			child.pos = 0
		}
		it.path = append(it.path, child)
	}
	return nil
}
