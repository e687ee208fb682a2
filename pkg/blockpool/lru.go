package blockpool

import "container/list"

// unpinnedLRU is the insertion-ordered set of blocks that are in RAM with no
// pins. The front of the list is the oldest entry, which eviction picks
// first. Re-pinning removes a block; a full unpin reinserts it at the
// most-recently-used end.
//
// All methods require the pool mutex.
type unpinnedLRU struct {
	order *list.List
	index map[*byteBlock]*list.Element
}

func newUnpinnedLRU() unpinnedLRU {
	return unpinnedLRU{
		order: list.New(),
		index: make(map[*byteBlock]*list.Element),
	}
}

// insert adds b at the MRU end. b must not already be present.
func (l *unpinnedLRU) insert(b *byteBlock) {
	invariant(l.index[b] == nil, "block %d already in unpinned set", b.id)
	l.index[b] = l.order.PushBack(b)
}

// erase removes b by identity. b must be present.
func (l *unpinnedLRU) erase(b *byteBlock) {
	el := l.index[b]
	invariant(el != nil, "block %d not in unpinned set", b.id)
	l.order.Remove(el)
	delete(l.index, b)
}

// popOldest removes and returns the least recently inserted block, or nil if
// the set is empty.
func (l *unpinnedLRU) popOldest() *byteBlock {
	front := l.order.Front()
	if front == nil {
		return nil
	}
	b := front.Value.(*byteBlock)
	l.order.Remove(front)
	delete(l.index, b)
	return b
}

// contains reports whether b is in the set.
func (l *unpinnedLRU) contains(b *byteBlock) bool {
	_, ok := l.index[b]
	return ok
}

// len returns the number of blocks in the set.
func (l *unpinnedLRU) len() int {
	return l.order.Len()
}
