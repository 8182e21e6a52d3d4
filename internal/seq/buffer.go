package seq

// Buffer is an insertion-sorted queue of (Index, item) pairs, smallest index
// at the front under wrapping comparison. New items are scanned in from the
// back, which is O(1) for the common in-order arrival.
type Buffer[T any] struct {
	entries []Entry[T]
}

// Entry is one buffered item and its index.
type Entry[T any] struct {
	Index Index
	Item  T
}

// NewBuffer returns an empty buffer.
func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	return len(b.entries)
}

// Push inserts item at its sorted position. Returns false without inserting
// if an entry with the same index is already present.
func (b *Buffer[T]) Push(idx Index, item T) bool {
	i := len(b.entries)
	for i > 0 {
		prev := b.entries[i-1].Index
		if prev == idx {
			return false
		}
		if LessThan(prev, idx) {
			break
		}
		i--
	}
	b.entries = append(b.entries, Entry[T]{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = Entry[T]{Index: idx, Item: item}
	return true
}

// PeekFront returns the smallest-index entry without removing it.
func (b *Buffer[T]) PeekFront() (Entry[T], bool) {
	if len(b.entries) == 0 {
		return Entry[T]{}, false
	}
	return b.entries[0], true
}

// PopFront removes and returns the smallest-index entry.
func (b *Buffer[T]) PopFront() (Entry[T], bool) {
	if len(b.entries) == 0 {
		return Entry[T]{}, false
	}
	front := b.entries[0]
	b.entries = b.entries[1:]
	return front, true
}

// DiscardBefore drops every entry with index strictly before idx.
func (b *Buffer[T]) DiscardBefore(idx Index) {
	for len(b.entries) > 0 && LessThan(b.entries[0].Index, idx) {
		b.entries = b.entries[1:]
	}
}

// DiscardThrough drops every entry with index before or equal to idx.
func (b *Buffer[T]) DiscardThrough(idx Index) {
	for len(b.entries) > 0 {
		front := b.entries[0].Index
		if front != idx && !LessThan(front, idx) {
			return
		}
		b.entries = b.entries[1:]
	}
}

// Retain keeps only entries for which keep returns true, preserving order.
func (b *Buffer[T]) Retain(keep func(Index, T) bool) {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if keep(e.Index, e.Item) {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// Clear drops all entries.
func (b *Buffer[T]) Clear() {
	b.entries = b.entries[:0]
}

// Entries returns the buffered entries in order. The slice aliases internal
// storage and is only valid until the next mutation.
func (b *Buffer[T]) Entries() []Entry[T] {
	return b.entries
}
