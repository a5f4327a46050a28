// Package buffer contains a model.Buffer implementation backed
// by a byte slice that can optionally grow.
package buffer

// Buffer is a position/limit/capacity view over a byte slice.
type Buffer struct {
	data       []byte
	position   int
	limit      int
	expandable int
}

// NewFixed creates a buffer with the given capacity that cannot grow.
func NewFixed(size int) *Buffer {
	return NewExpandable(size, size)
}

// NewExpandable creates a buffer with the given initial capacity
// that can grow up to maxsize bytes.
func NewExpandable(size, maxsize int) *Buffer {
	if maxsize < size {
		maxsize = size
	}
	return &Buffer{
		data:       make([]byte, size),
		limit:      size,
		expandable: maxsize,
	}
}

// FromBytes creates a fixed buffer in read mode containing a copy of p.
func FromBytes(p []byte) *Buffer {
	b := NewFixed(len(p))
	b.Put(p)
	b.Flip()
	return b
}

// FromString is like FromBytes but takes a string.
func FromString(s string) *Buffer {
	return FromBytes([]byte(s))
}

// Bytes returns the region between position and limit.
func (b *Buffer) Bytes() []byte {
	return b.data[b.position:b.limit]
}

// String returns the region between position and limit as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Put copies p at position and advances position. When there is not
// enough space, it attempts to expand the buffer first.
func (b *Buffer) Put(p []byte) int {
	if len(p) > b.Remaining() && b.limit == len(b.data) {
		b.Expand(b.position + len(p))
	}
	n := copy(b.data[b.position:b.limit], p)
	b.position += n
	return n
}

// Position returns the current position.
func (b *Buffer) Position() int {
	return b.position
}

// SetPosition sets the position. It panics if pos is outside of
// the [0, limit] range, as a slice expression would.
func (b *Buffer) SetPosition(pos int) {
	if pos < 0 || pos > b.limit {
		panic("buffer: position out of range")
	}
	b.position = pos
}

// Limit returns the current limit.
func (b *Buffer) Limit() int {
	return b.limit
}

// SetLimit sets the limit. The position is moved back when it
// would otherwise exceed the new limit.
func (b *Buffer) SetLimit(limit int) {
	if limit < 0 || limit > len(b.data) {
		panic("buffer: limit out of range")
	}
	b.limit = limit
	if b.position > limit {
		b.position = limit
	}
}

// Capacity returns the size of the underlying storage.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Remaining returns limit minus position.
func (b *Buffer) Remaining() int {
	return b.limit - b.position
}

// Flip switches from write mode to read mode.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// Clear resets the buffer to write mode over the whole capacity.
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.data)
}

// Expand grows the underlying storage to size bytes, capped to the
// expandable size, preserving content, position, and limit. A buffer
// in write mode over its whole capacity keeps its limit at capacity.
func (b *Buffer) Expand(size int) bool {
	if size <= len(b.data) {
		return true
	}
	newsize := size
	if newsize > b.expandable {
		newsize = b.expandable
	}
	if newsize > len(b.data) {
		atcapacity := b.limit == len(b.data)
		data := make([]byte, newsize)
		copy(data, b.data)
		b.data = data
		if atcapacity {
			b.limit = newsize
		}
	}
	return len(b.data) >= size
}

// ExpandableSize returns the maximum capacity.
func (b *Buffer) ExpandableSize() int {
	return b.expandable
}
