package slab

import "sync/atomic"

// Cursor hands out ring indices: counter mod size.
// Next is safe for concurrent use.
type Cursor struct {
	counter atomic.Uint64
	size    uint64
}

// NewCursor panics if size <= 0.
func NewCursor(size int) *Cursor {
	if size <= 0 {
		panic("slab: cursor size must be > 0")
	}
	return &Cursor{size: uint64(size)}
}

// Next returns the next index, starting at 0 and wrapping at Size.
func (c *Cursor) Next() uint32 {
	return uint32((c.counter.Add(1) - 1) % c.size)
}

func (c *Cursor) Size() int { return int(c.size) }
