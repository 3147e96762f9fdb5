// Package seqcheck stamps datagrams with a sequence number and checks the
// order they arrive in.
package seqcheck

import (
	"encoding/binary"
	"errors"
	"sync"
)

// HeaderSize is the number of payload bytes taken by the sequence number.
const HeaderSize = 4

var ErrShortPayload = errors.New("payload shorter than sequence header")

// Stamp writes seq big-endian into the first HeaderSize bytes of buf.
func Stamp(buf []byte, seq uint32) {
	binary.BigEndian.PutUint32(buf, seq)
}

// Read returns the sequence number stamped into buf.
func Read(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortPayload
	}
	return binary.BigEndian.Uint32(buf), nil
}

type Result struct {
	Received   uint64
	InOrder    uint64
	Reordered  uint64
	Duplicates uint64
	Malformed  uint64
}

// Missing returns how many of the first want sequence numbers were never seen.
func (r Result) Missing(want uint64) uint64 {
	unique := r.Received - r.Duplicates - r.Malformed
	if unique >= want {
		return 0
	}
	return want - unique
}

// Checker tracks sequence numbers below window, rounded up to a multiple of
// 64. It is safe for concurrent use.
type Checker struct {
	mu   sync.Mutex
	seen []uint64
	next uint32
	res  Result
}

// New creates a checker for window sequence numbers.
func New(window uint64) *Checker {
	return &Checker{seen: make([]uint64, (window+63)/64)}
}

// Observe records one received payload. It reports whether the payload
// carried the expected next sequence number.
func (c *Checker) Observe(buf []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.res.Received++
	seq, err := Read(buf)
	if err != nil || uint64(seq)/64 >= uint64(len(c.seen)) {
		c.res.Malformed++
		return false
	}
	word, bit := seq/64, uint64(1)<<(seq%64)
	if c.seen[word]&bit != 0 {
		c.res.Duplicates++
		return false
	}
	c.seen[word] |= bit

	if seq != c.next {
		c.res.Reordered++
		if seq > c.next {
			c.next = seq + 1
		}
		return false
	}
	c.res.InOrder++
	c.next = seq + 1
	return true
}

func (c *Checker) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}
