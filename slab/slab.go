// Package slab implements contiguous memory regions divided into fixed-size
// slots that are handed to the kernel for asynchronous I/O.
//
// A Slab is allocated once, optionally registered with the completion
// backend, and released exactly once by Close. Slots are addressed solely by
// index and reused in time order through the slab's Cursor; there is no
// free-list.
package slab

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidSlotBytes = errors.New("slot size must be > 0")
	ErrInvalidMinSlots  = errors.New("minimum slot count must be > 0")
	ErrTooLarge         = errors.New("slab exceeds addressable size")
	ErrRegistered       = errors.New("slab is already registered")
	ErrClosed           = errors.New("slab is closed")
)

// Role tags the pool a slab serves.
type Role uint8

const (
	RoleRecv Role = iota
	RoleSend
	RoleAddr
)

func (r Role) String() string {
	switch r {
	case RoleRecv:
		return "recv"
	case RoleSend:
		return "send"
	case RoleAddr:
		return "addr"
	}
	return ""
}

// Registrar registers memory regions with the kernel I/O subsystem.
type Registrar interface {
	RegisterBuffer(buf []byte) (id int, err error)
	UnregisterBuffer(id int) error
}

// Slab is one mapped region of Count()*SlotBytes() bytes.
//
// Slot content is not synchronized: the send and address pools are written
// by the submission path after capacity was reserved, the receive pool only
// by the completion pump.
type Slab struct {
	role      Role
	slotBytes int
	count     int
	mem       []byte
	lens      []uint32
	cursor    *Cursor

	reg        Registrar
	regID      int
	registered bool
}

// New maps a slab of at least minSlots slots of slotBytes each.
// The slot count is rounded up with NumBuffers so that the region size is a
// multiple of the allocation granularity.
func New(role Role, slotBytes, minSlots int) (*Slab, error) {
	if slotBytes <= 0 {
		return nil, ErrInvalidSlotBytes
	}
	if minSlots <= 0 {
		return nil, ErrInvalidMinSlots
	}

	count := NumBuffers(uint64(slotBytes), uint64(minSlots))
	if count > math.MaxUint32 || count*uint64(slotBytes) > math.MaxInt {
		return nil, ErrTooLarge
	}
	size := int(count) * slotBytes

	mem, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("mapping %s slab (%d bytes): %w", role, size, err)
	}

	return &Slab{
		role:      role,
		slotBytes: slotBytes,
		count:     int(count),
		mem:       mem,
		lens:      make([]uint32, count),
		cursor:    NewCursor(int(count)),
	}, nil
}

// Register hands the whole region to reg. It may be called once.
func (s *Slab) Register(reg Registrar) error {
	if s.mem == nil {
		return ErrClosed
	}
	if s.registered {
		return ErrRegistered
	}
	id, err := reg.RegisterBuffer(s.mem)
	if err != nil {
		return fmt.Errorf("registering %s slab: %w", s.role, err)
	}
	s.reg, s.regID, s.registered = reg, id, true
	return nil
}

func (s *Slab) Role() Role       { return s.role }
func (s *Slab) SlotBytes() int   { return s.slotBytes }
func (s *Slab) Count() int       { return s.count }
func (s *Slab) Bytes() int       { return s.count * s.slotBytes }
func (s *Slab) Registered() bool { return s.registered }

// Slot returns the window of slot i. Its capacity ends at the slot boundary.
func (s *Slab) Slot(i uint32) []byte {
	off := int(i) * s.slotBytes
	end := off + s.slotBytes
	return s.mem[off:end:end]
}

// SetLen records the payload length written into slot i.
func (s *Slab) SetLen(i uint32, n int) { s.lens[i] = uint32(n) }

// Len returns the payload length last recorded for slot i.
func (s *Slab) Len(i uint32) int { return int(s.lens[i]) }

// Next returns the next slot index of this pool.
func (s *Slab) Next() uint32 { return s.cursor.Next() }

// Close unregisters and unmaps the region. Calling Close more than once,
// or on a slab whose registration failed, is safe.
func (s *Slab) Close() error {
	var errs []error
	if s.registered {
		if err := s.reg.UnregisterBuffer(s.regID); err != nil {
			errs = append(errs, fmt.Errorf("unregistering %s slab: %w", s.role, err))
		}
		s.reg, s.registered = nil, false
	}
	if s.mem != nil {
		if err := unmapRegion(s.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping %s slab: %w", s.role, err))
		}
		s.mem = nil
	}
	return errors.Join(errs...)
}

// CalcNumBuffers returns the smallest slot count >= minPackets for which
// count*packetBytes is a multiple of granularity.
//
// The slab size is rounded up to a multiple of lcm(granularity, packetBytes),
// which keeps it both page-aligned and an exact multiple of the slot size.
// It returns 0 if granularity or packetBytes is 0.
func CalcNumBuffers(granularity, packetBytes, minPackets uint64) uint64 {
	if granularity == 0 || packetBytes == 0 {
		return 0
	}
	g := gcd(granularity, packetBytes)
	roundUnit := granularity * packetBytes / g
	total := packetBytes * minPackets
	if rem := total % roundUnit; rem != 0 || total == 0 {
		total += roundUnit - rem
	}
	return total / packetBytes
}

// NumBuffers is CalcNumBuffers using the platform allocation granularity.
func NumBuffers(packetBytes, minPackets uint64) uint64 {
	return CalcNumBuffers(Granularity(), packetBytes, minPackets)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
