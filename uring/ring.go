//go:build linux

// Package uring implements the Linux completion backend on io_uring.
//
// Ring owns the submission and completion queues shared with the kernel.
// Source binds a ring to one UDP socket and its slabs and implements
// completion.Source with RECVMSG/SENDMSG submissions whose iovecs point
// straight into the slab slots.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - SQ ring: submission entries userspace hands to the kernel.
//   - CQ ring: completion entries the kernel hands back.
//   - user_data: opaque tag copied from an SQE into its CQE; encodes op+slot.
package uring

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrUnsupported = errors.New("io_uring is not available")
	ErrRingClosed  = errors.New("ring is closed")
	ErrSubmit      = errors.New("kernel accepted no submissions")
)

const (
	opNop     = 0
	opSendmsg = 9
	opRecvmsg = 10

	enterGetevents = 1 << 0

	setupCqsize = 1 << 3
	setupClamp  = 1 << 4

	registerBuffers   = 0
	unregisterBuffers = 1

	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000

	sqeSize = 64 // struct io_uring_sqe
	cqeSize = 16 // struct io_uring_cqe

	// DefaultEntries is the SQ size used when none is given.
	DefaultEntries = 4096
	maxEntries     = 32768
)

/*---- Kernel structs ----*/

// io_sqring_offsets is defined in linux/io_uring.h
type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// io_cqring_offsets is defined in linux/io_uring.h
type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// io_uring_params is defined in linux/io_uring.h
type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

// io_uring_sqe is defined in linux/io_uring.h
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	MsgFlags    uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Pad2        uint64
}

// io_uring_cqe is defined in linux/io_uring.h
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func init() {
	if sz := unsafe.Sizeof(sqe{}); sz != sqeSize {
		panic(fmt.Sprintf("io_uring SQE size mismatch: expected %d, got %d", sqeSize, sz))
	}
	if sz := unsafe.Sizeof(cqe{}); sz != cqeSize {
		panic(fmt.Sprintf("io_uring CQE size mismatch: expected %d, got %d", cqeSize, sz))
	}
}

// Ring is one io_uring instance.
//
// Submissions may come from any goroutine and are serialized by an internal
// mutex. The completion side (Peek, Advance, WaitCQE) has a single consumer
// and takes no lock.
type Ring struct {
	fd int

	sqRing  []byte
	cqRing  []byte
	sqesMap []byte

	sqes    []sqe
	sqArray []uint32
	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqSize  uint32

	cqes   []cqe
	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqSize uint32

	mu     sync.Mutex
	staged uint32

	bufMu     sync.Mutex
	bufs      map[int][]byte
	nextBufID int
	bufsLive  bool

	closed atomic.Bool
}

// Setup creates a ring with room for entries submissions and cqEntries
// completions. Sizes are clamped to the kernel limits.
func Setup(entries, cqEntries uint32) (*Ring, error) {
	if entries == 0 {
		entries = DefaultEntries
	}
	entries = min(entries, maxEntries)
	cqEntries = max(cqEntries, entries)

	// Try an explicit CQ size first, then the kernel default of 2*entries.
	flagSets := []uint32{setupClamp | setupCqsize, setupClamp}

	for i, flags := range flagSets {
		p := params{Flags: flags}
		sq := entries
		if flags&setupCqsize != 0 {
			p.CqEntries = cqEntries
		} else {
			sq = min(max(entries, (cqEntries+1)/2), maxEntries)
		}

		fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
			uintptr(sq), uintptr(unsafe.Pointer(&p)), 0)
		if errno != 0 {
			if errno == unix.EINVAL && i < len(flagSets)-1 {
				continue
			}
			if errno == unix.ENOSYS || errno == unix.EPERM {
				return nil, fmt.Errorf("%w: %w", ErrUnsupported, errno)
			}
			return nil, fmt.Errorf("io_uring_setup: %w", errno)
		}

		r := &Ring{fd: int(fd)}
		if err := r.mapRings(&p); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("mapping rings: %w", err)
		}
		return r, nil
	}
	panic("unreachable")
}

func alignUp(v, alignment uint32) uint32 {
	if rem := v % alignment; rem != 0 {
		return v + alignment - rem
	}
	return v
}

func (r *Ring) mapRings(p *params) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUp(p.SqOff.Array+p.SqEntries*4, pageSize)
	cqRingSize := alignUp(p.CqOff.Cqes+p.CqEntries*cqeSize, pageSize)
	sqesSize := alignUp(p.SqEntries*sqeSize, pageSize)

	var err error
	prot, flags := unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE

	if r.sqRing, err = unix.Mmap(r.fd, offSqRing, int(sqRingSize), prot, flags); err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}
	if r.cqRing, err = unix.Mmap(r.fd, offCqRing, int(cqRingSize), prot, flags); err != nil {
		return fmt.Errorf("mmap CQ ring: %w", err)
	}
	if r.sqesMap, err = unix.Mmap(r.fd, offSqes, int(sqesSize), prot, flags); err != nil {
		return fmt.Errorf("mmap SQEs: %w", err)
	}

	sqBase := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.SqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.SqOff.RingMask))
	r.sqSize = *(*uint32)(unsafe.Add(sqBase, p.SqOff.RingEntries))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, p.SqOff.Array)), p.SqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqesMap[0])), p.SqEntries)

	cqBase := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CqOff.RingMask))
	r.cqSize = *(*uint32)(unsafe.Add(cqBase, p.CqOff.RingEntries))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Add(cqBase, p.CqOff.Cqes)), p.CqEntries)

	return nil
}

// Entries returns the SQ and CQ sizes granted by the kernel.
func (r *Ring) Entries() (sq, cq uint32) { return r.sqSize, r.cqSize }

func (r *Ring) enter(toSubmit, minComplete uint32, flags uintptr) (int, error) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
		if errno == 0 {
			return int(n), nil
		}
		if errno == unix.EINTR {
			continue // Retry on signal interruption.
		}
		return 0, errno
	}
}

// push stages one SQE. The caller must hold r.mu.
func (r *Ring) pushLocked(op uint8, fd int, addr, userData uint64) error {
	if r.closed.Load() {
		return ErrRingClosed
	}
	tail := *r.sqTail
	if tail-atomic.LoadUint32(r.sqHead) >= r.sqSize {
		// SQ is full of staged entries: hand them to the kernel to make room.
		if err := r.submitLocked(); err != nil {
			return err
		}
	}

	idx := tail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{
		Opcode:   op,
		Fd:       int32(fd),
		Addr:     addr,
		UserData: userData,
	}
	r.sqArray[idx] = idx

	// Publish the entry only after it is fully written.
	atomic.StoreUint32(r.sqTail, tail+1)
	r.staged++
	return nil
}

// submitLocked hands all staged SQEs to the kernel. The caller must hold r.mu.
func (r *Ring) submitLocked() error {
	for r.staged > 0 {
		n, err := r.enter(r.staged, 0, 0)
		if err != nil {
			return fmt.Errorf("io_uring_enter: %w", err)
		}
		if n == 0 {
			return ErrSubmit
		}
		r.staged -= uint32(n)
	}
	return nil
}

// Push stages one SQE without submitting it.
func (r *Ring) Push(op uint8, fd int, addr, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(op, fd, addr, userData)
}

// Submit hands all staged SQEs to the kernel with as few syscalls as the
// kernel allows, normally one.
func (r *Ring) Submit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRingClosed
	}
	return r.submitLocked()
}

// Staged returns the number of SQEs not yet handed to the kernel.
func (r *Ring) Staged() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.staged)
}

// Peek returns the oldest unconsumed CQE by value. A closed ring has none.
func (r *Ring) Peek() (cqe, bool) {
	if r.closed.Load() {
		return cqe{}, false
	}
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return cqe{}, false
	}
	return r.cqes[head&r.cqMask], true
}

// Advance marks the oldest CQE as consumed.
func (r *Ring) Advance() {
	if r.closed.Load() {
		return
	}
	atomic.StoreUint32(r.cqHead, atomic.LoadUint32(r.cqHead)+1)
}

// WaitCQE blocks until at least one CQE is available.
func (r *Ring) WaitCQE() error {
	for {
		if r.closed.Load() {
			return ErrRingClosed
		}
		if _, ok := r.Peek(); ok {
			return nil
		}
		if _, err := r.enter(0, 1, enterGetevents); err != nil {
			return fmt.Errorf("io_uring_enter: %w", err)
		}
	}
}

// RegisterBuffer adds buf to the ring's fixed buffer table, pinning it.
// The table is registered as a whole, so every change re-registers the set.
func (r *Ring) RegisterBuffer(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, unix.EINVAL
	}
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	if r.closed.Load() {
		return 0, ErrRingClosed
	}
	if r.bufs == nil {
		r.bufs = make(map[int][]byte)
	}

	r.nextBufID++
	id := r.nextBufID
	r.bufs[id] = buf
	if err := r.reregisterLocked(); err != nil {
		delete(r.bufs, id)
		_ = r.reregisterLocked()
		return 0, err
	}
	return id, nil
}

// UnregisterBuffer drops a buffer from the table. Once the ring is closed
// the kernel has released the table already and this is a no-op.
func (r *Ring) UnregisterBuffer(id int) error {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	if _, ok := r.bufs[id]; !ok {
		return nil
	}
	delete(r.bufs, id)
	if r.closed.Load() {
		return nil
	}
	return r.reregisterLocked()
}

func (r *Ring) reregisterLocked() error {
	if r.bufsLive {
		if _, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
			uintptr(r.fd), unregisterBuffers, 0, 0, 0, 0); errno != 0 {
			return fmt.Errorf("unregistering buffers: %w", errno)
		}
		r.bufsLive = false
	}
	if len(r.bufs) == 0 {
		return nil
	}

	ids := make([]int, 0, len(r.bufs))
	for id := range r.bufs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	iovs := make([]unix.Iovec, len(ids))
	for i, id := range ids {
		b := r.bufs[id]
		iovs[i].Base = &b[0]
		iovs[i].SetLen(len(b))
	}

	register := func() unix.Errno {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
			uintptr(r.fd), registerBuffers,
			uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)), 0, 0)
		return errno
	}
	errno := register()
	if errno == unix.ENOMEM && raiseMemlock() {
		errno = register()
	}
	if errno != 0 {
		return fmt.Errorf("registering buffers: %w", errno)
	}
	r.bufsLive = true
	return nil
}

// raiseMemlock lifts the soft RLIMIT_MEMLOCK to the hard limit. Pinned
// buffers are charged against it.
func raiseMemlock() bool {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return false
	}
	if lim.Cur >= lim.Max {
		return false
	}
	lim.Cur = lim.Max
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &lim) == nil
}

// Close unmaps the rings and closes the ring descriptor. The kernel cancels
// outstanding requests and releases registered buffers.
// The completion consumer must have stopped before Close is called.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, m := range []*[]byte{&r.sqesMap, &r.cqRing, &r.sqRing} {
		if *m != nil {
			if err := unix.Munmap(*m); err != nil {
				errs = append(errs, err)
			}
			*m = nil
		}
	}
	if r.fd > 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing ring fd: %w", err))
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}
