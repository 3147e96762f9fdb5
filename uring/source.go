//go:build linux

package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/slabudp/completion"
	"github.com/romshark/slabudp/slab"
)

// shutdownTag is the user_data of the sentinel NOP.
const shutdownTag = 0

// Tag packs an op and a slot into a user_data value.
func Tag(op completion.Op, slot uint32) uint64 {
	return uint64(op)<<32 | uint64(slot)
}

// Untag is the inverse of Tag.
func Untag(userData uint64) (completion.Op, uint32) {
	return completion.Op(userData >> 32), uint32(userData)
}

// Source is a completion.Source on top of a Ring and one UDP socket.
type Source struct {
	ring *Ring
	fd   int

	recv *slab.Slab
	send *slab.Slab
	addr *slab.Slab

	// Per-slot message headers. The kernel reads them after submission, so
	// they live as long as the Source.
	recvMsgs []unix.Msghdr
	recvIovs []unix.Iovec
	sendMsgs []unix.Msghdr
	sendIovs []unix.Iovec
}

var _ completion.Source = (*Source)(nil)

// NewSource builds the per-slot message tables for fd. Address slots must
// be at least unix.SizeofSockaddrInet4 bytes.
func NewSource(ring *Ring, fd int, recv, send, addr *slab.Slab) (*Source, error) {
	if addr.SlotBytes() < unix.SizeofSockaddrInet4 {
		return nil, fmt.Errorf("address slots of %d bytes cannot hold a sockaddr", addr.SlotBytes())
	}
	s := &Source{
		ring:     ring,
		fd:       fd,
		recv:     recv,
		send:     send,
		addr:     addr,
		recvMsgs: make([]unix.Msghdr, recv.Count()),
		recvIovs: make([]unix.Iovec, recv.Count()),
		sendMsgs: make([]unix.Msghdr, send.Count()),
		sendIovs: make([]unix.Iovec, send.Count()),
	}

	for i := range s.recvMsgs {
		b := recv.Slot(uint32(i))
		s.recvIovs[i].Base = &b[0]
		s.recvIovs[i].SetLen(len(b))
		s.recvMsgs[i].Iov = &s.recvIovs[i]
		s.recvMsgs[i].SetIovlen(1)
	}
	for i := range s.sendMsgs {
		b := send.Slot(uint32(i))
		s.sendIovs[i].Base = &b[0]
		s.sendMsgs[i].Iov = &s.sendIovs[i]
		s.sendMsgs[i].SetIovlen(1)
		s.sendMsgs[i].Namelen = unix.SizeofSockaddrInet4
	}
	return s, nil
}

func (s *Source) Wait() (completion.Key, error) {
	for {
		c, ok := s.ring.Peek()
		if ok {
			if c.UserData == shutdownTag {
				s.ring.Advance()
				return completion.KeyShutdown, nil
			}
			return completion.KeyIO, nil
		}
		if err := s.ring.WaitCQE(); err != nil {
			return 0, err
		}
	}
}

func (s *Source) Dequeue(results []completion.Result) (int, error) {
	n := 0
	for n < len(results) {
		c, ok := s.ring.Peek()
		if !ok || c.UserData == shutdownTag {
			break
		}
		op, slot := Untag(c.UserData)
		r := completion.Result{Op: op, Slot: slot}
		if c.Res < 0 {
			r.Err = unix.Errno(-c.Res)
		} else {
			r.Bytes = int(c.Res)
		}
		if op == completion.OpRecv && int(slot) < len(s.recvMsgs) {
			flags := atomic.LoadInt32(&s.recvMsgs[slot].Flags)
			r.Truncated = flags&unix.MSG_TRUNC != 0
		}
		results[n] = r
		n++
		s.ring.Advance()
	}
	return n, nil
}

func (s *Source) SubmitRecv(slot uint32) error {
	if int(slot) >= len(s.recvMsgs) {
		return fmt.Errorf("receive slot %d out of range", slot)
	}
	msg := &s.recvMsgs[slot]
	// The first arming runs on the binding goroutine, later ones on the
	// pump; the kernel write in between is invisible to Go.
	atomic.StoreInt32(&msg.Flags, 0)
	return s.ring.Push(opRecvmsg, s.fd,
		uint64(uintptr(unsafe.Pointer(msg))), Tag(completion.OpRecv, slot))
}

func (s *Source) SubmitSend(slot, addrSlot uint32, deferred bool) error {
	if int(slot) >= len(s.sendMsgs) {
		return fmt.Errorf("send slot %d out of range", slot)
	}
	if int(addrSlot) >= s.addr.Count() {
		return fmt.Errorf("address slot %d out of range", addrSlot)
	}
	s.sendIovs[slot].SetLen(s.send.Len(slot))
	a := s.addr.Slot(addrSlot)
	msg := &s.sendMsgs[slot]
	msg.Name = &a[0]

	if err := s.ring.Push(opSendmsg, s.fd,
		uint64(uintptr(unsafe.Pointer(msg))), Tag(completion.OpSend, slot)); err != nil {
		return err
	}
	if deferred {
		return nil
	}
	return s.ring.Submit()
}

func (s *Source) Commit() error { return s.ring.Submit() }

func (s *Source) PostShutdown() error {
	if err := s.ring.Push(opNop, -1, 0, shutdownTag); err != nil {
		return err
	}
	return s.ring.Submit()
}
