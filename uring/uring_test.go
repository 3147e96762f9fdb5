//go:build linux

package uring_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/slabudp/completion"
	"github.com/romshark/slabudp/slab"
	"github.com/romshark/slabudp/uring"
)

func setupRing(t *testing.T, entries, cq uint32) *uring.Ring {
	t.Helper()
	r, err := uring.Setup(entries, cq)
	if errors.Is(err, uring.ErrUnsupported) {
		t.Skipf("skipping: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// udpSocket returns a UDP socket bound to 127.0.0.1 on an
// ephemeral port.
func udpSocket(t *testing.T) (int, *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sa.(*unix.SockaddrInet4)
}

func newSlab(t *testing.T, role slab.Role, slotBytes, minSlots int) *slab.Slab {
	t.Helper()
	s, err := slab.New(role, slotBytes, minSlots)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitKey runs Wait with a deadline so a broken ring fails the test
// instead of hanging it.
func waitKey(t *testing.T, src *uring.Source) completion.Key {
	t.Helper()
	type res struct {
		k   completion.Key
		err error
	}
	ch := make(chan res, 1)
	go func() {
		k, err := src.Wait()
		ch <- res{k, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.k
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return 0
	}
}

func TestTag(t *testing.T) {
	op, slot := uring.Untag(uring.Tag(completion.OpSend, 0xdeadbeef))
	assert.Equal(t, completion.OpSend, op)
	assert.Equal(t, uint32(0xdeadbeef), slot)
	assert.NotZero(t, uring.Tag(completion.OpRecv, 0), "IO tags never collide with the sentinel")
}

func TestSetupEntries(t *testing.T) {
	r := setupRing(t, 8, 64)
	sq, cq := r.Entries()
	assert.GreaterOrEqual(t, sq, uint32(8))
	assert.GreaterOrEqual(t, cq, uint32(16))
}

func TestRegisterBuffers(t *testing.T) {
	r := setupRing(t, 8, 16)
	a := newSlab(t, slab.RoleRecv, 512, 8)
	b := newSlab(t, slab.RoleSend, 512, 8)

	if err := a.Register(r); err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EPERM) {
			t.Skipf("skipping: cannot pin memory: %v", err)
		}
		require.NoError(t, err)
	}
	require.NoError(t, b.Register(r))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	// Unregistering after the ring is gone is a no-op.
	c := newSlab(t, slab.RoleAddr, 16, 8)
	require.NoError(t, c.Register(r))
	require.NoError(t, r.Close())
	assert.NoError(t, c.Close())
}

func TestShutdownSentinel(t *testing.T) {
	r := setupRing(t, 8, 16)
	fd, _ := udpSocket(t)
	src, err := uring.NewSource(r, fd,
		newSlab(t, slab.RoleRecv, 256, 4),
		newSlab(t, slab.RoleSend, 256, 4),
		newSlab(t, slab.RoleAddr, unix.SizeofSockaddrInet4, 4))
	require.NoError(t, err)

	require.NoError(t, src.PostShutdown())
	assert.Equal(t, completion.KeyShutdown, waitKey(t, src))

	n, err := src.Dequeue(make([]completion.Result, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSourceOnClosedRing(t *testing.T) {
	r := setupRing(t, 8, 16)
	fd, _ := udpSocket(t)
	src, err := uring.NewSource(r, fd,
		newSlab(t, slab.RoleRecv, 256, 4),
		newSlab(t, slab.RoleSend, 256, 4),
		newSlab(t, slab.RoleAddr, unix.SizeofSockaddrInet4, 4))
	require.NoError(t, err)

	// A completion is pending when the ring goes away.
	require.NoError(t, src.PostShutdown())
	require.NoError(t, r.Close())

	_, err = src.Wait()
	assert.ErrorIs(t, err, uring.ErrRingClosed)
	n, err := src.Dequeue(make([]completion.Result, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Slots are armed on one goroutine and reaped and re-armed on another,
// the way Bind and the pump share them. Run with -race.
func TestRecvArmedOnAnotherGoroutine(t *testing.T) {
	r := setupRing(t, 16, 32)
	fd, local := udpSocket(t)
	peer, _ := udpSocket(t)

	recv := newSlab(t, slab.RoleRecv, 64, 4)
	src, err := uring.NewSource(r, fd, recv,
		newSlab(t, slab.RoleSend, 64, 4),
		newSlab(t, slab.RoleAddr, unix.SizeofSockaddrInet4, 4))
	require.NoError(t, err)

	const slots = 4
	armed := make(chan error, 1)
	go func() {
		for i := range uint32(slots) {
			if err := src.SubmitRecv(i); err != nil {
				armed <- err
				return
			}
		}
		armed <- src.Commit()
	}()

	for i := range 2 * slots {
		require.NoError(t, unix.Sendto(peer, []byte{byte(i)}, 0, local))
	}

	results := make([]completion.Result, slots)
	for got := 0; got < 2*slots; {
		assert.Equal(t, completion.KeyIO, waitKey(t, src))
		n, err := src.Dequeue(results)
		require.NoError(t, err)
		for _, res := range results[:n] {
			require.NoError(t, res.Err)
			assert.Equal(t, 1, res.Bytes)
			assert.False(t, res.Truncated)
			require.NoError(t, src.SubmitRecv(res.Slot))
		}
		require.NoError(t, src.Commit())
		got += n
	}
	require.NoError(t, <-armed)
}

func TestRecvAndSend(t *testing.T) {
	r := setupRing(t, 16, 32)
	fd, local := udpSocket(t)
	peer, peerAddr := udpSocket(t)

	recv := newSlab(t, slab.RoleRecv, 64, 4)
	send := newSlab(t, slab.RoleSend, 64, 4)
	addr := newSlab(t, slab.RoleAddr, unix.SizeofSockaddrInet4, 4)
	src, err := uring.NewSource(r, fd, recv, send, addr)
	require.NoError(t, err)

	require.NoError(t, src.SubmitRecv(0))
	require.NoError(t, src.Commit())
	assert.Zero(t, r.Staged())

	// Inbound: the peer sends an oversized datagram into a 64-byte slot.
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, unix.Sendto(peer, payload, 0, local))

	assert.Equal(t, completion.KeyIO, waitKey(t, src))
	results := make([]completion.Result, 4)
	n, err := src.Dequeue(results)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, completion.OpRecv, results[0].Op)
	assert.Equal(t, uint32(0), results[0].Slot)
	assert.Equal(t, 64, results[0].Bytes)
	assert.True(t, results[0].Truncated)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, payload[:64], recv.Slot(0))

	// Outbound: a deferred send only leaves after Commit.
	msg := []byte("hello")
	copy(send.Slot(1), msg)
	send.SetLen(1, len(msg))
	uring.PutSockaddrInet4(addr.Slot(2), peerAddr.Addr, peerAddr.Port)

	require.NoError(t, src.SubmitSend(1, 2, true))
	assert.Equal(t, 1, r.Staged())
	require.NoError(t, src.Commit())

	assert.Equal(t, completion.KeyIO, waitKey(t, src))
	n, err = src.Dequeue(results)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, completion.OpSend, results[0].Op)
	assert.Equal(t, uint32(1), results[0].Slot)
	assert.Equal(t, len(msg), results[0].Bytes)

	buf := make([]byte, 64)
	require.NoError(t, unix.SetsockoptTimeval(peer, unix.SOL_SOCKET, unix.SO_RCVTIMEO,
		&unix.Timeval{Sec: 5}))
	got, _, err := unix.Recvfrom(peer, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:got])
}

func TestSubmitOutOfRange(t *testing.T) {
	r := setupRing(t, 8, 16)
	fd, _ := udpSocket(t)
	src, err := uring.NewSource(r, fd,
		newSlab(t, slab.RoleRecv, 256, 4),
		newSlab(t, slab.RoleSend, 256, 4),
		newSlab(t, slab.RoleAddr, unix.SizeofSockaddrInet4, 4))
	require.NoError(t, err)

	assert.Error(t, src.SubmitRecv(1<<30))
	assert.Error(t, src.SubmitSend(1<<30, 0, true))
	assert.Error(t, src.SubmitSend(0, 1<<30, true))
}

func TestNewSourceRejectsSmallAddressSlots(t *testing.T) {
	r := setupRing(t, 8, 16)
	fd, _ := udpSocket(t)
	_, err := uring.NewSource(r, fd,
		newSlab(t, slab.RoleRecv, 256, 4),
		newSlab(t, slab.RoleSend, 256, 4),
		newSlab(t, slab.RoleAddr, 8, 4))
	assert.Error(t, err)
}

func TestPutSockaddrInet4(t *testing.T) {
	b := make([]byte, unix.SizeofSockaddrInet4)
	for i := range b {
		b[i] = 0xff
	}
	uring.PutSockaddrInet4(b, [4]byte{10, 1, 2, 3}, 0x1234)
	assert.Equal(t, []byte{0x12, 0x34, 10, 1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0}, b[2:])
	assert.Equal(t, uint16(unix.AF_INET), binary.NativeEndian.Uint16(b),
		"family is stored in host order")
}

func TestClosedRing(t *testing.T) {
	r := setupRing(t, 8, 16)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Push(0, -1, 0, 1), uring.ErrRingClosed)
	assert.ErrorIs(t, r.Submit(), uring.ErrRingClosed)
	assert.ErrorIs(t, r.WaitCQE(), uring.ErrRingClosed)

	_, ok := r.Peek()
	assert.False(t, ok)
	r.Advance()
}
