//go:build linux

package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/slabudp/ioerr"
	"github.com/romshark/slabudp/uring"
)

func testConfig(logger logrus.FieldLogger) Config {
	return Config{
		PacketSize:     512,
		RecvMinSlots:   64,
		SendMinSlots:   64,
		BatchSize:      16,
		DrainTimeout:   2 * time.Second,
		FirstSendDelay: -1,
		Logger:         logger,
	}
}

func newTestDriver(t *testing.T, conf Config) *Driver {
	t.Helper()
	d, err := New(conf)
	if errors.Is(err, uring.ErrUnsupported) {
		t.Skipf("skipping: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Destroy() })
	return d
}

// pump runs ProcessCompletions until done and forwards every received
// buffer. The returned channel is closed when the loop ends.
func pump(t *testing.T, d *Driver) (<-chan []byte, <-chan struct{}) {
	t.Helper()
	bufs := make(chan []byte, 1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			finished, batch, err := d.ProcessCompletions()
			if err != nil {
				t.Errorf("process completions: %v", err)
				return
			}
			for _, b := range batch {
				bufs <- b
			}
			if finished {
				return
			}
		}
	}()
	return bufs, done
}

func receive(t *testing.T, bufs <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-bufs:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return nil
	}
}

func closeAndWait(t *testing.T, d *Driver, done <-chan struct{}) {
	t.Helper()
	require.NoError(t, d.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not observe shutdown")
	}
	require.NoError(t, d.Destroy())
	assert.Equal(t, Closed, d.State())
}

func TestLoopbackRoundTrip(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	assert.Equal(t, Initialized, d.State())

	port, addr, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Equal(t, "127.0.0.1", addr)
	assert.Equal(t, Bound, d.State())
	lp, la := d.LocalAddr()
	assert.Equal(t, port, lp)
	assert.Equal(t, addr, la)

	bufs, done := pump(t, d)

	ctx := context.Background()
	payload := []byte("0123456789")
	slots, err := d.PrepareSend(ctx, [][]byte{payload})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	payload[0] = 'x' // The slab holds its own copy.
	require.NoError(t, d.Send(slots, port, addr))
	require.NoError(t, d.CommitSend())

	assert.Equal(t, []byte("0123456789"), receive(t, bufs))
	assert.Equal(t, Active, d.State())

	// A burst of several datagrams to the same destination.
	burst := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	slots, err = d.PrepareSend(ctx, burst)
	require.NoError(t, err)
	require.NoError(t, d.Send(slots, port, addr))
	require.NoError(t, d.CommitSend())
	got := map[string]bool{}
	for range burst {
		got[string(receive(t, bufs))] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "bb": true, "ccc": true}, got)

	closeAndWait(t, d, done)
	s := d.Stats()
	assert.Equal(t, uint64(4), s.SendsSubmitted)
	assert.Equal(t, uint64(4), s.SendsCompleted)
	assert.Equal(t, uint64(4), s.RecvPackets)
	assert.Zero(t, s.InFlight)

	// Done stays done.
	finished, batch, err := d.ProcessCompletions()
	assert.True(t, finished)
	assert.Nil(t, batch)
	assert.NoError(t, err)
}

func TestFirstSendDelay(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	conf := testConfig(logger)
	conf.FirstSendDelay = 7 * time.Millisecond
	d := newTestDriver(t, conf)

	var mu sync.Mutex
	var slept []time.Duration
	d.sleep = func(d time.Duration) {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
	}

	port, addr, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	bufs, done := pump(t, d)

	for range 3 {
		slots, err := d.PrepareSend(context.Background(), [][]byte{[]byte("x"), []byte("y")})
		require.NoError(t, err)
		require.NoError(t, d.Send(slots, port, addr))
		require.NoError(t, d.CommitSend())
	}
	for range 6 {
		receive(t, bufs)
	}

	mu.Lock()
	assert.Equal(t, []time.Duration{7 * time.Millisecond}, slept)
	mu.Unlock()
	closeAndWait(t, d, done)
}

func TestSendTruncatesToPacketSize(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	port, addr, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	bufs, done := pump(t, d)

	big := make([]byte, 700)
	for i := range big {
		big[i] = byte(i)
	}
	slots, err := d.PrepareSend(context.Background(), [][]byte{big})
	require.NoError(t, err)
	require.NoError(t, d.Send(slots, port, addr))
	require.NoError(t, d.CommitSend())

	assert.Equal(t, big[:512], receive(t, bufs))
	assert.Equal(t, uint64(1), d.Stats().SendTruncated)
	closeAndWait(t, d, done)
}

func TestReceiveTruncation(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	port, _, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	bufs, done := pump(t, d)

	peer, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	defer unix.Close(peer)
	dst := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Sendto(peer, make([]byte, 600), 0, dst))

	assert.Len(t, receive(t, bufs), 512)
	assert.Equal(t, uint64(1), d.Stats().RecvTruncated)
	closeAndWait(t, d, done)
}

func TestDropOversize(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	conf := testConfig(logger)
	conf.DropOversize = true
	d, err := New(conf)
	switch {
	case errors.Is(err, uring.ErrUnsupported):
		t.Skipf("skipping: %v", err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		t.Skipf("skipping: loading BPF requires privileges: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Destroy() })

	port, _, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	bufs, done := pump(t, d)

	peer, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	defer unix.Close(peer)
	dst := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Sendto(peer, make([]byte, 513), 0, dst))
	require.NoError(t, unix.Sendto(peer, []byte("fits"), 0, dst))

	assert.Equal(t, []byte("fits"), receive(t, bufs))
	assert.Zero(t, d.Stats().RecvTruncated)
	closeAndWait(t, d, done)
}

func TestMulticastMembership(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	_, _, err := d.Bind(0, "")
	require.NoError(t, err)

	if err := d.AddMembership("239.1.1.1", "127.0.0.1"); err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EADDRNOTAVAIL) {
			t.Skipf("skipping: no multicast on loopback: %v", err)
		}
		require.NoError(t, err)
	}
	require.NoError(t, d.SetMulticastTTL(4))
	require.NoError(t, d.SetMulticastLoopback(true))
	require.NoError(t, d.DropMembership("239.1.1.1", "127.0.0.1"))

	err = d.AddMembership("not-an-ip", "")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.True(t, ioerr.IsKind(err, ioerr.KindOperation))
}

func TestMulticastDefaultInterface(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	_, _, err := d.Bind(0, "")
	require.NoError(t, err)

	require.NoError(t, d.AddMembership("239.1.1.1", ""))
	require.NoError(t, d.DropMembership("239.1.1.1", ""))
}

func TestSocketOptions(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))

	require.NoError(t, d.SetTTL(17))
	ttl, err := unix.GetsockoptInt(d.fd, unix.IPPROTO_IP, unix.IP_TTL)
	require.NoError(t, err)
	assert.Equal(t, 17, ttl)

	require.NoError(t, d.SetBroadcast(true))
	bc, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_BROADCAST)
	require.NoError(t, err)
	assert.Equal(t, 1, bc)

	err = d.SetTTL(-5)
	assert.ErrorIs(t, err, unix.EINVAL)
	code, ok := ioerr.Code(err)
	assert.True(t, ok)
	assert.Equal(t, unix.EINVAL, code)
}

func TestInvalidState(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))

	_, err := d.PrepareSend(context.Background(), [][]byte{[]byte("x")})
	assert.ErrorIs(t, err, ErrInvalidState, "send before bind")

	_, _, err = d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	_, _, err = d.Bind(0, "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidState, "bind twice")

	_, done := pump(t, d)
	closeAndWait(t, d, done)

	_, err = d.PrepareSend(context.Background(), [][]byte{[]byte("x")})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, d.SetTTL(3), ErrInvalidState)
	assert.NoError(t, d.Close(), "close is idempotent")
	assert.NoError(t, d.Destroy(), "destroy is idempotent")
}

func TestSendInvalidDestinationReleasesCapacity(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	_, _, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)

	slots, err := d.PrepareSend(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Stats().InFlight)

	assert.ErrorIs(t, d.Send(slots, 9, "999.1.1.1"), ErrInvalidAddress)
	assert.Zero(t, d.Stats().InFlight)

	slots, err = d.PrepareSend(context.Background(), [][]byte{[]byte("a")})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Send(slots, 0, "127.0.0.1"), ErrInvalidPort)
	assert.Zero(t, d.Stats().InFlight)
}

func TestBindInvalidInput(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))

	_, _, err := d.Bind(70000, "")
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, _, err = d.Bind(0, "::1")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, Initialized, d.State())
}

func TestCloseDrainTimeout(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	conf := testConfig(logger)
	conf.DrainTimeout = 30 * time.Millisecond
	d := newTestDriver(t, conf)
	port, addr, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)

	// No pump is running, so the send completion is never reaped.
	slots, err := d.PrepareSend(context.Background(), [][]byte{[]byte("stuck")})
	require.NoError(t, err)
	require.NoError(t, d.Send(slots, port, addr))
	require.NoError(t, d.CommitSend())

	require.NoError(t, d.Close())
	assert.Equal(t, Closing, d.State())
	assert.Equal(t, uint64(1), d.Stats().DrainTimeouts)

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "timed out draining in-flight sends" {
			found = true
			assert.Equal(t, 1, e.Data["in_flight"])
		}
	}
	assert.True(t, found, "drain timeout is logged")

	_, err = d.PrepareSend(context.Background(), [][]byte{[]byte("late")})
	assert.Error(t, err)

	// The pump still reaches the sentinel behind the pending records.
	_, done := pump(t, d)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not observe shutdown")
	}
}

func TestProcessCompletionsAfterDestroy(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newTestDriver(t, testConfig(logger))
	_, _, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, d.Destroy())
	assert.Equal(t, Closed, d.State())

	for range 2 {
		done, bufs, err := d.ProcessCompletions()
		require.NoError(t, err)
		assert.True(t, done)
		assert.Empty(t, bufs)
	}
}

func TestSetBufferSizeFailureIsFatal(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	d := &Driver{fd: -1, log: logger}

	err := d.setBufferSize("SO_RCVBUF", unix.SO_RCVBUFFORCE, unix.SO_RCVBUF, 1<<20)
	require.Error(t, err)
	assert.True(t, ioerr.IsKind(err, ioerr.KindSetup))
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Contains(t, err.Error(), "set SO_RCVBUF")
	assert.Empty(t, hook.AllEntries())
}

func TestRegistrationOffRoundTrip(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	conf := testConfig(logger)
	conf.Registration = RegistrationOff
	d := newTestDriver(t, conf)
	assert.False(t, d.recv.Registered())

	port, addr, err := d.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	bufs, done := pump(t, d)

	slots, err := d.PrepareSend(context.Background(), [][]byte{[]byte("unpinned")})
	require.NoError(t, err)
	require.NoError(t, d.Send(slots, port, addr))
	require.NoError(t, d.CommitSend())
	assert.Equal(t, []byte("unpinned"), receive(t, bufs))

	closeAndWait(t, d, done)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Network: "udp6"})
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	assert.True(t, ioerr.IsKind(err, ioerr.KindSetup))
}

func TestOversizeFilterSpec(t *testing.T) {
	spec := oversizeFilterSpec(1500)
	assert.Len(t, spec.Instructions, 6)
	assert.Equal(t, int64(1508), spec.Instructions[1].Constant)
}
