//go:build linux

package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/romshark/slabudp/driver"
	"github.com/romshark/slabudp/ioerr"
)

var ErrNotBound = errors.New("socket is not bound")

// kernelTransport runs a Port on an ordinary kernel UDP socket. It is the
// fallback for hosts where io_uring is unavailable. Receives and sends are
// batched with recvmmsg/sendmmsg.
type kernelTransport struct {
	conf driver.Config
	log  logrus.FieldLogger

	mu     sync.Mutex
	cond   *sync.Cond
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	closed bool
	port   int
	addr   string

	rbatch []ipv4.Message

	recvPackets    atomic.Uint64
	recvBytes      atomic.Uint64
	recvTruncated  atomic.Uint64
	sendsCompleted atomic.Uint64
	sendTruncated  atomic.Uint64
}

func newKernelTransport(conf driver.Config) *kernelTransport {
	t := &kernelTransport{
		conf:   conf,
		log:    conf.Logger,
		rbatch: make([]ipv4.Message, conf.BatchSize),
	}
	t.cond = sync.NewCond(&t.mu)
	for i := range t.rbatch {
		t.rbatch[i].Buffers = [][]byte{make([]byte, conf.PacketSize)}
	}
	return t
}

func (t *kernelTransport) bind(port int, addr string) (int, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, "", ioerr.Operation("bind", ErrClosed)
	}
	if t.pc != nil {
		return 0, "", ioerr.Operation("bind", driver.ErrInvalidState)
	}

	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		if !t.conf.ReuseAddr {
			return nil
		}
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return serr
	}}
	pconn, err := lc.ListenPacket(context.Background(), "udp4",
		net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return 0, "", ioerr.Operation("bind", err)
	}
	conn := pconn.(*net.UDPConn)

	bufBytes := t.conf.PacketSize * max(t.conf.RecvMinSlots, t.conf.SendMinSlots)
	if err := conn.SetReadBuffer(bufBytes); err != nil {
		t.log.WithError(err).Debug("setting receive buffer")
	}
	if err := conn.SetWriteBuffer(bufBytes); err != nil {
		t.log.WithError(err).Debug("setting send buffer")
	}

	la := conn.LocalAddr().(*net.UDPAddr)
	t.conn, t.pc = conn, ipv4.NewPacketConn(conn)
	t.port, t.addr = la.Port, la.IP.String()
	t.cond.Broadcast()
	return t.port, t.addr, nil
}

func (t *kernelTransport) bound() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc != nil
}

func (t *kernelTransport) localAddr() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port, t.addr
}

func (t *kernelTransport) packetConn(op string) (*ipv4.PacketConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ioerr.Operation(op, ErrClosed)
	}
	if t.pc == nil {
		return nil, ioerr.Operation(op, ErrNotBound)
	}
	return t.pc, nil
}

// prepare cuts every buffer to the packet size. Sends are synchronous, so
// no copy is needed.
func (t *kernelTransport) prepare(ctx context.Context, bufs [][]byte) (pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioerr.Operation("reserve send capacity", err)
	}
	views := make([][]byte, len(bufs))
	for i, b := range bufs {
		if len(b) > t.conf.PacketSize {
			t.sendTruncated.Add(1)
			b = b[:t.conf.PacketSize]
		}
		views[i] = b
	}
	return views, nil
}

func (t *kernelTransport) submit(p pending, port int, addr string) error {
	pc, err := t.packetConn("send")
	if err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return ioerr.Operation("send", fmt.Errorf("%w: %d", driver.ErrInvalidPort, port))
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return ioerr.Operation("send", fmt.Errorf("%w: %q", driver.ErrInvalidAddress, addr))
	}
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port)))

	views := p.([][]byte)
	msgs := make([]ipv4.Message, len(views))
	for i, b := range views {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = dst
	}
	for len(msgs) > 0 {
		n, err := pc.WriteBatch(msgs, 0)
		if err != nil {
			return ioerr.Operation("send", err)
		}
		t.sendsCompleted.Add(uint64(n))
		msgs = msgs[n:]
	}
	return nil
}

func (t *kernelTransport) membership(join bool, group, iface string) error {
	op := "drop membership"
	if join {
		op = "add membership"
	}
	pc, err := t.packetConn(op)
	if err != nil {
		return err
	}
	g, err := netip.ParseAddr(group)
	if err != nil || !g.Is4() {
		return ioerr.Operation(op, fmt.Errorf("%w: %q", driver.ErrInvalidAddress, group))
	}
	ifi, err := interfaceByAddr(iface)
	if err != nil {
		return ioerr.Operation(op, err)
	}
	ga := &net.UDPAddr{IP: g.AsSlice()}
	if join {
		err = pc.JoinGroup(ifi, ga)
	} else {
		err = pc.LeaveGroup(ifi, ga)
	}
	if err != nil {
		return ioerr.Operation(op, err)
	}
	return nil
}

// interfaceByAddr finds the interface owning the IPv4 address s.
// The empty string selects the default interface.
func interfaceByAddr(s string) (*net.Interface, error) {
	if s == "" {
		return nil, nil
	}
	want, err := netip.ParseAddr(s)
	if err != nil || !want.Is4() {
		return nil, fmt.Errorf("%w: %q", driver.ErrInvalidAddress, s)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(n.IP); ok && ip.Unmap() == want {
					return &ifaces[i], nil
				}
			}
		}
	}
	return nil, fmt.Errorf("no interface with address %s", s)
}

func (t *kernelTransport) setTTL(ttl int) error {
	pc, err := t.packetConn("set TTL")
	if err != nil {
		return err
	}
	return wrapOp("set TTL", pc.SetTTL(ttl))
}

func (t *kernelTransport) setMulticastTTL(ttl int) error {
	pc, err := t.packetConn("set multicast TTL")
	if err != nil {
		return err
	}
	return wrapOp("set multicast TTL", pc.SetMulticastTTL(ttl))
}

func (t *kernelTransport) setMulticastLoopback(on bool) error {
	pc, err := t.packetConn("set multicast loopback")
	if err != nil {
		return err
	}
	return wrapOp("set multicast loopback", pc.SetMulticastLoopback(on))
}

func (t *kernelTransport) setBroadcast(on bool) error {
	if _, err := t.packetConn("set broadcast"); err != nil {
		return err
	}
	rc, err := t.conn.SyscallConn()
	if err != nil {
		return ioerr.Operation("set broadcast", err)
	}
	v := 0
	if on {
		v = 1
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, v)
	}); err != nil {
		return ioerr.Operation("set broadcast", err)
	}
	return wrapOp("set broadcast", serr)
}

func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		err = oe.Err
	}
	return ioerr.Operation(op, err)
}

// pump waits for the socket to be bound, then reads one batch.
func (t *kernelTransport) pump() (bool, [][]byte, error) {
	t.mu.Lock()
	for t.pc == nil && !t.closed {
		t.cond.Wait()
	}
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return true, nil, nil
	}

	n, err := pc.ReadBatch(t.rbatch, 0)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return true, nil, nil
		}
		return false, nil, ioerr.Pump("read batch", err)
	}

	var bufs [][]byte
	for i := range t.rbatch[:n] {
		m := &t.rbatch[i]
		if m.Flags&unix.MSG_TRUNC != 0 {
			t.recvTruncated.Add(1)
		}
		if m.N == 0 {
			continue
		}
		b := make([]byte, m.N)
		copy(b, m.Buffers[0])
		bufs = append(bufs, b)
		t.recvPackets.Add(1)
		t.recvBytes.Add(uint64(m.N))
	}
	return false, bufs, nil
}

// close wakes the pump. Sends are synchronous, so there is nothing to drain.
func (t *kernelTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cond.Broadcast()
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			return ioerr.Operation("close", err)
		}
	}
	return nil
}

func (t *kernelTransport) destroy() error { return nil }

func (t *kernelTransport) stats() driver.Stats {
	st := driver.Bound
	t.mu.Lock()
	switch {
	case t.closed:
		st = driver.Closed
	case t.pc == nil:
		st = driver.Initialized
	}
	t.mu.Unlock()
	return driver.Stats{
		State:          st,
		RecvPackets:    t.recvPackets.Load(),
		RecvBytes:      t.recvBytes.Load(),
		RecvTruncated:  t.recvTruncated.Load(),
		SendsSubmitted: t.sendsCompleted.Load(),
		SendsCompleted: t.sendsCompleted.Load(),
		SendTruncated:  t.sendTruncated.Load(),
	}
}
