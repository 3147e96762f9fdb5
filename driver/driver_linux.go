//go:build linux

// Package driver is the UDP transport facade: one socket, three slabs
// (receive, send, destination address), a flow controller bounding
// in-flight sends and a completion engine over io_uring.
//
// Lifecycle:
//
//	New → Bind → ProcessCompletions (pump goroutine) … → Close → Destroy
//
// PrepareSend may be called from any goroutine. Control operations (Bind,
// socket options, Send, CommitSend, Close) are expected to be serialized by
// the caller. Destroy must not run concurrently with ProcessCompletions.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/slabudp/completion"
	"github.com/romshark/slabudp/flowctl"
	"github.com/romshark/slabudp/ioerr"
	"github.com/romshark/slabudp/slab"
	"github.com/romshark/slabudp/uring"
)

type Driver struct {
	conf  Config
	log   logrus.FieldLogger
	state atomic.Uint32

	fd     int
	ring   *uring.Ring
	src    *uring.Source
	recv   *slab.Slab
	send   *slab.Slab
	addr   *slab.Slab
	flow   *flowctl.Controller
	engine *completion.Engine
	filter *ebpf.Program

	// sentOnce flips on the first send after startup.
	sentOnce atomic.Bool
	sleep    func(time.Duration)

	localMu   sync.Mutex
	localPort int
	localAddr string

	destroyMu sync.Mutex
	destroyed bool

	sendsSubmitted atomic.Uint64
	sendTruncated  atomic.Uint64
	drainTimeouts  atomic.Uint64
}

// New validates conf and builds the socket, the ring and the slabs.
// On failure everything allocated so far is released.
func New(conf Config) (_ *Driver, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, ioerr.Setup("configure", err)
	}

	d := &Driver{
		conf:  conf,
		log:   conf.Logger,
		fd:    -1,
		sleep: time.Sleep,
	}
	defer func() {
		if err != nil {
			if derr := d.Destroy(); derr != nil {
				d.log.WithError(derr).Debug("releasing partially constructed driver")
			}
		}
	}()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, ioerr.Setup("create socket", err)
	}
	d.fd = fd

	if d.recv, err = slab.New(slab.RoleRecv, conf.PacketSize, conf.RecvMinSlots); err != nil {
		return nil, ioerr.Setup("allocate receive slab", err)
	}
	if d.send, err = slab.New(slab.RoleSend, conf.PacketSize, conf.SendMinSlots); err != nil {
		return nil, ioerr.Setup("allocate send slab", err)
	}
	// One destination per Send call; never more Sends in flight than send slots.
	if d.addr, err = slab.New(slab.RoleAddr, unix.SizeofSockaddrInet4, d.send.Count()); err != nil {
		return nil, ioerr.Setup("allocate address slab", err)
	}

	cq := d.recv.Count() + d.send.Count() + 1
	if d.ring, err = uring.Setup(uring.DefaultEntries, uint32(cq)); err != nil {
		return nil, ioerr.Setup("create completion queue", err)
	}

	if err := d.registerSlabs(); err != nil {
		return nil, err
	}

	if err := d.setBufferSize("SO_RCVBUF", unix.SO_RCVBUFFORCE, unix.SO_RCVBUF, d.recv.Bytes()); err != nil {
		return nil, err
	}
	if err := d.setBufferSize("SO_SNDBUF", unix.SO_SNDBUFFORCE, unix.SO_SNDBUF, d.send.Bytes()); err != nil {
		return nil, err
	}

	if conf.DropOversize {
		if d.filter, err = attachOversizeFilter(fd, conf.PacketSize); err != nil {
			return nil, ioerr.Setup("attach oversize filter", err)
		}
	}

	if d.src, err = uring.NewSource(d.ring, fd, d.recv, d.send, d.addr); err != nil {
		return nil, ioerr.Setup("create completion source", err)
	}
	d.flow = flowctl.New(d.send.Count())
	d.engine = completion.NewEngine(d.src, d.recv, d.flow, completion.Config{
		BatchSize: conf.BatchSize,
		Logger:    d.log,
	})

	sq, cqGranted := d.ring.Entries()
	d.log.WithFields(logrus.Fields{
		"packet_size": conf.PacketSize,
		"recv_slots":  d.recv.Count(),
		"send_slots":  d.send.Count(),
		"sq_entries":  sq,
		"cq_entries":  cqGranted,
		"registered":  d.recv.Registered(),
	}).Debug("driver initialized")

	d.state.Store(uint32(Initialized))
	return d, nil
}

func (d *Driver) registerSlabs() error {
	if d.conf.Registration == RegistrationOff {
		return nil
	}
	for _, s := range []*slab.Slab{d.recv, d.send, d.addr} {
		if err := s.Register(d.ring); err != nil {
			if d.conf.Registration == RegistrationRequired {
				return ioerr.Setup("register buffers", err)
			}
			d.log.WithFields(logrus.Fields{
				"role":  s.Role(),
				"bytes": s.Bytes(),
				"error": err,
			}).Warn("buffer registration failed, continuing unpinned")
			return nil
		}
	}
	return nil
}

// setBufferSize asks for want bytes of kernel socket buffer, bypassing
// the sysctl cap when privileged, and reads the result back. A buffer
// clamped by the kernel is logged, not failed.
func (d *Driver) setBufferSize(name string, forceOpt, opt, want int) error {
	if err := unix.SetsockoptInt(d.fd, unix.SOL_SOCKET, forceOpt, want); err != nil {
		if err := unix.SetsockoptInt(d.fd, unix.SOL_SOCKET, opt, want); err != nil {
			return ioerr.Setup("set "+name, err)
		}
	}
	got, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, opt)
	if err != nil {
		return ioerr.Setup("get "+name, err)
	}
	f := d.log.WithFields(logrus.Fields{
		"option":    name,
		"requested": want,
		"granted":   got,
	})
	// The kernel reports twice the usable size.
	if got/2 < want {
		f.Warn("socket buffer clamped by the kernel")
		return nil
	}
	f.Debug("socket buffer size")
	return nil
}

func (d *Driver) State() State { return State(d.state.Load()) }

// SlotCounts returns the actual receive and send slot counts.
func (d *Driver) SlotCounts() (recv, send int) { return d.recv.Count(), d.send.Count() }

// LocalAddr returns the bound port and address. It is zero before Bind.
func (d *Driver) LocalAddr() (port int, addr string) {
	d.localMu.Lock()
	defer d.localMu.Unlock()
	return d.localPort, d.localAddr
}

func (d *Driver) Stats() Stats {
	c := d.engine.Counters()
	return Stats{
		State:          d.State(),
		RecvPackets:    c.RecvPackets.Load(),
		RecvBytes:      c.RecvBytes.Load(),
		RecvErrors:     c.RecvErrors.Load(),
		RecvTruncated:  c.RecvTruncated.Load(),
		Rearmed:        c.Rearmed.Load(),
		SendsSubmitted: d.sendsSubmitted.Load(),
		SendsCompleted: c.SendsCompleted.Load(),
		SendErrors:     c.SendErrors.Load(),
		SendTruncated:  d.sendTruncated.Load(),
		InFlight:       d.flow.InFlight(),
		DrainTimeouts:  d.drainTimeouts.Load(),
	}
}

func (d *Driver) requireState(op string, allowed ...State) error {
	st := d.State()
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return ioerr.Operation(op, fmt.Errorf("%w: %s", ErrInvalidState, st))
}

/*---- Bind ----*/

// Bind binds the socket to addr:port (empty addr binds all interfaces,
// port 0 picks an ephemeral port), arms every receive slot and returns
// the address actually bound.
func (d *Driver) Bind(port int, addr string) (int, string, error) {
	if err := d.requireState("bind", Initialized); err != nil {
		return 0, "", err
	}
	if port < 0 || port > 65535 {
		return 0, "", ioerr.Operation("bind", fmt.Errorf("%w: %d", ErrInvalidPort, port))
	}
	ip, err := parseIPv4(addr, true)
	if err != nil {
		return 0, "", ioerr.Operation("bind", err)
	}

	if d.conf.ReuseAddr {
		if err := unix.SetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return 0, "", ioerr.Operation("set SO_REUSEADDR", err)
		}
	}
	if err := unix.Bind(d.fd, &unix.SockaddrInet4{Port: port, Addr: ip}); err != nil {
		return 0, "", ioerr.Operation("bind", err)
	}

	for i := range d.recv.Count() {
		if err := d.src.SubmitRecv(uint32(i)); err != nil {
			return 0, "", ioerr.Operation("arm receive", err)
		}
	}
	if err := d.src.Commit(); err != nil {
		return 0, "", ioerr.Operation("commit receives", err)
	}

	sa, err := unix.Getsockname(d.fd)
	if err != nil {
		return 0, "", ioerr.Operation("getsockname", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, "", ioerr.Operation("getsockname", unix.EAFNOSUPPORT)
	}
	boundAddr := netip.AddrFrom4(in4.Addr).String()

	d.localMu.Lock()
	d.localPort, d.localAddr = in4.Port, boundAddr
	d.localMu.Unlock()

	d.state.Store(uint32(Bound))
	d.log.WithFields(logrus.Fields{
		"port": in4.Port,
		"addr": boundAddr,
	}).Debug("bound")
	return in4.Port, boundAddr, nil
}

/*---- Socket options ----*/

func (d *Driver) AddMembership(group, iface string) error {
	return d.membership("add membership", unix.IP_ADD_MEMBERSHIP, group, iface)
}

func (d *Driver) DropMembership(group, iface string) error {
	return d.membership("drop membership", unix.IP_DROP_MEMBERSHIP, group, iface)
}

// membership joins or leaves group on the interface with address iface,
// or on the default interface when iface is empty.
func (d *Driver) membership(op string, opt int, group, iface string) error {
	if err := d.requireState(op, Initialized, Bound, Active); err != nil {
		return err
	}
	g, err := parseIPv4(group, false)
	if err != nil {
		return ioerr.Operation(op, err)
	}
	i, err := parseIPv4(iface, true)
	if err != nil {
		return ioerr.Operation(op, err)
	}
	mreq := &unix.IPMreq{Multiaddr: g, Interface: i}
	if err := unix.SetsockoptIPMreq(d.fd, unix.IPPROTO_IP, opt, mreq); err != nil {
		return ioerr.Operation(op, err)
	}
	return nil
}

func (d *Driver) SetTTL(ttl int) error {
	return d.setInt("set TTL", unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

func (d *Driver) SetMulticastTTL(ttl int) error {
	return d.setInt("set multicast TTL", unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
}

func (d *Driver) SetBroadcast(on bool) error {
	return d.setInt("set broadcast", unix.SOL_SOCKET, unix.SO_BROADCAST, boolInt(on))
}

func (d *Driver) SetMulticastLoopback(on bool) error {
	return d.setInt("set multicast loopback", unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, boolInt(on))
}

func (d *Driver) setInt(op string, level, opt, value int) error {
	if err := d.requireState(op, Initialized, Bound, Active); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(d.fd, level, opt, value); err != nil {
		return ioerr.Operation(op, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

/*---- Send path ----*/

// PrepareSend reserves capacity for len(bufs) sends, blocking while the
// send pool is exhausted, and copies each buffer into its own send slot.
// Buffers longer than the packet size are truncated. The caller may reuse
// bufs as soon as PrepareSend returns.
func (d *Driver) PrepareSend(ctx context.Context, bufs [][]byte) ([]uint32, error) {
	if err := d.requireState("prepare send", Bound, Active); err != nil {
		return nil, err
	}
	if len(bufs) == 0 {
		return nil, nil
	}
	if err := d.flow.Reserve(ctx, len(bufs)); err != nil {
		return nil, ioerr.Operation("reserve send capacity", err)
	}

	slots := make([]uint32, len(bufs))
	for i, b := range bufs {
		s := d.send.Next()
		n := copy(d.send.Slot(s), b)
		if n < len(b) {
			d.sendTruncated.Add(1)
			d.log.WithFields(logrus.Fields{
				"slot":  s,
				"bytes": len(b),
				"kept":  n,
			}).Debug("send buffer truncated to packet size")
		}
		d.send.SetLen(s, n)
		slots[i] = s
	}
	return slots, nil
}

// Send stages one send per slot to addr:port. Staged sends leave with the
// next CommitSend, except the very first send after startup, which is
// submitted right away. Slots that could not be staged have their
// reservation released.
func (d *Driver) Send(slots []uint32, port int, addr string) error {
	if len(slots) == 0 {
		return nil
	}
	fail := func(op string, err error, unsubmitted int) error {
		if rerr := d.flow.Release(unsubmitted); rerr != nil {
			d.log.WithError(rerr).Warn("releasing unsubmitted sends")
		}
		return ioerr.Operation(op, err)
	}

	if st := d.State(); st != Bound && st != Active {
		return fail("send", fmt.Errorf("%w: %s", ErrInvalidState, st), len(slots))
	}
	if port <= 0 || port > 65535 {
		return fail("send", fmt.Errorf("%w: %d", ErrInvalidPort, port), len(slots))
	}
	if addr == "" {
		return fail("send", ErrNoDestinationAddress, len(slots))
	}
	ip, err := parseIPv4(addr, false)
	if err != nil {
		return fail("send", err, len(slots))
	}

	a := d.addr.Next()
	uring.PutSockaddrInet4(d.addr.Slot(a), ip, port)

	for i, s := range slots {
		first := !d.sentOnce.Load() && d.sentOnce.CompareAndSwap(false, true)
		if err := d.src.SubmitSend(s, a, true); err != nil {
			return fail("submit send", err, len(slots)-i)
		}
		d.sendsSubmitted.Add(1)
		if first {
			if err := d.src.Commit(); err != nil {
				// Staged entries go out with the next commit.
				return ioerr.Operation("submit send", err)
			}
			if delay := d.conf.FirstSendDelay; delay > 0 {
				d.log.WithField("delay", delay).Debug("pausing after first send")
				d.sleep(delay)
			}
		}
	}
	return nil
}

// CommitSend submits every staged send with one system call.
func (d *Driver) CommitSend() error {
	if err := d.src.Commit(); err != nil {
		return ioerr.Operation("commit sends", err)
	}
	return nil
}

/*---- Completions ----*/

// ProcessCompletions runs one iteration of the completion loop. It must be
// called from a single goroutine. done is true once Close was observed
// and on every call after Destroy.
func (d *Driver) ProcessCompletions() (done bool, bufs [][]byte, err error) {
	if d.State() == Closed {
		return true, nil, nil
	}
	d.state.CompareAndSwap(uint32(Bound), uint32(Active))
	return d.engine.Process()
}

/*---- Teardown ----*/

// Close waits up to the drain timeout for in-flight sends, fails blocked
// and future PrepareSend calls and wakes the pump with the shutdown
// sentinel. Calling Close again is a no-op.
func (d *Driver) Close() error {
	for {
		st := d.State()
		switch st {
		case Closing, Closed:
			return nil
		case Uninitialized:
			return ioerr.Operation("close", ErrInvalidState)
		}
		if d.state.CompareAndSwap(uint32(st), uint32(Closing)) {
			break
		}
	}

	if err := d.src.Commit(); err != nil {
		d.log.WithError(err).Warn("flushing staged sends before close")
	}

	timeout := max(d.conf.DrainTimeout, 0)
	if !d.flow.Drain(timeout) {
		d.drainTimeouts.Add(1)
		d.log.WithFields(logrus.Fields{
			"in_flight": d.flow.InFlight(),
			"timeout":   timeout,
		}).Warn("timed out draining in-flight sends")
	}
	d.flow.Close()

	if err := d.src.PostShutdown(); err != nil {
		return ioerr.Operation("post shutdown", err)
	}
	return nil
}

// Destroy releases the socket, the ring, the slabs and the filter. It is
// safe on a partially constructed driver and when called more than once.
func (d *Driver) Destroy() error {
	d.destroyMu.Lock()
	defer d.destroyMu.Unlock()
	if d.destroyed {
		return nil
	}
	d.destroyed = true

	var errs []error
	if d.fd >= 0 {
		// Wake receives still parked on the socket.
		if err := unix.Shutdown(d.fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
			errs = append(errs, fmt.Errorf("shutting down socket: %w", err))
		}
		if err := unix.Close(d.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		d.fd = -1
	}

	// Closing the ring cancels outstanding requests and releases the buffer
	// table, so it goes before the slabs are unmapped.
	if d.ring != nil {
		if err := d.ring.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ring: %w", err))
		}
	}
	for _, s := range []*slab.Slab{d.recv, d.send, d.addr} {
		if s != nil {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if d.filter != nil {
		if err := d.filter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing filter: %w", err))
		}
		d.filter = nil
	}

	d.state.Store(uint32(Closed))
	if len(errs) > 0 {
		return ioerr.Operation("destroy", errors.Join(errs...))
	}
	return nil
}

// parseIPv4 parses a dotted-decimal IPv4 address. The empty string is the
// wildcard address when allowEmpty is set.
func parseIPv4(s string, allowEmpty bool) ([4]byte, error) {
	if s == "" && allowEmpty {
		return [4]byte{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return [4]byte{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return a.As4(), nil
}
