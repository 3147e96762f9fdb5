//go:build linux

// Package port is the caller-facing UDP socket. It owns a transport (the
// slab driver, or ordinary kernel sockets as a fallback), a pump goroutine
// that delivers received datagrams through callbacks and an executor that
// serializes every control operation.
package port

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/slabudp/driver"
)

var (
	ErrClosed     = errors.New("port is closed")
	ErrOutOfRange = errors.New("offset and length exceed the buffer")
	ErrPumpStuck  = errors.New("pump did not stop")
)

const (
	// pumpErrorBackoff throttles the pump after a failed iteration.
	pumpErrorBackoff = 10 * time.Millisecond
	// pumpStopTimeout bounds how long Close waits for the pump when the
	// transport could not be shut down cleanly.
	pumpStopTimeout = 5 * time.Second
)

type Config struct {
	Driver driver.Config `yaml:",inline"`
	// Fallback allows kernel sockets when the slab driver cannot be created.
	Fallback bool `yaml:"fallback"`
	// ForceFallback skips the slab driver altogether.
	ForceFallback bool `yaml:"force-fallback"`
}

func (c *Config) ValidateAndSetDefaults() error {
	return c.Driver.ValidateAndSetDefaults()
}

// Handlers are invoked from the pump goroutine (OnMessage, OnMessages,
// OnError), the executor (OnListening) and the goroutine calling Close
// (OnClose). Handlers must not call Close.
type Handlers struct {
	// OnMessage receives every datagram. It is ignored when OnMessages
	// is set.
	OnMessage func(buf []byte)
	// OnMessages receives each batch reaped by one pump iteration.
	OnMessages  func(bufs [][]byte)
	OnError     func(err error)
	OnListening func(port int, addr string)
	OnClose     func()
}

type Port struct {
	log  logrus.FieldLogger
	h    Handlers
	t    transport
	fast bool

	exec        *executor
	pumpDone    chan struct{}
	stopTimeout time.Duration

	// sendMu is held shared by every Send between its closing check and
	// its submit, and exclusively by Close before the transport drains.
	sendMu    sync.RWMutex
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Open creates the transport and starts the pump and executor goroutines.
func Open(conf Config, h Handlers) (*Port, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	log := conf.Driver.Logger

	var t transport
	fast := false
	if !conf.ForceFallback {
		ft, err := newFastTransport(conf.Driver)
		switch {
		case err == nil:
			t, fast = ft, true
		case !conf.Fallback:
			return nil, err
		default:
			log.WithError(err).Warn("slab driver unavailable, falling back to kernel sockets")
		}
	}
	if t == nil {
		t = newKernelTransport(conf.Driver)
	}
	return newPort(log, h, t, fast), nil
}

func newPort(log logrus.FieldLogger, h Handlers, t transport, fast bool) *Port {
	p := &Port{
		log:         log,
		h:           h,
		t:           t,
		fast:        fast,
		exec:        newExecutor(),
		pumpDone:    make(chan struct{}),
		stopTimeout: pumpStopTimeout,
		closed:      make(chan struct{}),
	}
	go p.runPump()
	return p
}

// Fast reports whether the port runs on the slab driver.
func (p *Port) Fast() bool { return p.fast }

func (p *Port) runPump() {
	defer close(p.pumpDone)

	// Requests re-armed from this thread complete on it; keep it for the
	// whole lifetime of the port.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		done, bufs, err := p.t.pump()
		if len(bufs) > 0 {
			p.deliver(bufs)
		}
		if err != nil {
			p.log.WithError(err).Error("pump iteration failed")
			if p.h.OnError != nil {
				p.h.OnError(err)
			}
			time.Sleep(pumpErrorBackoff)
		}
		if done {
			return
		}
	}
}

func (p *Port) deliver(bufs [][]byte) {
	switch {
	case p.h.OnMessages != nil:
		p.h.OnMessages(bufs)
	case p.h.OnMessage != nil:
		for _, b := range bufs {
			p.h.OnMessage(b)
		}
	}
}

// Bind binds the port; see driver.Driver.Bind. OnListening is called with
// the bound address.
func (p *Port) Bind(port int, addr string) (int, string, error) {
	var boundPort int
	var boundAddr string
	err := p.exec.do(func() (err error) {
		boundPort, boundAddr, err = p.t.bind(port, addr)
		if err == nil {
			p.listening(boundPort, boundAddr)
		}
		return err
	})
	return boundPort, boundAddr, err
}

func (p *Port) listening(port int, addr string) {
	p.log.WithFields(logrus.Fields{
		"port": port,
		"addr": addr,
		"fast": p.fast,
	}).Debug("listening")
	if p.h.OnListening != nil {
		p.h.OnListening(port, addr)
	}
}

// Send transmits every buffer as one datagram to addr:port. It blocks
// while the send pool is exhausted. An unbound port is bound to an
// ephemeral port on all interfaces first.
func (p *Port) Send(ctx context.Context, bufs [][]byte, port int, addr string) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closing.Load() {
		return ErrClosed
	}
	if !p.t.bound() {
		if err := p.exec.do(p.autoBind); err != nil {
			return err
		}
	}
	pend, err := p.t.prepare(ctx, bufs)
	if err != nil {
		return err
	}
	return p.exec.do(func() error { return p.t.submit(pend, port, addr) })
}

func (p *Port) autoBind() error {
	if p.t.bound() {
		return nil
	}
	port, addr, err := p.t.bind(0, "")
	if err != nil {
		return err
	}
	p.listening(port, addr)
	return nil
}

// SendRange sends buf[offset:offset+length] as a single datagram.
func (p *Port) SendRange(
	ctx context.Context, buf []byte, offset, length, port int, addr string,
) error {
	if offset < 0 || length < 0 || offset+length > len(buf) {
		return ErrOutOfRange
	}
	return p.Send(ctx, [][]byte{buf[offset : offset+length]}, port, addr)
}

func (p *Port) AddMembership(group, iface string) error {
	return p.exec.do(func() error { return p.t.membership(true, group, iface) })
}

func (p *Port) DropMembership(group, iface string) error {
	return p.exec.do(func() error { return p.t.membership(false, group, iface) })
}

func (p *Port) SetTTL(ttl int) error {
	return p.exec.do(func() error { return p.t.setTTL(ttl) })
}

func (p *Port) SetMulticastTTL(ttl int) error {
	return p.exec.do(func() error { return p.t.setMulticastTTL(ttl) })
}

func (p *Port) SetBroadcast(on bool) error {
	return p.exec.do(func() error { return p.t.setBroadcast(on) })
}

func (p *Port) SetMulticastLoopback(on bool) error {
	return p.exec.do(func() error { return p.t.setMulticastLoopback(on) })
}

func (p *Port) LocalAddr() (int, string) { return p.t.localAddr() }

func (p *Port) Stats() driver.Stats { return p.t.stats() }

// Close waits for Sends already past their closing check to be submitted,
// drains in-flight sends, stops the pump, releases the transport and calls
// OnClose. It returns the result of the first call on every call.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		// Sends admitted before closing was set finish submitting first, so
		// the drain below never waits on reservations that cannot complete.
		p.sendMu.Lock()
		p.sendMu.Unlock()

		err := p.exec.do(p.t.close)
		if err != nil {
			p.log.WithError(err).Warn("closing transport")
		}
		p.exec.stop()
		p.closeErr = errors.Join(err, p.stopPump(err != nil))
		if p.h.OnClose != nil {
			p.h.OnClose()
		}
		close(p.closed)
	})
	return p.closeErr
}

// stopPump waits for the pump and destroys the transport. When the
// transport close failed the pump may never see its shutdown signal; the
// wait is then bounded and the transport is left in place, since
// destroying it under a running pump is unsafe.
func (p *Port) stopPump(closeFailed bool) error {
	if !closeFailed {
		<-p.pumpDone
		return p.t.destroy()
	}
	t := time.NewTimer(p.stopTimeout)
	defer t.Stop()
	select {
	case <-p.pumpDone:
		return p.t.destroy()
	case <-t.C:
		p.log.WithField("timeout", p.stopTimeout).
			Error("pump did not stop, leaking transport")
		return ErrPumpStuck
	}
}

// Wait blocks until the port is closed or ctx is done.
func (p *Port) Wait(ctx context.Context) error {
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
