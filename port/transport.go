//go:build linux

package port

import (
	"context"

	"github.com/romshark/slabudp/driver"
)

// transport is what a Port drives. Everything except prepare and pump is
// called from the executor goroutine; pump only from the pump goroutine.
type transport interface {
	bind(port int, addr string) (int, string, error)
	bound() bool
	localAddr() (int, string)

	// prepare may block on backpressure and runs on the caller's goroutine.
	prepare(ctx context.Context, bufs [][]byte) (pending, error)
	submit(p pending, port int, addr string) error

	membership(join bool, group, iface string) error
	setTTL(ttl int) error
	setMulticastTTL(ttl int) error
	setBroadcast(on bool) error
	setMulticastLoopback(on bool) error

	pump() (done bool, bufs [][]byte, err error)

	// close drains outstanding sends and wakes the pump.
	close() error
	// destroy releases all resources once the pump has returned.
	destroy() error

	stats() driver.Stats
}

// pending is the transport-specific result of prepare.
type pending any

// fastTransport runs a Port on the slab driver.
type fastTransport struct {
	d *driver.Driver
}

func newFastTransport(conf driver.Config) (*fastTransport, error) {
	d, err := driver.New(conf)
	if err != nil {
		return nil, err
	}
	return &fastTransport{d: d}, nil
}

func (f *fastTransport) bind(port int, addr string) (int, string, error) {
	return f.d.Bind(port, addr)
}

func (f *fastTransport) bound() bool {
	st := f.d.State()
	return st == driver.Bound || st == driver.Active
}

func (f *fastTransport) localAddr() (int, string) { return f.d.LocalAddr() }

func (f *fastTransport) prepare(ctx context.Context, bufs [][]byte) (pending, error) {
	return f.d.PrepareSend(ctx, bufs)
}

func (f *fastTransport) submit(p pending, port int, addr string) error {
	if err := f.d.Send(p.([]uint32), port, addr); err != nil {
		return err
	}
	return f.d.CommitSend()
}

func (f *fastTransport) membership(join bool, group, iface string) error {
	if join {
		return f.d.AddMembership(group, iface)
	}
	return f.d.DropMembership(group, iface)
}

func (f *fastTransport) setTTL(ttl int) error          { return f.d.SetTTL(ttl) }
func (f *fastTransport) setMulticastTTL(ttl int) error { return f.d.SetMulticastTTL(ttl) }
func (f *fastTransport) setBroadcast(on bool) error    { return f.d.SetBroadcast(on) }

func (f *fastTransport) setMulticastLoopback(on bool) error {
	return f.d.SetMulticastLoopback(on)
}

func (f *fastTransport) pump() (bool, [][]byte, error) { return f.d.ProcessCompletions() }
func (f *fastTransport) close() error                  { return f.d.Close() }
func (f *fastTransport) destroy() error                { return f.d.Destroy() }
func (f *fastTransport) stats() driver.Stats           { return f.d.Stats() }
