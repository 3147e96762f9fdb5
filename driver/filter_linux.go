//go:build linux

package driver

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

const udpHeaderLen = 8

// oversizeFilterSpec returns a socket filter that drops datagrams whose
// payload exceeds limit bytes. At the socket filter hook skb->len spans
// the UDP header and the payload.
func oversizeFilterSpec(limit int) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:    "drop_oversize",
		Type:    ebpf.SocketFilter,
		License: "GPL",
		Instructions: asm.Instructions{
			// r0 = skb->len
			asm.LoadMem(asm.R0, asm.R1, 0, asm.Word),
			asm.JGT.Imm(asm.R0, int32(limit+udpHeaderLen), "drop"),
			// Keep the whole datagram.
			asm.Mov.Imm(asm.R0, -1),
			asm.Return(),
			asm.Mov.Imm(asm.R0, 0).WithSymbol("drop"),
			asm.Return(),
		},
	}
}

// attachOversizeFilter loads the filter and attaches it to fd.
// The filter stays attached until the socket is closed.
func attachOversizeFilter(fd, limit int) (*ebpf.Program, error) {
	// Kernels without memcg accounting charge BPF memory to RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}
	prog, err := ebpf.NewProgram(oversizeFilterSpec(limit))
	if err != nil {
		return nil, fmt.Errorf("loading socket filter: %w", err)
	}
	if err := link.AttachSocketFilter(rawFD(fd), prog); err != nil {
		_ = prog.Close()
		return nil, fmt.Errorf("attaching socket filter: %w", err)
	}
	return prog, nil
}

// rawFD exposes a plain descriptor as a syscall.Conn.
type rawFD int

var (
	_ syscall.Conn    = rawFD(0)
	_ syscall.RawConn = rawFD(0)
)

func (fd rawFD) SyscallConn() (syscall.RawConn, error) { return fd, nil }

func (fd rawFD) Control(f func(fd uintptr)) error {
	f(uintptr(fd))
	return nil
}

func (rawFD) Read(func(fd uintptr) bool) error  { return errors.ErrUnsupported }
func (rawFD) Write(func(fd uintptr) bool) error { return errors.ErrUnsupported }
