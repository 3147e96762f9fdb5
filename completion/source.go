// Package completion implements the loop that reaps asynchronous I/O
// completions: it re-arms receive slots, hands received datagrams to the
// caller and returns send capacity to the flow controller.
//
// The loop is written against Source, so the slot and flow accounting can be
// exercised without sockets. The Linux backend lives in package uring.
package completion

// Op identifies the kind of submission a Result belongs to.
type Op uint8

const (
	OpRecv Op = iota + 1
	OpSend
)

func (o Op) String() string {
	switch o {
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	}
	return "unknown"
}

// Key is what Wait reports after waking up.
type Key uint64

const (
	// KeyShutdown is the sentinel posted by PostShutdown.
	KeyShutdown Key = 0
	// KeyIO means at least one completion record is ready.
	KeyIO Key = 1
)

// Result is one completion record.
type Result struct {
	Op   Op
	Slot uint32
	// Bytes is the number of bytes transferred.
	Bytes int
	// Truncated is set when a datagram did not fit into its receive slot.
	Truncated bool
	// Err is the per-operation failure reported by the kernel.
	Err error
}

// Source is an asynchronous completion mechanism bound to one socket and
// its slabs.
//
// Submissions may be called from any goroutine. Wait and Dequeue are only
// ever called from the single pump goroutine.
type Source interface {
	// Wait blocks until completion records are ready or the shutdown
	// sentinel is next in line.
	Wait() (Key, error)

	// Dequeue moves up to len(results) records into results and returns
	// their number. It stops in front of the shutdown sentinel.
	Dequeue(results []Result) (int, error)

	// SubmitRecv stages a receive into the given receive slot.
	SubmitRecv(slot uint32) error

	// SubmitSend stages a send of the payload in the given send slot to the
	// address stored in addrSlot. Unless deferred, staged work is
	// submitted immediately.
	SubmitSend(slot, addrSlot uint32, deferred bool) error

	// Commit submits all staged work with a single call into the kernel.
	Commit() error

	// PostShutdown posts the sentinel that makes Wait return KeyShutdown.
	PostShutdown() error
}
