package completion

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/slabudp/ioerr"
)

// DefaultBatchSize is the maximum number of records reaped per iteration.
const DefaultBatchSize = 1000

var ErrEmptyDequeue = errors.New("woken without completion records")

// Slots gives read access to the receive pool.
type Slots interface {
	Slot(i uint32) []byte
}

// Releaser returns send capacity.
type Releaser interface {
	Release(n int) error
}

type Config struct {
	// BatchSize caps the records dequeued per Process call.
	BatchSize int
	Logger    logrus.FieldLogger
}

// Counters are updated by the pump goroutine and may be read concurrently.
type Counters struct {
	RecvPackets    atomic.Uint64
	RecvBytes      atomic.Uint64
	RecvErrors     atomic.Uint64
	RecvTruncated  atomic.Uint64
	Rearmed        atomic.Uint64
	SendsCompleted atomic.Uint64
	SendErrors     atomic.Uint64
}

// Engine runs the completion loop. Process must only be called from one
// goroutine at a time.
type Engine struct {
	src   Source
	recv  Slots
	flow  Releaser
	log   logrus.FieldLogger
	batch []Result

	// unarmed holds receive slots whose re-arm failed; they are retried
	// before the next wait.
	unarmed  []uint32
	done     bool
	counters Counters
}

func NewEngine(src Source, recv Slots, flow Releaser, conf Config) *Engine {
	if conf.BatchSize <= 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.Logger == nil {
		conf.Logger = logrus.StandardLogger()
	}
	return &Engine{
		src:   src,
		recv:  recv,
		flow:  flow,
		log:   conf.Logger,
		batch: make([]Result, conf.BatchSize),
	}
}

func (e *Engine) Counters() *Counters { return &e.counters }

// Done reports whether the shutdown sentinel was observed.
func (e *Engine) Done() bool { return e.done }

// Process runs one iteration of the loop: wait, dequeue one batch, copy out
// received datagrams, re-arm their slots and release completed sends.
//
// It returns done=true once the shutdown sentinel was observed, and on every
// call after that without touching the source again. A failing source call
// yields an *ioerr.Error of kind Pump and no buffers; the caller decides
// whether to call Process again.
func (e *Engine) Process() (done bool, bufs [][]byte, err error) {
	if e.done {
		return true, nil, nil
	}

	if len(e.unarmed) > 0 {
		if err := e.rearmPending(); err != nil {
			return false, nil, err
		}
	}

	key, err := e.src.Wait()
	if err != nil {
		return false, nil, ioerr.Pump("wait for completions", err)
	}
	if key == KeyShutdown {
		e.done = true
		e.log.Debug("completion loop received shutdown sentinel")
		return true, nil, nil
	}

	n, err := e.src.Dequeue(e.batch)
	if err != nil {
		return false, nil, ioerr.Pump("dequeue completions", err)
	}
	if n == 0 {
		return false, nil, ioerr.Pump("dequeue completions", ErrEmptyDequeue)
	}

	var sends int
	var rearmErr error
	for i := range e.batch[:n] {
		r := &e.batch[i]
		switch r.Op {
		case OpRecv:
			if buf := e.reap(r); buf != nil {
				bufs = append(bufs, buf)
			}
			// Every receive completion frees its slot, successful or not.
			if err := e.src.SubmitRecv(r.Slot); err != nil {
				e.unarmed = append(e.unarmed, r.Slot)
				if rearmErr == nil {
					rearmErr = err
				}
				continue
			}
			e.counters.Rearmed.Add(1)

		case OpSend:
			sends++
			if r.Err != nil {
				e.counters.SendErrors.Add(1)
				e.log.WithFields(logrus.Fields{
					"slot":  r.Slot,
					"error": r.Err,
				}).Warn("send completed with error")
			}

		default:
			e.log.WithFields(logrus.Fields{
				"op":   r.Op,
				"slot": r.Slot,
			}).Warn("completion record with unknown op")
		}
	}

	commitErr := e.src.Commit()

	if sends > 0 {
		e.counters.SendsCompleted.Add(uint64(sends))
		if err := e.flow.Release(sends); err != nil {
			e.log.WithFields(logrus.Fields{
				"sends": sends,
				"error": err,
			}).Warn("releasing send capacity")
		}
	}

	if rearmErr != nil || commitErr != nil {
		if len(bufs) > 0 {
			e.log.WithField("dropped", len(bufs)).
				Warn("discarding received datagrams after pump failure")
		}
		if rearmErr != nil {
			return false, nil, ioerr.Pump("re-arm receive", rearmErr)
		}
		return false, nil, ioerr.Pump("commit receives", commitErr)
	}
	return false, bufs, nil
}

// reap copies a received datagram out of its slot. Zero-length and failed
// receives yield nil.
func (e *Engine) reap(r *Result) []byte {
	if r.Err != nil {
		e.counters.RecvErrors.Add(1)
		e.log.WithFields(logrus.Fields{
			"slot":  r.Slot,
			"error": r.Err,
		}).Debug("receive completed with error")
		return nil
	}
	if r.Truncated {
		e.counters.RecvTruncated.Add(1)
		e.log.WithFields(logrus.Fields{
			"slot":  r.Slot,
			"bytes": r.Bytes,
		}).Debug("received datagram truncated to slot size")
	}
	if r.Bytes <= 0 {
		return nil
	}

	slot := e.recv.Slot(r.Slot)
	buf := make([]byte, min(r.Bytes, len(slot)))
	copy(buf, slot)

	e.counters.RecvPackets.Add(1)
	e.counters.RecvBytes.Add(uint64(len(buf)))
	return buf
}

func (e *Engine) rearmPending() error {
	for len(e.unarmed) > 0 {
		slot := e.unarmed[0]
		if err := e.src.SubmitRecv(slot); err != nil {
			return ioerr.Pump("re-arm receive", err)
		}
		e.unarmed = e.unarmed[1:]
		e.counters.Rearmed.Add(1)
	}
	if err := e.src.Commit(); err != nil {
		return ioerr.Pump("commit receives", err)
	}
	return nil
}
