//go:build linux

package port

import (
	"sync"

	"github.com/eapache/queue"
)

// executor runs tasks one at a time, in submission order, on its own
// goroutine. It is the single writer for every control operation.
type executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog *queue.Queue
	stopped bool
	done    chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		backlog: queue.New(),
		done:    make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for e.backlog.Length() == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.backlog.Length() == 0 {
			e.mu.Unlock()
			return
		}
		task := e.backlog.Remove().(func())
		e.mu.Unlock()

		task()
	}
}

// submit enqueues task. It reports false once the executor was stopped.
func (e *executor) submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.backlog.Add(task)
	e.cond.Signal()
	return true
}

// do runs fn on the executor and waits for its result.
func (e *executor) do(fn func() error) error {
	res := make(chan error, 1)
	if !e.submit(func() { res <- fn() }) {
		return ErrClosed
	}
	return <-res
}

// stop rejects new tasks and returns once the backlog has run.
func (e *executor) stop() {
	e.mu.Lock()
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()
	<-e.done
}
