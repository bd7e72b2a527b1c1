package reactor

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Task is one unit of protocol work handed off by the reactor. The
// task itself is responsible for restoring the connection's interest
// when it finishes.
type Task func()

// Pool is a fixed-size set of worker goroutines executing dispatched
// tasks. It bounds concurrency and keeps slow protocol work (store
// calls, socket writes) off the poller goroutine. Workers are never
// spawned per message.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
	once  sync.Once
}

// DefaultWorkers returns the pool size used when none is configured:
// roughly twice the available parallelism, minus the poller.
func DefaultWorkers() int {
	n := 2*runtime.GOMAXPROCS(0) - 1
	if n < 2 {
		n = 2
	}
	return n
}

// NewPool starts workers goroutines. A non-positive count selects
// DefaultWorkers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	p := &Pool{tasks: make(chan Task, 128)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit queues a task for execution. Blocks when the queue is full,
// which backpressures the poller instead of growing an unbounded
// backlog.
func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Stop closes the intake and waits for in-flight tasks to finish or
// the timeout to pass. Safe to call more than once.
func (p *Pool) Stop(timeout time.Duration) error {
	p.once.Do(func() { close(p.tasks) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
