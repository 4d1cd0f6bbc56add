// Package workerpool implements a fixed-size pool of goroutines that
// consume closures from a single shared, mutex-guarded FIFO.
package workerpool

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Submit once the pool has begun shutting down.
var ErrClosed = errors.New("workerpool: closed")

// Task is an opaque nullary unit of work. It must not panic on the
// happy path; Pool recovers and logs unexpected panics so one bad task
// cannot take down a worker permanently.
type Task func()

// Pool is a fixed number of long-running workers sharing one FIFO queue.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool
	log    *logrus.Entry
	wg     sync.WaitGroup
}

// New starts n workers immediately; n must be > 0.
func New(n int, log *logrus.Entry) *Pool {
	if n <= 0 {
		n = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{log: log}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("workerpool: task panicked")
		}
	}()
	task()
}

// Submit enqueues task and wakes exactly one waiting worker. Returns
// ErrClosed if the pool has already begun shutting down; no task is ever
// silently dropped while the pool is open.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Close marks the pool closed and wakes all workers so they can drain
// any remaining in-flight tasks and exit. It blocks until every worker
// has returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// Pending reports the current queue depth, for diagnostics/tests.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
