// Package worker provides a fixed-size goroutine pool with a bounded task
// queue. When the queue is full the submitting goroutine runs the task
// itself, so producers slow down instead of memory growing or work being
// dropped.
package worker

import (
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueCap   int   `json:"queueCapacity"`
	Queued     int   `json:"queued"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	CallerRuns int64 `json:"callerRuns"`
}

// Pool runs submitted tasks on a fixed set of goroutines.
type Pool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	once    sync.Once

	active     atomic.Int64
	completed  atomic.Int64
	callerRuns atomic.Int64
}

// New starts a pool of size workers with a queue of queueSize pending tasks.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
	}()
	task()
}

// Submit queues task, or runs it on the calling goroutine when the queue is
// full. It returns true when the caller ran the task. Submit must not be
// called after Close.
func (p *Pool) Submit(task func()) (callerRan bool) {
	select {
	case p.tasks <- task:
		return false
	default:
		p.callerRuns.Add(1)
		p.run(task)
		return true
	}
}

// Stats reports the current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueCap:   cap(p.tasks),
		Queued:     len(p.tasks),
		Active:     p.active.Load(),
		Completed:  p.completed.Load(),
		CallerRuns: p.callerRuns.Load(),
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
