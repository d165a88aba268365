// Package pool runs blocking fetch work on a bounded set of workers. The
// submitting goroutine gets the result back on a channel, so a slow browser
// fetch never holds up orchestration of other requests.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned for work submitted to, or stranded in, a closed pool.
var ErrClosed = errors.New("pool: closed")

// Func is one unit of work. It must honour ctx.
type Func func(ctx context.Context) (string, error)

type result struct {
	content string
	err     error
}

type task struct {
	ctx context.Context
	fn  Func
	out chan<- result
}

// Pool is a fixed set of workers fed by a bounded queue.
type Pool struct {
	tasks   chan task
	done    chan struct{} // closed by Close
	stopped chan struct{} // closed once every worker has exited
	once    sync.Once
	wg      sync.WaitGroup
}

// New starts workers goroutines reading from a queue of queueSize tasks.
func New(workers, queueSize int) (*Pool, error) {
	if workers <= 0 || queueSize < 0 {
		return nil, fmt.Errorf("pool: need positive workers and non-negative queue, got %d/%d", workers, queueSize)
	}
	p := &Pool{
		tasks:   make(chan task, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for range workers {
		p.wg.Add(1)
		go p.work()
	}
	go func() {
		p.wg.Wait()
		close(p.stopped)
	}()
	return p, nil
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case t := <-p.tasks:
			t.out <- run(t)
		}
	}
}

func run(t task) (r result) {
	defer func() {
		if v := recover(); v != nil {
			r = result{err: fmt.Errorf("pool: task panicked: %v", v)}
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return result{err: err}
	}
	content, err := t.fn(t.ctx)
	return result{content: content, err: err}
}

// Do queues fn and waits for its result. ctx bounds both the wait for a
// queue slot and the work itself.
func (p *Pool) Do(ctx context.Context, fn Func) (string, error) {
	out := make(chan result, 1)
	select {
	case <-p.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case p.tasks <- task{ctx: ctx, fn: fn, out: out}:
	}

	select {
	case r := <-out:
		return r.content, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.stopped:
		select {
		case r := <-out:
			return r.content, r.err
		default:
			return "", ErrClosed
		}
	}
}

// Close stops the workers after their current task. Queued tasks are
// abandoned and their callers get ErrClosed. Close is idempotent.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
	<-p.stopped
}
