// Package taskrunner runs named tasks one at a time, in submission order,
// on a single worker goroutine.
package taskrunner

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
)

// ErrStopped resolves tasks submitted after Stop.
var ErrStopped = errors.New(errors.CodeUnavailable, "task runner stopped")

type task struct {
	name string
	run  func()
	fail func(error)
}

type Runner struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	stopped bool

	exited chan struct{}
}

// New starts a runner. name only shows up in logs.
func New(name string) *Runner {
	r := &Runner{
		name:   name,
		exited: make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// Go queues fn and returns its future.
func Go[T any](r *Runner, name string, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	t := task{
		name: name,
		run: func() {
			v, err := protect(fn)
			f.resolve(v, err)
		},
		fail: func(err error) {
			var zero T
			f.resolve(zero, err)
		},
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		t.fail(errors.Wrapf(ErrStopped, errors.CodeUnavailable, "task %q", name))
		return f
	}
	r.queue = append(r.queue, t)
	r.mu.Unlock()
	r.cond.Signal()
	return f
}

// Submit queues a task that only reports an error.
func Submit(r *Runner, name string, fn func() error) *Future[struct{}] {
	return Go(r, name, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// Stop refuses new tasks. Tasks already queued still run, then the worker
// exits. Stop does not wait for that; use Stopped.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Stopped is closed when the worker has exited.
func (r *Runner) Stopped() <-chan struct{} {
	return r.exited
}

// Pending is the number of queued tasks that have not started.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Runner) loop() {
	defer close(r.exited)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		t := r.queue[0]
		r.queue[0] = task{}
		r.queue = r.queue[1:]
		r.mu.Unlock()

		start := time.Now()
		t.run()
		slog.Debug("Task finished", "runner", r.name, "task", t.name, "elapsed", time.Since(start))
	}
}

func protect[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New(errors.CodeInternal, fmt.Sprintf("task panicked: %v", p))
		}
	}()
	return fn()
}
