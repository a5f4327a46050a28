// Package loop contains the reactor loop. A single goroutine, the one
// calling Run, executes all the queued tasks. Any goroutine can submit
// tasks using Post. Helper goroutines performing blocking I/O only
// ever talk to handles by posting completions to the loop.
//
// The loop also owns a table of the live handles, keyed by their ID,
// so that a handle stays reachable from the loop from the moment it
// starts initializing until its Close event has been delivered.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/ooni/unio/model"
)

// ErrLoopClosed indicates that Uninit has been called.
var ErrLoopClosed = errors.New("loop: closed")

// Loop is a reactor loop. Use New to construct.
type Loop struct {
	done    chan struct{}
	handles map[int64]model.Resource
	id      string
	logger  log.Interface
	mu      sync.Mutex
	queue   *queue.Queue
	running atomic.Bool
	closed  bool
	wake    chan struct{}
}

// New creates a new loop that logs using logger.
func New(logger log.Interface) *Loop {
	if logger == nil {
		logger = log.Log
	}
	id := uuid.New().String()
	return &Loop{
		done:    make(chan struct{}),
		handles: make(map[int64]model.Resource),
		id:      id,
		logger:  logger.WithField("loopID", id),
		queue:   queue.New(),
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the unique identifier of the loop.
func (l *Loop) ID() string {
	return l.id
}

// Done returns a channel closed by Uninit.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Logger returns the loop logger.
func (l *Loop) Logger() log.Interface {
	return l.logger
}

// Post schedules fn to run on the loop goroutine. It is safe to call
// from any goroutine, including the loop goroutine itself, and before
// Run has been called. Tasks run in FIFO order. After Uninit, tasks
// are dropped and Post returns false.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("loop: dropping task posted after uninit")
		return false
	}
	l.queue.Add(fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// drain removes all the queued tasks while holding the mutex.
func (l *Loop) drain() (tasks []func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.queue.Length() > 0 {
		tasks = append(tasks, l.queue.Remove().(func()))
	}
	return
}

// runQueued runs all the pending tasks outside of the mutex.
func (l *Loop) runQueued() {
	for _, fn := range l.drain() {
		l.runTask(fn)
	}
}

// runTask runs fn. A panicking task is logged and does not stop the
// loop or the other queued tasks.
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("loop: task panicked")
		}
	}()
	fn()
}

// Run runs the loop until ctx is done or Uninit is called. It is an
// error to call Run concurrently from two goroutines.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loop: already running")
	}
	defer l.running.Store(false)
	l.logger.Debug("loop: running")
	defer l.logger.Debug("loop: stopped")
	for {
		l.runQueued()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrLoopClosed
		case <-l.wake:
		}
	}
}

// Uninit stops accepting new tasks and causes Run to return. Tasks
// already in the queue are discarded. It is safe to call Uninit
// more than once.
func (l *Loop) Uninit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if count := len(l.handles); count > 0 {
		l.logger.WithField("handles", count).Warn("loop: uninit with live handles")
	}
	for l.queue.Length() > 0 {
		l.queue.Remove()
	}
	close(l.done)
}

// Attach adds res to the table of live handles.
func (l *Loop) Attach(res model.Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles[res.ID()] = res
}

// Detach removes the handle with the given ID from the table.
func (l *Loop) Detach(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handles, id)
}

// Lookup returns the live handle with the given ID, if any.
func (l *Loop) Lookup(id int64) (model.Resource, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, found := l.handles[id]
	return res, found
}

// NumHandles returns the number of live handles.
func (l *Loop) NumHandles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// CloseAll closes every live handle.
func (l *Loop) CloseAll() {
	l.mu.Lock()
	all := make([]model.Resource, 0, len(l.handles))
	for _, res := range l.handles {
		all = append(all, res)
	}
	l.mu.Unlock()
	for _, res := range all {
		res.Close()
	}
}
