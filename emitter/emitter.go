// Package emitter implements type-indexed multi-listener dispatch.
//
// Listeners are keyed by the concrete event type. Emitting a Read only
// reaches listeners registered for Read. Listeners run in registration
// order. A once listener is unlinked right before it runs, so the next
// listener in the same pass, or a reentrant Emit, never sees it. A
// listener registered while a pass is running is not invoked by that pass.
//
// The listener table is protected by a mutex that is never held while
// a listener runs, hence listeners may freely register, unregister, or
// emit other events.
package emitter

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/model"
)

// Listener is a callback for the event type E. The src argument is the
// resource that emitted the event.
type Listener[E any] func(ev *E, src model.Resource)

type key[E any] struct{}

type entry struct {
	fn   any
	once bool
	dead bool
}

// release drops the callback and whatever it captured. Must be
// called with the emitter mutex held.
func (e *entry) release() {
	e.dead = true
	e.fn = nil
}

// Emitter is a listener registry. The zero value is not usable; use New.
type Emitter struct {
	logger log.Interface
	mu     sync.Mutex
	table  map[any][]*entry
}

// New creates a new Emitter that logs using the given logger.
func New(logger log.Interface) *Emitter {
	if logger == nil {
		logger = log.Log
	}
	return &Emitter{logger: logger, table: make(map[any][]*entry)}
}

func add[E any](em *Emitter, fn Listener[E], once bool) {
	if fn == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	k := key[E]{}
	em.table[k] = append(em.table[k], &entry{fn: fn, once: once})
}

// On registers a durable listener for E.
func On[E any](em *Emitter, fn Listener[E]) {
	add(em, fn, false)
}

// Once registers a listener for E that is removed after its
// first invocation.
func Once[E any](em *Emitter, fn Listener[E]) {
	add(em, fn, true)
}

// unlink removes e from the list of E. Must be called with mu held.
func unlink[E any](em *Emitter, e *entry) {
	k := key[E]{}
	list := em.table[k]
	for idx, cur := range list {
		if cur == e {
			list = append(list[:idx:idx], list[idx+1:]...)
			break
		}
	}
	if len(list) <= 0 {
		delete(em.table, k)
		return
	}
	em.table[k] = list
}

// Emit invokes the listeners registered for E and returns how many
// of them have been invoked.
func Emit[E any](em *Emitter, src model.Resource, ev *E) (count int) {
	em.mu.Lock()
	snapshot := append([]*entry(nil), em.table[key[E]{}]...)
	em.mu.Unlock()
	for _, e := range snapshot {
		em.mu.Lock()
		if e.dead {
			em.mu.Unlock()
			continue
		}
		fn := e.fn.(Listener[E])
		if e.once {
			e.release()
			unlink[E](em, e)
		}
		em.mu.Unlock()
		fn(ev, src)
		count++
	}
	if count <= 0 {
		if errev, ok := any(ev).(*event.Error); ok {
			em.logger.WithFields(log.Fields{
				"error":  errev.Err,
				"source": describe(src),
			}).Error("emitter: unhandled error event")
		}
	}
	return
}

// Off removes all the listeners registered for E.
func Off[E any](em *Emitter) {
	em.mu.Lock()
	defer em.mu.Unlock()
	k := key[E]{}
	for _, e := range em.table[k] {
		e.release()
	}
	delete(em.table, k)
}

// OffAll removes all the listeners.
func (em *Emitter) OffAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	for _, list := range em.table {
		for _, e := range list {
			e.release()
		}
	}
	em.table = make(map[any][]*entry)
}

// Count returns the number of listeners registered for E.
func Count[E any](em *Emitter) int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return len(em.table[key[E]{}])
}

func describe(src model.Resource) string {
	if src == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T#%d", src, src.ID())
}
