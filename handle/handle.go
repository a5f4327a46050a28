// Package handle contains the lifecycle shared by all the resources
// owned by a loop.
//
// A handle goes through Uninitialized, Initializing, Initialized,
// Closing, and Closed. Initialization always runs on the loop and
// produces exactly one Init event, which is cached so that listeners
// registered later still receive it, again through the loop. Close
// produces exactly one Close event and then drops all the listeners.
package handle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/ooni/unio/emitter"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handlers"
	"github.com/ooni/unio/loop"
	"github.com/ooni/unio/model"
)

// State is the lifecycle state of a handle.
type State int32

const (
	// Uninitialized is the state of a newly created handle.
	Uninitialized = State(iota)

	// Initializing means that initialization has been scheduled.
	Initializing

	// Initialized means that the Init event has been emitted.
	Initialized

	// Closing means that Close has been called.
	Closing

	// Closed means that the Close event has been emitted.
	Closed
)

var stateNames = map[State]string{
	Uninitialized: "uninitialized",
	Initializing:  "initializing",
	Initialized:   "initialized",
	Closing:       "closing",
	Closed:        "closed",
}

func (s State) String() string {
	return stateNames[s]
}

// Config contains the settings common to all handles.
type Config struct {
	// Beginning is the zero time for measurements. If zero, we use
	// the time when the handle was created.
	Beginning time.Time

	// Handler receives measurements. If nil, measurements are discarded.
	Handler model.Handler

	// Logger is the logger. If nil, we use the loop logger.
	Logger log.Interface

	// Loop is the loop owning the handle. It is mandatory.
	Loop *loop.Loop
}

// nextID is the next handle ID.
var nextID int64

// NextID returns the next unique handle ID.
func NextID() int64 {
	return atomic.AddInt64(&nextID, 1)
}

// Owner is implemented by the types embedding a *Handle.
type Owner interface {
	Base() *Handle
}

// Handle is the base of every resource.
type Handle struct {
	beginning time.Time
	em        *emitter.Emitter
	handler   model.Handler
	id        int64
	initMu    sync.Mutex
	initEv    *event.Init
	logger    log.Interface
	loop      *loop.Loop
	self      model.Resource
	state     atomic.Int32
}

// New creates a new handle for self. The self argument is the resource
// embedding the handle and is the source of all the emitted events.
func New(config Config, self model.Resource) *Handle {
	if config.Loop == nil {
		panic("handle: nil loop")
	}
	h := &Handle{
		beginning: config.Beginning,
		handler:   config.Handler,
		id:        NextID(),
		logger:    config.Logger,
		loop:      config.Loop,
		self:      self,
	}
	if h.beginning.IsZero() {
		h.beginning = time.Now()
	}
	if h.handler == nil {
		h.handler = handlers.NoHandler
	}
	if h.logger == nil {
		h.logger = config.Loop.Logger()
	}
	h.logger = h.logger.WithField("handleID", h.id)
	h.em = emitter.New(h.logger)
	return h
}

// Base returns the handle itself.
func (h *Handle) Base() *Handle {
	return h
}

// ID returns the unique ID of the handle.
func (h *Handle) ID() int64 {
	return h.id
}

// Loop returns the loop owning the handle.
func (h *Handle) Loop() *loop.Loop {
	return h.loop
}

// Logger returns the handle logger.
func (h *Handle) Logger() log.Interface {
	return h.logger
}

// Handler returns the measurement handler.
func (h *Handle) Handler() model.Handler {
	return h.handler
}

// Beginning returns the zero time for measurements.
func (h *Handle) Beginning() time.Time {
	return h.beginning
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// IsClosing returns true when the handle is closing or closed.
func (h *Handle) IsClosing() bool {
	return h.State() >= Closing
}

// StartInit moves from Uninitialized to Initializing and attaches the
// handle to the loop. It returns false if initialization has already
// started, in which case the caller must not call CompleteInit.
func (h *Handle) StartInit() bool {
	if !h.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
		return false
	}
	h.loop.Attach(h.self)
	return true
}

// Init schedules fn on the loop and completes initialization with the
// error it returns. It returns immediately. Calling Init again, before
// or after completion, does nothing.
func (h *Handle) Init(fn func() error) {
	if !h.StartInit() {
		return
	}
	h.loop.Post(func() {
		var err error
		if fn != nil {
			err = fn()
		}
		h.CompleteInit(err)
	})
}

// CompleteInit caches and emits the Init event. It must run on the
// loop goroutine after a successful StartInit. A failed initialization
// is nonetheless complete: there is no retry.
func (h *Handle) CompleteInit(err error) {
	h.initMu.Lock()
	if h.initEv != nil {
		h.initMu.Unlock()
		return
	}
	ev := &event.Init{Status: event.Status{Err: err}}
	h.initEv = ev
	h.state.CompareAndSwap(int32(Initializing), int32(Initialized))
	h.initMu.Unlock()
	h.logger.WithField("error", err).Debug("handle: init done")
	emitter.Emit(h.em, h.self, ev)
	emitter.Off[event.Init](h.em)
}

// registerInit registers an Init listener or, when the Init event
// has already been emitted, replays it through the loop.
func (h *Handle) registerInit(fn emitter.Listener[event.Init], once bool) {
	if fn == nil {
		return
	}
	h.initMu.Lock()
	if ev := h.initEv; ev != nil {
		h.initMu.Unlock()
		h.loop.Post(func() { fn(ev, h.self) })
		return
	}
	if once {
		emitter.Once(h.em, fn)
	} else {
		emitter.On(h.em, fn)
	}
	h.initMu.Unlock()
}

// BeginClose moves to Closing. It returns false if the handle is
// already closing or closed. Only one of many concurrent callers
// wins and must eventually call FinishClose.
func (h *Handle) BeginClose() bool {
	for {
		cur := h.state.Load()
		if State(cur) >= Closing {
			return false
		}
		if h.state.CompareAndSwap(cur, int32(Closing)) {
			return true
		}
	}
}

// FinishClose emits the Close event, drops all the listeners, and
// detaches from the loop. It must run on the loop goroutine.
func (h *Handle) FinishClose() {
	if !h.state.CompareAndSwap(int32(Closing), int32(Closed)) {
		return
	}
	h.logger.Debug("handle: closed")
	emitter.Emit(h.em, h.self, &event.Close{})
	h.em.OffAll()
	h.loop.Detach(h.id)
}

// Close closes a handle that owns no other resource.
func (h *Handle) Close() {
	if !h.BeginClose() {
		return
	}
	h.loop.Post(h.FinishClose)
}

// On registers a durable listener for E on o. When E is event.Init
// and initialization is complete, the cached event is replayed
// once through the loop instead.
func On[E any](o Owner, fn emitter.Listener[E]) {
	h := o.Base()
	if initfn, ok := any(fn).(emitter.Listener[event.Init]); ok {
		h.registerInit(initfn, false)
		return
	}
	emitter.On(h.em, fn)
}

// Once is like On but the listener is removed after one invocation.
func Once[E any](o Owner, fn emitter.Listener[E]) {
	h := o.Base()
	if initfn, ok := any(fn).(emitter.Listener[event.Init]); ok {
		h.registerInit(initfn, true)
		return
	}
	emitter.Once(h.em, fn)
}

// Emit emits ev to the listeners for E registered on o. It must
// run on the loop goroutine.
func Emit[E any](o Owner, ev *E) int {
	h := o.Base()
	return emitter.Emit(h.em, h.self, ev)
}

// Off removes all the listeners for E registered on o.
func Off[E any](o Owner) {
	emitter.Off[E](o.Base().em)
}

// OffAll removes all the listeners registered on o.
func OffAll(o Owner) {
	o.Base().em.OffAll()
}

// Count returns the number of listeners for E registered on o.
func Count[E any](o Owner) int {
	return emitter.Count[E](o.Base().em)
}
