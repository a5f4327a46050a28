package handle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/loop"
	"github.com/ooni/unio/model"
)

type resource struct {
	*Handle
}

func newResource(l *loop.Loop) *resource {
	r := &resource{}
	r.Handle = New(Config{Loop: l}, r)
	return r
}

func startLoop() (*loop.Loop, func()) {
	l := loop.New(log.Log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		<-done
		l.Uninit()
	}
}

func wait(t *testing.T, ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestInitBeforeAndAfterCompletion(t *testing.T) {
	l, stop := startLoop()
	defer stop()
	r := newResource(l)
	mockedErr := errors.New("mocked error")
	var (
		mu     sync.Mutex
		events []*event.Init
	)
	early := make(chan struct{})
	Once(r, func(ev *event.Init, src model.Resource) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		close(early)
	})
	r.Init(func() error { return mockedErr })
	r.Init(func() error { panic("should not be called") })
	wait(t, early)
	if r.State() != Initialized {
		t.Fatal("unexpected state", r.State())
	}
	late := make(chan struct{})
	Once(r, func(ev *event.Init, src model.Resource) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		close(late)
	})
	wait(t, late)
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatal("unexpected number of events")
	}
	if events[0] != events[1] || !errors.Is(events[0].Err, mockedErr) {
		t.Fatal("the late listener did not receive the cached event")
	}
	if Count[event.Init](r) != 0 {
		t.Fatal("init listeners should not linger")
	}
}

func TestLateInitListenerRunsOnLoop(t *testing.T) {
	l := loop.New(log.Log)
	defer l.Uninit()
	r := newResource(l)
	r.Init(nil)
	// run the init task by hand
	ctx, cancel := context.WithCancel(context.Background())
	initdone := make(chan struct{})
	Once(r, func(ev *event.Init, src model.Resource) {
		close(initdone)
		cancel()
	})
	l.Run(ctx)
	wait(t, initdone)
	var called bool
	On(r, func(ev *event.Init, src model.Resource) { called = true })
	if called {
		t.Fatal("late listener should not be invoked synchronously")
	}
	ctx, cancel = context.WithCancel(context.Background())
	l.Post(cancel)
	l.Run(ctx)
	if !called {
		t.Fatal("late listener has not been invoked by the loop")
	}
}

func TestConcurrentLateRegistration(t *testing.T) {
	l, stop := startLoop()
	defer stop()
	r := newResource(l)
	const count = 32
	var (
		all   sync.WaitGroup
		mu    sync.Mutex
		calls int
	)
	all.Add(count)
	for i := 0; i < count; i++ {
		go Once(r, func(ev *event.Init, src model.Resource) {
			mu.Lock()
			calls++
			mu.Unlock()
			all.Done()
		})
		if i == count/2 {
			r.Init(nil)
		}
	}
	all.Wait()
	// give a chance to spurious duplicate deliveries
	flushed := make(chan struct{})
	l.Post(func() { close(flushed) })
	wait(t, flushed)
	mu.Lock()
	defer mu.Unlock()
	if calls != count {
		t.Fatal("each listener should be invoked exactly once", calls)
	}
}

func TestCloseExactlyOnce(t *testing.T) {
	l, stop := startLoop()
	defer stop()
	r := newResource(l)
	initdone := make(chan struct{})
	Once(r, func(ev *event.Init, src model.Resource) { close(initdone) })
	r.Init(nil)
	wait(t, initdone)
	if l.NumHandles() != 1 {
		t.Fatal("handle not attached to the loop")
	}
	var (
		mu     sync.Mutex
		closes int
	)
	closed := make(chan struct{})
	On(r, func(ev *event.Close, src model.Resource) {
		mu.Lock()
		closes++
		mu.Unlock()
		if src != r {
			t.Error("unexpected event source")
		}
		close(closed)
	})
	On(r, func(ev *event.Timer, src model.Resource) {})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			r.Close()
			wg.Done()
		}()
	}
	wg.Wait()
	wait(t, closed)
	flushed := make(chan struct{})
	l.Post(func() { close(flushed) })
	wait(t, flushed)
	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Fatal("expected exactly one close event")
	}
	if r.State() != Closed {
		t.Fatal("unexpected state", r.State())
	}
	if Count[event.Close](r) != 0 || Count[event.Timer](r) != 0 {
		t.Fatal("listeners not released")
	}
	if l.NumHandles() != 0 {
		t.Fatal("handle not detached from the loop")
	}
}

func TestStateString(t *testing.T) {
	if Closing.String() != "closing" {
		t.Fatal("unexpected state name")
	}
}
