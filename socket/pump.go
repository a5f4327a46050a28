package socket

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/model"
)

// ReadPump bridges a blocking reader running on a helper goroutine to a
// read subscription running on the loop. The helper goroutine only reads
// while a subscription is active. A chunk that arrives after CancelRead
// is kept and delivered to the next subscription.
type ReadPump struct {
	active  bool
	buf     model.Buffer
	cond    *sync.Cond
	fn      ReadFunc
	mu      sync.Mutex
	owner   handle.Owner
	pending []byte
	stopped bool
	termErr error
}

// NewReadPump creates a ReadPump delivering events on behalf of owner.
func NewReadPump(owner handle.Owner) *ReadPump {
	p := &ReadPump{owner: owner}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Subscribe starts a new subscription replacing the previous one.
func (p *ReadPump) Subscribe(buf model.Buffer, fn ReadFunc) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		Defer(p.owner, fn, &event.Read{Status: event.Status{
			Err: WrapError(p.owner, "read", ErrSocketClosed),
		}})
		return
	}
	p.active, p.buf, p.fn = true, buf, fn
	backlog := len(p.pending) > 0 || p.termErr != nil
	p.cond.Broadcast()
	p.mu.Unlock()
	if backlog {
		p.owner.Base().Loop().Post(p.flush)
	}
}

// Cancel stops the current subscription, if any.
func (p *ReadPump) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active, p.buf, p.fn = false, nil, nil
}

// Stop permanently stops the pump. The helper goroutine exits once
// its pending read returns, which typically happens by closing the
// underlying connection right after calling Stop.
func (p *ReadPump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.active, p.buf, p.fn = false, nil, nil
	p.pending = nil
	p.cond.Broadcast()
}

// Run is the body of the helper goroutine. The read function returns
// the next chunk, which is only valid until the next call.
func (p *ReadPump) Run(read func() ([]byte, error)) {
	lp := p.owner.Base().Loop()
	for {
		p.mu.Lock()
		for !p.active && !p.stopped {
			p.cond.Wait()
		}
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		data, err := read()
		done := make(chan struct{})
		if !lp.Post(func() {
			defer close(done)
			p.Deliver(data, err)
		}) {
			return
		}
		select {
		case <-done:
		case <-lp.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Deliver queues data, followed by the terminal err if not nil, and
// delivers them to the active subscription. Sockets that produce data
// on the loop, rather than using Run, call it directly. It must run on
// the loop goroutine.
func (p *ReadPump) Deliver(data []byte, err error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, data...)
	if err != nil {
		p.termErr = err
	}
	p.mu.Unlock()
	p.flush()
}

// flush delivers the pending bytes and then the terminal error, if
// any, while the subscription is active. It runs on the loop.
func (p *ReadPump) flush() {
	for {
		p.mu.Lock()
		if !p.active {
			p.mu.Unlock()
			return
		}
		buf, fn := p.buf, p.fn
		if len(p.pending) > 0 {
			buf.Clear()
			if buf.Capacity() < len(p.pending) {
				buf.Expand(len(p.pending))
			}
			n := copy(buf.Bytes(), p.pending)
			if p.pending = p.pending[n:]; len(p.pending) <= 0 {
				p.pending = nil
			}
			buf.SetLimit(buf.Position() + n)
			p.mu.Unlock()
			Complete(p.owner, fn, &event.Read{Buffer: buf})
			continue
		}
		err := p.termErr
		if err == nil {
			p.mu.Unlock()
			return
		}
		p.active, p.buf, p.fn = false, nil, nil
		p.mu.Unlock()
		Complete(p.owner, fn, &event.Read{Status: event.Status{
			Err: WrapError(p.owner, "read", err),
		}})
		return
	}
}

// Writer runs writes on helper goroutines and enforces the single
// outstanding write rule. A second write issued before the completion
// of the first one fails with ErrWriteInProgress.
type Writer struct {
	busy  atomic.Bool
	owner handle.Owner
}

// NewWriter creates a writer delivering events on behalf of owner.
func NewWriter(owner handle.Owner) *Writer {
	return &Writer{owner: owner}
}

// Busy returns whether a write is in progress.
func (w *Writer) Busy() bool {
	return w.busy.Load()
}

// Write writes the remaining bytes of buf using write. A write issued
// after close fails with ErrSocketClosed. A write in flight when the
// socket is closed still completes: with success when all the data had
// been written before closing and with ErrSocketClosed otherwise.
func (w *Writer) Write(buf model.Buffer, fn WriteFunc, write func([]byte) (int, error)) {
	h := w.owner.Base()
	if h.IsClosing() {
		w.fail(fn, ErrSocketClosed)
		return
	}
	if !w.busy.CompareAndSwap(false, true) {
		h.Logger().Error("socket: write issued before the previous one completed")
		w.fail(fn, ErrWriteInProgress)
		return
	}
	data := buf.Bytes()
	go func() {
		n, err := write(data)
		if err == nil && n < len(data) {
			err = io.ErrShortWrite
		}
		posted := h.Loop().Post(func() {
			w.busy.Store(false)
			buf.SetPosition(buf.Position() + n)
			if err != nil && h.IsClosing() {
				err = ErrSocketClosed
			}
			Complete(w.owner, fn, &event.Write{Status: event.Status{
				Err: WrapError(w.owner, "write", err),
			}})
		})
		if !posted {
			w.busy.Store(false)
		}
	}()
}

func (w *Writer) fail(fn WriteFunc, err error) {
	Defer(w.owner, fn, &event.Write{Status: event.Status{
		Err: WrapError(w.owner, "write", err),
	}})
}
