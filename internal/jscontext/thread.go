// internal/jscontext/thread.go
package jscontext

import (
	"errors"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

// ErrThreadStopped is returned for work submitted after Stop.
var ErrThreadStopped = errors.New("web thread has stopped")

// WebThread is the single goroutine that owns every goja runtime of one web
// view. Frame runtimes are created and touched only from inside Post or Do.
type WebThread struct {
	loop   *eventloop.EventLoop
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

var _ bridge.WebThread = (*WebThread)(nil)

// NewWebThread starts a web thread.
func NewWebThread(logger *zap.Logger) *WebThread {
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()
	return &WebThread{loop: loop, logger: logger.Named("web_thread")}
}

// Post queues fn on the thread. Jobs run in submission order. It reports
// false once the thread has stopped.
func (w *WebThread) Post(fn func()) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	return w.loop.RunOnLoop(func(*goja.Runtime) { w.run(fn) })
}

// Do runs fn on the thread and waits for it to return.
func (w *WebThread) Do(fn func()) error {
	done := make(chan struct{})
	if !w.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrThreadStopped
	}
	<-done
	return nil
}

func (w *WebThread) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic on web thread", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Stop refuses new work, lets everything already queued finish, and stops
// the loop.
func (w *WebThread) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	// Jobs run in order, so this one runs after everything queued before it.
	drained := make(chan struct{})
	if w.loop.RunOnLoop(func(*goja.Runtime) { close(drained) }) {
		<-drained
	}
	w.loop.Stop()
}
