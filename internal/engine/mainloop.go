// internal/engine/mainloop.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned when work is submitted after Stop.
var ErrLoopStopped = errors.New("main loop stopped")

// MainLoop is the single goroutine that owns command execution, registry
// mutation and result handling. Work runs strictly in submission order.
//
// The queue is unbounded so that tasks running on the loop can post follow-up
// work without deadlocking; backlog beyond the configured size is logged.
type MainLoop struct {
	logger   *zap.Logger
	softSize int

	mu      sync.Mutex
	queue   []func()
	stopped bool
	warned  bool

	wake chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMainLoop creates a loop. Start must be called before work runs.
func NewMainLoop(logger *zap.Logger, queueSize int) *MainLoop {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &MainLoop{
		logger:   logger.Named("main_loop"),
		softSize: queueSize,
		queue:    make([]func(), 0, queueSize),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine. It exits when ctx is cancelled or Stop
// is called; Stop drains queued work first, cancellation does not.
func (l *MainLoop) Start(ctx context.Context) {
	l.once.Do(func() {
		l.wg.Add(1)
		go l.run(ctx)
	})
}

// Post enqueues fn. It reports false if the loop has been stopped.
func (l *MainLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	backlog := len(l.queue)
	warn := backlog > l.softSize && !l.warned
	if warn {
		l.warned = true
	}
	l.mu.Unlock()

	if warn {
		l.logger.Warn("Main loop backlog exceeds configured queue size", zap.Int("backlog", backlog), zap.Int("queue_size", l.softSize))
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
func (l *MainLoop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for main loop: %w", ctx.Err())
	}
}

// Stop refuses new work, runs what is already queued and waits for the loop
// goroutine to exit.
func (l *MainLoop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.wg.Wait()
}

func (l *MainLoop) run(ctx context.Context) {
	defer l.wg.Done()
	l.logger.Debug("Main loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Context cancelled, main loop exiting", zap.Error(ctx.Err()))
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.wake:
		}

		for {
			fn, stopped := l.pop()
			if fn == nil {
				if stopped {
					l.logger.Debug("Main loop drained and stopped")
					return
				}
				break
			}
			l.execute(fn)
		}
	}
}

func (l *MainLoop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		l.warned = false
		return nil, l.stopped
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, l.stopped
}

// execute runs one task, keeping the loop alive if it panics.
func (l *MainLoop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic on main loop",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}
