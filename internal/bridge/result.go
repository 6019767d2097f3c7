package bridge

import (
	"context"
	"sync"
)

// Result is the outcome of a command or an injection.
type Result struct {
	Value any
	Err   error
}

func Success(v any) Result       { return Result{Value: v} }
func Failure(err error) Result   { return Result{Err: err} }
func (r Result) Succeeded() bool { return r.Err == nil }

// Completion receives exactly one Result.
type Completion func(Result)

// ResultCollector gathers the results of a fan-out. Slots are handed out with
// Add; once Seal has been called and every slot has completed, done receives
// the results in slot order.
type ResultCollector struct {
	mu      sync.Mutex
	results []Result
	filled  []bool
	pending int
	sealed  bool
	fired   bool
	done    func([]Result)
	settled chan struct{}
}

func NewResultCollector(done func([]Result)) *ResultCollector {
	return &ResultCollector{done: done, settled: make(chan struct{})}
}

// Add allocates a slot and returns its completion. A slot that never
// completes reads as ErrCompletionNotFulfilled if the collector is flushed.
func (c *ResultCollector) Add() Completion {
	c.mu.Lock()
	idx := len(c.results)
	c.results = append(c.results, Failure(ErrCompletionNotFulfilled))
	c.filled = append(c.filled, false)
	c.pending++
	c.mu.Unlock()

	return func(r Result) {
		c.mu.Lock()
		if c.fired || c.filled[idx] {
			c.mu.Unlock()
			return
		}
		c.results[idx] = r
		c.filled[idx] = true
		c.pending--
		c.mu.Unlock()
		c.maybeFire()
	}
}

// Seal marks that no more slots will be added.
func (c *ResultCollector) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
	c.maybeFire()
}

// Flush fires immediately with whatever has completed so far.
func (c *ResultCollector) Flush() {
	c.mu.Lock()
	c.sealed = true
	c.pending = 0
	c.mu.Unlock()
	c.maybeFire()
}

// Settled is closed once done has been called.
func (c *ResultCollector) Settled() <-chan struct{} { return c.settled }

// FlushOn flushes the collector if ctx ends before every slot completes.
func (c *ResultCollector) FlushOn(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			c.Flush()
		case <-c.settled:
		}
	}()
}

func (c *ResultCollector) maybeFire() {
	c.mu.Lock()
	if c.fired || !c.sealed || c.pending > 0 {
		c.mu.Unlock()
		return
	}
	c.fired = true
	out := make([]Result, len(c.results))
	copy(out, c.results)
	c.mu.Unlock()

	close(c.settled)
	if c.done != nil {
		c.done(out)
	}
}

// AllFailed reports whether results is non-empty and every entry failed.
func AllFailed(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Succeeded() {
			return false
		}
	}
	return true
}
