package nativehost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

// ErrHostClosed completes evaluations still pending when the host stops.
var ErrHostClosed = errors.New("native host closed")

// RemoteEvaluator sends scripts to the relay for evaluation and completes
// them when the matching evaluateResult arrives.
type RemoteEvaluator struct {
	out    *frameWriter
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingEval
	closed  bool
}

type pendingEval struct {
	done func(any, error)
	// stop detaches the cancellation watcher, if any.
	stop func() bool
}

func (e *RemoteEvaluator) complete(p *pendingEval, v any, err error) {
	e.mu.Lock()
	stop := p.stop
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.done(v, err)
}

func newRemoteEvaluator(out *frameWriter, logger *zap.Logger) *RemoteEvaluator {
	return &RemoteEvaluator{
		out:     out,
		logger:  logger.Named("remote_evaluator"),
		pending: make(map[string]*pendingEval),
	}
}

// ForView returns the evaluator of one view.
func (e *RemoteEvaluator) ForView(viewID string) bridge.Evaluator {
	return viewEvaluator{e: e, viewID: viewID}
}

type viewEvaluator struct {
	e      *RemoteEvaluator
	viewID string
}

func (v viewEvaluator) EvaluateJavaScript(ctx context.Context, script string, done func(any, error)) {
	v.e.evaluate(ctx, v.viewID, script, done)
}

func (e *RemoteEvaluator) evaluate(ctx context.Context, viewID, script string, done func(any, error)) {
	id := uuid.New().String()
	p := &pendingEval{done: done}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		done(nil, ErrHostClosed)
		return
	}
	e.pending[id] = p
	e.mu.Unlock()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			if p, ok := e.take(id); ok {
				p.done(nil, ctx.Err())
			}
		})
		e.mu.Lock()
		p.stop = stop
		e.mu.Unlock()
	}

	if err := e.out.write(evaluateRequest{Type: TypeEvaluate, ID: id, ViewID: viewID, Script: script}); err != nil {
		if p, ok := e.take(id); ok {
			e.complete(p, nil, fmt.Errorf("failed to send evaluation: %w", err))
		}
	}
}

func (e *RemoteEvaluator) take(id string) (*pendingEval, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	return p, ok
}

// Resolve completes the evaluation named by msg.ID.
func (e *RemoteEvaluator) Resolve(msg *Inbound) {
	p, ok := e.take(msg.ID)
	if !ok {
		e.logger.Debug("Evaluation result for unknown id", zap.String("id", msg.ID))
		return
	}
	switch {
	case msg.Terminated:
		e.complete(p, nil, fmt.Errorf("%w: %s", bridge.ErrContentProcessTerminated, msg.Error))
	case msg.Error != "":
		e.complete(p, nil, errors.New(msg.Error))
	default:
		e.complete(p, msg.Result, nil)
	}
}

// Pending reports the number of outstanding evaluations.
func (e *RemoteEvaluator) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close fails every outstanding evaluation and refuses new ones.
func (e *RemoteEvaluator) Close() {
	e.mu.Lock()
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingEval)
	e.mu.Unlock()
	for _, p := range pending {
		e.complete(p, nil, ErrHostClosed)
	}
}
