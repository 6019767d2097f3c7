package webview

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

// CDPEvaluator evaluates scripts in a Chrome target over the DevTools
// protocol. It is the remote transport of views backed by a real browser.
type CDPEvaluator struct {
	// ctx is a chromedp context bound to the target.
	ctx    context.Context
	logger *zap.Logger

	terminated atomic.Bool
	runActions func(ctx context.Context, actions ...chromedp.Action) error
}

var _ bridge.Evaluator = (*CDPEvaluator)(nil)

// NewCDPEvaluator watches the target of cdpCtx for crashes and detaches.
func NewCDPEvaluator(cdpCtx context.Context, logger *zap.Logger) *CDPEvaluator {
	e := &CDPEvaluator{ctx: cdpCtx, logger: logger.Named("cdp_evaluator")}
	e.runActions = e.run
	chromedp.ListenTarget(cdpCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *inspector.EventTargetCrashed:
			e.markTerminated("target crashed")
		case *inspector.EventDetached:
			e.markTerminated(fmt.Sprintf("detached: %v", ev.Reason))
		}
	})
	return e
}

func (e *CDPEvaluator) markTerminated(reason string) {
	if !e.terminated.Swap(true) {
		e.logger.Warn("Web content process terminated", zap.String("reason", reason))
	}
}

// Terminated reports whether the target has crashed or gone away.
func (e *CDPEvaluator) Terminated() bool {
	return e.terminated.Load() || e.ctx.Err() != nil
}

// run executes actions on the target, cancelled by either ctx or the target
// context.
func (e *CDPEvaluator) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// EvaluateJavaScript evaluates script on its own goroutine and reports the
// decoded JSON result. Failures on a dead target wrap
// bridge.ErrContentProcessTerminated.
func (e *CDPEvaluator) EvaluateJavaScript(ctx context.Context, script string, done func(any, error)) {
	if e.Terminated() {
		done(nil, bridge.ErrContentProcessTerminated)
		return
	}
	go func() {
		var raw []byte
		err := e.runActions(ctx, chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithSilent(true)
		}))
		if err != nil {
			done(nil, e.classify(ctx, err))
			return
		}
		done(decodeEvaluation(raw))
	}()
}

func (e *CDPEvaluator) classify(ctx context.Context, err error) error {
	switch {
	case e.Terminated():
		return fmt.Errorf("%w: %v", bridge.ErrContentProcessTerminated, err)
	case errors.Is(err, chromedp.ErrInvalidContext):
		return fmt.Errorf("%w: %v", bridge.ErrWebViewInvalidated, err)
	case ctx.Err() != nil:
		return fmt.Errorf("evaluation cancelled: %w", ctx.Err())
	}
	var exc *runtime.ExceptionDetails
	if errors.As(err, &exc) {
		return fmt.Errorf("script threw: %s", exc.Error())
	}
	return err
}

// decodeEvaluation turns the by-value result into a native value. An
// undefined result has no bytes.
func decodeEvaluation(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := wire.JSON.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation result: %w", err)
	}
	return v, nil
}
