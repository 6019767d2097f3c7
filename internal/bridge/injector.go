// internal/bridge/injector.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/extbridge/internal/wire"
)

// BackgroundReloader restarts an extension's background context after its
// web content process died.
type BackgroundReloader interface {
	ReloadBackground(ctx context.Context, extensionID string) error
}

// InjectorConfig names the JS entry point replies are delivered through.
type InjectorConfig struct {
	CallbackObject   string
	CallbackFunction string
	// EvaluationTimeout bounds remote evaluations; zero means unbounded.
	EvaluationTimeout time.Duration
}

// Injector delivers payloads into JS contexts and parses the script's
// acknowledgment back into a Result. A delivery is only complete once that
// acknowledgment has come back, even if the command's effect happened earlier.
type Injector struct {
	cfg      InjectorConfig
	logger   *zap.Logger
	loop     Loop
	reloader BackgroundReloader

	reloads  singleflight.Group
	inflight sync.WaitGroup
}

func NewInjector(cfg InjectorConfig, loop Loop, reloader BackgroundReloader, logger *zap.Logger) *Injector {
	return &Injector{
		cfg:      cfg,
		logger:   logger.Named("injector"),
		loop:     loop,
		reloader: reloader,
	}
}

// Call delivers {context, data} (or {context+lastError} when callErr is set)
// to t and reports the parsed acknowledgment to done on the main loop.
// Transport failures are reported, never retried.
func (i *Injector) Call(t Target, data any, callErr error, done Completion) {
	if t.View == nil || !t.View.Lifetime().Alive() {
		done(Failure(ErrWebViewInvalidated))
		return
	}

	payload := wire.CallbackPayload(t.Context, data, callErr)
	transport := t.View.Transport()
	switch transport.Kind {
	case TransportRemote:
		i.callRemote(t, transport, payload, done)
	case TransportLegacy:
		i.callLegacy(t, transport, payload, done)
	default:
		done(Failure(fmt.Errorf("web view %s has no transport", t.View.ID())))
	}
}

// InvokeListener delivers an event payload to a persistent listener. Nothing
// is delivered once the listener's view or extension has gone away.
func (i *Injector) InvokeListener(cb *Callback, payload any, done Completion) {
	if !cb.IsValid() {
		done(Failure(ErrWebViewInvalidated))
		return
	}
	i.Call(cb.Target(), payload, nil, done)
}

func (i *Injector) callRemote(t Target, tr Transport, payload map[string]any, done Completion) {
	if tr.Evaluator == nil {
		done(Failure(fmt.Errorf("web view %s has no evaluator", t.View.ID())))
		return
	}
	encoded, err := wire.JSON.Marshal(payload)
	if err != nil {
		done(Failure(fmt.Errorf("failed to encode callback payload: %w", err)))
		return
	}
	script := wire.InjectionScript(i.cfg.CallbackObject, i.cfg.CallbackFunction, encoded)

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if i.cfg.EvaluationTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, i.cfg.EvaluationTimeout)
	}

	tr.Evaluator.EvaluateJavaScript(ctx, script, func(result any, evalErr error) {
		cancel()
		i.onLoop(done, func() Result { return i.handleRemoteResult(t, result, evalErr) })
	})
}

func (i *Injector) handleRemoteResult(t Target, result any, err error) Result {
	if err != nil {
		if errors.Is(err, ErrContentProcessTerminated) || errors.Is(err, ErrWebViewInvalidated) {
			i.requestReload(t.Extension)
		}
		return Failure(fmt.Errorf("script evaluation failed: %w", err))
	}
	switch ack := result.(type) {
	case nil:
		return i.handleInjectionResult(t, "")
	case string:
		return i.handleInjectionResult(t, ack)
	default:
		i.logger.Warn("Acknowledgment is not a string",
			zap.String("callback_id", t.Context.CallbackID()),
			zap.String("type", fmt.Sprintf("%T", ack)),
		)
		return Success(ack)
	}
}

func (i *Injector) callLegacy(t Target, tr Transport, payload map[string]any, done Completion) {
	if tr.Thread == nil {
		done(Failure(&InjectionError{Kind: InjectionWebThreadNotSet}))
		return
	}
	posted := tr.Thread.Post(func() {
		ack, err := i.invokeOnWebThread(t, tr, payload)
		i.onLoop(done, func() Result {
			if err != nil {
				return Failure(err)
			}
			return i.handleInjectionResult(t, ack)
		})
	})
	if !posted {
		done(Failure(&InjectionError{Kind: InjectionWebThreadNotSet, Detail: "web thread has stopped"}))
	}
}

// invokeOnWebThread must only run on the view's web thread.
func (i *Injector) invokeOnWebThread(t Target, tr Transport, payload map[string]any) (string, error) {
	if tr.Contexts == nil {
		return "", &InjectionError{Kind: InjectionFrameNotFound, Detail: "view has no frames"}
	}
	jsCtx, found := tr.Contexts.FrameContext(t.Frame.ID)
	if !found {
		return "", &InjectionError{Kind: InjectionFrameNotFound, Detail: fmt.Sprintf("frame %d", t.Frame.ID)}
	}
	if jsCtx == nil {
		return "", &InjectionError{Kind: InjectionNoJSContext, Detail: fmt.Sprintf("frame %d", t.Frame.ID)}
	}
	return jsCtx.CallGlobal(i.cfg.CallbackObject, i.cfg.CallbackFunction, payload)
}

// handleInjectionResult parses the script's acknowledgment string.
func (i *Injector) handleInjectionResult(t Target, ack string) Result {
	v, err := wire.ParseAck(ack, t.Context.CallbackID())
	if err != nil {
		return Failure(err)
	}
	return Success(v)
}

// onLoop runs produce on the main loop and hands its result to done. If the
// loop has stopped the failure is reported from the calling goroutine.
func (i *Injector) onLoop(done Completion, produce func() Result) {
	if i.loop == nil || !i.loop.Post(func() { done(produce()) }) {
		done(Failure(errors.New("main loop is not running")))
	}
}

// requestReload asks the reloader to restart ext's background context.
// Concurrent requests for one extension collapse into a single reload.
func (i *Injector) requestReload(ext Extension) {
	if i.reloader == nil || ext == nil {
		return
	}
	id := ext.ID()
	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()
		_, err, shared := i.reloads.Do(id, func() (any, error) {
			return nil, i.reloader.ReloadBackground(context.Background(), id)
		})
		if err != nil {
			i.logger.Error("Background reload failed", zap.String("extension", id), zap.Error(err))
			return
		}
		i.logger.Info("Background reload requested", zap.String("extension", id), zap.Bool("shared", shared))
	}()
}

// Wait blocks until outstanding reload requests have finished.
func (i *Injector) Wait() {
	i.inflight.Wait()
}
