package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/extbridge/internal/wire"
)

type inlineThread struct{}

func (inlineThread) Post(fn func()) bool { fn(); return true }

type stoppedThread struct{}

func (stoppedThread) Post(func()) bool { return false }

type fakeJSContext struct {
	ack  string
	err  error
	args []any
}

func (c *fakeJSContext) CallGlobal(object, function string, arg any) (string, error) {
	c.args = append(c.args, arg)
	return c.ack, c.err
}

type fakeContexts map[uint64]JSContext

func (f fakeContexts) FrameContext(id uint64) (JSContext, bool) {
	c, ok := f[id]
	return c, ok
}

type fakeReloader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeReloader) ReloadBackground(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

func (r *fakeReloader) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func inject(t *testing.T, inj *Injector, target Target, data any, callErr error) Result {
	t.Helper()
	var got []Result
	inj.Call(target, data, callErr, func(r Result) { got = append(got, r) })
	require.Len(t, got, 1)
	return got[0]
}

func remoteTarget(ev Evaluator, id string) Target {
	return Target{
		View:      newView("bg", OriginBackground, remote(ev)),
		Extension: newExtension("ext"),
		Context:   wire.Context{wire.KeyCallbackID: id},
	}
}

func TestInjector_RemoteAcknowledgments(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   any
		jsErr  bool
	}{
		{name: "json ack", result: `{"ok":true}`, want: map[string]any{"ok": true}},
		{name: "echoed callback id", result: "cb-1", want: nil},
		{name: "empty ack", result: "", want: nil},
		{name: "nil result", result: nil, want: nil},
		{name: "plain string", result: "done", want: "done"},
		{name: "non-string result", result: 3.0, want: 3.0},
		{name: "script error", result: wire.ErrorStackPrefix + " TypeError: x is undefined", jsErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &fakeEvaluator{result: tt.result}
			inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zaptest.NewLogger(t))

			r := inject(t, inj, remoteTarget(ev, "cb-1"), map[string]any{"n": 1}, nil)
			if tt.jsErr {
				var jsErr *wire.JSError
				require.ErrorAs(t, r.Err, &jsErr)
				assert.Equal(t, "TypeError: x is undefined", jsErr.Stack)
				return
			}
			require.NoError(t, r.Err)
			assert.Equal(t, tt.want, r.Value)
		})
	}
}

func TestInjector_NonStringAcknowledgmentWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zap.New(core))

	r := inject(t, inj, remoteTarget(&fakeEvaluator{result: true}, "cb-7"), nil, nil)
	require.NoError(t, r.Err)
	assert.Equal(t, true, r.Value)

	entries := logs.FilterMessage("Acknowledgment is not a string").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "cb-7", entries[0].ContextMap()["callback_id"])
	assert.Equal(t, "bool", entries[0].ContextMap()["type"])
}

func TestInjector_RemoteScript(t *testing.T) {
	ev := &fakeEvaluator{}
	inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zaptest.NewLogger(t))

	inject(t, inj, remoteTarget(ev, "cb-1"), "payload", nil)
	inject(t, inj, remoteTarget(ev, "cb-2"), nil, errors.New("nope"))

	scripts := ev.Scripts()
	require.Len(t, scripts, 2)
	assert.Equal(t, `window.KittCallbackCaller.invoke({"context":{"callbackId":"cb-1"},"data":"payload"})`, scripts[0])
	assert.Equal(t, `window.KittCallbackCaller.invoke({"context":{"callbackId":"cb-2","lastError":{"message":"nope"}}})`, scripts[1])
}

func TestInjector_ProcessTerminationRequestsReload(t *testing.T) {
	ev := &fakeEvaluator{err: ErrContentProcessTerminated}
	reloader := &fakeReloader{}
	inj := NewInjector(testInjectorConfig, inlineLoop{}, reloader, zaptest.NewLogger(t))

	r := inject(t, inj, remoteTarget(ev, "cb"), nil, nil)
	inj.Wait()

	assert.ErrorIs(t, r.Err, ErrContentProcessTerminated)
	assert.Contains(t, r.Err.Error(), "script evaluation failed")
	assert.Equal(t, []string{"ext"}, reloader.Calls())
}

func TestInjector_ReloadFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ev := &fakeEvaluator{err: ErrWebViewInvalidated}
	inj := NewInjector(testInjectorConfig, inlineLoop{}, &fakeReloader{err: errors.New("no background")}, zap.New(core))

	inject(t, inj, remoteTarget(ev, "cb"), nil, nil)
	inj.Wait()

	assert.Equal(t, 1, logs.FilterMessage("Background reload failed").Len())
}

func TestInjector_OtherEvaluationErrorsDoNotReload(t *testing.T) {
	ev := &fakeEvaluator{err: errors.New("syntax error")}
	reloader := &fakeReloader{}
	inj := NewInjector(testInjectorConfig, inlineLoop{}, reloader, zaptest.NewLogger(t))

	r := inject(t, inj, remoteTarget(ev, "cb"), nil, nil)
	inj.Wait()

	require.Error(t, r.Err)
	assert.Empty(t, reloader.Calls())
}

func TestInjector_InvalidatedView(t *testing.T) {
	ev := &fakeEvaluator{}
	inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zaptest.NewLogger(t))
	target := remoteTarget(ev, "cb")
	target.View.Lifetime().Invalidate()

	r := inject(t, inj, target, nil, nil)
	assert.ErrorIs(t, r.Err, ErrWebViewInvalidated)
	assert.Empty(t, ev.Scripts(), "nothing is evaluated in a dead view")

	r = inject(t, inj, Target{}, nil, nil)
	assert.ErrorIs(t, r.Err, ErrWebViewInvalidated)
}

func TestInjector_StoppedLoop(t *testing.T) {
	inj := NewInjector(testInjectorConfig, stoppedLoop{}, nil, zaptest.NewLogger(t))
	r := inject(t, inj, remoteTarget(&fakeEvaluator{}, "cb"), nil, nil)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "main loop is not running")
}

func TestInjector_Legacy(t *testing.T) {
	good := &fakeJSContext{ack: `[1,2]`}
	failing := &fakeJSContext{err: &InjectionError{Kind: InjectionEntrySymbolNotFound}}

	tests := []struct {
		name     string
		tr       Transport
		frame    uint64
		wantKind InjectionErrorKind
		want     any
	}{
		{name: "no web thread", tr: Transport{Kind: TransportLegacy}, wantKind: InjectionWebThreadNotSet},
		{name: "stopped web thread", tr: Transport{Kind: TransportLegacy, Thread: stoppedThread{}}, wantKind: InjectionWebThreadNotSet},
		{name: "no frames", tr: Transport{Kind: TransportLegacy, Thread: inlineThread{}}, wantKind: InjectionFrameNotFound},
		{
			name:     "unknown frame",
			tr:       Transport{Kind: TransportLegacy, Thread: inlineThread{}, Contexts: fakeContexts{1: good}},
			frame:    2,
			wantKind: InjectionFrameNotFound,
		},
		{
			name:     "frame without context",
			tr:       Transport{Kind: TransportLegacy, Thread: inlineThread{}, Contexts: fakeContexts{1: nil}},
			frame:    1,
			wantKind: InjectionNoJSContext,
		},
		{
			name:     "entry symbol missing",
			tr:       Transport{Kind: TransportLegacy, Thread: inlineThread{}, Contexts: fakeContexts{1: failing}},
			frame:    1,
			wantKind: InjectionEntrySymbolNotFound,
		},
		{
			name:  "delivered",
			tr:    Transport{Kind: TransportLegacy, Thread: inlineThread{}, Contexts: fakeContexts{1: good}},
			frame: 1,
			want:  []any{1.0, 2.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zaptest.NewLogger(t))
			target := Target{
				View:    newContentView("tab", 1, tt.tr),
				Frame:   Frame{ID: tt.frame},
				Context: wire.Context{wire.KeyCallbackID: "cb"},
			}
			r := inject(t, inj, target, "data", nil)
			if tt.wantKind != 0 {
				var injErr *InjectionError
				require.ErrorAs(t, r.Err, &injErr)
				assert.Equal(t, tt.wantKind, injErr.Kind)
				return
			}
			require.NoError(t, r.Err)
			assert.Equal(t, tt.want, r.Value)
		})
	}

	require.Len(t, good.args, 1)
	assert.Equal(t, map[string]any{
		"context": wire.Context{wire.KeyCallbackID: "cb"},
		"data":    "data",
	}, good.args[0])
}

func TestInjector_NoTransport(t *testing.T) {
	inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zaptest.NewLogger(t))
	r := inject(t, inj, Target{View: newView("v", OriginPopup, Transport{})}, nil, nil)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "no transport")
}

func TestInjector_InvokeListenerSkipsDeadListeners(t *testing.T) {
	ev := &fakeEvaluator{}
	inj := NewInjector(testInjectorConfig, inlineLoop{}, nil, zaptest.NewLogger(t))
	ext := newExtension("ext")
	cb := listener(ext, newView("bg", OriginBackground, remote(ev)), EventTabsOnCreated, "cb")

	var got []Result
	inj.InvokeListener(cb, "payload", func(r Result) { got = append(got, r) })
	ext.life.Invalidate()
	inj.InvokeListener(cb, "payload", func(r Result) { got = append(got, r) })

	require.Len(t, got, 2)
	assert.NoError(t, got[0].Err)
	assert.ErrorIs(t, got[1].Err, ErrWebViewInvalidated)
	assert.Len(t, ev.Scripts(), 1)
}
