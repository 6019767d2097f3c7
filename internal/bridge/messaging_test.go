package bridge

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/extbridge/internal/urlfilter"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

func TestMessageDispatcher_RoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eval := &fakeEvaluator{}
	ext := newExtension("ext")
	background := newView("bg", OriginBackground, remote(eval))
	sender := newContentView("tab", 7, remote(&fakeEvaluator{}))
	ext.registry.Add(listener(ext, background, EventRuntimeOnMessage, "onMessage"))

	responses := NewResponseHandlers()
	md := NewMessageDispatcher(NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), responses, logger)

	var got []Result
	call := &Call{Command: "runtime.sendMessage", Extension: ext, Source: sender, Frame: Frame{ID: 2, URL: "https://example.com/"}}
	md.Send(call, ext.registry.Callbacks(OriginContent, EventRuntimeOnMessage), map[string]any{"ping": true}, func(r Result) {
		got = append(got, r)
	})

	require.Empty(t, got, "the sender waits for core.response")
	require.Equal(t, 1, responses.Len())

	scripts := eval.Scripts()
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0], `"callbackResponseId":"`)
	assert.Contains(t, scripts[0], `"tab":{"id":7}`)
	assert.Contains(t, scripts[0], `"frame":{"id":2,"url":"https://example.com/"}`)
	assert.Contains(t, scripts[0], `"data":{"ping":true}`)

	var responseID string
	for id := range responses.pending {
		responseID = id
	}
	require.NoError(t, md.Respond(responseID, "pong"))
	require.Len(t, got, 1)
	assert.Equal(t, "pong", got[0].Value)

	assert.ErrorIs(t, md.Respond(responseID, "again"), ErrMessageCallbackNotFound)
	assert.Zero(t, responses.Len())
}

func TestMessageDispatcher_NoListeners(t *testing.T) {
	logger := zaptest.NewLogger(t)
	md := NewMessageDispatcher(NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), NewResponseHandlers(), logger)

	var got Result
	md.Send(&Call{Command: "runtime.sendMessage"}, nil, "hi", func(r Result) { got = r })
	assert.ErrorIs(t, got.Err, ErrMessageCallbackNotFound)
}

func TestMessageDispatcher_AllDeliveriesFail(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ext := newExtension("ext")
	broken := &fakeEvaluator{err: errors.New("page gone")}
	ext.registry.Add(listener(ext, newView("bg", OriginBackground, remote(broken)), EventRuntimeOnMessage, "a"))
	ext.registry.Add(listener(ext, newView("popup", OriginPopup, remote(broken)), EventRuntimeOnMessage, "b"))

	responses := NewResponseHandlers()
	md := NewMessageDispatcher(NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), responses, logger)

	var got []Result
	md.Send(&Call{Command: "runtime.sendMessage", Extension: ext}, ext.registry.Callbacks(OriginContent, EventRuntimeOnMessage), "hi", func(r Result) {
		got = append(got, r)
	})

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrAllCallbacksFailed)
	assert.Zero(t, responses.Len())
}

func TestEventDispatcher_DispatchToTab(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ext := newExtension("ext")
	ok := &fakeEvaluator{result: "true"}
	ext.registry.Add(listener(ext, newContentView("t1", 5, remote(ok)), EventFulltextCountMatches, "count"))
	ext.registry.Add(listener(ext, newContentView("t2", 6, remote(ok)), EventFulltextCountMatches, "other-tab"))

	ed := NewEventDispatcher(newResolver(ext), NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), logger)

	var got []Result
	ed.DispatchToTab(context.Background(), ext, EventFulltextCountMatches, 5, map[string]any{"text": "x"}, func(r []Result) { got = r })

	require.Len(t, got, 1)
	assert.Equal(t, true, got[0].Value)
	assert.Len(t, ok.Scripts(), 1)

	got = nil
	ed.DispatchToTab(context.Background(), ext, EventFulltextCountMatches, 99, nil, func(r []Result) { got = r })
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// pendingEvaluator never answers.
type pendingEvaluator struct{}

func (pendingEvaluator) EvaluateJavaScript(context.Context, string, func(any, error)) {}

func TestEventDispatcher_DispatchToTabFlushesOnCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ext := newExtension("ext")
	ext.registry.Add(listener(ext, newContentView("t", 5, remote(pendingEvaluator{})), EventFulltextMarkMatches, "mark"))
	ed := NewEventDispatcher(newResolver(ext), NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan []Result, 1)
	ed.DispatchToTab(ctx, ext, EventFulltextMarkMatches, 5, nil, func(r []Result) { results <- r })
	cancel()

	got := <-results
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrCompletionNotFulfilled)
}

func TestEventDispatcher_Broadcasts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eval := &fakeEvaluator{}
	a, b := newExtension("a"), newExtension("b")
	a.registry.Add(listener(a, newView("bg-a", OriginBackground, remote(eval)), EventTabsOnCreated, "a1"))
	a.registry.Add(listener(a, newContentView("tab", 1, remote(eval)), EventTabsOnCreated, "a-content"))
	b.registry.Add(listener(b, newView("bg-b", OriginBackground, remote(eval)), EventTabsOnCreated, "b1"))
	b.enabled = false

	ed := NewEventDispatcher(newResolver(a, b), NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), logger)

	assert.Equal(t, 1, ed.DispatchGlobal(EventTabsOnCreated, map[string]any{"id": 1}))
	assert.Equal(t, 2, ed.DispatchToListeners(a, EventTabsOnCreated, nil))
	assert.Equal(t, 0, ed.DispatchToExtension(b, EventTabsOnCreated, nil))
	assert.Len(t, eval.Scripts(), 3)
}

func TestEventDispatcher_BroadcastReachesGlobalScope(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eval := &fakeEvaluator{}
	a := newExtension("a")
	resolver := newResolver(a)
	a.registry.Add(listener(a, newView("bg-a", OriginBackground, remote(eval)), EventTabsOnRemoved, "a1"))
	g := resolver.global
	g.registry.Add(listener(g, newView("page", OriginBackground, remote(eval)), EventTabsOnRemoved, "g1"))

	ed := NewEventDispatcher(resolver, NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), logger)
	assert.Equal(t, 2, ed.DispatchGlobal(EventTabsOnRemoved, nil))

	scripts := eval.Scripts()
	require.Len(t, scripts, 2)
	assert.Contains(t, scripts[1], `"callbackId":"g1"`)
}

func TestEventDispatcher_DispatchNavigation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eval := &fakeEvaluator{}
	ext := newExtension("ext")
	bg := newView("bg", OriginBackground, remote(eval))

	conds, err := urlfilter.ParseConditions([]any{map[string]any{"hostEquals": "example.com"}})
	require.NoError(t, err)
	filtered := listener(ext, bg, EventWebNavigationOnCommitted, "filtered")
	filtered.Conditions = conds
	ext.registry.Add(filtered)
	ext.registry.Add(listener(ext, bg, EventWebNavigationOnCommitted, "unfiltered"))

	ed := NewEventDispatcher(newResolver(ext), NewInjector(testInjectorConfig, inlineLoop{}, nil, logger), logger)

	match, _ := url.Parse("https://example.com/a")
	miss, _ := url.Parse("https://example.org/a")
	assert.Equal(t, 2, ed.DispatchNavigation(ext, EventWebNavigationOnCommitted, match, "main_frame", nil))
	assert.Equal(t, 1, ed.DispatchNavigation(ext, EventWebNavigationOnCommitted, miss, "main_frame", nil))
}

func TestResultCollector(t *testing.T) {
	var got []Result
	c := NewResultCollector(func(r []Result) { got = r })
	first, second := c.Add(), c.Add()

	second(Success(2))
	c.Seal()
	assert.Nil(t, got, "waits for every slot")

	first(Failure(errors.New("x")))
	require.Len(t, got, 2)
	assert.Error(t, got[0].Err)
	assert.Equal(t, 2, got[1].Value)

	first(Success("late"))
	assert.Error(t, got[0].Err, "late completions are ignored")

	select {
	case <-c.Settled():
	default:
		t.Fatal("collector should be settled")
	}

	assert.True(t, AllFailed([]Result{Failure(errors.New("a"))}))
	assert.False(t, AllFailed(got[1:]))
	assert.False(t, AllFailed(nil))
}

func TestResultCollector_Flush(t *testing.T) {
	var got []Result
	c := NewResultCollector(func(r []Result) { got = r })
	done := c.Add()
	c.Add()
	done(Success(wire.Context{}))

	c.Flush()
	require.Len(t, got, 2)
	assert.True(t, got[0].Succeeded())
	assert.ErrorIs(t, got[1].Err, ErrCompletionNotFulfilled)
}
