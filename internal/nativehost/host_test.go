package nativehost

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/notify"
	"github.com/xkilldash9x/extbridge/internal/storage"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testManifest = `{
	"name": "Reader",
	"version": "2.1",
	"background": {"scripts": ["bg.js"]},
	"browser_action": {"default_popup": "popup.html"},
	"content_scripts": [
		{"matches": ["https://*.example.com/*"], "js": ["start.js"], "run_at": "document_start"}
	]
}`

func newCatalog(t *testing.T) *extension.Catalog {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range map[string]string{
		"manifest.json": testManifest,
		"bg.js":         `var started = true;`,
		"start.js":      `/* start */`,
	} {
		require.NoError(t, afero.WriteFile(fs, "/exts/reader/"+name, []byte(content), 0o644))
	}
	catalog, err := extension.NewCatalog(fs, extension.CatalogOptions{
		GlobalScopeID: "global",
		Locale:        "en",
		Areas:         func(string) (storage.Area, error) { return storage.NewMemoryArea(), nil },
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = catalog.LoadDir("/exts")
	require.NoError(t, err)
	return catalog
}

// fakeSwitchboard tracks registered views and answers every message with
// reply.
type fakeSwitchboard struct {
	mu     sync.Mutex
	views  map[string]bridge.WebView
	events []string
	bodies []map[string]any
	reply  any
}

func newFakeSwitchboard() *fakeSwitchboard {
	return &fakeSwitchboard{views: make(map[string]bridge.WebView)}
}

func (s *fakeSwitchboard) add(prefix string, v bridge.WebView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[v.ID()] = v
	s.events = append(s.events, prefix+v.ID())
}

func (s *fakeSwitchboard) remove(prefix string, v bridge.WebView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, v.ID())
	s.events = append(s.events, prefix+v.ID())
}

func (s *fakeSwitchboard) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeSwitchboard) RegisterContentView(v bridge.WebView)                        { s.add("+content:", v) }
func (s *fakeSwitchboard) UnregisterContentView(v bridge.WebView)                      { s.remove("-content:", v) }
func (s *fakeSwitchboard) RegisterBackgroundView(_ bridge.Extension, v bridge.WebView) { s.add("+background:", v) }
func (s *fakeSwitchboard) UnregisterBackgroundView(v bridge.WebView)                   { s.remove("-background:", v) }
func (s *fakeSwitchboard) RegisterPopupView(_ bridge.Extension, v bridge.WebView)      { s.add("+popup:", v) }
func (s *fakeSwitchboard) UnregisterPopupView(v bridge.WebView)                        { s.remove("-popup:", v) }

func (s *fakeSwitchboard) View(id string) (bridge.WebView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	return v, ok
}

func (s *fakeSwitchboard) HandleMessage(bridge.WebView, bridge.Frame, []byte) (any, bool) {
	return nil, false
}

func (s *fakeSwitchboard) HandleBody(_ bridge.WebView, _ bridge.Frame, body map[string]any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, body)
	return s.reply, s.reply != nil
}

type eventCall struct {
	kind     string
	ext      string
	event    bridge.EventType
	url      string
	resource string
	tab      uint64
}

// fakeEvents records dispatches. Tab dispatches answer with one listener
// result.
type fakeEvents struct {
	mu    sync.Mutex
	calls []eventCall
}

func (f *fakeEvents) record(c eventCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeEvents) Calls() []eventCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventCall(nil), f.calls...)
}

func (f *fakeEvents) DispatchToExtension(ext bridge.Extension, event bridge.EventType, _ any) int {
	f.record(eventCall{kind: "extension", ext: ext.ID(), event: event})
	return 1
}

func (f *fakeEvents) DispatchGlobal(event bridge.EventType, _ any) int {
	f.record(eventCall{kind: "global", event: event})
	return 1
}

func (f *fakeEvents) DispatchNavigation(ext bridge.Extension, event bridge.EventType, u *url.URL, resourceType string, _ any) int {
	f.record(eventCall{kind: "navigation", ext: ext.ID(), event: event, url: u.String(), resource: resourceType})
	return 1
}

func (f *fakeEvents) DispatchToTab(_ context.Context, ext bridge.Extension, event bridge.EventType, tabID uint64, _ any, done func([]bridge.Result)) {
	f.record(eventCall{kind: "tab", ext: ext.ID(), event: event, tab: tabID})
	done([]bridge.Result{bridge.Success(float64(3))})
}

// harness runs a Host over a pair of pipes.
type harness struct {
	t      *testing.T
	host   *Host
	sb     *fakeSwitchboard
	events *fakeEvents
	in     *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	frames chan map[string]any
	runErr chan error
	once   sync.Once
}

func newHarness(t *testing.T, bus *notify.Bus, configure ...func(*Options)) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:      t,
		sb:     newFakeSwitchboard(),
		events: &fakeEvents{},
		in:     inW,
		outR:   outR,
		outW:   outW,
		frames: make(chan map[string]any, 32),
		runErr: make(chan error, 1),
	}
	opts := Options{
		In:          inR,
		Out:         outW,
		Switchboard: h.sb,
		Catalog:     newCatalog(t),
		Events:      h.events,
		Bus:         bus,
		EntryPoint:  "KittEntryPoint",
		Logger:      zaptest.NewLogger(t),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	host, err := NewHost(opts)
	require.NoError(t, err)
	h.host = host

	go func() {
		defer close(h.frames)
		for {
			b, err := wire.ReadFrame(outR, wire.DefaultMaxFrameSize)
			if err != nil {
				return
			}
			var m map[string]any
			if wire.JSON.Unmarshal(b, &m) == nil {
				h.frames <- m
			}
		}
	}()
	go func() { h.runErr <- host.Run(context.Background()) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) send(v any) {
	h.t.Helper()
	require.NoError(h.t, wire.WriteFrame(h.in, v, wire.DefaultMaxFrameSize))
}

func (h *harness) next() map[string]any {
	h.t.Helper()
	select {
	case m, ok := <-h.frames:
		require.True(h.t, ok, "output closed")
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

// stop closes the input, waits for Run, and then closes the output.
func (h *harness) stop() {
	h.once.Do(func() {
		h.in.Close()
		select {
		case err := <-h.runErr:
			assert.NoError(h.t, err)
		case <-time.After(2 * time.Second):
			h.t.Error("host did not stop")
		}
		h.outW.Close()
		for range h.frames {
		}
	})
}

func TestNewHost_Validates(t *testing.T) {
	_, err := NewHost(Options{})
	assert.Error(t, err)
	_, err = NewHost(Options{In: &io.PipeReader{}, Out: io.Discard})
	assert.Error(t, err)
}

func TestHost_BackgroundViewEvaluatesScripts(t *testing.T) {
	h := newHarness(t, nil)

	h.send(Inbound{Type: TypeOpenView, ViewID: "bg1", Kind: KindBackground, ExtensionID: "reader"})
	eval := h.next()
	assert.Equal(t, TypeEvaluate, eval["type"])
	assert.Equal(t, "bg1", eval["viewId"])
	assert.Contains(t, eval["script"], "started")

	h.send(Inbound{Type: TypeEvaluateResult, ID: eval["id"].(string), Result: true})
	h.send(Inbound{Type: TypeCloseView, ViewID: "bg1"})
	h.send(Inbound{Type: TypeCloseView, ViewID: "bg1"})

	notice := h.next()
	assert.Equal(t, TypeError, notice["type"])
	assert.Equal(t, TypeCloseView, notice["command"])
	assert.Contains(t, notice["error"], "unknown view")

	assert.Equal(t, []string{"+background:bg1", "-background:bg1"}, h.sb.Events())
	assert.Zero(t, h.host.Evaluator().Pending())
}

type scriptRecorder struct {
	mu      sync.Mutex
	scripts []string
}

func (r *scriptRecorder) EvaluateJavaScript(_ context.Context, script string, done func(any, error)) {
	r.mu.Lock()
	r.scripts = append(r.scripts, script)
	r.mu.Unlock()
	done(nil, nil)
}

func (r *scriptRecorder) Scripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scripts...)
}

func TestHost_BackgroundEvaluatorHostsPages(t *testing.T) {
	rec := &scriptRecorder{}
	released := make(chan string, 1)
	h := newHarness(t, nil, func(o *Options) {
		o.BackgroundEvaluator = func(viewID string) (bridge.Evaluator, func(), error) {
			if viewID == "broken" {
				return nil, nil, errors.New("no browser")
			}
			return rec, func() { released <- viewID }, nil
		}
	})

	h.send(Inbound{Type: TypeOpenView, ViewID: "broken", Kind: KindBackground, ExtensionID: "reader"})
	assert.Contains(t, h.next()["error"], "no browser")

	h.send(Inbound{Type: TypeOpenView, ViewID: "bg2", Kind: KindBackground, ExtensionID: "reader"})
	h.send(Inbound{Type: TypeCloseView, ViewID: "bg2"})
	h.send(Inbound{Type: "probe"})
	h.next()

	assert.Equal(t, "bg2", <-released)
	assert.Equal(t, []string{`var started = true;`}, rec.Scripts())
	assert.Equal(t, []string{"+background:bg2", "-background:bg2"}, h.sb.Events())
}

func TestHost_OpenViewErrors(t *testing.T) {
	h := newHarness(t, nil)

	h.send(Inbound{Type: TypeOpenView, ViewID: "x", Kind: KindBackground, ExtensionID: "nope"})
	assert.Contains(t, h.next()["error"], "unknown extension")

	h.send(Inbound{Type: TypeOpenView, ViewID: "x", Kind: "sidebar"})
	assert.Contains(t, h.next()["error"], "unknown view kind")

	h.send(Inbound{Type: TypeOpenView, Kind: KindContent})
	assert.Contains(t, h.next()["error"], "requires a view id")

	h.send(Inbound{Type: TypeOpenView, ViewID: "p1", Kind: KindPopup, ExtensionID: "reader"})
	h.send(Inbound{Type: TypeOpenView, ViewID: "p1", Kind: KindPopup, ExtensionID: "reader"})
	assert.Contains(t, h.next()["error"], "already open")
}

func TestHost_ContentFramesInjectScripts(t *testing.T) {
	h := newHarness(t, nil)

	h.send(Inbound{Type: TypeOpenView, ViewID: "tab4", Kind: KindContent, TabID: 4})
	h.send(Inbound{Type: TypeFrameCreated, ViewID: "tab4", FrameID: 0, URL: "https://www.example.com/a", Main: true})
	eval := h.next()
	assert.Equal(t, TypeEvaluate, eval["type"])
	assert.Contains(t, eval["script"], `("reader")`)
	h.send(Inbound{Type: TypeEvaluateResult, ID: eval["id"].(string)})

	h.send(Inbound{Type: TypeFrameRemoved, ViewID: "tab4", FrameID: 0})
	h.send(Inbound{Type: TypeFrameCreated, ViewID: "missing", FrameID: 1})
	assert.Contains(t, h.next()["error"], "unknown view")

	h.send(Inbound{Type: TypeOpenView, ViewID: "p1", Kind: KindPopup, ExtensionID: "reader"})
	h.send(Inbound{Type: TypeFrameRemoved, ViewID: "p1", FrameID: 0})
	assert.Contains(t, h.next()["error"], "not a content view")
}

func TestHost_MessageWithSyncReply(t *testing.T) {
	h := newHarness(t, nil)
	h.sb.mu.Lock()
	h.sb.reply = "Hallo"
	h.sb.mu.Unlock()

	h.send(Inbound{Type: TypeOpenView, ViewID: "p1", Kind: KindPopup, ExtensionID: "reader"})
	h.send(Inbound{Type: TypeMessage, ID: "r1", ViewID: "p1", Body: map[string]any{"c": "i18n.getMessage"}})
	resp := h.next()
	assert.Equal(t, TypeResponse, resp["type"])
	assert.Equal(t, "r1", resp["id"])
	assert.Equal(t, "Hallo", resp["result"])

	h.send(Inbound{Type: TypeMessage, ViewID: "ghost"})
	assert.Contains(t, h.next()["error"], `unknown view "ghost"`)
}

func TestHost_RejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, wire.WriteRawFrame(h.in, []byte(`{not json`), wire.DefaultMaxFrameSize))
	assert.Contains(t, h.next()["error"], "undecodable frame")

	h.send(Inbound{Type: "teleport"})
	notice := h.next()
	assert.Equal(t, TypeError, notice["type"])
	assert.Contains(t, notice["error"], "unknown message type")
}

func TestHost_DispatchesEvents(t *testing.T) {
	h := newHarness(t, nil)

	h.send(Inbound{Type: TypeEvent, Event: "webNavigation.onCompleted", URL: "https://www.example.com/", ResourceType: "main_frame"})
	h.send(Inbound{Type: TypeEvent, Event: "tabs.onUpdated", ExtensionID: "reader"})
	h.send(Inbound{Type: TypeEvent, Event: "runtime.onStartup"})
	h.send(Inbound{Type: TypeEvent, ID: "e1", Event: "fulltext.countMatches", TabID: 9})

	resp := h.next()
	assert.Equal(t, TypeResponse, resp["type"])
	assert.Equal(t, "e1", resp["id"])
	outer, ok := resp["result"].([]any)
	require.True(t, ok)
	require.Len(t, outer, 2, "one slot per extension plus the global scope")
	for _, slot := range outer {
		inner := slot.(map[string]any)["result"].([]any)
		assert.Equal(t, float64(3), inner[0].(map[string]any)["result"])
	}

	assert.Equal(t, []eventCall{
		{kind: "navigation", ext: "reader", event: bridge.EventWebNavigationOnCompleted, url: "https://www.example.com/", resource: "main_frame"},
		{kind: "navigation", ext: "global", event: bridge.EventWebNavigationOnCompleted, url: "https://www.example.com/", resource: "main_frame"},
		{kind: "extension", ext: "reader", event: bridge.EventTabsOnUpdated},
		{kind: "global", event: bridge.EventRuntimeOnStartup},
		{kind: "tab", ext: "reader", event: bridge.EventFulltextCountMatches, tab: 9},
		{kind: "tab", ext: "global", event: bridge.EventFulltextCountMatches, tab: 9},
	}, h.events.Calls())
}

func TestHost_EventErrors(t *testing.T) {
	h := newHarness(t, nil)

	h.send(Inbound{Type: TypeEvent, Event: "tabs.onExploded"})
	assert.Contains(t, h.next()["error"], "unknown event")

	h.send(Inbound{Type: TypeEvent, Event: "webRequest.onBeforeRequest"})
	assert.Contains(t, h.next()["error"], "requires a valid url")

	h.send(Inbound{Type: TypeEvent, Event: "fulltext.markMatches"})
	assert.Contains(t, h.next()["error"], "requires a tab id")

	h.send(Inbound{Type: TypeEvent, Event: "tabs.onCreated", ExtensionID: "nope"})
	assert.Contains(t, h.next()["error"], "unknown extension")

	assert.Empty(t, h.events.Calls())
}

func TestHost_BrowserControl(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.send(Inbound{Type: TypeOpenView, ViewID: "p1", Kind: KindPopup, ExtensionID: "reader"})
	h.send(Inbound{Type: "probe"})
	h.next()

	source, ok := h.sb.View("p1")
	require.True(t, ok)
	u, _ := url.Parse("https://example.com/help")
	require.NoError(t, h.host.OpenTab(ctx, source, bridge.Frame{ID: 2}, u))
	open := h.next()
	assert.Equal(t, TypeOpenTab, open["type"])
	assert.Equal(t, "https://example.com/help", open["url"])
	assert.Equal(t, "p1", open["sourceViewId"])
	assert.Equal(t, float64(2), open["frameId"])

	mail, _ := url.Parse("mailto:someone@example.com")
	require.NoError(t, h.host.OpenExternal(ctx, mail))
	assert.Equal(t, map[string]any{"type": TypeOpenExternal, "url": "mailto:someone@example.com"}, h.next())

	require.NoError(t, h.host.CloseTab(ctx, 12))
	assert.Equal(t, map[string]any{"type": TypeCloseTab, "tabId": float64(12)}, h.next())
}

func TestHost_ForwardsBusNotifications(t *testing.T) {
	bus := notify.NewBus(zaptest.NewLogger(t), 4)
	h := newHarness(t, bus)
	t.Cleanup(bus.Shutdown)

	// A round trip proves Run has subscribed.
	h.send(Inbound{Type: "probe"})
	h.next()

	ctx := context.Background()
	require.NoError(t, bus.Post(ctx, notify.TopicBrowserActionToBeClosed, notify.PopupClose{ExtensionID: "reader", ViewID: "p1"}))
	assert.Equal(t, map[string]any{"type": TypeClosePopup, "extensionId": "reader", "viewId": "p1"}, h.next())

	require.NoError(t, bus.Post(ctx, notify.TopicBackgroundReloadRequested, notify.ReloadRequest{ExtensionID: "reader"}))
	assert.Equal(t, map[string]any{"type": TypeReloadBackground, "extensionId": "reader"}, h.next())

	require.NoError(t, bus.Post(ctx, notify.TopicCriticalError, notify.Report{Command: "storage.set", Error: "disk full"}))
	assert.Equal(t, map[string]any{"type": TypeCritical, "command": "storage.set", "error": "disk full"}, h.next())

	h.stop()
}

func TestHost_StopFailsPendingEvaluations(t *testing.T) {
	h := newHarness(t, nil)

	errc := make(chan error, 1)
	h.host.Evaluator().ForView("v").EvaluateJavaScript(context.Background(), "1+1", func(_ any, err error) { errc <- err })
	assert.Equal(t, TypeEvaluate, h.next()["type"])
	assert.Equal(t, 1, h.host.Evaluator().Pending())

	h.stop()
	assert.ErrorIs(t, <-errc, ErrHostClosed)

	h.host.Evaluator().ForView("v").EvaluateJavaScript(context.Background(), "1+1", func(_ any, err error) { errc <- err })
	assert.ErrorIs(t, <-errc, ErrHostClosed)
}

func TestRemoteEvaluator_Outcomes(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	go func() {
		for {
			if _, err := wire.ReadFrame(r, wire.DefaultMaxFrameSize); err != nil {
				return
			}
		}
	}()
	e := newRemoteEvaluator(&frameWriter{w: w, max: wire.DefaultMaxFrameSize}, zaptest.NewLogger(t))

	ids := func() []string {
		e.mu.Lock()
		defer e.mu.Unlock()
		var out []string
		for id := range e.pending {
			out = append(out, id)
		}
		return out
	}

	type outcome struct {
		v   any
		err error
	}
	got := make(chan outcome, 1)
	record := func(v any, err error) { got <- outcome{v, err} }

	e.ForView("a").EvaluateJavaScript(context.Background(), "x", record)
	id := ids()[0]
	e.Resolve(&Inbound{ID: id, Result: "ok"})
	assert.Equal(t, outcome{v: "ok"}, <-got)

	e.ForView("a").EvaluateJavaScript(context.Background(), "x", record)
	e.Resolve(&Inbound{ID: ids()[0], Terminated: true, Error: "gone"})
	assert.ErrorIs(t, (<-got).err, bridge.ErrContentProcessTerminated)

	e.ForView("a").EvaluateJavaScript(context.Background(), "x", record)
	e.Resolve(&Inbound{ID: ids()[0], Error: "ReferenceError: x"})
	assert.EqualError(t, (<-got).err, "ReferenceError: x")

	ctx, cancel := context.WithCancel(context.Background())
	e.ForView("a").EvaluateJavaScript(ctx, "x", record)
	cancel()
	assert.ErrorIs(t, (<-got).err, context.Canceled)
	assert.Zero(t, e.Pending())

	// Late and unknown results are ignored.
	e.Resolve(&Inbound{ID: "stale"})

	w.CloseWithError(errors.New("relay gone"))
	e.ForView("a").EvaluateJavaScript(context.Background(), "x", record)
	assert.ErrorContains(t, (<-got).err, "failed to send evaluation")
	assert.Zero(t, e.Pending())
}
