package webview

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

// Content script run_at phases.
const (
	RunAtDocumentStart = "document_start"
	RunAtDocumentEnd   = "document_end"
	RunAtDocumentIdle  = "document_idle"
)

// ScriptSource finds the content scripts that apply to a frame.
// *extension.Catalog satisfies it.
type ScriptSource interface {
	MatchingContentScripts(u *url.URL, isMainFrame bool) []extension.ScriptMatch
}

// ContentWebView is the web view of one tab.
type ContentWebView struct {
	*base
	tab       uint64
	registrar Registrar
	scripts   ScriptSource

	mu     sync.Mutex
	frames map[uint64]bridge.Frame
	// injected records the run_at phases already handled per frame.
	injected map[uint64]map[string]bool
}

var (
	_ bridge.WebView         = (*ContentWebView)(nil)
	_ bridge.DOMEventHandler = (*ContentWebView)(nil)
)

// NewContentView creates and registers the content view of a tab. scripts
// may be nil, in which case no content scripts are injected.
func NewContentView(tabID uint64, opts Options, registrar Registrar, scripts ScriptSource) (*ContentWebView, error) {
	if registrar == nil {
		return nil, errors.New("content view needs a registrar")
	}
	b, err := newBase(bridge.OriginContent, opts)
	if err != nil {
		return nil, err
	}
	v := &ContentWebView{
		base:      b,
		tab:       tabID,
		registrar: registrar,
		scripts:   scripts,
		frames:    make(map[uint64]bridge.Frame),
		injected:  make(map[uint64]map[string]bool),
	}
	registrar.RegisterContentView(v)
	return v, nil
}

func (v *ContentWebView) TabID() (uint64, bool) { return v.tab, true }

// Frames lists the known frames ordered by id.
func (v *ContentWebView) Frames() []bridge.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]bridge.Frame, 0, len(v.frames))
	for _, f := range v.frames {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FrameCreated is called when a frame gets a new document. A new main frame
// document is a navigation: every frame is forgotten and the tab's content
// listeners are released. document_start scripts are injected right away.
func (v *ContentWebView) FrameCreated(frame bridge.Frame) error {
	if v.IgnoreAllRequests() {
		return bridge.ErrCommandIgnored
	}
	if frame.Main {
		v.mu.Lock()
		v.frames = make(map[uint64]bridge.Frame)
		v.injected = make(map[uint64]map[string]bool)
		v.mu.Unlock()
		if v.jsFrames != nil {
			v.jsFrames.Clear()
		}
		v.registrar.UnregisterContentView(v)
		v.registrar.RegisterContentView(v)
	}

	v.mu.Lock()
	v.frames[frame.ID] = frame
	v.mu.Unlock()

	if err := v.attachFrame(v, frame); err != nil {
		return err
	}
	v.inject(frame, RunAtDocumentStart)
	return nil
}

// FrameRemoved forgets a detached frame.
func (v *ContentWebView) FrameRemoved(frameID uint64) {
	v.mu.Lock()
	delete(v.frames, frameID)
	delete(v.injected, frameID)
	v.mu.Unlock()
	if v.jsFrames != nil {
		v.jsFrames.Detach(frameID)
	}
}

// HandleDOMEvent consumes JSContextEvent messages. DOMContentLoaded runs
// document_end scripts; load runs document_idle scripts.
func (v *ContentWebView) HandleDOMEvent(frame bridge.Frame, event any) {
	body, _ := event.(map[string]any)
	typ, _ := body["type"].(string)

	v.mu.Lock()
	known, ok := v.frames[frame.ID]
	v.mu.Unlock()
	if ok {
		if frame.URL == "" {
			frame.URL = known.URL
		}
		frame.Main = known.Main
	}

	switch typ {
	case "DOMContentLoaded":
		v.inject(frame, RunAtDocumentEnd)
	case "load":
		v.inject(frame, RunAtDocumentEnd)
		v.inject(frame, RunAtDocumentIdle)
	default:
		v.logger.Debug("Ignoring DOM event", zap.String("type", typ), zap.Uint64("frame_id", frame.ID))
	}
}

// inject runs the scripts of phase that apply to frame, once per frame and
// phase.
func (v *ContentWebView) inject(frame bridge.Frame, phase string) {
	if v.scripts == nil || frame.URL == "" {
		return
	}
	v.mu.Lock()
	done := v.injected[frame.ID]
	if done == nil {
		done = make(map[string]bool)
		v.injected[frame.ID] = done
	}
	if done[phase] {
		v.mu.Unlock()
		return
	}
	done[phase] = true
	v.mu.Unlock()

	u, err := url.Parse(frame.URL)
	if err != nil {
		v.logger.Debug("Frame has an unparsable URL", zap.String("url", frame.URL), zap.Error(err))
		return
	}
	for _, m := range v.scripts.MatchingContentScripts(u, frame.Main) {
		if m.Script.RunAt != phase {
			continue
		}
		v.injectScript(frame.ID, m)
	}
}

func (v *ContentWebView) injectScript(frameID uint64, m extension.ScriptMatch) {
	bundle := m.Extension.Bundle()
	if bundle == nil {
		return
	}
	if v.transport.Kind == bridge.TransportRemote {
		for _, name := range m.Script.CSS {
			css, err := bundle.ReadFile(name)
			if err != nil {
				v.logger.Warn("Missing content stylesheet", zap.String("extension", m.Extension.ID()), zap.String("file", name), zap.Error(err))
				continue
			}
			v.runScript(frameID, name, StyleScript(string(css)))
		}
	}
	for _, name := range m.Script.JS {
		src, err := bundle.ReadFile(name)
		if err != nil {
			v.logger.Warn("Missing content script", zap.String("extension", m.Extension.ID()), zap.String("file", name), zap.Error(err))
			continue
		}
		v.runScript(frameID, name, WrapContentScript(m.Extension.ID(), string(src)))
	}
}

// Teardown stops the view: new commands are ignored, callbacks bound to it
// become invalid, and the tab's content listeners are released.
func (v *ContentWebView) Teardown() {
	if !v.beginTeardown() {
		return
	}
	v.registrar.UnregisterContentView(v)
	if v.jsFrames != nil {
		v.jsFrames.Clear()
	}
}

// WrapContentScript scopes src to a function that receives the extension id.
func WrapContentScript(extensionID, src string) string {
	id, _ := wire.JSON.MarshalToString(extensionID)
	return fmt.Sprintf("(function (extensionId) {\n%s\n})(%s);", src, id)
}

// StyleScript builds a script that appends css as a style element.
func StyleScript(css string) string {
	text, _ := wire.JSON.MarshalToString(css)
	return fmt.Sprintf("(function () { var s = document.createElement('style'); s.textContent = %s; (document.head || document.documentElement).appendChild(s); })();", text)
}
