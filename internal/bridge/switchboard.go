// internal/bridge/switchboard.go
package bridge

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/wire"
)

// Commands the switchboard answers itself instead of dispatching.
const (
	CommandGetMessage     = "i18n.getMessage"
	CommandJSContextEvent = "JSContextEvent"
	CommandOpen           = "core.open"
	CommandClose          = "core.close"
)

// Localizer answers i18n.getMessage synchronously.
type Localizer interface {
	GetMessage(ext Extension, args any) (string, error)
}

// Notifier receives signals that are routed to the host instead of a script.
type Notifier interface {
	BrowserActionToBeClosed(ext Extension, view WebView)
}

// SwitchboardOptions wires a Switchboard's collaborators.
type SwitchboardOptions struct {
	Logger     *zap.Logger
	Loop       Loop
	Resolver   ExtensionResolver
	Dispatcher *Dispatcher
	Results    *ResultHandler
	Localizer  Localizer
	Notifier   Notifier
}

// Switchboard receives raw messages from web views, resolves their extension
// and context, and hands them to the dispatcher. Replies flow back through
// the ResultHandler.
type Switchboard struct {
	logger     *zap.Logger
	loop       Loop
	resolver   ExtensionResolver
	dispatcher *Dispatcher
	results    *ResultHandler
	localizer  Localizer
	notifier   Notifier
	closed     atomic.Bool

	mu    sync.Mutex
	views map[string]viewEntry
}

type viewEntry struct {
	view WebView
	ext  Extension
}

func NewSwitchboard(opts SwitchboardOptions) (*Switchboard, error) {
	if opts.Loop == nil || opts.Resolver == nil || opts.Dispatcher == nil || opts.Results == nil {
		return nil, errors.New("switchboard requires a loop, resolver, dispatcher and result handler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switchboard{
		logger:     logger.Named("switchboard"),
		loop:       opts.Loop,
		resolver:   opts.Resolver,
		dispatcher: opts.Dispatcher,
		results:    opts.Results,
		localizer:  opts.Localizer,
		notifier:   opts.Notifier,
		views:      make(map[string]viewEntry),
	}, nil
}

// HandleMessage processes a raw message body from view. It may be called
// from any goroutine. The returned value is non-nil only for commands
// answered synchronously (i18n.getMessage); the in-process engine returns it
// straight to the calling script.
func (s *Switchboard) HandleMessage(view WebView, frame Frame, raw []byte) (any, bool) {
	env, err := wire.Decode(raw)
	if err != nil {
		s.logger.Warn("Dropping undecodable message", zap.String("view", viewID(view)), zap.Error(err))
		return nil, false
	}
	return s.handle(view, frame, env)
}

// HandleBody processes an already-parsed structured message body.
func (s *Switchboard) HandleBody(view WebView, frame Frame, body map[string]any) (any, bool) {
	env, err := wire.DecodeBody(body)
	if err != nil {
		s.logger.Warn("Dropping undecodable message", zap.String("view", viewID(view)), zap.Error(err))
		return nil, false
	}
	return s.handle(view, frame, env)
}

func (s *Switchboard) handle(view WebView, frame Frame, env *wire.Envelope) (any, bool) {
	if s.closed.Load() {
		s.logger.Debug("Switchboard closed; dropping message", zap.String("command", env.Command))
		return nil, false
	}
	if view == nil {
		s.logger.Warn("Dropping message without a source view", zap.String("command", env.Command))
		return nil, false
	}
	if frame.URL == "" {
		frame.URL = env.FrameURL
	}

	ext, ok := s.resolve(env.Context.ExtensionID())
	if !ok {
		s.logger.Warn("Dropping message for unknown extension",
			zap.String("command", env.Command),
			zap.String("extension", env.Context.ExtensionID()),
		)
		return nil, false
	}

	switch env.Command {
	case CommandGetMessage:
		return s.getMessage(ext, env)
	case CommandJSContextEvent:
		if h, ok := view.(DOMEventHandler); ok {
			s.loop.Post(func() { h.HandleDOMEvent(frame, env.Raw) })
		}
		return nil, false
	case CommandOpen, CommandClose:
		if view.Origin() == OriginPopup {
			if s.notifier != nil {
				s.notifier.BrowserActionToBeClosed(ext, view)
			}
			return nil, false
		}
	}

	call := &Call{
		Command:   env.Command,
		Context:   env.Context,
		Data:      env.Data,
		Extension: ext,
		Source:    view,
		Frame:     frame,
	}

	if view.IgnoreAllRequests() {
		s.post(call, func() { s.results.Handle(call, Failure(ErrCommandIgnored)) })
		return nil, false
	}

	s.post(call, func() {
		s.dispatcher.Dispatch(call, func(r Result) {
			// Async handlers may complete on any goroutine.
			s.post(call, func() { s.results.Handle(call, r) })
		})
	})
	return nil, false
}

func (s *Switchboard) post(call *Call, fn func()) {
	if !s.loop.Post(fn) {
		s.logger.Warn("Main loop stopped; dropping command", zap.String("command", call.Command))
	}
}

func (s *Switchboard) resolve(id string) (Extension, bool) {
	if id == "" {
		ext := s.resolver.GlobalScope()
		return ext, ext != nil
	}
	return s.resolver.Extension(id)
}

func (s *Switchboard) getMessage(ext Extension, env *wire.Envelope) (any, bool) {
	if s.localizer == nil {
		return "", true
	}
	msg, err := s.localizer.GetMessage(ext, env.Data)
	if err != nil {
		s.logger.Debug("i18n lookup failed", zap.String("extension", ext.ID()), zap.Error(err))
		return "", true
	}
	return msg, true
}

// RegisterContentView records a content view so it can be looked up by id.
func (s *Switchboard) RegisterContentView(view WebView) {
	s.addView(view, nil)
}

// UnregisterContentView forgets view and drops every extension's content
// listeners for its tab.
func (s *Switchboard) UnregisterContentView(view WebView) {
	s.removeView(view)
	if tab, ok := view.TabID(); ok {
		s.ReleaseTab(tab)
	}
}

// RegisterBackgroundView records ext's background view.
func (s *Switchboard) RegisterBackgroundView(ext Extension, view WebView) {
	s.addView(view, ext)
}

// UnregisterBackgroundView forgets view and drops ext's background listeners.
func (s *Switchboard) UnregisterBackgroundView(view WebView) {
	if e, ok := s.removeView(view); ok && e.ext != nil {
		s.ReleaseContext(e.ext, OriginBackground)
	}
}

// RegisterPopupView records ext's popup view.
func (s *Switchboard) RegisterPopupView(ext Extension, view WebView) {
	s.addView(view, ext)
}

// UnregisterPopupView forgets view and drops ext's popup listeners.
func (s *Switchboard) UnregisterPopupView(view WebView) {
	if e, ok := s.removeView(view); ok && e.ext != nil {
		s.ReleaseContext(e.ext, OriginPopup)
	}
}

// View returns a registered view by id.
func (s *Switchboard) View(id string) (WebView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.views[id]
	return e.view, ok
}

func (s *Switchboard) addView(view WebView, ext Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[view.ID()] = viewEntry{view: view, ext: ext}
}

func (s *Switchboard) removeView(view WebView) (viewEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.views[view.ID()]
	if ok {
		delete(s.views, view.ID())
	}
	return e, ok
}

// ReleaseTab drops the content listeners for tabID of every extension and
// of the global scope. Web views call it when their page reloads or the tab
// closes.
func (s *Switchboard) ReleaseTab(tabID uint64) {
	s.loop.Post(func() {
		for _, ext := range Scopes(s.resolver) {
			if n := ext.Callbacks().RemoveContentCallbacks(tabID, EventUndefined); n > 0 {
				s.logger.Debug("Released content listeners", zap.String("extension", ext.ID()), zap.Uint64("tab", tabID), zap.Int("count", n))
			}
		}
	})
}

// ReleaseContext drops ext's listeners registered from contexts of origin,
// used when a background page reloads or a popup closes.
func (s *Switchboard) ReleaseContext(ext Extension, origin Origin) {
	s.loop.Post(func() {
		n := ext.Callbacks().RemoveCallbacks(origin)
		s.logger.Debug("Released context listeners", zap.String("extension", ext.ID()), zap.Stringer("origin", origin), zap.Int("count", n))
	})
}

// Close stops accepting messages. In-flight commands still complete.
func (s *Switchboard) Close() {
	s.closed.Store(true)
}

func viewID(v WebView) string {
	if v == nil {
		return ""
	}
	return v.ID()
}
