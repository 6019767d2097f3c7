// internal/bridge/webview.go
package bridge

import "context"

// Frame identifies the frame a message came from or a reply goes to.
type Frame struct {
	ID   uint64
	URL  string
	Main bool
}

// WebView is the runtime's view of a hosting web view. Implementations live
// in internal/webview.
type WebView interface {
	ID() string
	Origin() Origin
	// TabID is only meaningful for content web views.
	TabID() (uint64, bool)
	Lifetime() *Lifetime
	Transport() Transport
	// IgnoreAllRequests is set while the view is being torn down.
	IgnoreAllRequests() bool
}

// DOMEventHandler is implemented by views that consume JSContextEvent
// messages.
type DOMEventHandler interface {
	HandleDOMEvent(frame Frame, event any)
}

// TransportKind selects the injection path for a web view.
type TransportKind int

const (
	// TransportRemote evaluates script text asynchronously and reports the
	// result through a completion.
	TransportRemote TransportKind = iota + 1
	// TransportLegacy calls into per-frame JS contexts directly, on the one
	// thread that owns them.
	TransportLegacy
)

func (k TransportKind) String() string {
	switch k {
	case TransportRemote:
		return "remote"
	case TransportLegacy:
		return "legacy"
	}
	return "unset"
}

// Transport is a tagged variant: Evaluator is set for TransportRemote,
// Thread and Contexts for TransportLegacy.
type Transport struct {
	Kind      TransportKind
	Evaluator Evaluator
	Thread    WebThread
	Contexts  ContextLookup
}

// Evaluator evaluates script in a remote JS context. done is called exactly
// once, from any goroutine.
type Evaluator interface {
	EvaluateJavaScript(ctx context.Context, script string, done func(result any, err error))
}

// WebThread runs work on the goroutine that owns a legacy view's JS
// contexts. Post reports false if the thread has stopped.
type WebThread interface {
	Post(fn func()) bool
}

// JSContext is a single frame's JS context on the legacy engine. It may only
// be used on its WebThread.
type JSContext interface {
	// CallGlobal invokes window.<object>.<function>(arg) and returns its
	// string result. Failures are *InjectionError values.
	CallGlobal(object, function string, arg any) (string, error)
}

// ContextLookup finds the JS context of a frame. found is false for an
// unknown frame; a known frame without a context returns (nil, true).
type ContextLookup interface {
	FrameContext(frameID uint64) (ctx JSContext, found bool)
}

// Loop is the main execution queue.
type Loop interface {
	Post(fn func()) bool
}

// Extension is the runtime's view of a loaded extension.
type Extension interface {
	ID() string
	Callbacks() *Registry
	Lifetime() *Lifetime
	Enabled() bool
}

// ExtensionResolver looks extensions up by id.
type ExtensionResolver interface {
	Extension(id string) (Extension, bool)
	// GlobalScope is the virtual extension for scripts that belong to none.
	GlobalScope() Extension
	Extensions() []Extension
}

// Scopes returns every loaded extension followed by the global scope, which
// holds the listeners of scripts that named no extension.
func Scopes(r ExtensionResolver) []Extension {
	exts := r.Extensions()
	if g := r.GlobalScope(); g != nil {
		exts = append(exts, g)
	}
	return exts
}
