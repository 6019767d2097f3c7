// internal/nativehost/messages.go
package nativehost

// Message types exchanged with the browser-side relay.
const (
	// Inbound.
	TypeMessage        = "message"
	TypeEvaluateResult = "evaluateResult"
	TypeOpenView       = "openView"
	TypeCloseView      = "closeView"
	TypeFrameCreated   = "frameCreated"
	TypeFrameRemoved   = "frameRemoved"
	TypeEvent          = "event"

	// Outbound.
	TypeEvaluate         = "evaluate"
	TypeResponse         = "response"
	TypeOpenTab          = "openTab"
	TypeOpenExternal     = "openExternal"
	TypeCloseTab         = "closeTab"
	TypeClosePopup       = "closePopup"
	TypeReloadBackground = "reloadBackground"
	TypeCritical         = "critical"
	TypeError            = "error"
)

// View kinds accepted by openView.
const (
	KindContent    = "content"
	KindBackground = "background"
	KindPopup      = "popup"
)

// Inbound is the union of every message the relay sends. Fields not used by
// a type are left empty.
type Inbound struct {
	Type string `json:"type"`
	// ID correlates evaluateResult with evaluate, and a synchronous
	// response with the message that asked for it.
	ID string `json:"id,omitempty"`

	ViewID      string `json:"viewId,omitempty"`
	Kind        string `json:"kind,omitempty"`
	ExtensionID string `json:"extensionId,omitempty"`
	TabID       uint64 `json:"tabId,omitempty"`

	FrameID uint64 `json:"frameId,omitempty"`
	URL     string `json:"url,omitempty"`
	Main    bool   `json:"main,omitempty"`

	// Body is the bridge message of a "message".
	Body map[string]any `json:"body,omitempty"`

	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Terminated bool   `json:"terminated,omitempty"`

	Event        string `json:"event,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

type evaluateRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	ViewID string `json:"viewId"`
	Script string `json:"script"`
}

type response struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Result any    `json:"result"`
}

type tabRequest struct {
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	TabID        uint64 `json:"tabId,omitempty"`
	SourceViewID string `json:"sourceViewId,omitempty"`
	FrameID      uint64 `json:"frameId,omitempty"`
}

type hostNotice struct {
	Type        string `json:"type"`
	ExtensionID string `json:"extensionId,omitempty"`
	ViewID      string `json:"viewId,omitempty"`
	Command     string `json:"command,omitempty"`
	Error       string `json:"error,omitempty"`
}
