// internal/wire/envelope.go
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the codec used for every message crossing the native/JS boundary.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Context keys understood by the JS library.
const (
	KeyExtensionID        = "extensionId"
	KeyCallbackID         = "callbackId"
	KeyTabID              = "tabId"
	KeyFrameID            = "frameId"
	KeyToken              = "token"
	KeyLastError          = "lastError"
	KeyCallbackResponseID = "callbackResponseId"
)

// Context is the per-call context object a script attaches to a command.
// It is echoed back, possibly augmented, with the reply.
type Context map[string]any

func (c Context) str(key string) string {
	if c == nil {
		return ""
	}
	switch v := c[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (c Context) ExtensionID() string { return c.str(KeyExtensionID) }
func (c Context) CallbackID() string  { return c.str(KeyCallbackID) }
func (c Context) Token() string       { return c.str(KeyToken) }

// TabID returns the tab the call originated in. Scripts send it either as a
// number or as a numeric string.
func (c Context) TabID() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	return toUint(c[KeyTabID])
}

// FrameID returns the frame id, if the context carries one.
func (c Context) FrameID() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	return toUint(c[KeyFrameID])
}

// Clone returns a shallow copy safe to augment without touching the original.
func (c Context) Clone() Context {
	out := make(Context, len(c)+2)
	for k, v := range c {
		out[k] = v
	}
	return out
}

// maxUintFloat is 2^64, the first float64 that does not fit a uint64.
const maxUintFloat = 1 << 64

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n >= maxUintFloat || n != math.Trunc(n) {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case json.Number:
		return parseUint(n.String())
	case string:
		return parseUint(n)
	}
	return 0, false
}

// parseUint reports overflow and garbage alike as absent.
func parseUint(s string) (uint64, bool) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return u, true
}

// Envelope is a decoded JS to native command.
type Envelope struct {
	Command string
	Context Context
	// Data is the command payload. When the script sent no payload, Data
	// holds the raw body instead.
	Data     any
	Raw      any
	FrameURL string
}

// Decode parses a raw message body. Three shapes are accepted:
//
//	{"name": cmd, "message": "<json {c, d}>", "raw": ..., "frameURL": ...}
//	{"name": cmd, "message": {c, d}}
//	{"name"|"command": cmd, "context": {...}, "data": ...}
//
// Inside the message object the keys "context" and "data" are accepted as
// aliases of "c" and "d".
func Decode(raw []byte) (*Envelope, error) {
	var body map[string]any
	if err := JSON.Unmarshal(raw, &body); err != nil {
		return nil, &DecodeError{Reason: "body is not a JSON object", Err: err}
	}
	return DecodeBody(body)
}

// DecodeBody decodes a body that has already been parsed, such as the
// structured message of a script message handler.
func DecodeBody(body map[string]any) (*Envelope, error) {
	if body == nil {
		return nil, &DecodeError{Reason: "empty body"}
	}

	env := &Envelope{Raw: body["raw"]}
	env.Command, _ = body["name"].(string)
	if env.Command == "" {
		env.Command, _ = body["command"].(string)
	}
	if env.Command == "" {
		return nil, &DecodeError{Reason: "missing command name"}
	}
	env.FrameURL, _ = body["frameURL"].(string)

	inner := body
	switch msg := body["message"].(type) {
	case string:
		if err := JSON.UnmarshalFromString(msg, &inner); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("message of %q is not JSON", env.Command), Err: err}
		}
		if inner == nil {
			inner = map[string]any{}
		}
	case map[string]any:
		inner = msg
	case nil:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("message of %q has unsupported type %T", env.Command, msg)}
	}

	ctx, err := contextOf(pick(inner, "c", "context"))
	if err != nil {
		return nil, err
	}
	env.Context = ctx

	if d := pick(inner, "d", "data"); d != nil {
		env.Data = d
	} else {
		env.Data = env.Raw
	}
	return env, nil
}

func pick(m map[string]any, short, long string) any {
	if v, ok := m[short]; ok && v != nil {
		return v
	}
	return m[long]
}

func contextOf(v any) (Context, error) {
	switch c := v.(type) {
	case nil:
		return Context{}, nil
	case map[string]any:
		return Context(c), nil
	case Context:
		return c, nil
	}
	return nil, &DecodeError{Reason: fmt.Sprintf("context has unsupported type %T", v)}
}
