// internal/wire/encode.go
package wire

import (
	"fmt"
	"strings"
)

// ErrorStackPrefix marks an acknowledgment string carrying a script failure.
const ErrorStackPrefix = "ERRORSTACKTRACE"

// CallbackPayload builds the object delivered to the JS callback entry point:
// {context, data} on success and {context: context+lastError} on failure.
// The caller's context is not modified.
func CallbackPayload(ctx Context, data any, err error) map[string]any {
	out := ctx.Clone()
	if err != nil {
		out[KeyLastError] = map[string]any{"message": err.Error()}
		return map[string]any{"context": out}
	}
	return map[string]any{"context": out, "data": data}
}

// EncodeCallback serializes CallbackPayload.
func EncodeCallback(ctx Context, data any, err error) ([]byte, error) {
	b, mErr := JSON.Marshal(CallbackPayload(ctx, data, err))
	if mErr != nil {
		return nil, fmt.Errorf("failed to encode callback payload: %w", mErr)
	}
	return b, nil
}

// jsLineSeparators are valid inside JSON strings but terminate statements in
// older JS parsers.
var jsLineSeparators = strings.NewReplacer("\u2028", `\u2028`, "\u2029", `\u2029`)

// InjectionScript builds the statement window.<object>.<function>(<payload>).
func InjectionScript(object, function string, payload []byte) string {
	return fmt.Sprintf("window.%s.%s(%s)", object, function, jsLineSeparators.Replace(string(payload)))
}

// ParseAck turns the string a script returned from the callback entry point
// into a native value:
//   - a string starting with ErrorStackPrefix is a *JSError
//   - the echoed callback id, or an empty string, is a nil value
//   - valid JSON is decoded
//   - anything else is returned verbatim
func ParseAck(ack, callbackID string) (any, error) {
	if strings.HasPrefix(ack, ErrorStackPrefix) {
		return nil, &JSError{Stack: strings.TrimSpace(strings.TrimPrefix(ack, ErrorStackPrefix))}
	}
	if ack == "" || ack == callbackID {
		return nil, nil
	}
	var v any
	if err := JSON.UnmarshalFromString(ack, &v); err == nil {
		return v, nil
	}
	return ack, nil
}
