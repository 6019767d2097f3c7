// internal/wire/errors.go
package wire

import "fmt"

// DecodeError reports a malformed JS to native message. Such messages are
// dropped because there is no reliable recipient for a reply.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return "decode error: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// JSError is a failure reported by the script side while handling a reply.
type JSError struct {
	Stack string
}

func (e *JSError) Error() string {
	return "javascript error: " + e.Stack
}
