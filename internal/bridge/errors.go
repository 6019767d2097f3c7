// internal/bridge/errors.go
package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrCommandNotFound           = errors.New("command not found")
	ErrCommandIgnored            = errors.New("command ignored")
	ErrParametersDidNotMatch     = errors.New("command parameters did not match")
	ErrEventResultDidNotMatch    = errors.New("event result did not match")
	ErrMessageCallbackNotFound   = errors.New("message callback not found")
	ErrBrowserActionNotAvailable = errors.New("browser action not available")
	ErrContentProcessTerminated  = errors.New("web content process terminated")
	ErrWebViewInvalidated        = errors.New("web view invalidated")
	ErrCompletionNotFulfilled    = errors.New("completion not fulfilled")
	ErrAllCallbacksFailed        = errors.New("all callbacks have failed")
)

// IgnorableError wraps an expected, benign failure. It is still delivered to
// the script as lastError but only logged at info level.
type IgnorableError struct {
	Err error
}

func (e *IgnorableError) Error() string { return e.Err.Error() }
func (e *IgnorableError) Unwrap() error { return e.Err }

// Ignorable wraps err as an IgnorableError.
func Ignorable(err error) error {
	if err == nil {
		return nil
	}
	return &IgnorableError{Err: err}
}

// Coded is implemented by domain errors that carry a short code. Coded
// failures are treated as critical and forwarded to the reporter.
type Coded interface {
	error
	ShortCode() string
}

// DomainError is a string-coded failure raised by a command handler.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error     { return e.Err }
func (e *DomainError) ShortCode() string { return e.Code }

// InjectionErrorKind distinguishes the ways delivery into an in-process JS
// context can fail.
type InjectionErrorKind int

const (
	InjectionWebThreadNotSet InjectionErrorKind = iota + 1
	InjectionFrameNotFound
	InjectionNoJSContext
	InjectionEntrySymbolNotFound
	InjectionFunctionNotFound
	InjectionNoReturnValue
)

func (k InjectionErrorKind) String() string {
	switch k {
	case InjectionWebThreadNotSet:
		return "web thread is not set"
	case InjectionFrameNotFound:
		return "frame not found"
	case InjectionNoJSContext:
		return "frame has no JS context"
	case InjectionEntrySymbolNotFound:
		return "JS window does not contain the entry symbol"
	case InjectionFunctionNotFound:
		return "entry function not found"
	case InjectionNoReturnValue:
		return "JS callback must return a string"
	}
	return "unknown injection failure"
}

// InjectionError is a transport failure on the in-process engine path.
type InjectionError struct {
	Kind   InjectionErrorKind
	Detail string
}

func (e *InjectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("injection failed: %s: %s", e.Kind, e.Detail)
	}
	return "injection failed: " + e.Kind.String()
}

// Severity is how loudly a command failure is logged.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	return [...]string{"none", "debug", "info", "error", "critical"}[s]
}

// Classify maps a command failure to its severity.
func Classify(err error) Severity {
	if err == nil {
		return SeverityNone
	}
	var ignorable *IgnorableError
	if errors.As(err, &ignorable) {
		return SeverityInfo
	}
	if errors.Is(err, ErrBrowserActionNotAvailable) {
		return SeverityDebug
	}
	var coded Coded
	if errors.As(err, &coded) {
		return SeverityCritical
	}
	return SeverityError
}
