// internal/bridge/dispatcher.go
package bridge

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/wire"
)

// Call is one command invocation as seen by a handler.
type Call struct {
	Command   string
	Context   wire.Context
	Data      any
	Extension Extension
	Source    WebView
	Frame     Frame
}

// Args returns the payload as positional arguments. An array payload is the
// argument list; any other non-nil value is a single argument.
func (c *Call) Args() []any {
	switch d := c.Data.(type) {
	case nil:
		return nil
	case []any:
		return d
	default:
		return []any{d}
	}
}

// TabID is the tab of the calling content script, if any.
func (c *Call) TabID() (uint64, bool) {
	if c.Source != nil {
		if tab, ok := c.Source.TabID(); ok {
			return tab, true
		}
	}
	return c.Context.TabID()
}

// Handler is one typed overload of a command. Build handlers with the Sync*
// and Async* adapters.
type Handler struct {
	arity int
	// invoke decodes args and runs the handler. It returns false without
	// calling done when args do not fit the handler's parameter types.
	invoke func(call *Call, args []any, done Completion) bool
}

// Dispatcher routes command names to handler overloads. The first overload
// whose parameters decode from the payload handles the call.
type Dispatcher struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		handlers: make(map[string][]Handler),
	}
}

// Register appends overloads for name.
func (d *Dispatcher) Register(name string, overloads ...Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], overloads...)
}

// Has reports whether name has any handler.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name]) > 0
}

// Commands lists the registered command names.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs call and reports its result to done exactly once. Unknown
// commands fail with ErrCommandNotFound and payloads no overload accepts
// fail with ErrParametersDidNotMatch.
func (d *Dispatcher) Dispatch(call *Call, done Completion) {
	d.mu.RLock()
	overloads := d.handlers[call.Command]
	d.mu.RUnlock()

	if len(overloads) == 0 {
		done(Failure(fmt.Errorf("%w: %s", ErrCommandNotFound, call.Command)))
		return
	}

	once := d.completeOnce(call.Command, done)
	args := call.Args()
	for _, h := range overloads {
		if len(args) > h.arity {
			continue
		}
		matched, panicked := d.invoke(h, call, args, once)
		if panicked != nil {
			once(Failure(fmt.Errorf("handler for %s panicked: %v", call.Command, panicked)))
			return
		}
		if matched {
			return
		}
	}
	done(Failure(fmt.Errorf("%w: %s", ErrParametersDidNotMatch, call.Command)))
}

func (d *Dispatcher) invoke(h Handler, call *Call, args []any, done Completion) (matched bool, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Command handler panicked",
				zap.String("command", call.Command),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			panicked = r
		}
	}()
	return h.invoke(call, args, done), nil
}

// completeOnce guards against handlers completing more than once.
func (d *Dispatcher) completeOnce(command string, done Completion) Completion {
	var fired atomic.Bool
	return func(r Result) {
		if !fired.CompareAndSwap(false, true) {
			d.logger.Warn("Command completed more than once; ignoring", zap.String("command", command))
			return
		}
		done(r)
	}
}

// -- Typed overload adapters --

func syncDone(done Completion, v any, err error) {
	if err != nil {
		done(Failure(err))
		return
	}
	done(Success(v))
}

// Sync0 adapts a handler taking no arguments.
func Sync0(fn func(*Call) (any, error)) Handler {
	return Handler{arity: 0, invoke: func(call *Call, _ []any, done Completion) bool {
		v, err := fn(call)
		syncDone(done, v, err)
		return true
	}}
}

// Sync1 adapts a handler taking one typed argument.
func Sync1[A any](fn func(*Call, A) (any, error)) Handler {
	return Handler{arity: 1, invoke: func(call *Call, args []any, done Completion) bool {
		a, ok := decodeArg[A](args, 0)
		if !ok {
			return false
		}
		v, err := fn(call, a)
		syncDone(done, v, err)
		return true
	}}
}

// Sync2 adapts a handler taking two typed arguments.
func Sync2[A, B any](fn func(*Call, A, B) (any, error)) Handler {
	return Handler{arity: 2, invoke: func(call *Call, args []any, done Completion) bool {
		a, ok := decodeArg[A](args, 0)
		if !ok {
			return false
		}
		b, ok := decodeArg[B](args, 1)
		if !ok {
			return false
		}
		v, err := fn(call, a, b)
		syncDone(done, v, err)
		return true
	}}
}

// Sync3 adapts a handler taking three typed arguments.
func Sync3[A, B, C any](fn func(*Call, A, B, C) (any, error)) Handler {
	return Handler{arity: 3, invoke: func(call *Call, args []any, done Completion) bool {
		a, ok := decodeArg[A](args, 0)
		if !ok {
			return false
		}
		b, ok := decodeArg[B](args, 1)
		if !ok {
			return false
		}
		c, ok := decodeArg[C](args, 2)
		if !ok {
			return false
		}
		v, err := fn(call, a, b, c)
		syncDone(done, v, err)
		return true
	}}
}

// Async0 adapts an asynchronous handler taking no arguments.
func Async0(fn func(*Call, Completion)) Handler {
	return Handler{arity: 0, invoke: func(call *Call, _ []any, done Completion) bool {
		fn(call, done)
		return true
	}}
}

// Async1 adapts an asynchronous handler taking one typed argument.
func Async1[A any](fn func(*Call, A, Completion)) Handler {
	return Handler{arity: 1, invoke: func(call *Call, args []any, done Completion) bool {
		a, ok := decodeArg[A](args, 0)
		if !ok {
			return false
		}
		fn(call, a, done)
		return true
	}}
}

// Async2 adapts an asynchronous handler taking two typed arguments.
func Async2[A, B any](fn func(*Call, A, B, Completion)) Handler {
	return Handler{arity: 2, invoke: func(call *Call, args []any, done Completion) bool {
		a, ok := decodeArg[A](args, 0)
		if !ok {
			return false
		}
		b, ok := decodeArg[B](args, 1)
		if !ok {
			return false
		}
		fn(call, a, b, done)
		return true
	}}
}

// decodeArg converts args[i] to T. A missing or null argument is accepted
// only when T can represent absence (pointer, interface, map or slice).
func decodeArg[T any](args []any, i int) (T, bool) {
	var zero T
	var v any
	if i < len(args) {
		v = args[i]
	}
	if v == nil {
		return zero, nilable(reflect.TypeOf((*T)(nil)).Elem())
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	b, err := wire.JSON.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := wire.JSON.Unmarshal(b, &out); err != nil {
		return zero, false
	}
	return out, true
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return false
}
