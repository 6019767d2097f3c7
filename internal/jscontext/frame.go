package jscontext

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

// MessageHandler receives messages scripts post through the entry point.
// *bridge.Switchboard satisfies it.
type MessageHandler interface {
	HandleMessage(view bridge.WebView, frame bridge.Frame, raw []byte) (any, bool)
	HandleBody(view bridge.WebView, frame bridge.Frame, body map[string]any) (any, bool)
}

// FrameContext is the JS context of one frame. Every method must be called
// on the owning WebThread.
type FrameContext struct {
	vm     *goja.Runtime
	frame  bridge.Frame
	logger *zap.Logger
}

var _ bridge.JSContext = (*FrameContext)(nil)

// FrameOptions configures a new frame context.
type FrameOptions struct {
	Frame bridge.Frame
	// View is reported as the source of messages from this frame.
	View bridge.WebView
	// EntryPoint names the global function scripts call to reach native
	// code. It is not installed when empty or when Handler is nil.
	EntryPoint string
	Handler    MessageHandler
	Logger     *zap.Logger
}

// NewFrameContext creates a frame runtime. Call it on the owning WebThread.
func NewFrameContext(opts FrameOptions) (*FrameContext, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fc := &FrameContext{
		vm:     goja.New(),
		frame:  opts.Frame,
		logger: logger.Named("frame").With(zap.Uint64("frame_id", opts.Frame.ID)),
	}
	fc.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := fc.vm.Set("window", fc.vm.GlobalObject()); err != nil {
		return nil, fmt.Errorf("failed to install window: %w", err)
	}
	enableConsole(fc.vm, fc.logger)

	if opts.EntryPoint != "" && opts.Handler != nil {
		if err := fc.installEntryPoint(opts.EntryPoint, opts.View, opts.Handler); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// Frame returns the frame this context belongs to.
func (fc *FrameContext) Frame() bridge.Frame { return fc.frame }

// Runtime exposes the underlying goja runtime.
func (fc *FrameContext) Runtime() *goja.Runtime { return fc.vm }

// installEntryPoint defines window.<name>(message). A string message is
// decoded as JSON; an object is taken as the structured body. The return
// value is the synchronous answer, if the command has one.
func (fc *FrameContext) installEntryPoint(name string, view bridge.WebView, h MessageHandler) error {
	entry := func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		var (
			result any
			ok     bool
		)
		switch exported := arg.Export().(type) {
		case string:
			result, ok = h.HandleMessage(view, fc.frame, []byte(exported))
		case map[string]any:
			result, ok = h.HandleBody(view, fc.frame, exported)
		default:
			fc.logger.Warn("Entry point called with an unsupported message", zap.String("type", fmt.Sprintf("%T", exported)))
			return goja.Undefined()
		}
		if !ok {
			return goja.Undefined()
		}
		return fc.vm.ToValue(result)
	}
	if err := fc.vm.Set(name, entry); err != nil {
		return fmt.Errorf("failed to install entry point %s: %w", name, err)
	}
	return nil
}

// RunScript evaluates src in the frame. The script is interrupted when ctx
// is done.
func (fc *FrameContext) RunScript(ctx context.Context, name, src string) (goja.Value, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { fc.vm.Interrupt(ctx.Err()) })
		defer stop()
	}
	defer fc.vm.ClearInterrupt()

	v, err := fc.vm.RunScript(name, src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script %s interrupted: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("script %s failed: %w", name, err)
	}
	return v, nil
}

// CallGlobal invokes window.<object>.<function>(arg) with arg converted to a
// plain JS object, and returns the string the function returned. A thrown
// exception becomes an acknowledgment carrying its stack, so it is reported
// like any other script failure.
func (fc *FrameContext) CallGlobal(object, function string, arg any) (string, error) {
	target := fc.vm.Get(object)
	if target == nil || goja.IsUndefined(target) || goja.IsNull(target) {
		return "", &bridge.InjectionError{Kind: bridge.InjectionEntrySymbolNotFound, Detail: object}
	}
	fn, ok := goja.AssertFunction(target.ToObject(fc.vm).Get(function))
	if !ok {
		return "", &bridge.InjectionError{Kind: bridge.InjectionFunctionNotFound, Detail: object + "." + function}
	}

	jsArg, err := fc.toJS(arg)
	if err != nil {
		return "", err
	}
	ret, err := fn(target, jsArg)
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return wire.ErrorStackPrefix + exc.String(), nil
		}
		return "", fmt.Errorf("calling %s.%s: %w", object, function, err)
	}
	if goja.IsUndefined(ret) || goja.IsNull(ret) {
		return "", &bridge.InjectionError{Kind: bridge.InjectionNoReturnValue, Detail: object + "." + function}
	}
	s, ok := ret.Export().(string)
	if !ok {
		return "", &bridge.InjectionError{Kind: bridge.InjectionNoReturnValue, Detail: fmt.Sprintf("returned %T", ret.Export())}
	}
	return s, nil
}

// toJS converts arg through JSON so the script sees plain objects rather
// than wrapped Go values.
func (fc *FrameContext) toJS(arg any) (goja.Value, error) {
	encoded, err := wire.JSON.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode callback payload: %w", err)
	}
	parse, ok := goja.AssertFunction(fc.vm.Get("JSON").ToObject(fc.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse is not available")
	}
	return parse(goja.Undefined(), fc.vm.ToValue(string(encoded)))
}
