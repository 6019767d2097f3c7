// internal/bridge/result_handler.go
package bridge

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/observability"
)

// CriticalReporter receives coded domain failures for out-of-band reporting.
type CriticalReporter interface {
	ReportCritical(command string, err error)
}

// ResultHandler logs a command's result by severity and delivers it back to
// the calling script.
type ResultHandler struct {
	logger   *zap.Logger
	injector *Injector
	reporter CriticalReporter
}

func NewResultHandler(injector *Injector, reporter CriticalReporter, logger *zap.Logger) *ResultHandler {
	return &ResultHandler{
		logger:   logger.Named("results"),
		injector: injector,
		reporter: reporter,
	}
}

// Handle logs r and, when the call carries a callback id, injects the reply.
// Calls without a callback id are fire-and-forget.
func (h *ResultHandler) Handle(call *Call, r Result) {
	h.log(call, r)

	callbackID := call.Context.CallbackID()
	if callbackID == "" {
		return
	}
	target := Target{View: call.Source, Frame: call.Frame, Extension: call.Extension, Context: call.Context}
	h.injector.Call(target, r.Value, r.Err, func(ack Result) {
		if ack.Err != nil {
			h.logger.Warn("Failed to deliver command reply",
				zap.String("command", call.Command),
				zap.String("callback_id", callbackID),
				zap.Error(ack.Err),
			)
		}
	})
}

func (h *ResultHandler) log(call *Call, r Result) {
	if r.Err == nil {
		return
	}
	fields := []zap.Field{zap.String("command", call.Command), zap.Error(r.Err)}
	if call.Extension != nil {
		fields = append(fields, zap.String("extension", call.Extension.ID()))
	}

	switch Classify(r.Err) {
	case SeverityDebug:
		h.logger.Debug("Command failed", fields...)
	case SeverityInfo:
		h.logger.Info("Command failed with ignorable error", fields...)
	case SeverityCritical:
		observability.Critical(h.logger, "Command failed with domain error", fields...)
		if h.reporter != nil {
			h.reporter.ReportCritical(call.Command, r.Err)
		}
	default:
		h.logger.Error("Command failed", fields...)
	}
}
