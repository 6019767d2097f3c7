package bridge

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/wire"
)

// MessageDispatcher implements runtime.sendMessage style fan-out. The
// sender's completion is parked until a listener answers through
// core.response with the callbackResponseId it was given.
type MessageDispatcher struct {
	logger    *zap.Logger
	injector  *Injector
	responses *ResponseHandlers
}

func NewMessageDispatcher(injector *Injector, responses *ResponseHandlers, logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		logger:    logger.Named("messages"),
		injector:  injector,
		responses: responses,
	}
}

// Send delivers message from call's context to listeners. done is resolved
// by the first listener response, with ErrMessageCallbackNotFound when there
// are no listeners, or with ErrAllCallbacksFailed when no delivery succeeded.
func (m *MessageDispatcher) Send(call *Call, listeners []*Callback, message any, done Completion) {
	if len(listeners) == 0 {
		done(Failure(ErrMessageCallbackNotFound))
		return
	}

	responseID := m.responses.Put(done)
	collector := NewResultCollector(func(results []Result) {
		if !AllFailed(results) {
			return
		}
		if parked, ok := m.responses.Take(responseID); ok {
			m.logger.Warn("No listener accepted message", zap.String("command", call.Command), zap.Int("listeners", len(results)))
			parked(Failure(ErrAllCallbacksFailed))
		}
	})

	sender := m.senderInfo(call)
	for _, cb := range listeners {
		target := cb.Target()
		target.Context = cb.Context.Clone()
		target.Context[wire.KeyCallbackResponseID] = responseID
		for k, v := range sender {
			target.Context[k] = v
		}
		m.injector.Call(target, message, nil, collector.Add())
	}
	collector.Seal()
}

// Respond resolves the parked completion for responseID.
func (m *MessageDispatcher) Respond(responseID string, data any) error {
	done, ok := m.responses.Take(responseID)
	if !ok {
		return ErrMessageCallbackNotFound
	}
	done(Success(data))
	return nil
}

// senderInfo describes a content-script sender so listeners can reply to
// its tab and frame.
func (m *MessageDispatcher) senderInfo(call *Call) map[string]any {
	if call.Source == nil || call.Source.Origin() != OriginContent {
		return nil
	}
	info := map[string]any{"frame": map[string]any{"id": call.Frame.ID, "url": call.Frame.URL}}
	if tab, ok := call.TabID(); ok {
		info["tab"] = map[string]any{"id": tab}
	}
	return info
}
