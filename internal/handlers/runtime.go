package handlers

import (
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

func (h *Handlers) runtimeSendMessage(call *bridge.Call, message any, done bridge.Completion) {
	if call.Source == nil {
		done(bridge.Failure(errors.New("runtime.sendMessage requires a source view")))
		return
	}
	listeners := call.Extension.Callbacks().Callbacks(call.Source.Origin(), bridge.EventRuntimeOnMessage)
	h.messages.Send(call, listeners, message, done)
}

// runtimeSendMessageTo is the two argument form. Messages to other
// extensions are not supported, so the id must be empty or the caller's own.
func (h *Handlers) runtimeSendMessageTo(call *bridge.Call, extensionID *string, message any, done bridge.Completion) {
	if extensionID != nil && *extensionID != "" && *extensionID != call.Extension.ID() {
		done(bridge.Failure(bridge.Ignorable(errors.New("cross-extension messaging is not supported"))))
		return
	}
	h.runtimeSendMessage(call, message, done)
}

func (h *Handlers) tabsSendMessage(call *bridge.Call, tabID uint64, message any, done bridge.Completion) {
	listeners := call.Extension.Callbacks().CallbacksToContent(bridge.EventRuntimeOnMessage, tabID)
	h.messages.Send(call, listeners, message, done)
}

// coreResponse routes a listener's reply to the parked sender. It reports
// whether a sender was still waiting.
func (h *Handlers) coreResponse(_ *bridge.Call, responseID string, data any) (any, error) {
	if err := h.messages.Respond(responseID, data); err != nil {
		h.log.Warn("Message response has no waiting sender; several listeners may have replied",
			zap.String("response_id", responseID))
		return false, nil
	}
	return true, nil
}

func (h *Handlers) getManifest(call *bridge.Call) (any, error) {
	owner, ok := call.Extension.(manifestOwner)
	if !ok || owner.Manifest() == nil {
		return nil, errors.New("extension has no manifest")
	}
	return owner.Manifest().Raw(), nil
}
