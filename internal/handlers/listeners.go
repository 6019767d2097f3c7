package handlers

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/urlfilter"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

const keyEvent = "event"

// ErrExtensionDisabled rejects registrations made while an extension is off,
// since re-enabling must not revive them.
var ErrExtensionDisabled = errors.New("extension is disabled")

// addListener registers callbackID as a persistent listener for event in the
// caller's context. params carries the event specific filters.
func (h *Handlers) addListener(call *bridge.Call, event string, params map[string]any, callbackID string) (any, error) {
	if call.Source == nil {
		return nil, errors.New("listener registration requires a source view")
	}
	if callbackID == "" {
		return nil, errors.New("listener registration requires a callback id")
	}
	if !call.Extension.Enabled() {
		return nil, ErrExtensionDisabled
	}
	ev := bridge.ParseEventType(event)
	if ev == bridge.EventUndefined {
		return nil, fmt.Errorf("unknown event %q", event)
	}

	cb := &bridge.Callback{
		Origin:    call.Source.Origin(),
		Event:     ev,
		Context:   wire.Context{wire.KeyCallbackID: callbackID, keyEvent: event},
		WebView:   call.Source,
		Frame:     call.Frame,
		Extension: call.Extension,
	}
	if tab, ok := call.TabID(); ok {
		cb.TabID, cb.HasTab = tab, true
		cb.Context[wire.KeyTabID] = tab
	}

	registry := call.Extension.Callbacks()
	switch {
	case ev.IsWebRequest():
		filter, err := urlfilter.ParseRequestFilter(params["filter"])
		if err != nil {
			return nil, fmt.Errorf("%s listener: %w", event, err)
		}
		cb.RequestFilter = filter
	case ev.IsWebNavigation():
		conds, err := urlfilter.ParseConditions(params["url"])
		if err != nil {
			return nil, fmt.Errorf("%s listener: %w", event, err)
		}
		cb.Conditions = conds
	case ev.IsFulltext():
		// A tab has at most one fulltext listener per event.
		registry.RemoveContentCallbacks(cb.TabID, ev)
	}
	registry.Add(cb)

	h.log.Debug("Listener added",
		zap.String("extension", call.Extension.ID()),
		zap.String("event", event),
		zap.String("callback_id", callbackID),
		zap.Stringer("origin", cb.Origin),
	)
	return nil, nil
}

func (h *Handlers) removeListener(call *bridge.Call, callbackID string) (any, error) {
	if !call.Extension.Callbacks().RemoveCallback(callbackID) {
		h.log.Debug("Listener to remove not found", zap.String("callback_id", callbackID))
	}
	return nil, nil
}
