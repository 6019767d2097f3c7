// internal/bridge/event_dispatcher.go
package bridge

import (
	"context"
	"net/url"

	"go.uber.org/zap"
)

// EventDispatcher pushes native events into the listeners scripts have
// registered. Delivery to several listeners is sequential and not atomic.
type EventDispatcher struct {
	logger   *zap.Logger
	resolver ExtensionResolver
	injector *Injector
}

func NewEventDispatcher(resolver ExtensionResolver, injector *Injector, logger *zap.Logger) *EventDispatcher {
	return &EventDispatcher{
		logger:   logger.Named("events"),
		resolver: resolver,
		injector: injector,
	}
}

// DispatchToExtension delivers event to ext's background and popup listeners.
func (d *EventDispatcher) DispatchToExtension(ext Extension, event EventType, payload any) int {
	if !ext.Enabled() {
		return 0
	}
	return d.deliver(ext.Callbacks().Callbacks(OriginContent, event), payload)
}

// DispatchToListeners delivers event to every listener of ext, content
// scripts included.
func (d *EventDispatcher) DispatchToListeners(ext Extension, event EventType, payload any) int {
	if !ext.Enabled() {
		return 0
	}
	return d.deliver(ext.Callbacks().Listeners(event), payload)
}

// DispatchGlobal delivers event to the non-content listeners of every
// enabled extension and of the global scope.
func (d *EventDispatcher) DispatchGlobal(event EventType, payload any) int {
	n := 0
	for _, ext := range Scopes(d.resolver) {
		n += d.DispatchToExtension(ext, event, payload)
	}
	return n
}

// DispatchNavigation delivers a webNavigation or webRequest event for u to
// the non-content listeners whose URL filters accept it.
func (d *EventDispatcher) DispatchNavigation(ext Extension, event EventType, u *url.URL, resourceType string, payload any) int {
	if !ext.Enabled() {
		return 0
	}
	var matched []*Callback
	for _, cb := range ext.Callbacks().Callbacks(OriginContent, event) {
		if cb.ConditionsMatchURL(u) && cb.MatchesRequest(u, resourceType) {
			matched = append(matched, cb)
		}
	}
	return d.deliver(matched, payload)
}

// DispatchToTab delivers event to ext's content listeners in tabID and
// reports every listener's acknowledgment to done. If ctx ends first, done
// receives ErrCompletionNotFulfilled for the listeners still outstanding.
func (d *EventDispatcher) DispatchToTab(ctx context.Context, ext Extension, event EventType, tabID uint64, payload any, done func([]Result)) {
	collector := NewResultCollector(done)
	if ext.Enabled() {
		for _, cb := range ext.Callbacks().CallbacksToContent(event, tabID) {
			d.injector.InvokeListener(cb, payload, collector.Add())
		}
	}
	collector.Seal()
	collector.FlushOn(ctx)
}

func (d *EventDispatcher) deliver(listeners []*Callback, payload any) int {
	for _, cb := range listeners {
		cb := cb
		d.injector.InvokeListener(cb, payload, func(r Result) {
			if r.Err != nil {
				d.logger.Warn("Event delivery failed",
					zap.Stringer("event", cb.Event),
					zap.String("callback_id", cb.ID()),
					zap.Error(r.Err),
				)
			}
		})
	}
	return len(listeners)
}
