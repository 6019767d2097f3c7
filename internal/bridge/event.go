// internal/bridge/event.go
package bridge

import "strings"

// Origin is the kind of execution context a script runs in.
type Origin int

const (
	OriginBackground Origin = iota
	OriginContent
	OriginPopup
)

func (o Origin) String() string {
	switch o {
	case OriginBackground:
		return "background"
	case OriginContent:
		return "content"
	case OriginPopup:
		return "popup"
	}
	return "unknown"
}

// EventType enumerates the events scripts can listen for. The string forms
// are a closed contract with the JS library and must not change.
type EventType int

const (
	EventUndefined EventType = iota
	EventRuntimeOnStartup
	EventRuntimeOnInstall
	EventRuntimeOnSuspend
	EventRuntimeOnMessage
	EventDeclarativeWebRequestOnMessage
	EventContextMenusOnClicked
	EventBrowserActionOnClicked
	EventWebRequestOnBeforeRequest
	EventWebRequestOnBeforeSendHeaders
	EventWebRequestOnHeadersReceived
	EventWebRequestHandlerBehaviorChanged
	EventWebNavigationOnCreatedNavigationTarget
	EventWebNavigationOnBeforeNavigate
	EventWebNavigationOnCommitted
	EventWebNavigationOnCompleted
	EventTabsOnActivated
	EventTabsOnCreated
	EventTabsOnUpdated
	EventTabsOnMoved
	EventTabsOnRemoved
	EventFulltextCountMatches
	EventFulltextMarkMatches
	EventFulltextUnmarkMatches
	EventFulltextMakeCurrent
	EventStorageOnChanged
	EventAutofillFillSuggestion
)

var eventNames = map[EventType]string{
	EventUndefined:                              "undefined",
	EventRuntimeOnStartup:                       "runtime.onStartup",
	EventRuntimeOnInstall:                       "runtime.onInstall",
	EventRuntimeOnSuspend:                       "runtime.onSuspend",
	EventRuntimeOnMessage:                       "runtime.onMessage",
	EventDeclarativeWebRequestOnMessage:         "declarativeWebRequest.onMessage",
	EventContextMenusOnClicked:                  "contextMenus.onClicked",
	EventBrowserActionOnClicked:                 "browserAction.onClicked",
	EventWebRequestOnBeforeRequest:              "webRequest.onBeforeRequest",
	EventWebRequestOnBeforeSendHeaders:          "webRequest.onBeforeSendHeaders",
	EventWebRequestOnHeadersReceived:            "webRequest.onHeadersReceived",
	EventWebRequestHandlerBehaviorChanged:       "webRequest.handlerBehaviorChanged",
	EventWebNavigationOnCreatedNavigationTarget: "webNavigation.onCreatedNavigationTarget",
	EventWebNavigationOnBeforeNavigate:          "webNavigation.onBeforeNavigate",
	EventWebNavigationOnCommitted:               "webNavigation.onCommitted",
	EventWebNavigationOnCompleted:               "webNavigation.onCompleted",
	EventTabsOnActivated:                        "tabs.onActivated",
	EventTabsOnCreated:                          "tabs.onCreated",
	EventTabsOnUpdated:                          "tabs.onUpdated",
	EventTabsOnMoved:                            "tabs.onMoved",
	EventTabsOnRemoved:                          "tabs.onRemoved",
	EventFulltextCountMatches:                   "fulltext.countMatches",
	EventFulltextMarkMatches:                    "fulltext.markMatches",
	EventFulltextUnmarkMatches:                  "fulltext.unmarkMatches",
	EventFulltextMakeCurrent:                    "fulltext.makeCurrent",
	EventStorageOnChanged:                       "storage.onChanged",
	EventAutofillFillSuggestion:                 "autofill.fillSuggestion",
}

var eventsByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventNames))
	for ev, name := range eventNames {
		m[name] = ev
	}
	return m
}()

// ParseEventType maps a wire name to its event. Unknown names map to
// EventUndefined.
func ParseEventType(name string) EventType {
	return eventsByName[name]
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return eventNames[EventUndefined]
}

func (e EventType) hasPrefix(p string) bool { return strings.HasPrefix(e.String(), p) }

// IsFulltext reports whether only one listener per tab may exist for e.
func (e EventType) IsFulltext() bool { return e.hasPrefix("fulltext.") }

// IsWebNavigation reports whether listeners for e take URL filter conditions.
func (e EventType) IsWebNavigation() bool { return e.hasPrefix("webNavigation.") }

// IsWebRequest reports whether listeners for e take a request filter.
func (e EventType) IsWebRequest() bool { return e.hasPrefix("webRequest.") }
