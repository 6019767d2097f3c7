package bridge

import (
	"net/url"

	"github.com/xkilldash9x/extbridge/internal/urlfilter"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

// Callback is a persistent listener registration made by a script.
type Callback struct {
	Origin  Origin
	Event   EventType
	Context wire.Context
	TabID   uint64
	HasTab  bool

	// Conditions filter webNavigation events; RequestFilter filters
	// webRequest events.
	Conditions    []*urlfilter.Condition
	RequestFilter *urlfilter.RequestFilter

	WebView   WebView
	Frame     Frame
	Extension Extension
}

// ID is the script-side callback id, the only external handle for removal.
func (c *Callback) ID() string { return c.Context.CallbackID() }

// IsValid holds while both the originating web view and extension are alive.
func (c *Callback) IsValid() bool {
	return c.WebView != nil && c.WebView.Lifetime().Alive() &&
		c.Extension != nil && c.Extension.Lifetime().Alive()
}

// ConditionsMatchURL ORs the listener's URL conditions; no conditions match all.
func (c *Callback) ConditionsMatchURL(u *url.URL) bool {
	return urlfilter.AnyMatches(c.Conditions, u)
}

// MatchesRequest applies the webRequest filter, if any.
func (c *Callback) MatchesRequest(u *url.URL, resourceType string) bool {
	return c.RequestFilter.Matches(u, resourceType)
}

// Target addresses the listener's context for delivery.
func (c *Callback) Target() Target {
	return Target{View: c.WebView, Frame: c.Frame, Extension: c.Extension, Context: c.Context}
}

// Target is where a reply or event is delivered.
type Target struct {
	View      WebView
	Frame     Frame
	Extension Extension
	Context   wire.Context
}
