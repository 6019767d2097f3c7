// internal/bridge/registry.go
package bridge

import "sync"

// Registry holds an extension's listener registrations. Every scan drops
// entries whose web view or extension is gone, so callers never see a dead
// registration. Lists are short, so all scans are linear.
type Registry struct {
	mu      sync.Mutex
	entries []*Callback
}

func NewRegistry() *Registry { return &Registry{} }

// Add appends cb. Uniqueness of callback ids is the caller's concern.
func (r *Registry) Add(cb *Callback) {
	r.mu.Lock()
	r.entries = append(r.entries, cb)
	r.mu.Unlock()
}

// RemoveCallbacks drops every entry of origin, along with any invalid entry.
// It returns the number of entries removed.
func (r *Registry) RemoveCallbacks(origin Origin) int {
	return r.retain(func(cb *Callback) bool {
		return cb.Origin != origin
	})
}

// RemoveContentCallbacks drops content entries of tabID for event, or for
// every event when event is EventUndefined, along with any invalid entry.
func (r *Registry) RemoveContentCallbacks(tabID uint64, event EventType) int {
	return r.retain(func(cb *Callback) bool {
		return cb.Origin != OriginContent ||
			!cb.HasTab || cb.TabID != tabID ||
			(event != EventUndefined && cb.Event != event)
	})
}

// RemoveCallback drops the first entry with the given callback id.
func (r *Registry) RemoveCallback(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cb := range r.entries {
		if cb.ID() == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// CallbacksToContent returns the content listeners for event in tabID.
func (r *Registry) CallbacksToContent(event EventType, tabID uint64) []*Callback {
	return r.collect(func(cb *Callback) bool {
		return cb.Origin == OriginContent && cb.HasTab && cb.TabID == tabID && cb.Event == event
	})
}

// Callbacks returns the listeners for event that a context of origin may
// message: background reaches popup, popup reaches background, and content
// reaches every non-content context. Content listeners are never returned;
// they are addressed by tab with CallbacksToContent.
func (r *Registry) Callbacks(origin Origin, event EventType) []*Callback {
	return r.collect(func(cb *Callback) bool {
		if cb.Event != event {
			return false
		}
		switch origin {
		case OriginBackground:
			return cb.Origin == OriginPopup
		case OriginPopup:
			return cb.Origin == OriginBackground
		case OriginContent:
			return cb.Origin != OriginContent
		}
		return false
	})
}

// Listeners returns every listener for event regardless of origin.
func (r *Registry) Listeners(event EventType) []*Callback {
	return r.collect(func(cb *Callback) bool { return cb.Event == event })
}

// Snapshot returns all live entries.
func (r *Registry) Snapshot() []*Callback {
	return r.collect(func(*Callback) bool { return true })
}

// Clear drops every entry and returns how many there were.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = nil
	return n
}

// Len returns the number of stored entries, live or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// retain keeps the valid entries satisfying keep.
func (r *Registry) retain(keep func(*Callback) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, cb := range r.entries {
		if cb.IsValid() && keep(cb) {
			kept = append(kept, cb)
		}
	}
	removed := len(r.entries) - len(kept)
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
	return removed
}

// collect returns the valid entries satisfying match and compacts invalid
// ones out of the list.
func (r *Registry) collect(match func(*Callback) bool) []*Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Callback
	kept := r.entries[:0]
	for _, cb := range r.entries {
		if !cb.IsValid() {
			continue
		}
		kept = append(kept, cb)
		if match(cb) {
			out = append(out, cb)
		}
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
	return out
}
