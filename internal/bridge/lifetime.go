package bridge

import "sync/atomic"

// Lifetime tracks whether an owner (a web view or an extension) is still
// alive. Owners call Invalidate from their teardown path; anything holding
// the Lifetime observes it without keeping the owner reachable.
type Lifetime struct {
	dead atomic.Bool
}

func NewLifetime() *Lifetime { return &Lifetime{} }

// Alive reports whether Invalidate has not been called. A nil Lifetime is
// never alive.
func (l *Lifetime) Alive() bool {
	return l != nil && !l.dead.Load()
}

// Invalidate marks the owner dead. It is idempotent.
func (l *Lifetime) Invalidate() {
	if l != nil {
		l.dead.Store(true)
	}
}
