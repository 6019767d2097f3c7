package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// ResponseHandlers parks completions that are answered later by another
// context, such as a runtime.sendMessage reply arriving via core.response.
type ResponseHandlers struct {
	mu      sync.Mutex
	pending map[string]Completion
}

func NewResponseHandlers() *ResponseHandlers {
	return &ResponseHandlers{pending: make(map[string]Completion)}
}

// Put stores done under a fresh id and returns the id.
func (r *ResponseHandlers) Put(done Completion) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := r.pending[id]; !taken {
			r.pending[id] = done
			return id
		}
	}
}

// Take removes and returns the completion stored under id.
func (r *ResponseHandlers) Take(id string) (Completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	done, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return done, ok
}

// Len returns the number of parked completions.
func (r *ResponseHandlers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
