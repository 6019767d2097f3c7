package jscontext

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

// Frames tracks the frames of one web view. A frame may be attached before
// its JS context exists; lookups then report it as found with no context.
type Frames struct {
	mu     sync.RWMutex
	frames map[uint64]*FrameContext
}

var _ bridge.ContextLookup = (*Frames)(nil)

func NewFrames() *Frames {
	return &Frames{frames: make(map[uint64]*FrameContext)}
}

// Attach records a frame that has no JS context yet.
func (f *Frames) Attach(frameID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.frames[frameID]; !ok {
		f.frames[frameID] = nil
	}
}

// Set installs the JS context of a frame, replacing any previous one.
func (f *Frames) Set(fc *FrameContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[fc.Frame().ID] = fc
}

// Detach forgets a frame.
func (f *Frames) Detach(frameID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.frames, frameID)
}

// Clear forgets every frame.
func (f *Frames) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = make(map[uint64]*FrameContext)
}

func (f *Frames) FrameContext(frameID uint64) (bridge.JSContext, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fc, ok := f.frames[frameID]
	if !ok {
		return nil, false
	}
	if fc == nil {
		// Keep the interface nil rather than a typed nil pointer.
		return nil, true
	}
	return fc, true
}

// Context returns the concrete context of a frame.
func (f *Frames) Context(frameID uint64) (*FrameContext, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fc, ok := f.frames[frameID]
	switch {
	case !ok:
		return nil, &bridge.InjectionError{Kind: bridge.InjectionFrameNotFound, Detail: fmt.Sprintf("frame %d", frameID)}
	case fc == nil:
		return nil, &bridge.InjectionError{Kind: bridge.InjectionNoJSContext, Detail: fmt.Sprintf("frame %d", frameID)}
	}
	return fc, nil
}

// IDs lists the attached frame ids in ascending order.
func (f *Frames) IDs() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uint64, 0, len(f.frames))
	for id := range f.frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
