package storage

import (
	"context"
	"sync"
)

// MemoryArea keeps values in process memory.
type MemoryArea struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryArea() *MemoryArea {
	return &MemoryArea{values: make(map[string]string)}
}

func (a *MemoryArea) Get(_ context.Context, keys []string) (map[string]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string)
	if keys == nil {
		for k, v := range a.values {
			out[k] = v
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := a.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (a *MemoryArea) Set(_ context.Context, items map[string]string) (Changes, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	changes := make(Changes, len(items))
	for k, v := range items {
		changes[k] = Change{NewValue: v, OldValue: a.values[k]}
		a.values[k] = v
	}
	return changes, nil
}

func (a *MemoryArea) Remove(_ context.Context, keys []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		delete(a.values, k)
	}
	return nil
}

func (a *MemoryArea) Clear(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = make(map[string]string)
	return nil
}
