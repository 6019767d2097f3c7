package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/storage"
)

func areaOf(ext bridge.Extension) (storage.Area, error) {
	if owner, ok := ext.(storageOwner); ok {
		if area := owner.Storage(); area != nil {
			return area, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrNoStorage, ext.ID())
}

// storageGetKeys answers get(null) with every item and get([keys]) with the
// stored subset.
func (h *Handlers) storageGetKeys(call *bridge.Call, keys []string, done bridge.Completion) {
	h.withArea(call, done, func(ctx context.Context, area storage.Area) (any, error) {
		return area.Get(ctx, keys)
	})
}

func (h *Handlers) storageGetKey(call *bridge.Call, key string, done bridge.Completion) {
	h.storageGetKeys(call, []string{key}, done)
}

// storageGetDefaults answers get({key: default}); stored values win.
func (h *Handlers) storageGetDefaults(call *bridge.Call, defaults map[string]any, done bridge.Completion) {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	h.withArea(call, done, func(ctx context.Context, area storage.Area) (any, error) {
		stored, err := area.Get(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(defaults))
		for k, v := range defaults {
			out[k] = v
		}
		for k, v := range stored {
			out[k] = v
		}
		return out, nil
	})
}

// storageSet stores items and tells the extension's storage.onChanged
// listeners what changed.
func (h *Handlers) storageSet(call *bridge.Call, items map[string]string, done bridge.Completion) {
	ext := call.Extension
	h.withArea(call, done, func(ctx context.Context, area storage.Area) (any, error) {
		changes, err := area.Set(ctx, items)
		if err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			event := changes.Event()
			if !h.loop.Post(func() { h.events.DispatchToListeners(ext, bridge.EventStorageOnChanged, event) }) {
				h.log.Warn("Main loop stopped; storage change not announced", zap.String("extension", ext.ID()))
			}
		}
		return nil, nil
	})
}

func (h *Handlers) storageRemoveKeys(call *bridge.Call, keys []string, done bridge.Completion) {
	h.withArea(call, done, func(ctx context.Context, area storage.Area) (any, error) {
		return nil, area.Remove(ctx, keys)
	})
}

func (h *Handlers) storageRemoveKey(call *bridge.Call, key string, done bridge.Completion) {
	h.storageRemoveKeys(call, []string{key}, done)
}

func (h *Handlers) storageClear(call *bridge.Call, done bridge.Completion) {
	h.withArea(call, done, func(ctx context.Context, area storage.Area) (any, error) {
		return nil, area.Clear(ctx)
	})
}

// withArea resolves the caller's storage area and runs op off the main loop.
func (h *Handlers) withArea(call *bridge.Call, done bridge.Completion, op func(context.Context, storage.Area) (any, error)) {
	area, err := areaOf(call.Extension)
	if err != nil {
		done(bridge.Failure(err))
		return
	}
	h.goAsync(done, func(ctx context.Context) (any, error) {
		v, err := op(ctx, area)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", call.Command, err)
		}
		return v, nil
	})
}
