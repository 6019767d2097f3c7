// Package storage implements the chrome.storage.local areas extensions
// persist their settings in. Values are opaque strings; scripts serialize
// them before crossing the bridge.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/config"
)

// AreaLocal is the only storage area name reported in change events.
const AreaLocal = "local"

// ErrNoStorage is returned for extensions without a storage area.
var ErrNoStorage = errors.New("extension has no storage area")

// Area is one extension's key/value store. A nil key list means every key.
type Area interface {
	Get(ctx context.Context, keys []string) (map[string]string, error)
	// Set merges items and returns the resulting changes.
	Set(ctx context.Context, items map[string]string) (Changes, error)
	Remove(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
}

// Change is one key's transition. OldValue is "" when the key was absent.
type Change struct {
	NewValue string `json:"newValue"`
	OldValue string `json:"oldValue"`
}

// Changes maps keys to their transitions.
type Changes map[string]Change

// Event builds the storage.onChanged payload.
func (c Changes) Event() map[string]any {
	return map[string]any{"areaName": AreaLocal, "changes": c}
}

// Factory opens the area of an extension.
type Factory func(extensionID string) (Area, error)

// NewFactory returns a Factory for the configured backend. pool is only
// consulted for the postgres backend.
func NewFactory(ctx context.Context, cfg config.StorageConfig, fs afero.Fs, pool DBPool, logger *zap.Logger) (Factory, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return func(string) (Area, error) { return NewMemoryArea(), nil }, nil
	case config.StorageFile:
		return func(id string) (Area, error) {
			return OpenFileArea(fs, filepath.Join(cfg.Dir, id), logger)
		}, nil
	case config.StoragePostgres:
		if pool == nil {
			return nil, errors.New("postgres storage requires a connection pool")
		}
		store, err := New(ctx, pool, logger)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return func(id string) (Area, error) { return store.Area(id), nil }, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
