// internal/extension/catalog.go
package extension

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/storage"
)

// ErrDuplicateExtension is returned when an id is already loaded.
var ErrDuplicateExtension = errors.New("extension already loaded")

// CatalogOptions configures a Catalog.
type CatalogOptions struct {
	GlobalScopeID string
	// Locale is the UI locale used to pick translations.
	Locale string
	// Areas opens each extension's storage.
	Areas storage.Factory
}

// Catalog is the set of loaded extensions plus the global scope extension.
// It resolves extension ids for the switchboard.
type Catalog struct {
	fs     afero.Fs
	opts   CatalogOptions
	logger *zap.Logger
	global *BrowserExtension

	mu   sync.RWMutex
	byID map[string]*BrowserExtension
}

var _ bridge.ExtensionResolver = (*Catalog)(nil)

// NewCatalog creates an empty catalog.
func NewCatalog(fs afero.Fs, opts CatalogOptions, logger *zap.Logger) (*Catalog, error) {
	if opts.GlobalScopeID == "" {
		return nil, errors.New("global scope id is required")
	}
	if opts.Areas == nil {
		return nil, errors.New("storage factory is required")
	}
	area, err := opts.Areas(opts.GlobalScopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to open global scope storage: %w", err)
	}
	return &Catalog{
		fs:     fs,
		opts:   opts,
		logger: logger.Named("catalog"),
		global: New(opts.GlobalScopeID, newScopeManifest(opts.GlobalScopeID), nil, nil, area),
		byID:   make(map[string]*BrowserExtension),
	}, nil
}

// LoadDir loads every subdirectory of dir holding a manifest.json, using the
// directory name as the extension id. A broken extension is logged and
// skipped. It returns the number loaded.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list extensions in %s: %w", dir, err)
	}
	loaded := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		extDir := filepath.Join(dir, e.Name())
		if ok, _ := afero.Exists(c.fs, filepath.Join(extDir, manifestFileName)); !ok {
			continue
		}
		if _, err := c.Load(e.Name(), extDir); err != nil {
			c.logger.Warn("Skipping extension", zap.String("extension_id", e.Name()), zap.Error(err))
			continue
		}
		loaded++
	}
	c.logger.Info("Extensions loaded", zap.String("dir", dir), zap.Int("count", loaded))
	return loaded, nil
}

// Load reads the extension in dir and adds it under id.
func (c *Catalog) Load(id, dir string) (*BrowserExtension, error) {
	b := NewBundle(c.fs, dir)
	m, err := b.Manifest()
	if err != nil {
		return nil, err
	}
	t, err := b.Translations(c.opts.Locale, m.DefaultLocale)
	if err != nil {
		return nil, err
	}
	area, err := c.opts.Areas(id)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	ext := New(id, m, b, t, area)
	if err := c.Add(ext); err != nil {
		return nil, err
	}
	return ext, nil
}

// Add registers an already built extension.
func (c *Catalog) Add(ext *BrowserExtension) error {
	if ext.ID() == c.opts.GlobalScopeID {
		return fmt.Errorf("%w: %s is reserved", ErrDuplicateExtension, ext.ID())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[ext.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExtension, ext.ID())
	}
	c.byID[ext.ID()] = ext
	return nil
}

// Remove unloads and forgets the extension.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	ext, ok := c.byID[id]
	delete(c.byID, id)
	c.mu.Unlock()
	if ok {
		ext.Unload()
	}
	return ok
}

// Get returns a loaded extension. The global scope id resolves too.
func (c *Catalog) Get(id string) (*BrowserExtension, bool) {
	if id == c.opts.GlobalScopeID {
		return c.global, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ext, ok := c.byID[id]
	return ext, ok
}

// All returns the loaded extensions sorted by id, without the global scope.
func (c *Catalog) All() []*BrowserExtension {
	c.mu.RLock()
	out := make([]*BrowserExtension, 0, len(c.byID))
	for _, ext := range c.byID {
		out = append(out, ext)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (c *Catalog) Extension(id string) (bridge.Extension, bool) {
	ext, ok := c.Get(id)
	if !ok {
		return nil, false
	}
	return ext, true
}

func (c *Catalog) GlobalScope() bridge.Extension { return c.global }

func (c *Catalog) Extensions() []bridge.Extension {
	all := c.All()
	out := make([]bridge.Extension, len(all))
	for i, ext := range all {
		out[i] = ext
	}
	return out
}

// ScriptMatch is a content script selected for a frame.
type ScriptMatch struct {
	Extension *BrowserExtension
	Script    *ContentScript
}

// MatchingContentScripts returns the scripts of enabled extensions that apply
// to a frame showing u, in extension id order.
func (c *Catalog) MatchingContentScripts(u *url.URL, isMainFrame bool) []ScriptMatch {
	var out []ScriptMatch
	for _, ext := range c.All() {
		if !ext.Enabled() {
			continue
		}
		for _, cs := range ext.Manifest().ContentScripts {
			if cs.AppliesTo(u, isMainFrame) {
				out = append(out, ScriptMatch{Extension: ext, Script: cs})
			}
		}
	}
	return out
}
