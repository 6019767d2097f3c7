package extension

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/storage"
)

// BrowserExtension is a loaded extension. The bundle is nil for the virtual
// global scope extension.
type BrowserExtension struct {
	id           string
	manifest     *Manifest
	bundle       *Bundle
	translations *Translations
	area         storage.Area
	registry     *bridge.Registry

	mu      sync.RWMutex
	life    *bridge.Lifetime
	enabled bool
}

// New creates an enabled extension.
func New(id string, m *Manifest, b *Bundle, t *Translations, area storage.Area) *BrowserExtension {
	return &BrowserExtension{
		id:           id,
		manifest:     m,
		bundle:       b,
		translations: t,
		area:         area,
		registry:     bridge.NewRegistry(),
		life:         bridge.NewLifetime(),
		enabled:      true,
	}
}

func (e *BrowserExtension) ID() string                  { return e.id }
func (e *BrowserExtension) Manifest() *Manifest         { return e.manifest }
func (e *BrowserExtension) Bundle() *Bundle             { return e.bundle }
func (e *BrowserExtension) Callbacks() *bridge.Registry { return e.registry }
func (e *BrowserExtension) Storage() storage.Area       { return e.area }

func (e *BrowserExtension) Lifetime() *bridge.Lifetime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.life
}

func (e *BrowserExtension) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// SetEnabled toggles the extension. Disabling invalidates its lifetime and
// drops every listener; enabling starts a fresh lifetime.
func (e *BrowserExtension) SetEnabled(enabled bool) {
	e.mu.Lock()
	if e.enabled == enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = enabled
	if enabled {
		e.life = bridge.NewLifetime()
	} else {
		e.life.Invalidate()
	}
	e.mu.Unlock()

	if !enabled {
		e.registry.Clear()
	}
}

// Unload invalidates the extension for good.
func (e *BrowserExtension) Unload() {
	e.SetEnabled(false)
}

// Message returns the localized message named key with subs substituted.
func (e *BrowserExtension) Message(key string, subs []string) (string, bool) {
	return e.translations.Message(key, subs)
}

// UILocale is the locale whose messages are in use.
func (e *BrowserExtension) UILocale() string {
	if l := e.translations.Locale(); l != "" {
		return l
	}
	return e.manifest.DefaultLocale
}

func (e *BrowserExtension) BackgroundScripts() []string {
	return e.manifest.BackgroundScripts()
}

// GenerateBackgroundPage writes an HTML page loading background.scripts in
// order and returns its bundle path.
func (e *BrowserExtension) GenerateBackgroundPage() (string, error) {
	scripts := e.BackgroundScripts()
	if len(scripts) == 0 {
		return "", fmt.Errorf("extension %s has no background scripts", e.id)
	}
	if e.bundle == nil {
		return "", fmt.Errorf("extension %s has no bundle", e.id)
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head></head>\n<body>\n")
	for _, s := range scripts {
		fmt.Fprintf(&b, "<script src=\"%s\"></script>\n", html.EscapeString(s))
	}
	b.WriteString("</body>\n</html>\n")
	if err := e.bundle.WriteFile(BackgroundPageName, []byte(b.String())); err != nil {
		return "", err
	}
	return BackgroundPageName, nil
}
