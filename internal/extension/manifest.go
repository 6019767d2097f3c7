// Package extension models installed extensions: their manifest, bundle,
// translations, storage and listener registry.
package extension

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultLocale is used when a manifest declares none.
const DefaultLocale = "en"

// RunnableContext is a context a manifest can provide scripts or pages for.
type RunnableContext int

const (
	RunnableBackground RunnableContext = iota
	RunnableContent
	RunnableBrowserAction
	RunnablePageAction
)

// IconContext selects which icon set to read.
type IconContext int

const (
	IconExtension IconContext = iota
	IconBrowserAction
	IconPageAction
)

// Manifest is a parsed manifest.json.
type Manifest struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Version        string            `json:"version"`
	Author         string            `json:"author,omitempty"`
	DefaultLocale  string            `json:"default_locale,omitempty"`
	ContentScripts []*ContentScript  `json:"content_scripts,omitempty"`
	Background     *Background       `json:"background,omitempty"`
	BrowserAction  *Action           `json:"browser_action,omitempty"`
	PageAction     *Action           `json:"page_action,omitempty"`
	Icons          map[string]string `json:"icons,omitempty"`

	raw map[string]any
}

// Background lists the scripts of the generated background page.
type Background struct {
	Scripts []string `json:"scripts,omitempty"`
}

// Action is a browser_action or page_action entry. DefaultIcon is either a
// path or a map of pixel size to path.
type Action struct {
	DefaultPopup string `json:"default_popup,omitempty"`
	DefaultTitle string `json:"default_title,omitempty"`
	DefaultIcon  any    `json:"default_icon,omitempty"`
}

// ParseManifest decodes and validates a manifest. name and version are
// required; every content script must have at least one match pattern.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest is not a JSON object: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("manifest has unexpected field types: %w", err)
	}
	m.raw = raw

	if m.Name == "" {
		return nil, errors.New("manifest is missing name")
	}
	if m.Version == "" {
		return nil, errors.New("manifest is missing version")
	}
	if m.DefaultLocale == "" {
		m.DefaultLocale = DefaultLocale
	}
	for i, cs := range m.ContentScripts {
		if cs == nil {
			return nil, fmt.Errorf("content script %d is null", i)
		}
		if err := cs.compile(); err != nil {
			return nil, fmt.Errorf("content script %d: %w", i, err)
		}
	}
	return m, nil
}

// newScopeManifest is the manifest of the virtual global scope extension.
func newScopeManifest(name string) *Manifest {
	return &Manifest{Name: name, Version: "1.0.0", DefaultLocale: DefaultLocale, raw: map[string]any{}}
}

// Raw returns the manifest as the script wrote it, for runtime.getManifest.
func (m *Manifest) Raw() map[string]any {
	return m.raw
}

// BackgroundScripts lists the background page scripts.
func (m *Manifest) BackgroundScripts() []string {
	if m.Background == nil {
		return nil
	}
	return m.Background.Scripts
}

// HasBrowserAction reports whether browser_action is declared. Every field of
// it is optional, so an empty object still counts.
func (m *Manifest) HasBrowserAction() bool { return m.BrowserAction != nil }

// BrowserActionPopup is the popup page of the browser action, if any.
func (m *Manifest) BrowserActionPopup() string {
	if m.BrowserAction == nil {
		return ""
	}
	return m.BrowserAction.DefaultPopup
}

// PageActionPopup is the popup page of the page action, if any.
func (m *Manifest) PageActionPopup() string {
	if m.PageAction == nil {
		return ""
	}
	return m.PageAction.DefaultPopup
}

// IsRunnable reports whether the manifest declares something to run in ctx.
func (m *Manifest) IsRunnable(ctx RunnableContext) bool {
	switch ctx {
	case RunnableBackground:
		return len(m.BackgroundScripts()) > 0
	case RunnableContent:
		for _, cs := range m.ContentScripts {
			if len(cs.JS) > 0 {
				return true
			}
		}
		return false
	case RunnableBrowserAction:
		return m.HasBrowserAction()
	case RunnablePageAction:
		return m.PageActionPopup() != ""
	}
	return false
}

// IconPaths returns pixel size to bundle path for ctx. The legacy single
// path form of default_icon is reported as size 38.
func (m *Manifest) IconPaths(ctx IconContext) map[string]string {
	var icon any
	switch ctx {
	case IconExtension:
		return m.Icons
	case IconBrowserAction:
		if m.BrowserAction != nil {
			icon = m.BrowserAction.DefaultIcon
		}
	case IconPageAction:
		if m.PageAction != nil {
			icon = m.PageAction.DefaultIcon
		}
	}
	switch v := icon.(type) {
	case string:
		return map[string]string{"38": v}
	case map[string]any:
		out := make(map[string]string, len(v))
		for size, p := range v {
			if s, ok := p.(string); ok {
				out[size] = s
			}
		}
		return out
	}
	return nil
}
