package webview

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/extension"
)

// backgroundFrame is the single frame of a background page.
var backgroundFrame = bridge.Frame{ID: 0, Main: true}

// BackgroundWebView hosts an extension's background scripts.
type BackgroundWebView struct {
	*base
	ext       *extension.BrowserExtension
	registrar Registrar
}

var _ bridge.WebView = (*BackgroundWebView)(nil)

// NewBackgroundView creates and registers the background view of ext.
func NewBackgroundView(ext *extension.BrowserExtension, opts Options, registrar Registrar) (*BackgroundWebView, error) {
	if ext == nil || registrar == nil {
		return nil, errors.New("background view needs an extension and a registrar")
	}
	b, err := newBase(bridge.OriginBackground, opts)
	if err != nil {
		return nil, err
	}
	v := &BackgroundWebView{base: b, ext: ext, registrar: registrar}
	registrar.RegisterBackgroundView(ext, v)
	return v, nil
}

func (v *BackgroundWebView) TabID() (uint64, bool) { return 0, false }

// Extension returns the extension the page belongs to.
func (v *BackgroundWebView) Extension() *extension.BrowserExtension { return v.ext }

// Start creates the page context and runs the manifest's background scripts
// in order. Missing scripts are skipped with a warning.
func (v *BackgroundWebView) Start() error {
	if v.IgnoreAllRequests() {
		return bridge.ErrCommandIgnored
	}
	if !v.ext.Manifest().IsRunnable(extension.RunnableBackground) {
		return fmt.Errorf("extension %s has no background scripts", v.ext.ID())
	}
	if err := v.attachFrame(v, backgroundFrame); err != nil {
		return err
	}
	bundle := v.ext.Bundle()
	if bundle == nil {
		return fmt.Errorf("extension %s has no bundle", v.ext.ID())
	}
	for _, name := range v.ext.BackgroundScripts() {
		src, err := bundle.ReadFile(name)
		if err != nil {
			v.logger.Warn("Missing background script", zap.String("extension", v.ext.ID()), zap.String("file", name), zap.Error(err))
			continue
		}
		v.runScript(backgroundFrame.ID, name, string(src))
	}
	v.logger.Info("Background page started", zap.String("extension", v.ext.ID()))
	return nil
}

// Teardown stops the page and releases the extension's background listeners.
func (v *BackgroundWebView) Teardown() {
	if !v.beginTeardown() {
		return
	}
	v.registrar.UnregisterBackgroundView(v)
	if v.jsFrames != nil {
		v.jsFrames.Clear()
	}
}

// PopupWebView is an extension's browser action popup. Its page is loaded by
// the shell; the view only carries the bridge side.
type PopupWebView struct {
	*base
	ext       *extension.BrowserExtension
	registrar Registrar
}

var _ bridge.WebView = (*PopupWebView)(nil)

// NewPopupView creates and registers a popup view. The extension must
// declare a browser action.
func NewPopupView(ext *extension.BrowserExtension, opts Options, registrar Registrar) (*PopupWebView, error) {
	if ext == nil || registrar == nil {
		return nil, errors.New("popup view needs an extension and a registrar")
	}
	if !ext.Manifest().HasBrowserAction() {
		return nil, bridge.ErrBrowserActionNotAvailable
	}
	b, err := newBase(bridge.OriginPopup, opts)
	if err != nil {
		return nil, err
	}
	v := &PopupWebView{base: b, ext: ext, registrar: registrar}
	if err := v.attachFrame(v, bridge.Frame{ID: 0, Main: true}); err != nil {
		return nil, err
	}
	registrar.RegisterPopupView(ext, v)
	return v, nil
}

func (v *PopupWebView) TabID() (uint64, bool) { return 0, false }

// Extension returns the extension the popup belongs to.
func (v *PopupWebView) Extension() *extension.BrowserExtension { return v.ext }

// PagePath is the bundle path of the popup document.
func (v *PopupWebView) PagePath() string { return v.ext.Manifest().BrowserActionPopup() }

// Teardown closes the popup and releases its listeners.
func (v *PopupWebView) Teardown() {
	if !v.beginTeardown() {
		return
	}
	v.registrar.UnregisterPopupView(v)
	if v.jsFrames != nil {
		v.jsFrames.Clear()
	}
}
