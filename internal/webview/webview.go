// internal/webview/webview.go
//
// Package webview provides the concrete web views the bridge talks to: a tab's
// content view, an extension's background page, and its browser action popup.
// Each view carries either the remote transport (script evaluation with an
// async completion) or the legacy transport (in-process goja contexts on a
// dedicated web thread).
package webview

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/jscontext"
)

// ErrNoTransport is returned when a view is created without an evaluator or
// a web thread.
var ErrNoTransport = errors.New("web view needs an evaluator or a web thread")

// Registrar is the part of the switchboard that tracks live views.
type Registrar interface {
	RegisterContentView(view bridge.WebView)
	UnregisterContentView(view bridge.WebView)
	RegisterBackgroundView(ext bridge.Extension, view bridge.WebView)
	UnregisterBackgroundView(view bridge.WebView)
	RegisterPopupView(ext bridge.Extension, view bridge.WebView)
	UnregisterPopupView(view bridge.WebView)
}

// Options configures any view. Exactly one of Evaluator and Thread selects
// the transport; Thread wins if both are set.
type Options struct {
	ID        string
	Evaluator bridge.Evaluator
	Thread    *jscontext.WebThread
	// EntryPoint and Handler are installed into every legacy frame.
	EntryPoint string
	Handler    jscontext.MessageHandler
	Logger     *zap.Logger
}

// base is the state every view shares.
type base struct {
	id        string
	origin    bridge.Origin
	life      *bridge.Lifetime
	ignoreAll atomic.Bool
	transport bridge.Transport

	thread     *jscontext.WebThread
	jsFrames   *jscontext.Frames
	entryPoint string
	handler    jscontext.MessageHandler
	logger     *zap.Logger
}

func newBase(origin bridge.Origin, opts Options) (*base, error) {
	if opts.ID == "" {
		return nil, errors.New("web view id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &base{
		id:         opts.ID,
		origin:     origin,
		life:       bridge.NewLifetime(),
		entryPoint: opts.EntryPoint,
		handler:    opts.Handler,
		logger:     logger.Named("webview").With(zap.String("view", opts.ID), zap.Stringer("origin", origin)),
	}
	switch {
	case opts.Thread != nil:
		b.thread = opts.Thread
		b.jsFrames = jscontext.NewFrames()
		b.transport = bridge.Transport{Kind: bridge.TransportLegacy, Thread: opts.Thread, Contexts: b.jsFrames}
	case opts.Evaluator != nil:
		b.transport = bridge.Transport{Kind: bridge.TransportRemote, Evaluator: opts.Evaluator}
	default:
		return nil, ErrNoTransport
	}
	return b, nil
}

func (b *base) ID() string                  { return b.id }
func (b *base) Origin() bridge.Origin       { return b.origin }
func (b *base) Lifetime() *bridge.Lifetime  { return b.life }
func (b *base) Transport() bridge.Transport { return b.transport }
func (b *base) IgnoreAllRequests() bool     { return b.ignoreAll.Load() }

// beginTeardown refuses new commands and invalidates every callback bound to
// the view. It reports false if teardown already happened.
func (b *base) beginTeardown() bool {
	if b.ignoreAll.Swap(true) {
		return false
	}
	b.life.Invalidate()
	return true
}

// attachFrame creates the JS context of a legacy frame. It is a no-op on the
// remote transport.
func (b *base) attachFrame(view bridge.WebView, frame bridge.Frame) error {
	if b.thread == nil {
		return nil
	}
	b.jsFrames.Attach(frame.ID)
	var (
		fc  *jscontext.FrameContext
		err error
	)
	if doErr := b.thread.Do(func() {
		fc, err = jscontext.NewFrameContext(jscontext.FrameOptions{
			Frame:      frame,
			View:       view,
			EntryPoint: b.entryPoint,
			Handler:    b.handler,
			Logger:     b.logger,
		})
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return fmt.Errorf("failed to create JS context for frame %d: %w", frame.ID, err)
	}
	b.jsFrames.Set(fc)
	return nil
}

// runScript evaluates src in a frame without waiting for it. Failures are
// logged.
func (b *base) runScript(frameID uint64, name, src string) {
	fail := func(err error) {
		b.logger.Warn("Script injection failed", zap.String("script", name), zap.Uint64("frame_id", frameID), zap.Error(err))
	}
	switch b.transport.Kind {
	case bridge.TransportLegacy:
		posted := b.thread.Post(func() {
			fc, err := b.jsFrames.Context(frameID)
			if err != nil {
				fail(err)
				return
			}
			if _, err := fc.RunScript(context.Background(), name, src); err != nil {
				fail(err)
			}
		})
		if !posted {
			fail(jscontext.ErrThreadStopped)
		}
	case bridge.TransportRemote:
		b.transport.Evaluator.EvaluateJavaScript(context.Background(), src, func(_ any, err error) {
			if err != nil {
				fail(err)
			}
		})
	}
}
