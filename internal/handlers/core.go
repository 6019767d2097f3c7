package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

const aboutBlank = "about:blank"

// BrowserControl is the host browser's tab management.
type BrowserControl interface {
	// OpenTab shows u in a new tab opened from source.
	OpenTab(ctx context.Context, source bridge.WebView, frame bridge.Frame, u *url.URL) error
	// OpenExternal hands a non-web URL (mailto: and the like) to the system.
	OpenExternal(ctx context.Context, u *url.URL) error
	CloseTab(ctx context.Context, tabID uint64) error
}

// ErrNoBrowserControl is returned by core.open and core.close when the host
// did not provide tab management.
var ErrNoBrowserControl = errors.New("browser control is not available")

type openParams struct {
	URL string `json:"url"`
}

// coreLog is the single argument form: the message is logged at info.
func (h *Handlers) coreLog(call *bridge.Call, message any) (any, error) {
	if message == nil {
		h.log.Error("Script logged a malformed message", zap.String("extension", call.Extension.ID()))
		return nil, nil
	}
	h.scriptLog(call, zapcore.InfoLevel, message)
	return nil, nil
}

func (h *Handlers) coreLogLevel(call *bridge.Call, level string, message any) (any, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil || lvl > zapcore.ErrorLevel {
		lvl = zapcore.InfoLevel
	}
	h.scriptLog(call, lvl, message)
	return nil, nil
}

func (h *Handlers) scriptLog(call *bridge.Call, lvl zapcore.Level, message any) {
	fields := []zap.Field{
		zap.String("extension", call.Extension.ID()),
		zap.Any("message", message),
	}
	if call.Source != nil {
		fields = append(fields, zap.Stringer("origin", call.Source.Origin()))
		if tab, ok := call.TabID(); ok {
			fields = append(fields, zap.Uint64("tab_id", tab))
		}
	}
	if ce := h.log.Check(lvl, "Script log"); ce != nil {
		ce.Write(fields...)
	}
}

// coreOpen implements window.open. Relative URLs resolve against the
// calling frame; an empty URL opens about:blank.
func (h *Handlers) coreOpen(call *bridge.Call, params *openParams) (any, error) {
	if h.browser == nil {
		return nil, ErrNoBrowserControl
	}
	raw := aboutBlank
	if params != nil && params.URL != "" {
		raw = params.URL
	}
	target, err := resolveURL(call.Frame.URL, raw)
	if err != nil {
		return nil, fmt.Errorf("window.open invalid URL %s: %w", raw, err)
	}
	switch {
	case raw == aboutBlank, target.Scheme == "http", target.Scheme == "https":
		return nil, h.browser.OpenTab(h.ctx, call.Source, call.Frame, target)
	case target.Scheme == "":
		return nil, fmt.Errorf("window.open invalid URL %s", raw)
	default:
		return nil, h.browser.OpenExternal(h.ctx, target)
	}
}

// coreClose implements window.close for the main frame of a tab.
func (h *Handlers) coreClose(call *bridge.Call) (any, error) {
	if h.browser == nil {
		return nil, ErrNoBrowserControl
	}
	if call.Source == nil || call.Source.Origin() != bridge.OriginContent {
		return nil, errors.New("only content scripts may close their tab")
	}
	if !call.Frame.Main {
		return nil, errors.New("only the main frame may close its tab")
	}
	tab, ok := call.TabID()
	if !ok {
		return nil, errors.New("calling view has no tab")
	}
	return nil, h.browser.CloseTab(h.ctx, tab)
}

func resolveURL(base, ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if base == "" {
		return r, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return r, nil
	}
	return b.ResolveReference(r), nil
}
