// internal/nativehost/host.go
package nativehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/handlers"
	"github.com/xkilldash9x/extbridge/internal/jscontext"
	"github.com/xkilldash9x/extbridge/internal/notify"
	"github.com/xkilldash9x/extbridge/internal/webview"
	"github.com/xkilldash9x/extbridge/internal/wire"
)

// tabEventTimeout bounds how long a content event waits for every listener
// to acknowledge.
const tabEventTimeout = 10 * time.Second

// Switchboard is what the host needs from bridge.Switchboard.
type Switchboard interface {
	webview.Registrar
	jscontext.MessageHandler
	View(id string) (bridge.WebView, bool)
}

// Events is what the host needs from bridge.EventDispatcher.
type Events interface {
	DispatchToExtension(ext bridge.Extension, event bridge.EventType, payload any) int
	DispatchGlobal(event bridge.EventType, payload any) int
	DispatchNavigation(ext bridge.Extension, event bridge.EventType, u *url.URL, resourceType string, payload any) int
	DispatchToTab(ctx context.Context, ext bridge.Extension, event bridge.EventType, tabID uint64, payload any, done func([]bridge.Result))
}

// Options wires a Host.
type Options struct {
	In             io.Reader
	Out            io.Writer
	MaxMessageSize int

	Switchboard Switchboard
	Catalog     *extension.Catalog
	Events      Events
	// Bus, if set, is forwarded to the relay as closePopup, reloadBackground
	// and critical notices.
	Bus *notify.Bus

	EntryPoint string
	// Thread, if set, hosts background pages in process instead of in the
	// relay.
	Thread *jscontext.WebThread
	// BackgroundEvaluator, if set and Thread is not, supplies the evaluator
	// of each background page. release runs when the page closes.
	BackgroundEvaluator func(viewID string) (ev bridge.Evaluator, release func(), err error)
	Logger *zap.Logger
}

// hostedView is a view the host created and must tear down.
type hostedView interface {
	bridge.WebView
	Teardown()
}

type hosted struct {
	view    hostedView
	release func()
}

func (h hosted) close() {
	h.view.Teardown()
	if h.release != nil {
		h.release()
	}
}

// Host speaks the native messaging protocol on a pair of streams. It owns
// the views the relay opens and evaluates scripts in them on the relay's
// behalf.
type Host struct {
	opts      Options
	out       *frameWriter
	evaluator *RemoteEvaluator
	logger    *zap.Logger

	mu    sync.Mutex
	views map[string]hosted
}

var _ handlers.BrowserControl = (*Host)(nil)

// NewHost validates opts. The host does nothing until Run.
func NewHost(opts Options) (*Host, error) {
	if opts.In == nil || opts.Out == nil {
		return nil, errors.New("native host requires input and output streams")
	}
	if opts.Switchboard == nil || opts.Catalog == nil {
		return nil, errors.New("native host requires a switchboard and a catalog")
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = wire.DefaultMaxFrameSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("native_host")
	out := &frameWriter{w: opts.Out, max: opts.MaxMessageSize}
	return &Host{
		opts:      opts,
		out:       out,
		evaluator: newRemoteEvaluator(out, logger),
		logger:    logger,
		views:     make(map[string]hosted),
	}, nil
}

// Evaluator returns the evaluator views opened by the relay use.
func (h *Host) Evaluator() *RemoteEvaluator { return h.evaluator }

// Run serves until the input closes or ctx ends. On return every hosted view
// has been torn down and pending evaluations have failed with ErrHostClosed.
// A clean end of input returns nil.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stopped := make(chan struct{})
	defer close(stopped)
	go h.readFrames(frames, readErr, stopped)

	if h.opts.Bus != nil {
		// The subscription is left open; Bus.Shutdown drains it.
		ch, _ := h.opts.Bus.Subscribe(notify.TopicBrowserActionToBeClosed, notify.TopicBackgroundReloadRequested, notify.TopicCriticalError)
		g.Go(func() error { return h.forward(gctx, ch) })
	}
	g.Go(func() error { return h.serve(gctx, frames, readErr) })

	h.logger.Info("Native host started")
	err := g.Wait()
	h.shutdown()

	if errors.Is(err, errInputClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errInputClosed = errors.New("input closed")

// readFrames blocks on the input stream, which cannot be interrupted, so it
// runs outside the errgroup. It exits once the input closes.
func (h *Host) readFrames(frames chan<- []byte, errc chan<- error, stopped <-chan struct{}) {
	for {
		b, err := wire.ReadFrame(h.opts.In, h.opts.MaxMessageSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = errInputClosed
			}
			errc <- err
			return
		}
		select {
		case frames <- b:
		case <-stopped:
			return
		}
	}
}

func (h *Host) serve(ctx context.Context, frames <-chan []byte, errc <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if !errors.Is(err, errInputClosed) {
				h.logger.Error("Native messaging input failed", zap.Error(err))
			}
			return err
		case b := <-frames:
			var msg Inbound
			if err := wire.JSON.Unmarshal(b, &msg); err != nil {
				h.logger.Warn("Dropping undecodable frame", zap.Error(err))
				h.notice(hostNotice{Type: TypeError, Error: fmt.Sprintf("undecodable frame: %v", err)})
				continue
			}
			if err := h.handle(ctx, &msg); err != nil {
				h.logger.Warn("Inbound message failed", zap.String("type", msg.Type), zap.String("view", msg.ViewID), zap.Error(err))
				h.notice(hostNotice{Type: TypeError, ViewID: msg.ViewID, Command: msg.Type, Error: err.Error()})
			}
		}
	}
}

func (h *Host) handle(ctx context.Context, msg *Inbound) error {
	switch msg.Type {
	case TypeMessage:
		return h.handleMessage(msg)
	case TypeEvaluateResult:
		h.evaluator.Resolve(msg)
		return nil
	case TypeOpenView:
		return h.openView(msg)
	case TypeCloseView:
		return h.closeView(msg.ViewID)
	case TypeFrameCreated:
		v, err := h.contentView(msg.ViewID)
		if err != nil {
			return err
		}
		return v.FrameCreated(bridge.Frame{ID: msg.FrameID, URL: msg.URL, Main: msg.Main})
	case TypeFrameRemoved:
		v, err := h.contentView(msg.ViewID)
		if err != nil {
			return err
		}
		v.FrameRemoved(msg.FrameID)
		return nil
	case TypeEvent:
		return h.dispatchEvent(ctx, msg)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (h *Host) handleMessage(msg *Inbound) error {
	view, ok := h.opts.Switchboard.View(msg.ViewID)
	if !ok {
		return fmt.Errorf("unknown view %q", msg.ViewID)
	}
	frame := bridge.Frame{ID: msg.FrameID, URL: msg.URL, Main: msg.FrameID == 0}
	result, handled := h.opts.Switchboard.HandleBody(view, frame, msg.Body)
	if msg.ID != "" && handled {
		return h.out.write(response{Type: TypeResponse, ID: msg.ID, Result: result})
	}
	return nil
}

func (h *Host) openView(msg *Inbound) error {
	if msg.ViewID == "" {
		return errors.New("openView requires a view id")
	}
	h.mu.Lock()
	_, exists := h.views[msg.ViewID]
	h.mu.Unlock()
	if exists {
		return fmt.Errorf("view %q is already open", msg.ViewID)
	}

	opts := webview.Options{
		ID:         msg.ViewID,
		Evaluator:  h.evaluator.ForView(msg.ViewID),
		EntryPoint: h.opts.EntryPoint,
		Handler:    h.opts.Switchboard,
		Logger:     h.logger,
	}

	var (
		view    hostedView
		release func()
	)
	switch msg.Kind {
	case KindContent:
		v, err := webview.NewContentView(msg.TabID, opts, h.opts.Switchboard, h.opts.Catalog)
		if err != nil {
			return err
		}
		view = v
	case KindBackground:
		ext, err := h.extension(msg.ExtensionID)
		if err != nil {
			return err
		}
		switch {
		case h.opts.Thread != nil:
			opts.Thread = h.opts.Thread
		case h.opts.BackgroundEvaluator != nil:
			ev, rel, err := h.opts.BackgroundEvaluator(msg.ViewID)
			if err != nil {
				return fmt.Errorf("failed to host background page: %w", err)
			}
			opts.Evaluator, release = ev, rel
		}
		v, err := webview.NewBackgroundView(ext, opts, h.opts.Switchboard)
		if err == nil {
			err = v.Start()
			if err != nil {
				v.Teardown()
			}
		}
		if err != nil {
			if release != nil {
				release()
			}
			return err
		}
		view = v
	case KindPopup:
		ext, err := h.extension(msg.ExtensionID)
		if err != nil {
			return err
		}
		v, err := webview.NewPopupView(ext, opts, h.opts.Switchboard)
		if err != nil {
			return err
		}
		view = v
	default:
		return fmt.Errorf("unknown view kind %q", msg.Kind)
	}

	h.mu.Lock()
	h.views[msg.ViewID] = hosted{view: view, release: release}
	h.mu.Unlock()
	h.logger.Debug("View opened", zap.String("view", msg.ViewID), zap.String("kind", msg.Kind))
	return nil
}

func (h *Host) closeView(id string) error {
	h.mu.Lock()
	v, ok := h.views[id]
	delete(h.views, id)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown view %q", id)
	}
	v.close()
	h.logger.Debug("View closed", zap.String("view", id))
	return nil
}

func (h *Host) contentView(id string) (*webview.ContentWebView, error) {
	h.mu.Lock()
	v, ok := h.views[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown view %q", id)
	}
	cv, ok := v.view.(*webview.ContentWebView)
	if !ok {
		return nil, fmt.Errorf("view %q is not a content view", id)
	}
	return cv, nil
}

func (h *Host) extension(id string) (*extension.BrowserExtension, error) {
	ext, ok := h.opts.Catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", id)
	}
	return ext, nil
}

// targets returns the extension named by id, or every loaded extension and
// the global scope.
func (h *Host) targets(id string) ([]bridge.Extension, error) {
	if id == "" {
		return bridge.Scopes(h.opts.Catalog), nil
	}
	ext, ok := h.opts.Catalog.Extension(id)
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", id)
	}
	return []bridge.Extension{ext}, nil
}

// dispatchEvent routes a native event. Navigation events are filtered by
// URL, fulltext events go to the content listeners of a tab, and the rest go
// to background and popup listeners.
func (h *Host) dispatchEvent(ctx context.Context, msg *Inbound) error {
	if h.opts.Events == nil {
		return errors.New("event dispatch is not configured")
	}
	event := bridge.ParseEventType(msg.Event)
	if event == bridge.EventUndefined {
		return fmt.Errorf("unknown event %q", msg.Event)
	}
	exts, err := h.targets(msg.ExtensionID)
	if err != nil {
		return err
	}

	switch {
	case event.IsWebNavigation() || event.IsWebRequest():
		u, err := url.Parse(msg.URL)
		if err != nil || msg.URL == "" {
			return fmt.Errorf("%s requires a valid url", event)
		}
		n := 0
		for _, ext := range exts {
			n += h.opts.Events.DispatchNavigation(ext, event, u, msg.ResourceType, msg.Payload)
		}
		h.logger.Debug("Navigation event dispatched", zap.Stringer("event", event), zap.Int("listeners", n))
	case event.IsFulltext():
		if msg.TabID == 0 {
			return fmt.Errorf("%s requires a tab id", event)
		}
		h.dispatchToTab(ctx, msg, event, exts)
	case msg.ExtensionID != "":
		h.opts.Events.DispatchToExtension(exts[0], event, msg.Payload)
	default:
		h.opts.Events.DispatchGlobal(event, msg.Payload)
	}
	return nil
}

// dispatchToTab fans a content event out to every target extension. If the
// relay asked for a reply, it receives the listeners' acknowledgments once
// all have answered or the timeout passes.
func (h *Host) dispatchToTab(ctx context.Context, msg *Inbound, event bridge.EventType, exts []bridge.Extension) {
	tctx, cancel := context.WithTimeout(ctx, tabEventTimeout)
	collector := bridge.NewResultCollector(func(results []bridge.Result) {
		cancel()
		if msg.ID == "" {
			return
		}
		if err := h.out.write(response{Type: TypeResponse, ID: msg.ID, Result: encodeResults(results)}); err != nil {
			h.logger.Warn("Failed to send event results", zap.Error(err))
		}
	})
	for _, ext := range exts {
		slot := collector.Add()
		h.opts.Events.DispatchToTab(tctx, ext, event, msg.TabID, msg.Payload, func(results []bridge.Result) {
			slot(bridge.Success(encodeResults(results)))
		})
	}
	collector.Seal()
	collector.FlushOn(tctx)
}

// encodeResults flattens results for the wire. Nested slices from
// dispatchToTab arrive already encoded.
func encodeResults(results []bridge.Result) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			out = append(out, map[string]any{"error": r.Err.Error()})
			continue
		}
		out = append(out, map[string]any{"result": r.Value})
	}
	return out
}

// forward relays bus notifications. Messages are acknowledged after they are
// written so the bus can shut down cleanly.
func (h *Host) forward(ctx context.Context, ch <-chan notify.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.forwardOne(msg)
			h.opts.Bus.Acknowledge(msg)
		}
	}
}

func (h *Host) forwardOne(msg notify.Message) {
	switch p := msg.Payload.(type) {
	case notify.PopupClose:
		h.notice(hostNotice{Type: TypeClosePopup, ExtensionID: p.ExtensionID, ViewID: p.ViewID})
	case notify.ReloadRequest:
		h.notice(hostNotice{Type: TypeReloadBackground, ExtensionID: p.ExtensionID})
	case notify.Report:
		h.notice(hostNotice{Type: TypeCritical, Command: p.Command, Error: p.Error})
	default:
		h.logger.Debug("Ignoring bus message", zap.String("topic", string(msg.Topic)))
	}
}

func (h *Host) notice(n hostNotice) {
	if err := h.out.write(n); err != nil {
		h.logger.Warn("Failed to send notice", zap.String("type", n.Type), zap.Error(err))
	}
}

func (h *Host) shutdown() {
	h.mu.Lock()
	views := h.views
	h.views = make(map[string]hosted)
	h.mu.Unlock()
	for _, v := range views {
		v.close()
	}
	h.evaluator.Close()
	h.logger.Info("Native host stopped", zap.Int("views", len(views)))
}

// OpenTab asks the relay to open u in a new tab.
func (h *Host) OpenTab(_ context.Context, source bridge.WebView, frame bridge.Frame, u *url.URL) error {
	req := tabRequest{Type: TypeOpenTab, URL: u.String(), FrameID: frame.ID}
	if source != nil {
		req.SourceViewID = source.ID()
	}
	return h.out.write(req)
}

// OpenExternal asks the relay to hand u to the system.
func (h *Host) OpenExternal(_ context.Context, u *url.URL) error {
	return h.out.write(tabRequest{Type: TypeOpenExternal, URL: u.String()})
}

// CloseTab asks the relay to close a tab.
func (h *Host) CloseTab(_ context.Context, tabID uint64) error {
	return h.out.write(tabRequest{Type: TypeCloseTab, TabID: tabID})
}

// frameWriter serializes frames onto the output stream.
type frameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

func (f *frameWriter) write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wire.WriteFrame(f.w, v, f.max)
}
