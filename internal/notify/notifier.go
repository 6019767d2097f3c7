package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
)

// DefaultPostTimeout bounds how long a notification may wait on a slow
// subscriber before it is dropped.
const DefaultPostTimeout = 2 * time.Second

// PopupClose is the payload of TopicBrowserActionToBeClosed.
type PopupClose struct {
	ExtensionID string
	ViewID      string
}

// ReloadRequest is the payload of TopicBackgroundReloadRequested.
type ReloadRequest struct {
	ExtensionID string
}

// Notifier publishes bridge signals on a Bus so the embedding shell can act
// on them.
type Notifier struct {
	bus     *Bus
	logger  *zap.Logger
	timeout time.Duration

	inflight sync.WaitGroup
}

var (
	_ bridge.Notifier           = (*Notifier)(nil)
	_ bridge.BackgroundReloader = (*Notifier)(nil)
)

// NewNotifier creates a Notifier posting on bus. A zero timeout uses
// DefaultPostTimeout.
func NewNotifier(bus *Bus, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultPostTimeout
	}
	return &Notifier{bus: bus, logger: logger.Named("notifier"), timeout: timeout}
}

// BrowserActionToBeClosed is called on the main loop, so it never waits on
// the bus there.
func (n *Notifier) BrowserActionToBeClosed(ext bridge.Extension, view bridge.WebView) {
	payload := PopupClose{ExtensionID: ext.ID(), ViewID: view.ID()}
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.bus.Post(ctx, TopicBrowserActionToBeClosed, payload); err != nil {
			n.logger.Warn("Dropped popup close notification",
				zap.String("extension", payload.ExtensionID), zap.Error(err))
		}
	}()
}

func (n *Notifier) ReloadBackground(ctx context.Context, extensionID string) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.bus.Post(ctx, TopicBackgroundReloadRequested, ReloadRequest{ExtensionID: extensionID}); err != nil {
		return fmt.Errorf("failed to request background reload of %s: %w", extensionID, err)
	}
	return nil
}

// Wait blocks until pending popup notifications have been posted or dropped.
func (n *Notifier) Wait() {
	n.inflight.Wait()
}
