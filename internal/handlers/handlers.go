// File: internal/handlers/handlers.go
package handlers

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/storage"
)

// Command names served by this package.
const (
	CommandListenerAdd     = "listenerStorage.add"
	CommandListenerRemove  = "listenerStorage.remove"
	CommandStorageGet      = "storage.get"
	CommandStorageSet      = "storage.set"
	CommandStorageRemove   = "storage.remove"
	CommandStorageClear    = "storage.clear"
	CommandRuntimeSend     = "runtime.sendMessage"
	CommandRuntimeManifest = "runtime.getManifest"
	CommandTabsSend        = "tabs.sendMessage"
	CommandCoreResponse    = "core.response"
	CommandCoreLog         = "core.log"
)

// The extension capabilities handlers rely on beyond bridge.Extension.
type (
	storageOwner interface {
		Storage() storage.Area
	}
	manifestOwner interface {
		Manifest() *extension.Manifest
	}
	translator interface {
		Message(key string, subs []string) (string, bool)
		UILocale() string
	}
)

// Options wires the collaborators of Handlers.
type Options struct {
	Logger   *zap.Logger
	Loop     bridge.Loop
	Messages *bridge.MessageDispatcher
	Events   *bridge.EventDispatcher
	// Browser opens and closes tabs for core.open and core.close. Optional.
	Browser BrowserControl
	// Context bounds storage I/O. Defaults to context.Background.
	Context context.Context
}

// Handlers implements the native side of the chrome.* commands scripts send.
type Handlers struct {
	log      *zap.Logger
	loop     bridge.Loop
	messages *bridge.MessageDispatcher
	events   *bridge.EventDispatcher
	browser  BrowserControl
	ctx      context.Context

	inflight sync.WaitGroup
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(opts Options) (*Handlers, error) {
	if opts.Loop == nil || opts.Messages == nil || opts.Events == nil {
		return nil, errors.New("handlers require a loop, a message dispatcher and an event dispatcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Handlers{
		log:      logger.Named("handlers"),
		loop:     opts.Loop,
		messages: opts.Messages,
		events:   opts.Events,
		browser:  opts.Browser,
		ctx:      ctx,
	}, nil
}

// Register installs every command on d.
func (h *Handlers) Register(d *bridge.Dispatcher) {
	d.Register(CommandListenerAdd,
		bridge.Sync3(h.addListener),
	)
	d.Register(CommandListenerRemove, bridge.Sync1(h.removeListener))

	// Overload order matters: null and arrays decode as []string, so they
	// must be tried before the string and object forms.
	d.Register(CommandStorageGet,
		bridge.Async1(h.storageGetKeys),
		bridge.Async1(h.storageGetKey),
		bridge.Async1(h.storageGetDefaults),
	)
	d.Register(CommandStorageSet, bridge.Async1(h.storageSet))
	d.Register(CommandStorageRemove,
		bridge.Async1(h.storageRemoveKeys),
		bridge.Async1(h.storageRemoveKey),
	)
	d.Register(CommandStorageClear, bridge.Async0(h.storageClear))

	d.Register(CommandRuntimeSend,
		bridge.Async1(h.runtimeSendMessage),
		bridge.Async2(h.runtimeSendMessageTo),
	)
	d.Register(CommandTabsSend, bridge.Async2(h.tabsSendMessage))
	d.Register(CommandCoreResponse, bridge.Sync2(h.coreResponse))
	d.Register(CommandRuntimeManifest, bridge.Sync0(h.getManifest))

	d.Register(CommandCoreLog,
		bridge.Sync1(h.coreLog),
		bridge.Sync2(h.coreLogLevel),
	)
	d.Register(bridge.CommandOpen, bridge.Sync1(h.coreOpen))
	d.Register(bridge.CommandClose, bridge.Sync0(h.coreClose))
}

// Wait blocks until background storage operations have completed.
func (h *Handlers) Wait() {
	h.inflight.Wait()
}

// goAsync runs fn off the main loop and completes done with its result.
func (h *Handlers) goAsync(done bridge.Completion, fn func(ctx context.Context) (any, error)) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		v, err := fn(h.ctx)
		if err != nil {
			done(bridge.Failure(err))
			return
		}
		done(bridge.Success(v))
	}()
}
