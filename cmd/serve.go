package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chromedp/chromedp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/config"
	"github.com/xkilldash9x/extbridge/internal/engine"
	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/handlers"
	"github.com/xkilldash9x/extbridge/internal/jscontext"
	"github.com/xkilldash9x/extbridge/internal/nativehost"
	"github.com/xkilldash9x/extbridge/internal/notify"
	"github.com/xkilldash9x/extbridge/internal/observability"
	"github.com/xkilldash9x/extbridge/internal/storage"
	"github.com/xkilldash9x/extbridge/internal/webview"
)

// busBufferSize is the per-subscriber buffer of the notification bus.
const busBufferSize = 64

// newFs and the stdio streams are variables so tests can substitute them.
var (
	newFs            = afero.NewOsFs
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the native messaging host on stdin and stdout",
		Long: `serve speaks Chrome's native messaging protocol on stdin and stdout.
Log output goes to stderr and the configured log file; stdout carries frames only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if origin, _ := cmd.Flags().GetString("origin"); origin != "" {
				logger = logger.With(zap.String("origin", origin))
			}
			return runServe(ctx, cfg, stdin, stdout, newFs(), logger)
		},
	}
	serveCmd.Flags().String("extensions-dir", "", "directory of unpacked extensions (overrides config)")
	serveCmd.Flags().String("storage", "", "storage backend: memory, file or postgres (overrides config)")
	serveCmd.Flags().Bool("in-process-background", false, "run background pages on the embedded engine")
	serveCmd.Flags().String("devtools-url", "", "host background pages in the browser at this DevTools URL")
	serveCmd.Flags().String("origin", "", "calling extension origin, as passed by the browser")
	_ = serveCmd.Flags().MarkHidden("origin")
	return serveCmd
}

// serveComponents holds the initialized runtime.
type serveComponents struct {
	DBPool    *pgxpool.Pool
	Catalog   *extension.Catalog
	Loop      *engine.MainLoop
	Bus       *notify.Bus
	Notifier  *notify.Notifier
	Reporter  *notify.Reporter
	Thread    *jscontext.WebThread
	Board     *bridge.Switchboard
	Handlers  *handlers.Handlers
	Host      *nativehost.Host
	stopAlloc context.CancelFunc
}

// Shutdown stops the components in reverse dependency order. It is safe on a
// partially initialized set.
func (sc *serveComponents) Shutdown() {
	if sc.Board != nil {
		sc.Board.Close()
	}
	if sc.Loop != nil {
		sc.Loop.Stop()
	}
	if sc.Handlers != nil {
		sc.Handlers.Wait()
	}
	if sc.Notifier != nil {
		sc.Notifier.Wait()
	}
	if sc.Reporter != nil {
		sc.Reporter.Close()
	}
	if sc.Bus != nil {
		sc.Bus.Shutdown()
	}
	if sc.Thread != nil {
		sc.Thread.Stop()
	}
	if sc.stopAlloc != nil {
		sc.stopAlloc()
	}
	if sc.DBPool != nil {
		sc.DBPool.Close()
	}
}

// runServe wires the runtime around in and out and serves until in closes
// or ctx ends.
func runServe(ctx context.Context, cfg config.Interface, in io.Reader, out io.Writer, fs afero.Fs, logger *zap.Logger) error {
	components, err := initializeServeComponents(ctx, cfg, in, out, fs, logger)
	if components != nil {
		defer components.Shutdown()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	logger.Info("Serving native messaging host",
		zap.String("extensions_dir", cfg.Extensions().Dir),
		zap.String("storage", cfg.Storage().Backend),
		zap.Bool("in_process_background", cfg.NativeHost().InProcessBackground))
	return components.Host.Run(ctx)
}

// initializeServeComponents handles dependency injection. On error it returns
// whatever was built so far so the caller can shut it down.
func initializeServeComponents(ctx context.Context, cfg config.Interface, in io.Reader, out io.Writer, fs afero.Fs, logger *zap.Logger) (*serveComponents, error) {
	sc := &serveComponents{}
	bcfg := cfg.Bridge()

	// 1. Storage
	var pool storage.DBPool
	if cfg.Storage().Backend == config.StoragePostgres {
		p, err := pgxpool.New(ctx, cfg.Storage().DatabaseURL)
		if err != nil {
			return sc, fmt.Errorf("failed to connect to database: %w", err)
		}
		sc.DBPool = p
		pool = p
	}
	areas, err := storage.NewFactory(ctx, cfg.Storage(), fs, pool, logger)
	if err != nil {
		return sc, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// 2. Extensions
	catalog, err := extension.NewCatalog(fs, extension.CatalogOptions{
		GlobalScopeID: bcfg.GlobalScopeID,
		Locale:        cfg.Extensions().Locale,
		Areas:         areas,
	}, logger)
	if err != nil {
		return sc, fmt.Errorf("failed to create extension catalog: %w", err)
	}
	if ok, _ := afero.DirExists(fs, cfg.Extensions().Dir); ok {
		if _, err := catalog.LoadDir(cfg.Extensions().Dir); err != nil {
			return sc, err
		}
	} else {
		logger.Warn("Extensions directory does not exist", zap.String("dir", cfg.Extensions().Dir))
	}
	sc.Catalog = catalog

	// 3. Main loop and notifications
	sc.Loop = engine.NewMainLoop(logger, bcfg.MainQueueSize)
	sc.Loop.Start(ctx)

	sc.Bus = notify.NewBus(logger, busBufferSize)
	sc.Notifier = notify.NewNotifier(sc.Bus, notify.DefaultPostTimeout, logger)
	sc.Reporter = notify.NewReporter(cfg.Reporting(), notify.MultiSink{
		notify.LoggerSink{Logger: logger},
		notify.BusSink{Bus: sc.Bus},
	}, logger)
	sc.Reporter.Start(ctx)

	// 4. Bridge
	injector := bridge.NewInjector(bridge.InjectorConfig{
		CallbackObject:    bcfg.CallbackObject,
		CallbackFunction:  bcfg.CallbackFunction,
		EvaluationTimeout: bcfg.EvaluationTimeout,
	}, sc.Loop, sc.Notifier, logger)
	events := bridge.NewEventDispatcher(catalog, injector, logger)
	messages := bridge.NewMessageDispatcher(injector, bridge.NewResponseHandlers(), logger)
	dispatcher := bridge.NewDispatcher(logger)

	sc.Board, err = bridge.NewSwitchboard(bridge.SwitchboardOptions{
		Logger:     logger,
		Loop:       sc.Loop,
		Resolver:   catalog,
		Dispatcher: dispatcher,
		Results:    bridge.NewResultHandler(injector, sc.Reporter, logger),
		Localizer:  handlers.NewLocalizer(cfg.Extensions().Locale, logger),
		Notifier:   sc.Notifier,
	})
	if err != nil {
		return sc, err
	}

	// 5. Native host
	hostOpts := nativehost.Options{
		In:             in,
		Out:            out,
		MaxMessageSize: cfg.NativeHost().MaxMessageSize,
		Switchboard:    sc.Board,
		Catalog:        catalog,
		Events:         events,
		Bus:            sc.Bus,
		EntryPoint:     bcfg.EntryPoint,
		Logger:         logger,
	}
	switch nh := cfg.NativeHost(); {
	case nh.InProcessBackground:
		sc.Thread = jscontext.NewWebThread(logger)
		hostOpts.Thread = sc.Thread
	case nh.DevToolsURL != "":
		allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, nh.DevToolsURL)
		sc.stopAlloc = cancel
		hostOpts.BackgroundEvaluator = devtoolsPages(allocCtx, logger)
	}
	sc.Host, err = nativehost.NewHost(hostOpts)
	if err != nil {
		return sc, err
	}

	// 6. Command handlers
	sc.Handlers, err = handlers.NewHandlers(handlers.Options{
		Logger:   logger,
		Loop:     sc.Loop,
		Messages: messages,
		Events:   events,
		Browser:  sc.Host,
		Context:  ctx,
	})
	if err != nil {
		return sc, err
	}
	sc.Handlers.Register(dispatcher)

	return sc, nil
}

// devtoolsPages opens a browser tab per background page. The first Run binds
// the tab to tabCtx, so it carries no timeout of its own.
func devtoolsPages(allocCtx context.Context, logger *zap.Logger) func(string) (bridge.Evaluator, func(), error) {
	return func(viewID string) (bridge.Evaluator, func(), error) {
		tabCtx, cancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to open tab for %s: %w", viewID, err)
		}
		return webview.NewCDPEvaluator(tabCtx, logger.With(zap.String("view", viewID))), cancel, nil
	}
}
