package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/anujsainicse/scalper-sub000/config"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/binanceclient"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/httpapi"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/logger"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/notify"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/redisstore"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/sqlite"
	"github.com/anujsainicse/scalper-sub000/internal/adapters/wshub"
	"github.com/anujsainicse/scalper-sub000/internal/app"
	"github.com/anujsainicse/scalper-sub000/internal/bridge"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "scalper",
		Short:         "Limit-order scalping engine",
		Long:          `Runs buy/sell scalping cycles for configured bots, reacting to order fills streamed from the exchange.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newBotCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime holds the collaborators shared by every command.
type runtime struct {
	cfg      *config.Config
	logger   *logger.LogrusLogger
	repo     *sqlite.Repository
	exchange *binanceclient.Client
	notifier *notify.Dispatcher
	hub      *wshub.Hub
}

func setup(withHub bool) (*runtime, error) {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewLogrusLogger(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		return nil, err
	}
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:             cfg.APIKey,
		SecretKey:          cfg.SecretKey,
		UseTestnet:         cfg.IsTestnet,
		Logger:             appLogger,
		RequestTimeout:     cfg.CallTimeout,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})
	if err != nil {
		_ = repo.Close()
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		return nil, err
	}

	// 5. Notifications
	rt := &runtime{cfg: cfg, logger: appLogger, repo: repo, exchange: exchange}
	if withHub {
		rt.hub = wshub.NewHub(appLogger)
	}
	var sender notify.Sender
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{Token: cfg.TelegramBotToken, ChatIDs: cfg.TelegramChatIDs})
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		sender = tg
		appLogger.Info(ctx, "Telegram notifications enabled", map[string]interface{}{"chats": len(cfg.TelegramChatIDs)})
	}
	ncfg := notify.Config{Logger: appLogger, Activity: repo, Sender: sender}
	if rt.hub != nil {
		ncfg.Broadcaster = rt.hub
	}
	rt.notifier, err = notify.NewDispatcher(ncfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) newEngine() (*app.Engine, error) {
	cfg := app.EngineConfig{
		Logger:          rt.logger,
		Exchange:        rt.exchange,
		Bots:            rt.repo,
		Orders:          rt.repo,
		Notifier:        rt.notifier,
		MaxWorkers:      rt.cfg.ReconcileMaxWorkers,
		CallTimeout:     rt.cfg.CallTimeout,
		DefaultLeverage: rt.cfg.DefaultLeverage,
	}
	if rt.hub != nil {
		cfg.Broadcaster = rt.hub
	}
	return app.NewEngine(cfg)
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rt.notifier.Close(ctx); err != nil {
		rt.logger.Warn(ctx, "Pending notifications were not delivered", map[string]interface{}{"error": err.Error()})
	}
	if err := rt.repo.Close(); err != nil {
		rt.logger.Error(ctx, err, "Error closing database repository")
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the event stream and the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(true)
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(parent context.Context, rt *runtime) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	cfg, log := rt.cfg, rt.logger

	engine, err := rt.newEngine()
	if err != nil {
		return err
	}

	// Event dedup: shared Redis keys survive restarts, memory is per process.
	var dedup ports.DedupStore = bridge.NewMemoryDedup(cfg.DedupTTL, 0)
	if cfg.RedisURL != "" {
		store, err := redisstore.Open(ctx, cfg.RedisURL, cfg.DedupTTL)
		if err != nil {
			log.Error(ctx, err, "Failed to connect to Redis for event dedup")
			return err
		}
		defer store.Close()
		dedup = store
		log.Info(ctx, "Redis event dedup enabled")
	}

	br, err := bridge.New(bridge.Config{
		Transport:            binanceclient.NewUserStream(rt.exchange, cfg.ListenKeyKeepAlive),
		Dedup:                dedup,
		Logger:               log,
		MinBackoff:           cfg.ReconnectDelay,
		MaxBackoff:           cfg.MaxReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		return err
	}

	sweeper, err := app.NewSweeper(app.SweeperConfig{
		Logger:      log,
		Exchange:    rt.exchange,
		Bots:        rt.repo,
		Orders:      rt.repo,
		Notifier:    rt.notifier,
		Interval:    cfg.SweepInterval,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return err
	}

	svc, err := app.NewService(app.ServiceConfig{
		Logger:      log,
		Exchange:    rt.exchange,
		Engine:      engine,
		Stream:      br,
		Sweeper:     sweeper,
		Broadcaster: rt.hub,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Logger:    log,
			Bots:      engine,
			Activity:  rt.repo,
			WebSocket: rt.hub.ServeWS,
			Healthy:   br.Healthy,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go rt.hub.Run(ctx)
	go func() {
		log.Info(ctx, "HTTP API listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, err, "HTTP server failed")
			cancel()
		}
	}()

	runErr := svc.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "HTTP server did not shut down cleanly", map[string]interface{}{"error": err.Error()})
	}
	cancel()
	return runErr
}
