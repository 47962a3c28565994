package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flowtrace/internal/api"
	"flowtrace/internal/config"
	"flowtrace/internal/exchanges"
	"flowtrace/internal/ingestor"
	"flowtrace/internal/ipc"
	"flowtrace/internal/metrics"
	"flowtrace/internal/publisher"
	"flowtrace/internal/router"
	"flowtrace/internal/supervisor"
	"flowtrace/internal/symbols"
	"flowtrace/internal/worker"
	"flowtrace/pkg/broadcaster"
)

// Flowtrace is the pipeline process: ingestor, router, worker pool and the
// API facade in one event-driven binary. The persistence service runs
// separately as flowtraced.
type Flowtrace struct {
	config      *config.Config
	logger      *zap.Logger
	sup         *supervisor.Supervisor
	rt          *router.Router
	ing         *ingestor.Ingestor
	apiServer   *api.Server
	metrics     *metrics.Metrics
	pub         *publisher.RedisPublisher
	broadcaster *broadcaster.Broadcaster
	apiStore    *ipc.Client
	redisClient *redis.Client
	registry    *symbols.Registry

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app := &Flowtrace{}

	if err := app.initialize(); err != nil {
		fmt.Printf("failed to initialize flowtrace: %v\n", err)
		os.Exit(1)
	}
	if err := app.start(); err != nil {
		fmt.Printf("failed to start flowtrace: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}
}

func (app *Flowtrace) initialize() error {
	var err error

	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.logger, err = setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	app.config, err = loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.logger.Info("configuration loaded",
		zap.Int("exchanges", len(app.config.EnabledExchanges())),
		zap.Int("workers", app.config.Workers.Count),
		zap.String("socket", app.config.IPC.SocketPath))

	if app.config.Redis.Enabled {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     app.config.RedisAddr(),
			Password: app.config.Redis.Password,
			DB:       app.config.Redis.DB,
			PoolSize: app.config.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(app.ctx, 5*time.Second)
		err := app.redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			app.logger.Warn("redis unreachable, continuing with local fan-out only", zap.Error(err))
			app.redisClient = nil
		}
	}

	app.broadcaster = broadcaster.New(app.logger)
	app.pub = publisher.New(app.redisClient, app.broadcaster, app.logger)
	app.metrics = metrics.New(app.logger)

	app.registry = buildRegistry(app.config)

	registry := app.registry
	workerCfg := worker.Config{
		Ticks: func(exchange, symbol string) (float64, int64) {
			if s := registry.Get(exchange, symbol); s != nil {
				return s.TickValue, s.BinMultiplier
			}
			return 0, 0
		},
		FlushInterval:   app.config.StateFlushInterval(),
		BatchSize:       app.config.State.BatchSize,
		StateTimeout:    app.config.StateTimeout(),
		GapTimeout:      app.config.GapTimeout(),
		StateMaxRetries: app.config.IPC.StateMaxRetries,
		GapMaxRetries:   app.config.IPC.GapMaxRetries,
		MaxQueue:        app.config.Workers.MaxQueue,
	}
	socketPath := app.config.IPC.SocketPath
	storeFactory := func() *ipc.Client {
		return ipc.NewClient(ipc.ClientConfig{SocketPath: socketPath}, app.logger)
	}
	app.sup = supervisor.NewSupervisor(supervisor.Config{
		NumWorkers:   app.config.Workers.Count,
		ReadyTimeout: time.Duration(app.config.Workers.ReadyTimeoutMS) * time.Millisecond,
		Worker:       workerCfg,
	}, storeFactory, app.pub, app.logger)

	app.rt = router.NewRouter(app.sup.Ring(), app.sup, app.logger)

	rotation := exchanges.RotationConfig{
		Enabled:       app.config.Rotation.Enabled,
		TriggerAfter:  app.config.RotationTrigger(),
		Overlap:       app.config.RotationOverlap(),
		RetryInterval: app.config.RotationRetry(),
	}
	feeds := make([]ingestor.ExchangeFeed, 0, len(app.config.EnabledExchanges()))
	for _, ex := range app.config.EnabledExchanges() {
		feeds = append(feeds, ingestor.ExchangeFeed{
			Name:     ex.Name,
			WSURL:    ex.WebSocketURL,
			Symbols:  ex.Symbols,
			Rotation: rotation,
		})
	}
	app.ing = ingestor.New(ingestor.Config{Feeds: feeds}, app.rt, app.metrics, app.logger)

	app.apiStore = storeFactory()
	app.apiStore.Run()
	app.apiServer = api.New(app.apiStore, app.sup, app.ing, app.pub, app.broadcaster, app.registry, app.logger)

	app.logger.Info("core components initialized")
	return nil
}

func setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

// buildRegistry seeds the symbol registry from the config's per-symbol
// metadata, one entry per enabled (exchange, symbol) pair, and activates the
// admin-enabled ones.
func buildRegistry(cfg *config.Config) *symbols.Registry {
	registry := symbols.NewRegistry()
	for _, ex := range cfg.EnabledExchanges() {
		for _, sym := range ex.Symbols {
			sc := cfg.Symbols[sym]
			entry := &symbols.Symbol{
				Exchange:          ex.Name,
				Symbol:            sym,
				TickValue:         sc.TickValue,
				BinMultiplier:     sc.BinMultiplier,
				PricePrecision:    sc.PricePrecision,
				QuantityPrecision: sc.QuantityPrecision,
				Status:            symbols.StatusInactive,
				EnabledByAdmin:    sc.Enabled,
			}
			switch ex.Name {
			case "binance":
				entry.Meta.Binance = &symbols.BinanceMeta{Status: "TRADING"}
			case "bybit":
				entry.Meta.Bybit = &symbols.BybitMeta{Status: "Trading"}
			case "okx":
				entry.Meta.OKX = &symbols.OKXMeta{State: "live"}
			}
			registry.Upsert(entry)
			if entry.Activatable() {
				registry.Activate(ex.Name, sym)
				registry.SetFlow(ex.Name, sym, true, true)
			}
		}
	}
	return registry
}

func loadConfig() (*config.Config, error) {
	configPath := "configs/config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		execPath, _ := os.Executable()
		configPath = filepath.Join(filepath.Dir(execPath), "configs", "config.yaml")
	}
	return config.NewConfigLoader().LoadConfig(configPath)
}

func (app *Flowtrace) start() error {
	app.logger.Info("starting flowtrace pipeline")

	if app.config.Monitoring.MetricsEnabled {
		app.metrics.Start(app.config.Monitoring.PrometheusPort)
	}
	go app.broadcaster.Run()

	if err := app.sup.Initialize(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := app.sup.WaitForAllReady(0); err != nil {
		return fmt.Errorf("worker pool not ready: %w", err)
	}

	app.ing.Start(app.ctx)

	app.apiServer.Start(app.config.API.Port)

	app.logger.Info("flowtrace operational",
		zap.Int("ready_workers", app.sup.ReadyCount()),
		zap.String("api_port", app.config.API.Port))
	return nil
}

func (app *Flowtrace) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *Flowtrace) shutdown() error {
	app.logger.Info("shutting down flowtrace")

	// Stop intake first, then drain the pool, then the outward surfaces.
	app.cancel()
	app.ing.Wait()

	if err := app.sup.Shutdown(); err != nil {
		app.logger.Error("worker pool shutdown", zap.Error(err))
	}
	if err := app.apiServer.Stop(); err != nil {
		app.logger.Error("api shutdown", zap.Error(err))
	}
	app.metrics.Stop()
	app.pub.Close()
	if app.apiStore != nil {
		app.apiStore.Close()
	}
	if app.redisClient != nil {
		app.redisClient.Close()
	}

	app.logger.Info("flowtrace stopped")
	return nil
}
