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

	"flowtrace/internal/config"
	"flowtrace/internal/persist"
	"flowtrace/internal/publisher"
	"flowtrace/internal/recovery"
)

// flowtraced is the persistence service: the framed unix socket, the
// runtime SQLite database, the append-only candle store, the queue
// dispatcher and the gap recovery orchestrator run in this process.
func main() {
	logger, err := setupLogger()
	if err != nil {
		fmt.Printf("failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if dir := filepath.Dir(cfg.Persistence.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("failed to create data directory", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, queued events stay buffered", zap.Error(err))
			redisClient = nil
		}
	}

	var pub persist.Publisher
	var redisPub *publisher.RedisPublisher
	if redisClient != nil {
		redisPub = publisher.New(redisClient, nil, logger)
		pub = redisPub
	}

	svc, err := persist.NewService(persist.ServiceConfig{
		SocketPath:     cfg.IPC.SocketPath,
		DBPath:         cfg.Persistence.DBPath,
		DequeueBatch:   cfg.Persistence.DequeueBatch,
		QueueRetention: time.Duration(cfg.Persistence.QueueRetentionHours) * time.Hour,
	}, pub, logger)
	if err != nil {
		logger.Fatal("failed to open persistence service", zap.Error(err))
	}
	if err := svc.Start(); err != nil {
		logger.Fatal("failed to start persistence service", zap.Error(err))
	}

	// Gap recovery polls unsynced gaps and replays them through the venue
	// REST adapter. The binance fetcher is the reference adapter.
	_, gaps, _, candles := svc.Stores()
	orch := recovery.New(recovery.Config{}, gaps, candles,
		recovery.NewBinanceFetcher(os.Getenv("RECOVERY_REST_BASE_URL")), logger)
	orch.Start()

	logger.Info("flowtraced operational",
		zap.String("socket", cfg.IPC.SocketPath),
		zap.String("db", cfg.Persistence.DBPath))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	orch.Stop()
	if err := svc.Stop(); err != nil {
		logger.Error("persistence shutdown", zap.Error(err))
	}
	if redisPub != nil {
		redisPub.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("flowtraced stopped")
}

func setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func loadConfig() (*config.Config, error) {
	configPath := "configs/config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		execPath, _ := os.Executable()
		configPath = filepath.Join(filepath.Dir(execPath), "configs", "config.yaml")
	}
	return config.NewConfigLoader().LoadConfig(configPath)
}
