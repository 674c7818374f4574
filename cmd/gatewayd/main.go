package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/database"
	"github.com/zhijun2003/QingyunAI/internal/httpserver"
	"github.com/zhijun2003/QingyunAI/internal/logging"
	"github.com/zhijun2003/QingyunAI/internal/observability"
	"github.com/zhijun2003/QingyunAI/internal/redisclient"
)

func main() {
	configFile := flag.String("config", "", "path to gateway.yaml")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		return err
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	db, err := database.OpenGorm(dbPool, cfg.Database, logger)
	if err != nil {
		return err
	}

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		return err
	}
	defer redisClient.Close()

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	if obs != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	container, err := app.NewContainer(ctx, cfg, app.Resources{
		DBPool:        dbPool,
		DB:            db,
		Redis:         redisClient,
		Logger:        logger,
		Observability: obs,
	})
	if err != nil {
		return err
	}
	container.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Close(stopCtx); err != nil {
			logger.Warn("close container", zap.Error(err))
		}
	}()

	server, err := httpserver.New(container)
	if err != nil {
		return err
	}

	logger.Info("gateway listening", zap.String("addr", cfg.Server.ListenAddr))
	if err := server.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
