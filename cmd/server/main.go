package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vertebra-api/internal/cache"
	"github.com/Brownie44l1/vertebra-api/internal/config"
	"github.com/Brownie44l1/vertebra-api/internal/handlers"
	"github.com/Brownie44l1/vertebra-api/internal/logging"
	"github.com/Brownie44l1/vertebra-api/internal/model"
	"github.com/Brownie44l1/vertebra-api/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Get the project root directory
	execPath, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	// If running from cmd/server, go up two levels
	if filepath.Base(execPath) == "server" {
		if err := os.Chdir(filepath.Join(execPath, "../..")); err != nil {
			log.Fatalf("Failed to change directory: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	if err := run(*configPath, cfg, logger, level); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// run owns every resource opened after the logger so that deferred cleanup
// happens on both normal shutdown and failure.
func run(configPath string, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, configPath,
		func(next *config.Config) {
			if err := logging.SetLevel(level, next.Log.Level); err != nil {
				logger.Warn("ignoring log level from reloaded config", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("log_level", level.String()))
		},
		func(err error) {
			logger.Warn("config reload failed", zap.Error(err))
		},
	); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	modelServer, err := model.NewServer(cfg.Model, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize model server: %w", err)
	}
	defer modelServer.Close()

	results, err := cache.New(cfg.Cache.Size)
	if err != nil {
		return fmt.Errorf("failed to create result cache: %w", err)
	}

	limiter, err := ratelimit.New(ctx, cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	if limiter != nil {
		defer func() {
			_ = limiter.Close()
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	handler := handlers.NewHandler(modelServer, results, cfg.Server.MaxImagePixels, logger)
	router := handlers.NewRouter(handler, handlers.RouterConfig{
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Limiter:        limiter,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Int("image_size", modelServer.Metadata.ImageSize),
			zap.Int("cache_size", cfg.Cache.Size),
			zap.Bool("rate_limited", limiter != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSecond)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	return nil
}
