package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/depot-center/depot/internal/api"
	"codeberg.org/depot-center/depot/internal/cachedir"
	"codeberg.org/depot-center/depot/internal/config"
	"codeberg.org/depot-center/depot/internal/db"
	"codeberg.org/depot-center/depot/internal/download"
	"codeberg.org/depot-center/depot/internal/fwupd"
	"codeberg.org/depot-center/depot/internal/loader"
	"codeberg.org/depot-center/depot/internal/odrs"
	"codeberg.org/depot-center/depot/internal/store"
)

const userAgent = "depot/1.0"

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting depot daemon")

	cfg := config.Load()
	logger.Info("loaded configuration",
		"port", cfg.Port,
		"cache_dir", cfg.CacheDir,
		"remotes_dir", cfg.RemotesDir,
		"workers", cfg.Workers,
	)

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("database initialized")

	files, err := cachedir.New(cfg.CacheDir)
	if err != nil {
		logger.Error("failed to create cache directory", "error", err)
		os.Exit(1)
	}

	client := download.NewClient(userAgent, 60*time.Second)
	scheduler := download.NewScheduler(int64(cfg.MaxDownloads), cfg.MinFreeDiskBytes, logger)

	appStore := store.NewAppStore(database)
	l := loader.New(loader.Config{Workers: cfg.Workers}, appStore, logger)

	// State changes persisted by the store surface as pending events.
	appStore.SetOnChange(func() {
		logger.Debug("installed set changed")
	})

	if daemon, err := fwupd.DialSystemBus(); err != nil {
		logger.Warn("firmware daemon unavailable, skipping plugin", "error", err)
	} else {
		fw := fwupd.New(daemon, files, client, scheduler, cfg.RemotesDir, logger)
		if err := l.Register(fw); err != nil {
			logger.Error("failed to register fwupd plugin", "error", err)
			os.Exit(1)
		}
	}

	reviews := odrs.New(odrs.Config{
		Server:   cfg.ReviewServer,
		UserHash: cfg.UserHash,
		UserName: cfg.UserName,
		Distro:   cfg.Distro,
		Locale:   cfg.Locale,
	}, client, files, logger)
	if err := l.Register(reviews); err != nil {
		logger.Error("failed to register odrs plugin", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Setup(ctx); err != nil {
		logger.Error("failed to setup plugins", "error", err)
		os.Exit(1)
	}
	defer l.Shutdown()

	server := api.NewServer(l, appStore, api.ServerConfig{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
