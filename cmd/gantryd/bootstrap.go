package main

import (
	"fmt"
	"log/slog"
	"time"

	"gantry/internal/config"
	"gantry/internal/daemon"
	"gantry/internal/deps"
	"gantry/internal/download"
	"gantry/internal/extraction"
	"gantry/internal/install"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/queue"
	"gantry/internal/sources"
	"gantry/internal/workflow"
)

// bootstrap loads configuration and assembles the daemon with its full
// processor stack.
func bootstrap(configPath string) (*daemon.Daemon, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}

	logger, err := logging.NewForDir(cfg.LogLevel, cfg.LogFormat, cfg.Paths.LogDir, "gantryd.log")
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	saveDelay := time.Duration(cfg.Workflow.SaveDebounceMs) * time.Millisecond
	store, err := queue.Open(cfg.Paths.QueuePath, saveDelay, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open queue: %w", err)
	}

	resolver := &deps.BinaryResolver{
		Rclone:   cfg.Binaries.Rclone,
		SevenZip: cfg.Binaries.SevenZip,
		ADB:      cfg.Binaries.ADB,
	}
	notifier := notifications.NewService(cfg)

	// Mirror configuration storage is external; none configured means the
	// public source serves every job.
	var mirrors sources.MirrorProvider = sources.NoMirror{}

	scheduler := workflow.New(store, logger,
		download.NewDownloader(cfg, store, logger, resolver, mirrors, notifier),
		extraction.NewExtractor(cfg, store, logger, resolver, notifier),
		install.NewInstaller(cfg, store, logger, resolver, notifier),
	)

	d, err := daemon.New(cfg, store, logger, scheduler, notifier)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("create daemon: %w", err)
	}
	return d, logger, nil
}
