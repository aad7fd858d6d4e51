package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/api"
	"github.com/eliteGoblin/focusd/app_lock/internal/config"
	"github.com/eliteGoblin/focusd/app_lock/internal/crypto"
	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonRole == "" {
		return fmt.Errorf("--role is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	role := domain.DaemonRole(daemonRole)
	d := domain.Daemon{
		PID:        os.Getpid(),
		Role:       role,
		StartedAt:  time.Now(),
		AppVersion: Version,
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	switch role {
	case domain.RoleMonitor:
		monitor, cleanup, err := buildMonitor(cfg, store, d, logger)
		if err != nil {
			logger.Error("failed to build monitor", zap.Error(err))
			return err
		}
		defer cleanup()
		return monitor.Run(ctx)

	case domain.RoleGuardian:
		guardian := daemon.NewGuardian(
			daemon.GuardianConfig{
				MonitorCheckInterval: cfg.Guardian.CheckInterval.Duration,
				HeartbeatInterval:    cfg.Guardian.HeartbeatInterval.Duration,
				RestartGrace:         cfg.Guardian.RestartGrace.Duration,
			},
			store,
			daemon.StartDaemon,
			d,
			logger,
		)
		return guardian.Run(ctx)

	default:
		return fmt.Errorf("unknown role: %s", role)
	}
}

// buildMonitor wires the monitor daemon and its control API.
func buildMonitor(cfg config.Config, store *infra.Store, d domain.Daemon, logger *zap.Logger) (*daemon.Monitor, func(), error) {
	cleanup := func() {}

	detector := usecase.NewForegroundDetector(
		infra.NewDumpsysUsageSource(cfg.Usage.Command, logger.Named("usage")),
		infra.NewProcessUsageSource(),
		usecase.ForegroundOptions{
			EventWindow:    cfg.Usage.EventWindow.Duration,
			FallbackWindow: cfg.Usage.FallbackWindow.Duration,
			TieBreak:       usecase.TieBreak(cfg.Usage.TieBreak),
		},
		logger,
	)
	cache := usecase.NewLockedCache(store, logger)
	passwords := usecase.NewPasswordService(store, crypto.NewHasher(crypto.DefaultParams), cfg.Security.FailureThreshold, logger)

	// The monitor is the sink for fired re-lock alarms but also depends on
	// the scheduler, so the sink resolves it late.
	var monitor *daemon.Monitor
	sink := daemon.CommandSinkFunc(func(ctx context.Context, c domain.LockCommand) error {
		return monitor.Submit(ctx, c)
	})
	alarms := daemon.NewAlarmScheduler(store, store, sink, logger.Named("alarms"))
	emergency := usecase.NewEmergencyUnlocker(store, store, alarms, cfg.Security.EmergencyUnlockDuration.Duration, logger)

	var window domain.WindowManager
	var terminal *infra.TerminalWindow
	switch cfg.Overlay.Window {
	case "terminal":
		tw, err := infra.NewTerminalWindow(cfg.Overlay.TTY, logger)
		if err != nil {
			return nil, cleanup, err
		}
		terminal = tw
		window = tw
		cleanup = func() { _ = tw.Close() }
	default:
		window = infra.NewHeadlessWindow(logger)
	}

	presenter := daemon.NewOverlayPresenter(window, passwords, emergency, logger.Named("overlay"))
	controller := usecase.NewLockController(detector, cache, presenter, cfg.Monitor.SelfPackage, logger)

	monitor = daemon.NewMonitor(
		daemon.MonitorConfig{
			PollInterval:         cfg.Monitor.PollInterval.Duration,
			ErrorBackoff:         cfg.Monitor.ErrorBackoff.Duration,
			CacheRetry:           cfg.Monitor.CacheRetry.Duration,
			HeartbeatInterval:    cfg.Monitor.HeartbeatInterval.Duration,
			PartnerCheckInterval: cfg.Monitor.PartnerCheckInterval.Duration,
		},
		daemon.MonitorDeps{
			Controller:   controller,
			Cache:        cache,
			Presenter:    presenter,
			Alarms:       alarms,
			Emergency:    emergency,
			Apps:         store,
			Registry:     store,
			StartPartner: daemon.StartDaemon,
		},
		d,
		logger,
	)

	server := api.NewServer(api.Deps{
		Apps:      store,
		Passwords: passwords,
		Alarms:    alarms,
		Commands:  monitor,
		Screen:    presenter,
		Emergency: emergency,
		Status:    monitor,
	}, logger.Named("api"))
	monitor.AddService("api", func(ctx context.Context) error {
		return server.Serve(ctx, cfg.API.Addr)
	})
	if terminal != nil {
		monitor.AddService("terminal", terminal.Run)
	}

	return monitor, cleanup, nil
}
