// Package daemon implements the monitor and guardian daemons.
package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

// MonitorConfig holds monitor daemon configuration.
type MonitorConfig struct {
	PollInterval         time.Duration // Foreground check interval (default 500ms)
	ErrorBackoff         time.Duration // Extra delay after a failed tick
	CacheRetry           time.Duration // Pause before resubscribing to locked apps
	HeartbeatInterval    time.Duration // How often to update heartbeat
	PartnerCheckInterval time.Duration // How often to check guardian
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:         500 * time.Millisecond,
		ErrorBackoff:         time.Second,
		CacheRetry:           time.Second,
		HeartbeatInterval:    30 * time.Second,
		PartnerCheckInterval: 60 * time.Second,
	}
}

// Service is an extra task run alongside the monitor loops, such as the
// control API or a terminal prompt.
type Service func(ctx context.Context) error

// MonitorDeps groups the monitor's collaborators.
type MonitorDeps struct {
	Controller *usecase.LockController
	Cache      *usecase.LockedCache
	Presenter  *OverlayPresenter
	Alarms     *AlarmScheduler
	Emergency  *usecase.EmergencyUnlocker
	Apps       domain.LockedAppStore
	Registry   domain.DaemonRegistry
	// StartPartner restarts the guardian; nil disables the partner check.
	StartPartner func(role domain.DaemonRole) error
}

// Monitor is the foreground lock daemon. It polls the foreground app,
// keeps the locked cache fresh, persists lock commands and watches the
// guardian. All loops stop together.
type Monitor struct {
	config   MonitorConfig
	deps     MonitorDeps
	daemon   domain.Daemon
	commands chan domain.LockCommand
	services map[string]Service
	logger   *zap.Logger
}

// NewMonitor creates a new monitor daemon.
func NewMonitor(config MonitorConfig, deps MonitorDeps, daemon domain.Daemon, logger *zap.Logger) *Monitor {
	return &Monitor{
		config:   config,
		deps:     deps,
		daemon:   daemon,
		commands: make(chan domain.LockCommand, 16),
		services: make(map[string]Service),
		logger:   logger,
	}
}

// AddService registers an extra task. Call before Run.
func (m *Monitor) AddService(name string, svc Service) {
	m.services[name] = svc
}

// Submit queues a "lock this app now" command.
func (m *Monitor) Submit(ctx context.Context, cmd domain.LockCommand) error {
	if cmd.PackageName == "" {
		return fmt.Errorf("lock command: package name is required")
	}
	select {
	case m.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the monitor. It blocks until ctx is canceled or a task fails.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.deps.Registry.Register(m.daemon); err != nil {
		m.logger.Error("failed to register monitor", zap.Error(err))
		return err
	}

	m.logger.Info("monitor daemon started",
		zap.Int("pid", m.daemon.PID),
		zap.String("version", m.daemon.AppVersion))

	if m.deps.Emergency != nil {
		if err := m.deps.Emergency.Resume(ctx); err != nil {
			m.logger.Error("failed to resume emergency unlock", zap.Error(err))
		}
	}

	defer m.deps.Presenter.Cleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.deps.Presenter.RunUI(gctx) })
	g.Go(func() error { return m.pollLoop(gctx) })
	g.Go(func() error { return m.cacheLoop(gctx) })
	g.Go(func() error { return m.commandLoop(gctx) })
	g.Go(func() error { return m.deps.Alarms.Run(gctx) })
	g.Go(func() error { return m.livenessLoop(gctx) })
	for name, svc := range m.services {
		name, svc := name, svc
		g.Go(func() error {
			if err := svc(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return gctx.Err()
		})
	}

	err := g.Wait()
	m.logger.Info("monitor daemon stopping", zap.Error(err))
	return err
}

// pollLoop runs the foreground check on a fixed interval.
func (m *Monitor) pollLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		wait := m.config.PollInterval
		if err := m.tick(ctx); err != nil {
			m.logger.Error("monitor tick failed", zap.Error(err))
			wait += m.config.ErrorBackoff
		}
		timer.Reset(wait)
	}
}

// tick runs one foreground check; a panic becomes an error.
func (m *Monitor) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	m.deps.Controller.Tick(ctx)
	return nil
}

// cacheLoop keeps the locked cache subscribed to storage.
func (m *Monitor) cacheLoop(ctx context.Context) error {
	for {
		err := m.deps.Cache.Sync(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.Error("locked apps subscription failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.CacheRetry):
		}
	}
}

// commandLoop persists lock commands.
func (m *Monitor) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.commands:
			if err := m.deps.Apps.LockApp(ctx, cmd.PackageName, cmd.AppName); err != nil {
				m.logger.Error("failed to lock app",
					zap.String("package", cmd.PackageName),
					zap.Error(err))
				continue
			}
			m.logger.Info("app locked", zap.String("package", cmd.PackageName))
		}
	}
}

// livenessLoop updates our heartbeat and restarts the guardian if needed.
func (m *Monitor) livenessLoop(ctx context.Context) error {
	heartbeatTicker := time.NewTicker(m.config.HeartbeatInterval)
	partnerCheckTicker := time.NewTicker(m.config.PartnerCheckInterval)
	defer func() {
		heartbeatTicker.Stop()
		partnerCheckTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeatTicker.C:
			if err := m.deps.Registry.UpdateHeartbeat(domain.RoleMonitor); err != nil {
				m.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-partnerCheckTicker.C:
			m.checkAndRestartGuardian()
		}
	}
}

// checkAndRestartGuardian checks if guardian is alive and restarts if needed.
func (m *Monitor) checkAndRestartGuardian() {
	if m.deps.StartPartner == nil {
		return
	}
	alive, err := m.deps.Registry.IsPartnerAlive(domain.RoleMonitor)
	if err != nil {
		m.logger.Debug("guardian liveness unknown", zap.Error(err))
		return
	}

	if !alive {
		m.logger.Info("guardian not running, restarting...")
		if err := m.deps.StartPartner(domain.RoleGuardian); err != nil {
			m.logger.Error("failed to restart guardian", zap.Error(err))
		} else {
			m.logger.Info("guardian restarted successfully")
		}
	}
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Daemon         domain.Daemon
	Session        usecase.SessionState
	OverlayPackage string
	OverlayShowing bool
	ViewState      string
	LockedCount    int
	Alarms         []domain.Alarm
}

// Status reports the monitor's current state.
func (m *Monitor) Status() Status {
	pkg, showing := m.deps.Presenter.Showing()
	return Status{
		Daemon:         m.daemon,
		Session:        m.deps.Controller.Snapshot(),
		OverlayPackage: pkg,
		OverlayShowing: showing,
		ViewState:      m.deps.Presenter.ViewState(),
		LockedCount:    m.deps.Cache.Len(),
		Alarms:         m.deps.Alarms.Pending(),
	}
}
