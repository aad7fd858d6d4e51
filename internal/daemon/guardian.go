package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// GuardianConfig tunes the guardian's loops.
type GuardianConfig struct {
	MonitorCheckInterval time.Duration
	HeartbeatInterval    time.Duration
	// RestartGrace is how long a freshly started monitor has to register
	// before it may be started again.
	RestartGrace time.Duration
}

// DefaultGuardianConfig returns default guardian configuration.
func DefaultGuardianConfig() GuardianConfig {
	return GuardianConfig{
		MonitorCheckInterval: 30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		RestartGrace:         time.Minute,
	}
}

// Guardian keeps the monitor daemon running.
type Guardian struct {
	config       GuardianConfig
	registry     domain.DaemonRegistry
	startPartner func(role domain.DaemonRole) error
	self         domain.Daemon
	logger       *zap.Logger

	now         func() time.Time
	lastRestart time.Time
}

// NewGuardian creates a guardian. startPartner spawns a daemon by role.
func NewGuardian(
	config GuardianConfig,
	registry domain.DaemonRegistry,
	startPartner func(role domain.DaemonRole) error,
	self domain.Daemon,
	logger *zap.Logger,
) *Guardian {
	return &Guardian{
		config:       config,
		registry:     registry,
		startPartner: startPartner,
		self:         self,
		logger:       logger,
		now:          time.Now,
	}
}

// Run blocks until ctx is done.
func (g *Guardian) Run(ctx context.Context) error {
	if err := g.registry.Register(g.self); err != nil {
		g.logger.Error("guardian registration failed", zap.Error(err))
		return err
	}
	g.logger.Info("guardian running", zap.Int("pid", g.self.PID))

	check := time.NewTicker(g.config.MonitorCheckInterval)
	defer check.Stop()
	beat := time.NewTicker(g.config.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("guardian stopped")
			return ctx.Err()
		case <-beat.C:
			if err := g.registry.UpdateHeartbeat(domain.RoleGuardian); err != nil {
				g.logger.Warn("guardian heartbeat failed", zap.Error(err))
			}
		case <-check.C:
			g.ensureMonitor()
		}
	}
}

func (g *Guardian) ensureMonitor() {
	if !g.lastRestart.IsZero() && g.now().Sub(g.lastRestart) < g.config.RestartGrace {
		return
	}

	alive, err := g.registry.IsPartnerAlive(domain.RoleGuardian)
	switch {
	case err != nil:
		g.logger.Debug("monitor liveness unknown", zap.Error(err))
		return
	case alive:
		return
	}

	g.lastRestart = g.now()
	if err := g.startPartner(domain.RoleMonitor); err != nil {
		g.logger.Error("monitor restart failed", zap.Error(err))
		return
	}
	g.logger.Warn("monitor was down, restarted")
}
