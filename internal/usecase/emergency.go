package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// emergencyAlarmKey identifies the pending emergency re-lock.
const emergencyAlarmKey = "emergency-relock"

// Scheduler runs fn at a point in time. Scheduling the same key again
// replaces the earlier run.
type Scheduler interface {
	ScheduleAt(key string, at time.Time, fn func(ctx context.Context))
	Cancel(key string) bool
}

// EmergencyUnlocker suspends every lock for a fixed period and restores
// the same set afterwards.
type EmergencyUnlocker struct {
	mu       sync.Mutex
	apps     domain.LockedAppStore
	settings domain.SettingsStore
	sched    Scheduler
	duration time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewEmergencyUnlocker creates an unlocker whose suspensions last duration.
func NewEmergencyUnlocker(
	apps domain.LockedAppStore,
	settings domain.SettingsStore,
	sched Scheduler,
	duration time.Duration,
	logger *zap.Logger,
) *EmergencyUnlocker {
	return &EmergencyUnlocker{
		apps:     apps,
		settings: settings,
		sched:    sched,
		duration: duration,
		now:      time.Now,
		logger:   logger,
	}
}

// Activate snapshots the locked apps, unlocks them all and schedules the
// re-lock. Returns when the locks come back.
func (e *EmergencyUnlocker) Activate(ctx context.Context) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	locked, err := e.apps.ListLockedApps(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("list locked apps: %w", err)
	}

	temp := make([]domain.TempLockedApp, 0, len(locked))
	for _, app := range locked {
		temp = append(temp, domain.TempLockedApp{PackageName: app.PackageName, AppName: app.AppName})
	}
	if err := e.apps.InsertTempLockedApps(ctx, temp); err != nil {
		return time.Time{}, fmt.Errorf("save locked snapshot: %w", err)
	}
	if err := e.apps.UnlockAllApps(ctx); err != nil {
		return time.Time{}, fmt.Errorf("unlock all apps: %w", err)
	}

	st, err := e.settings.GetSecuritySettings(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load security settings: %w", err)
	}
	until := e.now().Add(e.duration)
	st.EmergencyUnlockUntil = until
	if err := e.settings.SaveSecuritySettings(ctx, st); err != nil {
		return time.Time{}, fmt.Errorf("save emergency deadline: %w", err)
	}

	e.sched.ScheduleAt(emergencyAlarmKey, until, e.relockFromAlarm)
	e.logger.Warn("emergency unlock activated",
		zap.Int("apps", len(temp)),
		zap.Time("until", until))
	return until, nil
}

// Relock restores every app from the snapshot and ends the emergency period.
func (e *EmergencyUnlocker) Relock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sched.Cancel(emergencyAlarmKey)
	return e.relockLocked(ctx)
}

func (e *EmergencyUnlocker) relockFromAlarm(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.relockLocked(ctx); err != nil {
		e.logger.Error("emergency re-lock failed", zap.Error(err))
	}
}

func (e *EmergencyUnlocker) relockLocked(ctx context.Context) error {
	temp, err := e.apps.GetTempLockedApps(ctx)
	if err != nil {
		return fmt.Errorf("load locked snapshot: %w", err)
	}
	for _, app := range temp {
		if err := e.apps.LockApp(ctx, app.PackageName, app.AppName); err != nil {
			return fmt.Errorf("relock %s: %w", app.PackageName, err)
		}
	}
	if err := e.apps.ClearTempLockedApps(ctx); err != nil {
		return fmt.Errorf("clear locked snapshot: %w", err)
	}

	st, err := e.settings.GetSecuritySettings(ctx)
	if err != nil {
		return fmt.Errorf("load security settings: %w", err)
	}
	st.EmergencyUnlockUntil = time.Time{}
	if err := e.settings.SaveSecuritySettings(ctx, st); err != nil {
		return fmt.Errorf("clear emergency deadline: %w", err)
	}

	e.logger.Info("emergency unlock ended", zap.Int("apps", len(temp)))
	return nil
}

// Resume re-arms a pending re-lock after a restart, or re-locks at once
// when the deadline already passed.
func (e *EmergencyUnlocker) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.settings.GetSecuritySettings(ctx)
	if err != nil {
		return fmt.Errorf("load security settings: %w", err)
	}
	if st.EmergencyActive(e.now()) {
		e.sched.ScheduleAt(emergencyAlarmKey, st.EmergencyUnlockUntil, e.relockFromAlarm)
		e.logger.Info("emergency unlock still active", zap.Time("until", st.EmergencyUnlockUntil))
		return nil
	}

	temp, err := e.apps.GetTempLockedApps(ctx)
	if err != nil {
		return fmt.Errorf("load locked snapshot: %w", err)
	}
	if st.EmergencyUnlockUntil.IsZero() && len(temp) == 0 {
		return nil
	}
	return e.relockLocked(ctx)
}

// Active reports whether an emergency unlock is in effect and until when.
func (e *EmergencyUnlocker) Active(ctx context.Context) (bool, time.Time, error) {
	st, err := e.settings.GetSecuritySettings(ctx)
	if err != nil {
		return false, time.Time{}, err
	}
	return st.EmergencyActive(e.now()), st.EmergencyUnlockUntil, nil
}
