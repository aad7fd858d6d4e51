package daemon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const lockAlarmPrefix = "lock:"

// CommandSink accepts "lock this app now" commands.
type CommandSink interface {
	Submit(ctx context.Context, cmd domain.LockCommand) error
}

// CommandSinkFunc adapts a function to CommandSink.
type CommandSinkFunc func(ctx context.Context, cmd domain.LockCommand) error

// Submit calls f.
func (f CommandSinkFunc) Submit(ctx context.Context, cmd domain.LockCommand) error {
	return f(ctx, cmd)
}

type alarmEntry struct {
	alarm domain.Alarm
	timer *time.Timer
}

// AlarmScheduler runs deferred actions, one per key. Temporary unlocks
// are persisted and re-armed after a restart.
type AlarmScheduler struct {
	apps   domain.LockedAppStore
	store  domain.AlarmStore
	sink   CommandSink
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	base    context.Context
	entries map[string]*alarmEntry
}

// NewAlarmScheduler creates a scheduler. Fired lock alarms go to sink.
func NewAlarmScheduler(apps domain.LockedAppStore, store domain.AlarmStore, sink CommandSink, logger *zap.Logger) *AlarmScheduler {
	return &AlarmScheduler{
		apps:    apps,
		store:   store,
		sink:    sink,
		now:     time.Now,
		logger:  logger,
		base:    context.Background(),
		entries: make(map[string]*alarmEntry),
	}
}

// Run re-arms saved alarms and keeps the scheduler alive until ctx is
// done, then stops every timer.
func (s *AlarmScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		s.logger.Error("failed to restore alarms", zap.Error(err))
	}

	<-ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	return ctx.Err()
}

func (s *AlarmScheduler) restore(ctx context.Context) error {
	alarms, err := s.store.ListAlarms(ctx)
	if err != nil {
		return err
	}
	for _, a := range alarms {
		s.schedule(a, s.lockFn(a))
		s.logger.Info("restored alarm",
			zap.String("package", a.PackageName),
			zap.Time("fire_at", a.FireAt))
	}
	return nil
}

// AllowFor unlocks pkg now and re-locks it after d. A second call for the
// same package replaces the pending re-lock.
func (s *AlarmScheduler) AllowFor(ctx context.Context, pkg, appName string, d time.Duration) (domain.Alarm, error) {
	if err := s.apps.UnlockApp(ctx, pkg); err != nil {
		return domain.Alarm{}, err
	}

	alarm := domain.Alarm{
		ID:          uuid.NewString(),
		Key:         lockAlarmPrefix + pkg,
		PackageName: pkg,
		AppName:     appName,
		FireAt:      s.now().Add(d),
	}
	if err := s.store.SaveAlarm(ctx, alarm); err != nil {
		s.logger.Warn("failed to persist alarm", zap.String("package", pkg), zap.Error(err))
	}
	s.schedule(alarm, s.lockFn(alarm))

	s.logger.Info("app allowed temporarily",
		zap.String("package", pkg),
		zap.Duration("for", d),
		zap.String("alarm_id", alarm.ID))
	return alarm, nil
}

func (s *AlarmScheduler) lockFn(a domain.Alarm) func(ctx context.Context) {
	return func(ctx context.Context) {
		cmd := domain.LockCommand{PackageName: a.PackageName, AppName: a.AppName}
		if err := s.sink.Submit(ctx, cmd); err != nil {
			s.logger.Error("failed to deliver lock command", zap.String("package", a.PackageName), zap.Error(err))
			return
		}
		if err := s.store.DeleteAlarm(ctx, a.Key); err != nil {
			s.logger.Warn("failed to delete fired alarm", zap.String("key", a.Key), zap.Error(err))
		}
	}
}

// ScheduleAt runs fn at at. Scheduling an existing key replaces it.
func (s *AlarmScheduler) ScheduleAt(key string, at time.Time, fn func(ctx context.Context)) {
	s.schedule(domain.Alarm{ID: uuid.NewString(), Key: key, FireAt: at}, fn)
}

func (s *AlarmScheduler) schedule(alarm domain.Alarm, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[alarm.Key]; ok {
		old.timer.Stop()
	}

	e := &alarmEntry{alarm: alarm}
	delay := alarm.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.entries[alarm.Key] != e {
			s.mu.Unlock()
			return
		}
		delete(s.entries, alarm.Key)
		ctx := s.base
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	s.entries[alarm.Key] = e
}

// Cancel drops the alarm for key. Reports whether one was pending.
func (s *AlarmScheduler) Cancel(key string) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok && e.alarm.PackageName != "" {
		if err := s.store.DeleteAlarm(context.Background(), key); err != nil {
			s.logger.Warn("failed to delete alarm", zap.String("key", key), zap.Error(err))
		}
	}
	return ok
}

// CancelLock drops the pending re-lock for pkg.
func (s *AlarmScheduler) CancelLock(pkg string) bool {
	return s.Cancel(lockAlarmPrefix + pkg)
}

// Pending lists scheduled alarms, soonest first.
func (s *AlarmScheduler) Pending() []domain.Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()

	alarms := make([]domain.Alarm, 0, len(s.entries))
	for _, e := range s.entries {
		alarms = append(alarms, e.alarm)
	}
	sort.Slice(alarms, func(i, j int) bool {
		if alarms[i].FireAt.Equal(alarms[j].FireAt) {
			return alarms[i].Key < alarms[j].Key
		}
		return alarms[i].FireAt.Before(alarms[j].FireAt)
	})
	return alarms
}
