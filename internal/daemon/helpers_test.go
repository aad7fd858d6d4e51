package daemon

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// mockWindow implements domain.WindowManager for testing
type mockWindow struct {
	mu       sync.Mutex
	attached domain.LockSurface
	calls    []string
	addErr   error
	rmErr    error
}

func (m *mockWindow) AddView(v domain.LockSurface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "add:"+v.PackageName())
	if m.addErr != nil {
		return m.addErr
	}
	m.attached = v
	return nil
}

func (m *mockWindow) RemoveView(v domain.LockSurface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "remove")
	if m.rmErr != nil {
		return m.rmErr
	}
	m.attached = nil
	return nil
}

func (m *mockWindow) snapshot() (domain.LockSurface, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached, append([]string(nil), m.calls...)
}

// mockChecker implements domain.PasswordChecker for testing
type mockChecker struct {
	password  string
	emergency string
	err       error
}

func (m *mockChecker) Validate(ctx context.Context, pw string) (bool, error) {
	return pw == m.password, m.err
}

func (m *mockChecker) ValidateEmergency(ctx context.Context, pw string) (bool, error) {
	return m.emergency != "" && pw == m.emergency, m.err
}

// mockEmergency implements EmergencyActivator for testing
type mockEmergency struct {
	mu        sync.Mutex
	activated int
	err       error
}

func (m *mockEmergency) Activate(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated++
	return time.Now().Add(24 * time.Hour), m.err
}

// memApps implements domain.LockedAppStore and domain.AlarmStore in memory.
type memApps struct {
	mu     sync.Mutex
	locked map[string]string
	alarms map[string]domain.Alarm
	subs   []chan []domain.LockedApp
}

func newMemApps() *memApps {
	return &memApps{
		locked: make(map[string]string),
		alarms: make(map[string]domain.Alarm),
	}
}

func (m *memApps) list() []domain.LockedApp {
	apps := make([]domain.LockedApp, 0, len(m.locked))
	for pkg, name := range m.locked {
		apps = append(apps, domain.LockedApp{PackageName: pkg, AppName: name, IsLocked: true})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].PackageName < apps[j].PackageName })
	return apps
}

func (m *memApps) publish() {
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- m.list()
	}
}

func (m *memApps) ObserveLockedApps(ctx context.Context) (<-chan []domain.LockedApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []domain.LockedApp, 1)
	ch <- m.list()
	m.subs = append(m.subs, ch)
	return ch, nil
}

func (m *memApps) ListLockedApps(ctx context.Context) ([]domain.LockedApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(), nil
}

func (m *memApps) IsAppLocked(ctx context.Context, pkg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locked[pkg]
	return ok, nil
}

func (m *memApps) LockApp(ctx context.Context, pkg, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[pkg] = name
	m.publish()
	return nil
}

func (m *memApps) UnlockApp(ctx context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, pkg)
	m.publish()
	return nil
}

func (m *memApps) UnlockAllApps(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = make(map[string]string)
	m.publish()
	return nil
}

func (m *memApps) GetTempLockedApps(ctx context.Context) ([]domain.TempLockedApp, error) {
	return nil, nil
}

func (m *memApps) InsertTempLockedApps(ctx context.Context, apps []domain.TempLockedApp) error {
	return nil
}

func (m *memApps) ClearTempLockedApps(ctx context.Context) error {
	return nil
}

func (m *memApps) SaveAlarm(ctx context.Context, a domain.Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms[a.Key] = a
	return nil
}

func (m *memApps) DeleteAlarm(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alarms, key)
	return nil
}

func (m *memApps) ListAlarms(ctx context.Context) ([]domain.Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, a)
	}
	return out, nil
}

func (m *memApps) isLocked(pkg string) bool {
	ok, _ := m.IsAppLocked(context.Background(), pkg)
	return ok
}

func (m *memApps) alarmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alarms)
}

var (
	_ domain.LockedAppStore  = (*memApps)(nil)
	_ domain.AlarmStore      = (*memApps)(nil)
	_ domain.WindowManager   = (*mockWindow)(nil)
	_ domain.PasswordChecker = (*mockChecker)(nil)
)
