package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// mockEventSource implements domain.UsageEventSource for testing
type mockEventSource struct {
	unavailable bool
	events      []domain.UsageEvent
	err         error
	queries     int
}

func (m *mockEventSource) Available(ctx context.Context) bool {
	return !m.unavailable
}

func (m *mockEventSource) QueryEvents(ctx context.Context, start, end time.Time) ([]domain.UsageEvent, error) {
	m.queries++
	return m.events, m.err
}

// mockStatsSource implements domain.UsageStatsSource for testing
type mockStatsSource struct {
	stats      []domain.UsageStat
	err        error
	start, end time.Time
}

func (m *mockStatsSource) QueryUsageStats(ctx context.Context, start, end time.Time) ([]domain.UsageStat, error) {
	m.start, m.end = start, end
	return m.stats, m.err
}

// mockReader implements domain.ForegroundReader for testing
type mockReader struct {
	pkg string
}

func (m *mockReader) CurrentForegroundApp(ctx context.Context) string {
	return m.pkg
}

// mockLockedSet implements LockedSet for testing
type mockLockedSet map[string]bool

func (m mockLockedSet) Contains(pkg string) bool {
	return m[pkg]
}

// mockOverlay implements domain.LockOverlay for testing
type mockOverlay struct {
	calls    []string
	showErr  error
	hideErr  error
	onUnlock func()
}

func (m *mockOverlay) Show(pkg string, onUnlock func()) error {
	m.calls = append(m.calls, "show:"+pkg)
	m.onUnlock = onUnlock
	return m.showErr
}

func (m *mockOverlay) Hide() error {
	m.calls = append(m.calls, "hide")
	return m.hideErr
}

func (m *mockOverlay) Retarget(pkg string) {
	m.calls = append(m.calls, "retarget:"+pkg)
}

func (m *mockOverlay) reset() {
	m.calls = nil
}

// mockHasher stores passwords with a readable prefix.
type mockHasher struct{}

func (mockHasher) Hash(password string) (string, error) {
	return "hash:" + password, nil
}

func (mockHasher) Verify(password, encoded string) (bool, error) {
	return strings.TrimPrefix(encoded, "hash:") == password, nil
}

// memStore implements domain.LockedAppStore and domain.SettingsStore in memory.
type memStore struct {
	mu       sync.Mutex
	apps     map[string]domain.LockedApp
	temp     map[string]domain.TempLockedApp
	settings domain.SecuritySettings
	updates  chan []domain.LockedApp
	lockErr  error
}

func newMemStore() *memStore {
	return &memStore{
		apps: make(map[string]domain.LockedApp),
		temp: make(map[string]domain.TempLockedApp),
	}
}

func (m *memStore) ObserveLockedApps(ctx context.Context) (<-chan []domain.LockedApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = make(chan []domain.LockedApp, 16)
	m.updates <- m.listLocked()
	return m.updates, nil
}

func (m *memStore) listLocked() []domain.LockedApp {
	apps := make([]domain.LockedApp, 0, len(m.apps))
	for _, app := range m.apps {
		if app.IsLocked {
			apps = append(apps, app)
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].PackageName < apps[j].PackageName })
	return apps
}

func (m *memStore) publish() {
	if m.updates != nil {
		m.updates <- m.listLocked()
	}
}

func (m *memStore) ListLockedApps(ctx context.Context) ([]domain.LockedApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

func (m *memStore) IsAppLocked(ctx context.Context, pkg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apps[pkg].IsLocked, nil
}

func (m *memStore) LockApp(ctx context.Context, pkg, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	m.apps[pkg] = domain.LockedApp{PackageName: pkg, AppName: name, IsLocked: true, LockDate: time.Now()}
	m.publish()
	return nil
}

func (m *memStore) UnlockApp(ctx context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, pkg)
	m.publish()
	return nil
}

func (m *memStore) UnlockAllApps(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pkg, app := range m.apps {
		app.IsLocked = false
		m.apps[pkg] = app
	}
	m.publish()
	return nil
}

func (m *memStore) GetTempLockedApps(ctx context.Context) ([]domain.TempLockedApp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TempLockedApp, 0, len(m.temp))
	for _, app := range m.temp {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out, nil
}

func (m *memStore) InsertTempLockedApps(ctx context.Context, apps []domain.TempLockedApp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range apps {
		m.temp[app.PackageName] = app
	}
	return nil
}

func (m *memStore) ClearTempLockedApps(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temp = make(map[string]domain.TempLockedApp)
	return nil
}

func (m *memStore) GetSecuritySettings(ctx context.Context) (domain.SecuritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) SaveSecuritySettings(ctx context.Context, s domain.SecuritySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

func (m *memStore) DeleteSecuritySettings(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = domain.SecuritySettings{}
	return nil
}

// mockScheduler records scheduled runs; fire runs them.
type mockScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduledJob
}

type scheduledJob struct {
	at time.Time
	fn func(ctx context.Context)
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{jobs: make(map[string]scheduledJob)}
}

func (m *mockScheduler) ScheduleAt(key string, at time.Time, fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[key] = scheduledJob{at: at, fn: fn}
}

func (m *mockScheduler) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[key]
	delete(m.jobs, key)
	return ok
}

func (m *mockScheduler) job(key string) (scheduledJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j, ok
}

func (m *mockScheduler) fire(key string) {
	j, ok := m.job(key)
	if !ok {
		return
	}
	m.Cancel(key)
	j.fn(context.Background())
}

var (
	_ domain.LockedAppStore = (*memStore)(nil)
	_ domain.SettingsStore  = (*memStore)(nil)
	_ Scheduler             = (*mockScheduler)(nil)
)
