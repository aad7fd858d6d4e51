package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry provides daemon discovery and registration.
// Daemons find each other via PID stored in the encrypted database.
type DaemonRegistry interface {
	// Register saves the daemon's PID under its role.
	Register(daemon Daemon) error

	// UpdateHeartbeat updates timestamp for liveness check.
	UpdateHeartbeat(role DaemonRole) error

	// IsPartnerAlive checks if the partner daemon is running via PID.
	IsPartnerAlive(role DaemonRole) (bool, error)

	// GetAll returns full registry state (for status command).
	GetAll() (*RegistryEntry, error)
}

// LockedAppStore persists the set of protected apps.
type LockedAppStore interface {
	// ObserveLockedApps emits the full locked list on subscribe and after
	// every mutation until ctx is done. The channel is closed on return.
	ObserveLockedApps(ctx context.Context) (<-chan []LockedApp, error)

	// ListLockedApps returns the apps currently locked.
	ListLockedApps(ctx context.Context) ([]LockedApp, error)

	// IsAppLocked checks a single package.
	IsAppLocked(ctx context.Context, packageName string) (bool, error)

	// LockApp inserts or replaces a locked app.
	LockApp(ctx context.Context, packageName, appName string) error

	// UnlockApp removes a package from the locked set.
	UnlockApp(ctx context.Context, packageName string) error

	// UnlockAllApps clears the lock flag on every app.
	UnlockAllApps(ctx context.Context) error

	// GetTempLockedApps returns the emergency-unlock snapshot.
	GetTempLockedApps(ctx context.Context) ([]TempLockedApp, error)

	// InsertTempLockedApps adds apps to the emergency-unlock snapshot.
	InsertTempLockedApps(ctx context.Context, apps []TempLockedApp) error

	// ClearTempLockedApps drops the emergency-unlock snapshot.
	ClearTempLockedApps(ctx context.Context) error
}

// SettingsStore persists the singleton SecuritySettings record.
type SettingsStore interface {
	GetSecuritySettings(ctx context.Context) (SecuritySettings, error)
	SaveSecuritySettings(ctx context.Context, settings SecuritySettings) error
	DeleteSecuritySettings(ctx context.Context) error
}

// AlarmStore persists pending re-lock alarms so they survive a restart.
type AlarmStore interface {
	SaveAlarm(ctx context.Context, alarm Alarm) error
	DeleteAlarm(ctx context.Context, key string) error
	ListAlarms(ctx context.Context) ([]Alarm, error)
}

// UsageEventSource reads the platform activity event log.
type UsageEventSource interface {
	// Available is the capability check (permission granted, tool present).
	Available(ctx context.Context) bool

	// QueryEvents returns events in [start, end] in log order.
	QueryEvents(ctx context.Context, start, end time.Time) ([]UsageEvent, error)
}

// UsageStatsSource reads aggregate per-package usage.
type UsageStatsSource interface {
	QueryUsageStats(ctx context.Context, start, end time.Time) ([]UsageStat, error)
}

// ForegroundReader resolves the package currently in the foreground.
// Returns "" when unknown.
type ForegroundReader interface {
	CurrentForegroundApp(ctx context.Context) string
}

// LockSurface is the password-entry surface hosted by an overlay window.
type LockSurface interface {
	// PackageName is the app the surface is protecting.
	PackageName() string

	// Submit checks a secret; a correct one unlocks the app.
	Submit(ctx context.Context, secret string, mode UnlockMode) (bool, error)
}

// WindowManager adds and removes views at the system overlay layer.
type WindowManager interface {
	AddView(view LockSurface) error
	RemoveView(view LockSurface) error
}

// LockOverlay is what the decision controller drives.
type LockOverlay interface {
	// Show presents the lock for packageName; onUnlock runs after a
	// successful password entry.
	Show(packageName string, onUnlock func()) error

	// Hide removes the lock if present.
	Hide() error

	// Retarget points a lock that is already showing at packageName.
	Retarget(packageName string)
}

// PasswordChecker validates secrets entered on the lock surface.
type PasswordChecker interface {
	Validate(ctx context.Context, password string) (bool, error)
	ValidateEmergency(ctx context.Context, password string) (bool, error)
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
