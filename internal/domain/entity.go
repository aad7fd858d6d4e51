// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// DaemonRole identifies the type of daemon process.
type DaemonRole string

const (
	RoleMonitor  DaemonRole = "monitor"
	RoleGuardian DaemonRole = "guardian"
)

// Daemon represents a running daemon process.
type Daemon struct {
	PID        int
	Role       DaemonRole
	StartedAt  time.Time
	AppVersion string // Version of the app binary
}

// RegistryEntry stores the state of both daemons for mutual discovery.
type RegistryEntry struct {
	MonitorPID    int    `json:"monitor_pid"`
	GuardianPID   int    `json:"guardian_pid"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}

// LockedApp is a package the user has chosen to protect.
// Only rows with IsLocked set count as locked; bulk unlock clears the flag.
type LockedApp struct {
	PackageName string    `json:"package_name"`
	AppName     string    `json:"app_name"`
	IsLocked    bool      `json:"is_locked"`
	LockDate    time.Time `json:"lock_date"`
}

// TempLockedApp remembers an app that was locked right before an
// emergency unlock, so the lock can be restored later.
type TempLockedApp struct {
	PackageName string `json:"package_name"`
	AppName     string `json:"app_name"`
}

// SecuritySettings is the singleton security record.
// Password and EmergencyPassword hold encoded hashes, never plaintext.
type SecuritySettings struct {
	IsPasswordSet          bool
	Password               string
	EmergencyPassword      string
	IsEmergencyPasswordSet bool
	EmergencyUnlockUntil   time.Time
	FailedAttempts         int
	LastFailedAttempt      time.Time
	IsBiometricEnabled     bool
}

// EmergencyActive reports whether an emergency unlock is still in effect at now.
func (s SecuritySettings) EmergencyActive(now time.Time) bool {
	return !s.EmergencyUnlockUntil.IsZero() && now.Before(s.EmergencyUnlockUntil)
}

// UsageEventType mirrors the platform's activity event kinds.
type UsageEventType string

const (
	EventActivityResumed  UsageEventType = "ACTIVITY_RESUMED"
	EventActivityPaused   UsageEventType = "ACTIVITY_PAUSED"
	EventActivityStopped  UsageEventType = "ACTIVITY_STOPPED"
	EventMoveToForeground UsageEventType = "MOVE_TO_FOREGROUND"
	EventMoveToBackground UsageEventType = "MOVE_TO_BACKGROUND"
)

// IsForeground reports whether the event marks an app coming to the foreground.
func (t UsageEventType) IsForeground() bool {
	return t == EventActivityResumed || t == EventMoveToForeground
}

// UsageEvent is one entry of the platform activity event log.
type UsageEvent struct {
	PackageName string
	Type        UsageEventType
	Timestamp   time.Time
}

// UsageStat is an aggregate usage record for one package.
type UsageStat struct {
	PackageName  string
	LastTimeUsed time.Time
}

// UnlockMode selects which secret the lock prompt checks.
type UnlockMode string

const (
	UnlockNormal    UnlockMode = "normal"
	UnlockEmergency UnlockMode = "emergency"
)

// LockCommand asks the monitor to persist a lock for a package right away.
// Delivered by the alarm scheduler when a temporary unlock expires.
type LockCommand struct {
	PackageName string `json:"package_name"`
	AppName     string `json:"app_name"`
}

// Alarm is a pending deferred action. Lock alarms carry the package to
// re-lock; other alarms only have a key.
type Alarm struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	PackageName string    `json:"package_name"`
	AppName     string    `json:"app_name"`
	FireAt      time.Time `json:"fire_at"`
}
