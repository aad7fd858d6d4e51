package api

import (
	"time"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	PID               int            `json:"pid"`
	Version           string         `json:"version"`
	StartedAt         time.Time      `json:"started_at"`
	ForegroundPackage string         `json:"foreground_package"`
	OverlayShowing    bool           `json:"overlay_showing"`
	OverlayPackage    string         `json:"overlay_package,omitempty"`
	ViewState         string         `json:"view_state"`
	LockedCount       int            `json:"locked_count"`
	UnlockedInSession []string       `json:"unlocked_in_session"`
	Alarms            []domain.Alarm `json:"alarms"`
	EmergencyActive   bool           `json:"emergency_active"`
	EmergencyUntil    time.Time      `json:"emergency_until,omitempty"`
}

// LockAppRequest is the body of PUT /apps/{pkg}.
type LockAppRequest struct {
	AppName string `json:"app_name"`
}

// PasswordRequest authorizes a request that weakens protection.
type PasswordRequest struct {
	Password string `json:"password"`
}

// AllowRequest is the body of POST /alarms.
type AllowRequest struct {
	PackageName string `json:"package_name"`
	AppName     string `json:"app_name"`
	Duration    string `json:"duration"` // e.g. "15m"
	Password    string `json:"password"`
}

// SubmitRequest is the body of POST /overlay/submit.
type SubmitRequest struct {
	Secret string            `json:"secret"`
	Mode   domain.UnlockMode `json:"mode,omitempty"`
}

// SubmitResponse reports whether the lock screen accepted the secret.
type SubmitResponse struct {
	Accepted bool `json:"accepted"`
}

// ChangePasswordRequest sets a password. Current is required once a lock
// password exists.
type ChangePasswordRequest struct {
	Current string `json:"current"`
	New     string `json:"new"`
}

// EmergencyResponse describes the emergency unlock period.
type EmergencyResponse struct {
	Active bool      `json:"active"`
	Until  time.Time `json:"until,omitempty"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
