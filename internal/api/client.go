package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// Error is a non-2xx response from the control API. It unwraps to the
// matching domain sentinel so callers can use errors.Is.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("applock api: %s (%d)", e.Message, e.Status)
}

// Unwrap maps the HTTP status back to a domain error.
func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return domain.ErrIncorrectPassword
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrPasswordNotSet
	}
	return nil
}

// Client talks to a running monitor's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:7767.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the monitor state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// ListApps returns the locked apps.
func (c *Client) ListApps(ctx context.Context) ([]domain.LockedApp, error) {
	var apps []domain.LockedApp
	err := c.do(ctx, http.MethodGet, "/apps", nil, &apps)
	return apps, err
}

// LockApp locks pkg. appName may be empty.
func (c *Client) LockApp(ctx context.Context, pkg, appName string) error {
	return c.do(ctx, http.MethodPut, "/apps/"+url.PathEscape(pkg), LockAppRequest{AppName: appName}, nil)
}

// UnlockApp removes pkg from the locked set.
func (c *Client) UnlockApp(ctx context.Context, pkg, password string) error {
	return c.do(ctx, http.MethodDelete, "/apps/"+url.PathEscape(pkg), PasswordRequest{Password: password}, nil)
}

// UnlockAll clears every lock.
func (c *Client) UnlockAll(ctx context.Context, password string) error {
	return c.do(ctx, http.MethodPost, "/apps/unlock-all", PasswordRequest{Password: password}, nil)
}

// SubmitLock queues a lock command with the monitor.
func (c *Client) SubmitLock(ctx context.Context, cmd domain.LockCommand) error {
	return c.do(ctx, http.MethodPost, "/commands/lock", cmd, nil)
}

// Alarms lists pending deferred actions.
func (c *Client) Alarms(ctx context.Context) ([]domain.Alarm, error) {
	var alarms []domain.Alarm
	err := c.do(ctx, http.MethodGet, "/alarms", nil, &alarms)
	return alarms, err
}

// Allow unlocks pkg for d, after which it locks again.
func (c *Client) Allow(ctx context.Context, pkg, appName string, d time.Duration, password string) (domain.Alarm, error) {
	var alarm domain.Alarm
	err := c.do(ctx, http.MethodPost, "/alarms", AllowRequest{
		PackageName: pkg,
		AppName:     appName,
		Duration:    d.String(),
		Password:    password,
	}, &alarm)
	return alarm, err
}

// EndAllow locks pkg now and drops its pending re-lock.
func (c *Client) EndAllow(ctx context.Context, pkg string) error {
	return c.do(ctx, http.MethodDelete, "/alarms/"+url.PathEscape(pkg), nil, nil)
}

// Submit enters a secret on the lock screen.
func (c *Client) Submit(ctx context.Context, secret string, mode domain.UnlockMode) (bool, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "/overlay/submit", SubmitRequest{Secret: secret, Mode: mode}, &resp)
	return resp.Accepted, err
}

// SetPassword sets or changes the lock password.
func (c *Client) SetPassword(ctx context.Context, current, next string) error {
	return c.do(ctx, http.MethodPut, "/settings/password", ChangePasswordRequest{Current: current, New: next}, nil)
}

// SetEmergencyPassword sets the emergency password.
func (c *Client) SetEmergencyPassword(ctx context.Context, current, next string) error {
	return c.do(ctx, http.MethodPut, "/settings/emergency-password", ChangePasswordRequest{Current: current, New: next}, nil)
}

// Emergency reports the emergency unlock period.
func (c *Client) Emergency(ctx context.Context) (EmergencyResponse, error) {
	var resp EmergencyResponse
	err := c.do(ctx, http.MethodGet, "/emergency", nil, &resp)
	return resp, err
}

// Relock ends an emergency unlock early.
func (c *Client) Relock(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/emergency/relock", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if json.Unmarshal(data, &eb) != nil || eb.Error.Message == "" {
			eb.Error.Message = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Message: eb.Error.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
