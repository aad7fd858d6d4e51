package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	storeDBName = "applock.db"
)

// Store implements domain.LockedAppStore, domain.SettingsStore,
// domain.AlarmStore and domain.DaemonRegistry on a SQLCipher encrypted
// SQLite database.
type Store struct {
	db             *sql.DB
	dbPath         string
	processManager domain.ProcessManager
	logger         *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// subscriber holds the latest locked-app snapshot not yet read.
type subscriber struct {
	ch chan []domain.LockedApp
}

// offer replaces any unread snapshot with apps. Callers hold Store.mu.
func (s *subscriber) offer(apps []domain.LockedApp) {
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- apps:
	default:
	}
}

// NewStore opens (or creates) the encrypted database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewStore(dataDir string, key []byte, pm domain.ProcessManager, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	// SQLite is single-writer; the monitor and guardian share the file.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:             db,
		dbPath:         dbPath,
		processManager: pm,
		logger:         logger,
		subs:           make(map[*subscriber]struct{}),
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daemon_state (
		role TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		app_version TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS locked_apps (
		package_name TEXT PRIMARY KEY,
		app_name TEXT NOT NULL,
		is_locked INTEGER NOT NULL DEFAULT 1,
		lock_date INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS temp_locked_apps (
		package_name TEXT PRIMARY KEY,
		app_name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alarms (
		alarm_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		package_name TEXT NOT NULL DEFAULT '',
		app_name TEXT NOT NULL DEFAULT '',
		fire_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS security_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		is_password_set INTEGER NOT NULL DEFAULT 0,
		password TEXT NOT NULL DEFAULT '',
		emergency_password TEXT NOT NULL DEFAULT '',
		is_emergency_password_set INTEGER NOT NULL DEFAULT 0,
		emergency_unlock_until INTEGER NOT NULL DEFAULT 0,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		last_failed_attempt INTEGER NOT NULL DEFAULT 0,
		is_biometric_enabled INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetDBPath returns the database file path.
func (s *Store) GetDBPath() string {
	return s.dbPath
}

// Close releases the database connection and ends all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- domain.LockedAppStore implementation ---

// ObserveLockedApps emits the locked list now and after every mutation.
// A slow reader only ever sees the newest list.
func (s *Store) ObserveLockedApps(ctx context.Context) (<-chan []domain.LockedApp, error) {
	apps, err := s.ListLockedApps(ctx)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan []domain.LockedApp, 1)}
	sub.ch <- apps

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}()

	return sub.ch, nil
}

// notify pushes the current locked list to every subscriber.
func (s *Store) notify(ctx context.Context) {
	apps, err := s.ListLockedApps(ctx)
	if err != nil {
		s.logger.Warn("failed to load locked apps for subscribers", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.offer(apps)
	}
}

// ListLockedApps returns the apps currently locked, ordered by name.
func (s *Store) ListLockedApps(ctx context.Context) ([]domain.LockedApp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT package_name, app_name, is_locked, lock_date FROM locked_apps
		 WHERE is_locked = 1 ORDER BY app_name, package_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.LockedApp, 0)
	for rows.Next() {
		var app domain.LockedApp
		var lockDate int64
		if err := rows.Scan(&app.PackageName, &app.AppName, &app.IsLocked, &lockDate); err != nil {
			return nil, err
		}
		app.LockDate = fromMillis(lockDate)
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// IsAppLocked checks a single package.
func (s *Store) IsAppLocked(ctx context.Context, packageName string) (bool, error) {
	var locked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM locked_apps WHERE package_name = ? AND is_locked = 1)`,
		packageName).Scan(&locked)
	return locked, err
}

// LockApp inserts or replaces a locked app stamped with the current time.
func (s *Store) LockApp(ctx context.Context, packageName, appName string) error {
	if packageName == "" {
		return fmt.Errorf("package name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO locked_apps (package_name, app_name, is_locked, lock_date)
		 VALUES (?, ?, 1, ?)`,
		packageName, appName, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// UnlockApp deletes a package from the locked set.
func (s *Store) UnlockApp(ctx context.Context, packageName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locked_apps WHERE package_name = ?`, packageName); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// UnlockAllApps clears the lock flag on every app.
func (s *Store) UnlockAllApps(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE locked_apps SET is_locked = 0 WHERE is_locked = 1`); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// GetTempLockedApps returns the emergency-unlock snapshot.
func (s *Store) GetTempLockedApps(ctx context.Context) ([]domain.TempLockedApp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package_name, app_name FROM temp_locked_apps ORDER BY package_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.TempLockedApp, 0)
	for rows.Next() {
		var app domain.TempLockedApp
		if err := rows.Scan(&app.PackageName, &app.AppName); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// InsertTempLockedApps adds apps to the emergency-unlock snapshot in one transaction.
func (s *Store) InsertTempLockedApps(ctx context.Context, apps []domain.TempLockedApp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, app := range apps {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO temp_locked_apps (package_name, app_name) VALUES (?, ?)`,
			app.PackageName, app.AppName); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearTempLockedApps drops the emergency-unlock snapshot.
func (s *Store) ClearTempLockedApps(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM temp_locked_apps`)
	return err
}

// --- domain.SettingsStore implementation ---

// GetSecuritySettings returns the singleton record, or zero values if never saved.
func (s *Store) GetSecuritySettings(ctx context.Context) (domain.SecuritySettings, error) {
	var st domain.SecuritySettings
	var until, lastFailed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT is_password_set, password, emergency_password, is_emergency_password_set,
		       emergency_unlock_until, failed_attempts, last_failed_attempt, is_biometric_enabled
		FROM security_settings WHERE id = 1`).Scan(
		&st.IsPasswordSet, &st.Password, &st.EmergencyPassword, &st.IsEmergencyPasswordSet,
		&until, &st.FailedAttempts, &lastFailed, &st.IsBiometricEnabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SecuritySettings{}, nil
	}
	if err != nil {
		return domain.SecuritySettings{}, err
	}
	st.EmergencyUnlockUntil = fromMillis(until)
	st.LastFailedAttempt = fromMillis(lastFailed)
	return st, nil
}

// SaveSecuritySettings replaces the singleton record.
func (s *Store) SaveSecuritySettings(ctx context.Context, st domain.SecuritySettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO security_settings (
			id, is_password_set, password, emergency_password, is_emergency_password_set,
			emergency_unlock_until, failed_attempts, last_failed_attempt, is_biometric_enabled
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.IsPasswordSet, st.Password, st.EmergencyPassword, st.IsEmergencyPasswordSet,
		toMillis(st.EmergencyUnlockUntil), st.FailedAttempts, toMillis(st.LastFailedAttempt), st.IsBiometricEnabled,
	)
	return err
}

// DeleteSecuritySettings resets the record to defaults.
func (s *Store) DeleteSecuritySettings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM security_settings`)
	return err
}

// --- domain.AlarmStore implementation ---

// SaveAlarm inserts or replaces the alarm under its key.
func (s *Store) SaveAlarm(ctx context.Context, alarm domain.Alarm) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alarms (alarm_key, id, package_name, app_name, fire_at)
		VALUES (?, ?, ?, ?, ?)`,
		alarm.Key, alarm.ID, alarm.PackageName, alarm.AppName, toMillis(alarm.FireAt),
	)
	return err
}

// DeleteAlarm removes the alarm with key, if any.
func (s *Store) DeleteAlarm(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE alarm_key = ?`, key)
	return err
}

// ListAlarms returns saved alarms, soonest first.
func (s *Store) ListAlarms(ctx context.Context) ([]domain.Alarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alarm_key, id, package_name, app_name, fire_at FROM alarms ORDER BY fire_at, alarm_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alarms := make([]domain.Alarm, 0)
	for rows.Next() {
		var a domain.Alarm
		var fireAt int64
		if err := rows.Scan(&a.Key, &a.ID, &a.PackageName, &a.AppName, &fireAt); err != nil {
			return nil, err
		}
		a.FireAt = fromMillis(fireAt)
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

// --- domain.DaemonRegistry implementation ---

// Register saves the daemon's PID under its role.
func (s *Store) Register(daemon domain.Daemon) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_state (role, pid, last_heartbeat, app_version)
		VALUES (?, ?, ?, ?)`,
		string(daemon.Role), daemon.PID, time.Now().Unix(), daemon.AppVersion,
	)
	return err
}

// UpdateHeartbeat updates timestamp for liveness check.
func (s *Store) UpdateHeartbeat(role domain.DaemonRole) error {
	result, err := s.db.Exec(`UPDATE daemon_state SET last_heartbeat = ? WHERE role = ?`,
		time.Now().Unix(), string(role))
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("daemon %s not registered: %w", role, domain.ErrNotFound)
	}
	return nil
}

// IsPartnerAlive checks if the partner daemon is running via PID.
func (s *Store) IsPartnerAlive(role domain.DaemonRole) (bool, error) {
	partner := domain.RoleGuardian
	if role == domain.RoleGuardian {
		partner = domain.RoleMonitor
	}

	var pid int
	err := s.db.QueryRow(`SELECT pid FROM daemon_state WHERE role = ?`, string(partner)).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) || pid == 0 {
		return false, nil // Partner not registered = not alive
	}
	if err != nil {
		return false, err
	}
	return s.processManager.IsRunning(pid), nil
}

// GetAll returns full registry state, or nil when nothing is registered.
func (s *Store) GetAll() (*domain.RegistryEntry, error) {
	rows, err := s.db.Query(`SELECT role, pid, last_heartbeat, app_version FROM daemon_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entry := &domain.RegistryEntry{}
	found := false
	for rows.Next() {
		var role string
		var pid int
		var heartbeat int64
		var appVersion string
		if err := rows.Scan(&role, &pid, &heartbeat, &appVersion); err != nil {
			return nil, err
		}
		found = true
		switch domain.DaemonRole(role) {
		case domain.RoleMonitor:
			entry.MonitorPID = pid
			entry.AppVersion = appVersion
		case domain.RoleGuardian:
			entry.GuardianPID = pid
		}
		if heartbeat > entry.LastHeartbeat {
			entry.LastHeartbeat = heartbeat
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}
	return entry, nil
}

// Clear removes all daemon state (for clean restart).
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM daemon_state`)
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Ensure Store implements the domain interfaces.
var (
	_ domain.LockedAppStore = (*Store)(nil)
	_ domain.SettingsStore  = (*Store)(nil)
	_ domain.AlarmStore     = (*Store)(nil)
	_ domain.DaemonRegistry = (*Store)(nil)
)
