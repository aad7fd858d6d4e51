// Package config loads daemon configuration from defaults, an optional
// TOML file, an optional env file and APPLOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	configFileName = "config.toml"
	envFileName    = "applock.env"

	// DefaultSelfPackage is the package name of the locker itself; it is never locked.
	DefaultSelfPackage = "com.focusd.applock"
)

// Duration is a time.Duration that reads and writes as "500ms", "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all daemon configuration.
type Config struct {
	Monitor  MonitorConfig  `toml:"monitor"`
	Usage    UsageConfig    `toml:"usage"`
	Overlay  OverlayConfig  `toml:"overlay"`
	Security SecurityConfig `toml:"security"`
	API      APIConfig      `toml:"api"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
	Guardian GuardianConfig `toml:"guardian"`
}

// MonitorConfig controls the foreground polling loop.
type MonitorConfig struct {
	PollInterval         Duration `toml:"poll_interval"`
	ErrorBackoff         Duration `toml:"error_backoff"`
	CacheRetry           Duration `toml:"cache_retry"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	PartnerCheckInterval Duration `toml:"partner_check_interval"`
	SelfPackage          string   `toml:"self_package"`
}

// UsageConfig controls foreground detection.
type UsageConfig struct {
	// Command prints the platform usage event log, e.g.
	// ["adb", "shell", "dumpsys", "usagestats"] when driving a device over USB.
	Command        []string `toml:"command"`
	EventWindow    Duration `toml:"event_window"`
	FallbackWindow Duration `toml:"fallback_window"`
	// TieBreak picks between events sharing a timestamp: "last" or "first" scanned.
	TieBreak string `toml:"tie_break"`
}

// OverlayConfig selects the lock surface.
type OverlayConfig struct {
	// Window is "terminal" (prompt on TTY) or "headless" (passwords via API).
	Window string `toml:"window"`
	TTY    string `toml:"tty"`
}

// SecurityConfig controls password handling.
type SecurityConfig struct {
	FailureThreshold        int      `toml:"failure_threshold"`
	EmergencyUnlockDuration Duration `toml:"emergency_unlock_duration"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Addr string `toml:"addr"`
}

// StorageConfig controls where state lives.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	ErrorFile string `toml:"error_file"`
}

// GuardianConfig controls the partner daemon.
type GuardianConfig struct {
	CheckInterval     Duration `toml:"check_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	RestartGrace      Duration `toml:"restart_grace"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Monitor: MonitorConfig{
			PollInterval:         Duration{500 * time.Millisecond},
			ErrorBackoff:         Duration{time.Second},
			CacheRetry:           Duration{time.Second},
			HeartbeatInterval:    Duration{30 * time.Second},
			PartnerCheckInterval: Duration{60 * time.Second},
			SelfPackage:          DefaultSelfPackage,
		},
		Usage: UsageConfig{
			Command:        []string{"dumpsys", "usagestats"},
			EventWindow:    Duration{10 * time.Second},
			FallbackWindow: Duration{60 * time.Second},
			TieBreak:       "last",
		},
		Overlay: OverlayConfig{
			Window: "headless",
			TTY:    "/dev/tty",
		},
		Security: SecurityConfig{
			FailureThreshold:        3,
			EmergencyUnlockDuration: Duration{24 * time.Hour},
		},
		API: APIConfig{
			Addr: "127.0.0.1:7767",
		},
		Storage: StorageConfig{
			DataDir: DetectPaths().DataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Guardian: GuardianConfig{
			CheckInterval:     Duration{30 * time.Second},
			HeartbeatInterval: Duration{30 * time.Second},
			RestartGrace:      Duration{time.Minute},
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// <data_dir>/config.toml is used if it exists.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if err := loadEnvFile(cfg.Storage.DataDir); err != nil {
		return cfg, err
	}
	if dir := os.Getenv("APPLOCK_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}

	if path == "" {
		path = os.Getenv("APPLOCK_CONFIG")
	}
	if path == "" {
		path = filepath.Join(cfg.Storage.DataDir, configFileName)
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config to <data_dir>/config.toml.
func Save(cfg Config) error {
	path := filepath.Join(cfg.Storage.DataDir, configFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.Monitor.PollInterval.Duration <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Usage.EventWindow.Duration <= 0 || c.Usage.FallbackWindow.Duration <= 0 {
		return fmt.Errorf("usage windows must be positive")
	}
	if len(c.Usage.Command) == 0 {
		return fmt.Errorf("usage.command must not be empty")
	}
	switch c.Usage.TieBreak {
	case "last", "first":
	default:
		return fmt.Errorf("usage.tie_break must be \"last\" or \"first\", got %q", c.Usage.TieBreak)
	}
	switch c.Overlay.Window {
	case "terminal", "headless":
	default:
		return fmt.Errorf("overlay.window must be \"terminal\" or \"headless\", got %q", c.Overlay.Window)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	return nil
}

// LogPath returns the daemon log file.
func (c Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.Storage.DataDir, "applock.log")
}

// ErrorLogPath returns the daemon error log file.
func (c Config) ErrorLogPath() string {
	if c.Logging.ErrorFile != "" {
		return c.Logging.ErrorFile
	}
	return filepath.Join(c.Storage.DataDir, "applock.error.log")
}

// APIBaseURL returns the URL clients use to reach the control API.
func (c Config) APIBaseURL() string {
	return "http://" + c.API.Addr
}

// loadEnvFile reads APPLOCK_ENV_FILE or <dataDir>/applock.env into the
// process environment. Existing variables win.
func loadEnvFile(dataDir string) error {
	path := os.Getenv("APPLOCK_ENV_FILE")
	if path == "" {
		path = filepath.Join(dataDir, envFileName)
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("APPLOCK_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("APPLOCK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("APPLOCK_SELF_PACKAGE"); v != "" {
		cfg.Monitor.SelfPackage = v
	}
	if v := os.Getenv("APPLOCK_OVERLAY"); v != "" {
		cfg.Overlay.Window = v
	}
	if v := os.Getenv("APPLOCK_USAGE_COMMAND"); v != "" {
		cfg.Usage.Command = strings.Fields(v)
	}
	if v := os.Getenv("APPLOCK_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("APPLOCK_POLL_INTERVAL: %w", err)
		}
		cfg.Monitor.PollInterval = Duration{d}
	}
	return nil
}
