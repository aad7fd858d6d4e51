// Package main is the CLI entry point for applock.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/app_lock/internal/api"
	"github.com/eliteGoblin/focusd/app_lock/internal/config"
	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "applock",
	Short: "App locker - puts a password screen in front of chosen apps",
	Long: `applock watches which app is in the foreground and covers locked
apps with a password screen. Once unlocked, an app stays unlocked until
you switch away from it.

Emergency passwords suspend every lock for a fixed period.`,
	Version:      Version,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the monitor and guardian daemons",
	Long: `Starts the monitor daemon, which enforces locks, and the guardian,
which restarts the monitor if it dies. They watch each other.`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and lock status",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden daemon command - used for self-exec when spawning daemons
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	configPath string
	daemonRole string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data_dir>/config.toml)")
	daemonCmd.Flags().StringVar(&daemonRole, "role", "", "Daemon role (monitor/guardian)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
	addAppCommands(rootCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newClient(cfg config.Config) *api.Client {
	return api.NewClient(cfg.APIBaseURL())
}

// openStore opens the encrypted database for read-mostly CLI use.
func openStore(cfg config.Config, logger *zap.Logger) (*infra.Store, error) {
	key, err := infra.EnsureKey(infra.NewKeyProvider(cfg.Storage.DataDir))
	if err != nil {
		return nil, fmt.Errorf("load database key: %w", err)
	}
	return infra.NewStore(cfg.Storage.DataDir, key, infra.NewProcessManager(), logger)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := config.DetectPaths()
	fmt.Printf("Execution mode: %s\n", paths.Mode)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger := zap.NewNop()
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	entry, _ := store.GetAll()
	store.Close()

	pm := infra.NewProcessManager()
	if entry != nil && pm.IsRunning(entry.MonitorPID) && pm.IsRunning(entry.GuardianPID) {
		fmt.Println("applock is already running")
		return nil
	}

	currentExecPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if currentExecPath != paths.BinaryPath {
		if err := os.MkdirAll(filepath.Dir(paths.BinaryPath), 0755); err != nil {
			fmt.Printf("Warning: Could not create binary directory: %v\n", err)
		} else if err := copyBinary(currentExecPath, paths.BinaryPath); err != nil {
			fmt.Printf("Warning: Could not copy binary to %s: %v\n", paths.BinaryPath, err)
		} else {
			fmt.Printf("Installed binary to %s\n", paths.BinaryPath)
		}
	}

	if err := daemon.StartBothDaemons(); err != nil {
		return fmt.Errorf("failed to start daemons: %w", err)
	}

	client := newClient(cfg)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := waitHealthy(ctx, client); err != nil {
		fmt.Printf("Warning: control API not answering yet: %v\n", err)
		fmt.Printf("         see %s\n", cfg.ErrorLogPath())
	}

	fmt.Println("\n=== applock Started ===")
	fmt.Printf("Data dir: %s\n", cfg.Storage.DataDir)
	fmt.Printf("Control API: %s\n", cfg.APIBaseURL())
	fmt.Printf("Lock screen: %s\n", cfg.Overlay.Window)
	fmt.Println("\nDaemons are running in the background.")
	fmt.Println("=======================")
	return nil
}

func waitHealthy(ctx context.Context, client *api.Client) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := client.Health(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}

// copyBinary copies the binary file to destination using atomic write pattern.
// Writes to temp file first, syncs, chmods, then renames to avoid corruption.
func copyBinary(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".applock-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err = os.Chmod(tmpPath, 0755); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, apiErr := newClient(cfg).Status(cmd.Context())
	if jsonOutput {
		if apiErr != nil {
			return apiErr
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Println("\n=== applock Status ===")

	pm := infra.NewProcessManager()
	store, err := openStore(cfg, zap.NewNop())
	var entry *domain.RegistryEntry
	if err == nil {
		entry, _ = store.GetAll()
		store.Close()
	}

	monitorAlive := entry != nil && pm.IsRunning(entry.MonitorPID)
	guardianAlive := entry != nil && pm.IsRunning(entry.GuardianPID)
	switch {
	case monitorAlive && guardianAlive:
		fmt.Println("Status: RUNNING")
	case monitorAlive || guardianAlive:
		fmt.Println("Status: DEGRADED")
		if !monitorAlive {
			fmt.Println("        Monitor is down (will be restarted by guardian)")
		}
		if !guardianAlive {
			fmt.Println("        Guardian is down (will be restarted by monitor)")
		}
	default:
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'applock start' to enable locking.")
		return nil
	}

	if entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	if apiErr != nil {
		fmt.Printf("Control API: unreachable (%v)\n", apiErr)
		return nil
	}

	fmt.Printf("Version: %s (pid %d)\n", st.Version, st.PID)
	fmt.Printf("Foreground: %s\n", orDash(st.ForegroundPackage))
	if st.OverlayShowing {
		fmt.Printf("Lock screen: showing for %s\n", st.OverlayPackage)
	} else {
		fmt.Printf("Lock screen: hidden (%s)\n", st.ViewState)
	}
	fmt.Printf("Locked apps: %d\n", st.LockedCount)
	for _, pkg := range st.UnlockedInSession {
		fmt.Printf("Unlocked this session: %s\n", pkg)
	}
	if st.EmergencyActive {
		fmt.Printf("Emergency unlock until %s\n", st.EmergencyUntil.Local().Format(time.RFC1123))
	}
	for _, a := range st.Alarms {
		if a.PackageName == "" {
			continue
		}
		fmt.Printf("Re-locks %s in %s\n", a.PackageName, time.Until(a.FireAt).Round(time.Second))
	}
	fmt.Println("======================")
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func createLogger(cfg config.Config) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{cfg.LogPath()}
	zc.ErrorOutputPaths = []string{cfg.ErrorLogPath()}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("applock %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// explain turns common API errors into CLI hints.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrIncorrectPassword):
		return fmt.Errorf("incorrect password")
	case errors.Is(err, domain.ErrPasswordNotSet):
		return fmt.Errorf("no lock password set; run 'applock passwd' first")
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%w\n(is the daemon running? try 'applock start')", err)
}
