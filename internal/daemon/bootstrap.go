package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/eliteGoblin/focusd/app_lock/internal/config"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// DaemonBinaryPath returns the installed binary if present, otherwise
// the running executable.
func DaemonBinaryPath() (string, error) {
	installed := config.DetectPaths().BinaryPath
	if _, err := os.Stat(installed); err == nil {
		return installed, nil
	}
	return os.Executable()
}

// StartDaemon spawns a detached daemon process for role.
func StartDaemon(role domain.DaemonRole) error {
	path, err := DaemonBinaryPath()
	if err != nil {
		return err
	}
	return StartDaemonWithPath(path, role)
}

// StartDaemonWithPath spawns `<binaryPath> daemon --role <role>` in a new
// session with no stdio.
func StartDaemonWithPath(binaryPath string, role domain.DaemonRole) error {
	cmd := daemonCommand(binaryPath, role)
	return cmd.Start()
}

func daemonCommand(binaryPath string, role domain.DaemonRole) *exec.Cmd {
	cmd := exec.Command(binaryPath, "daemon", "--role", string(role))

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}

// StartBothDaemons starts the monitor, then the guardian.
func StartBothDaemons() error {
	if err := StartDaemon(domain.RoleMonitor); err != nil {
		return err
	}
	return StartDaemon(domain.RoleGuardian)
}
