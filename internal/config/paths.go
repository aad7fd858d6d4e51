package config

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as an unprivileged user.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root (system-wide data directory).
	ExecModeSystem ExecMode = "system"
)

// Paths holds install and data locations for an execution mode.
type Paths struct {
	Mode       ExecMode
	BinaryPath string // Where the binary is expected to live
	DataDir    string // Where the encrypted database, key and logs live
	IsRoot     bool
}

// DetectPaths determines locations based on effective UID.
func DetectPaths() Paths {
	if os.Geteuid() == 0 {
		return Paths{
			Mode:       ExecModeSystem,
			BinaryPath: "/usr/local/bin/applock",
			DataDir:    "/var/lib/applock",
			IsRoot:     true,
		}
	}

	home := RealUserHome()
	return Paths{
		Mode:       ExecModeUser,
		BinaryPath: filepath.Join(home, ".local", "bin", "applock"),
		DataDir:    filepath.Join(home, ".applock"),
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// RealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns the root home, so SUDO_USER wins.
func RealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
