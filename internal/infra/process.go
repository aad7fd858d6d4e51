// Package infra implements infrastructure concerns (storage, processes, usage sources, windows).
package infra

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// processLister abstracts gopsutil for tests.
type processLister func(ctx context.Context) ([]processInfo, error)

type processInfo struct {
	PID     int32
	Name    string
	Created time.Time
}

// ProcessUsageSource approximates aggregate usage stats from the process
// table. App processes are named after their package, so a process whose
// name looks like a package and that started inside the window counts as
// used at its create time.
type ProcessUsageSource struct {
	list    processLister
	selfPID int32
}

// NewProcessUsageSource creates a usage source backed by gopsutil.
func NewProcessUsageSource() *ProcessUsageSource {
	return &ProcessUsageSource{
		list:    listProcesses,
		selfPID: int32(os.Getpid()),
	}
}

// QueryUsageStats returns one stat per package started in [start, end].
func (s *ProcessUsageSource) QueryUsageStats(ctx context.Context, start, end time.Time) ([]domain.UsageStat, error) {
	procs, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]time.Time)
	for _, p := range procs {
		if p.PID == s.selfPID || !looksLikePackage(p.Name) {
			continue
		}
		if p.Created.Before(start) || p.Created.After(end) {
			continue
		}
		if p.Created.After(latest[p.Name]) {
			latest[p.Name] = p.Created
		}
	}

	stats := make([]domain.UsageStat, 0, len(latest))
	for pkg, ts := range latest {
		stats = append(stats, domain.UsageStat{PackageName: pkg, LastTimeUsed: ts})
	}
	return stats, nil
}

func listProcesses(ctx context.Context) ([]processInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]processInfo, 0, len(procs))
	for _, p := range procs {
		name := processName(ctx, p)
		if name == "" {
			continue // Process may have exited
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, processInfo{
			PID:     p.Pid,
			Name:    name,
			Created: time.UnixMilli(created),
		})
	}
	return infos, nil
}

// processName prefers argv[0] since the kernel truncates comm to 15 bytes.
func processName(ctx context.Context, p *process.Process) string {
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 && args[0] != "" {
		return args[0]
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// looksLikePackage accepts dotted identifiers such as com.example.app.
func looksLikePackage(name string) bool {
	if strings.ContainsAny(name, "/ :") {
		return false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	return true
}

var (
	_ domain.ProcessManager   = (*ProcessManagerImpl)(nil)
	_ domain.UsageStatsSource = (*ProcessUsageSource)(nil)
)
