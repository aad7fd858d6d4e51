package infra

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const (
	dumpsysTimeLayout = "2006-01-02 15:04:05"

	// denialRecheck is how long a permission denial disables the source
	// before the next attempt.
	denialRecheck = 30 * time.Second
)

// Matches event lines of `dumpsys usagestats`:
//
//	time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.app class=...
var eventLine = regexp.MustCompile(`time="([^"]+)"\s+type=(\S+)\s+package=(\S+)`)

// Matches the headers of the interval sections (daily, weekly, ...), each of
// which may repeat events already printed by an earlier one.
var sectionLine = regexp.MustCompile(`^\s*In-memory \S+ stats`)

var permissionDenial = []byte("Permission Denial")

// commandRunner runs a command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DumpsysUsageSource reads the activity event log by running
// `dumpsys usagestats`, locally or through adb.
type DumpsysUsageSource struct {
	command  []string
	run      commandRunner
	lookPath func(string) (string, error)
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	deniedAt time.Time
}

// NewDumpsysUsageSource creates a source running command, e.g.
// ["adb", "shell", "dumpsys", "usagestats"].
func NewDumpsysUsageSource(command []string, logger *zap.Logger) *DumpsysUsageSource {
	return &DumpsysUsageSource{
		command:  command,
		run:      execRunner,
		lookPath: exec.LookPath,
		loc:      time.Local,
		now:      time.Now,
		logger:   logger,
	}
}

// Available reports whether the command exists and usage access was not
// recently denied.
func (s *DumpsysUsageSource) Available(ctx context.Context) bool {
	if len(s.command) == 0 {
		return false
	}
	if _, err := s.lookPath(s.command[0]); err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.deniedAt.IsZero() && s.now().Sub(s.deniedAt) < denialRecheck {
		return false
	}
	return true
}

// QueryEvents returns events with timestamps in [start, end], in log order.
func (s *DumpsysUsageSource) QueryEvents(ctx context.Context, start, end time.Time) ([]domain.UsageEvent, error) {
	out, err := s.run(ctx, s.command[0], s.command[1:]...)
	if bytes.Contains(out, permissionDenial) {
		s.mu.Lock()
		s.deniedAt = s.now()
		s.mu.Unlock()
		s.logger.Debug("usagestats denied, pausing queries", zap.Duration("recheck", denialRecheck))
		return nil, fmt.Errorf("usagestats: %w", domain.ErrPermissionDenied)
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", s.command[0], err)
	}

	s.mu.Lock()
	s.deniedAt = time.Time{}
	s.mu.Unlock()

	// The log is printed in whole seconds.
	start = start.Truncate(time.Second)

	events := parseEvents(out, s.loc)
	filtered := events[:0]
	for _, e := range events {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// parseEvents extracts events from dumpsys output. An event repeated by a
// later interval section is dropped; repeats within one section are real
// (an app can come back to the front within the same second) and are kept.
func parseEvents(out []byte, loc *time.Location) []domain.UsageEvent {
	type key struct {
		ts  int64
		typ string
		pkg string
	}
	seenIn := make(map[key]int)
	section := 0

	var events []domain.UsageEvent
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if sectionLine.Match(line) {
			section++
			continue
		}
		m := eventLine.FindSubmatch(line)
		if m == nil {
			continue
		}
		ts, err := time.ParseInLocation(dumpsysTimeLayout, string(m[1]), loc)
		if err != nil {
			continue
		}
		k := key{ts.Unix(), string(m[2]), string(m[3])}
		if first, ok := seenIn[k]; ok && first != section {
			continue
		}
		seenIn[k] = section
		events = append(events, domain.UsageEvent{
			PackageName: k.pkg,
			Type:        domain.UsageEventType(k.typ),
			Timestamp:   ts,
		})
	}
	return events
}

var _ domain.UsageEventSource = (*DumpsysUsageSource)(nil)
