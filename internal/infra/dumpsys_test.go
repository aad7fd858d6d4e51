package infra

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const sampleDumpsys = `user=0
  In-memory daily stats
  timeRange="2024-01-15 00:00:00 - 2024-01-15 10:24:00"
    events
      time="2024-01-15 10:23:40" type=ACTIVITY_PAUSED package=com.android.launcher3 class=Launcher
      time="2024-01-15 10:23:41" type=ACTIVITY_RESUMED package=com.example.chat class=Main
      time="2024-01-15 10:23:45" type=MOVE_TO_FOREGROUND package=com.example.mail class=Inbox
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.mail class=Inbox
      time="2024-01-15 09:00:00" type=ACTIVITY_RESUMED package=com.example.old class=Main
  In-memory weekly stats
    events
      time="2024-01-15 10:23:41" type=ACTIVITY_RESUMED package=com.example.chat class=Main
`

func newTestDumpsys(out string, runErr error) *DumpsysUsageSource {
	s := NewDumpsysUsageSource([]string{"dumpsys", "usagestats"}, zap.NewNop())
	s.loc = time.UTC
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), runErr
	}
	s.lookPath = func(string) (string, error) { return "/system/bin/dumpsys", nil }
	return s
}

func TestDumpsysUsageSource_QueryEvents(t *testing.T) {
	s := newTestDumpsys(sampleDumpsys, nil)
	start := time.Date(2024, 1, 15, 10, 23, 36, 0, time.UTC)
	end := time.Date(2024, 1, 15, 10, 23, 46, 0, time.UTC)

	events, err := s.QueryEvents(context.Background(), start, end)
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, domain.EventActivityPaused, events[0].Type)
	assert.Equal(t, "com.example.chat", events[1].PackageName)
	assert.Equal(t, domain.EventMoveToForeground, events[2].Type)
	assert.Equal(t, domain.EventActivityResumed, events[3].Type)
	assert.Equal(t, "com.example.mail", events[3].PackageName)
	assert.Equal(t, end.Add(-time.Second), events[3].Timestamp)
}

func TestDumpsysUsageSource_PermissionDenied(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s := newTestDumpsys("Permission Denial: can't dump UsageStats from pid=123, uid=2000", &exec.ExitError{})
	s.now = func() time.Time { return now }

	assert.True(t, s.Available(context.Background()))

	_, err := s.QueryEvents(context.Background(), now.Add(-10*time.Second), now)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.False(t, s.Available(context.Background()))

	now = now.Add(denialRecheck)
	assert.True(t, s.Available(context.Background()))
}

func TestDumpsysUsageSource_RunError(t *testing.T) {
	s := newTestDumpsys("", errors.New("device offline"))
	_, err := s.QueryEvents(context.Background(), time.Now().Add(-time.Second), time.Now())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestDumpsysUsageSource_Available(t *testing.T) {
	s := newTestDumpsys("", nil)
	s.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	assert.False(t, s.Available(context.Background()))

	empty := NewDumpsysUsageSource(nil, zap.NewNop())
	assert.False(t, empty.Available(context.Background()))
}

func TestParseEvents_SkipsNoise(t *testing.T) {
	out := []byte(`
Last 24 hour events (timeRange="..." )
  time="not a time" type=ACTIVITY_RESUMED package=com.bad
  config changes
  time="2024-01-15 10:00:00" type=ACTIVITY_STOPPED package=com.example.chat class=Main
`)
	events := parseEvents(out, time.UTC)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventActivityStopped, events[0].Type)
}

func TestParseEvents_SameSecondReturn(t *testing.T) {
	out := []byte(`  In-memory daily stats
    events
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.locked class=Main
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.other class=Main
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.locked class=Main
  In-memory weekly stats
    events
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.locked class=Main
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.other class=Main
      time="2024-01-15 10:23:45" type=ACTIVITY_RESUMED package=com.example.locked class=Main
`)
	events := parseEvents(out, time.UTC)

	pkgs := make([]string, 0, len(events))
	for _, e := range events {
		pkgs = append(pkgs, e.PackageName)
	}
	assert.Equal(t, []string{"com.example.locked", "com.example.other", "com.example.locked"}, pkgs)

	// The last foreground event scanned is what the reader reports on a tie.
	var last string
	for _, e := range events {
		if e.Type.IsForeground() {
			last = e.PackageName
		}
	}
	assert.Equal(t, "com.example.locked", last)
}
