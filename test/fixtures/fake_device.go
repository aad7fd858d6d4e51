// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const eventTimeLayout = "2006-01-02 15:04:05"

// FakeDevice stands in for a device's usage service: a `dumpsys` script
// that prints an event log the test appends to.
type FakeDevice struct {
	Dir string

	mu sync.Mutex
}

// NewFakeDevice creates a fake device rooted at dir.
func NewFakeDevice(dir string) *FakeDevice {
	return &FakeDevice{Dir: dir}
}

// Create writes the dumpsys script and an empty event log.
func (f *FakeDevice) Create() error {
	if err := os.WriteFile(f.logPath(), []byte("Last 24 hours:\n"), 0644); err != nil {
		return err
	}
	script := fmt.Sprintf("#!/bin/sh\ncat %q\n", f.logPath())
	return os.WriteFile(f.ScriptPath(), []byte(script), 0755)
}

// ScriptPath is the command to configure as the usage source.
func (f *FakeDevice) ScriptPath() string {
	return filepath.Join(f.Dir, "dumpsys")
}

// Open records pkg coming to the foreground now.
func (f *FakeDevice) Open(pkg string) error {
	return f.appendEvent(time.Now(), "ACTIVITY_RESUMED", pkg)
}

// Leave records pkg going to the background now.
func (f *FakeDevice) Leave(pkg string) error {
	return f.appendEvent(time.Now(), "ACTIVITY_PAUSED", pkg)
}

// DenyAccess makes the usage service answer with a permission error.
func (f *FakeDevice) DenyAccess() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := "Permission Denial: can't dump UsageStats from pid=1, uid=2000\n"
	return os.WriteFile(f.logPath(), []byte(msg), 0644)
}

func (f *FakeDevice) appendEvent(at time.Time, typ, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.logPath(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = fmt.Fprintf(file, "    time=\"%s\" type=%s package=%s class=%s.MainActivity instanceId=1\n",
		at.Format(eventTimeLayout), typ, pkg, pkg)
	return err
}

func (f *FakeDevice) logPath() string {
	return filepath.Join(f.Dir, "usagestats.txt")
}
