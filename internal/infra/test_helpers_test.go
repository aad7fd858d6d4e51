package infra

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	runningPIDs map[int]bool
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
	}
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.runningPIDs[pid] = running
}

// newTestStore creates an encrypted store in a temp directory for testing.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewStore(dataDir, key, newMockProcessManager(), zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s, dataDir
}

// newTestStoreWithPM creates an encrypted store with a custom process manager.
func newTestStoreWithPM(t *testing.T, pm *mockProcessManager) *Store {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewStore(t.TempDir(), key, pm, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}
