package usecase

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const selfPkg = "com.focusd.applock"

func newTestController(locked mockLockedSet) (*LockController, *mockReader, *mockOverlay) {
	reader := &mockReader{}
	overlay := &mockOverlay{}
	return NewLockController(reader, locked, overlay, selfPkg, zap.NewNop()), reader, overlay
}

func tickTo(c *LockController, r *mockReader, pkg string) {
	r.pkg = pkg
	c.Tick(context.Background())
}

func TestLockController_Scenarios(t *testing.T) {
	c, reader, overlay := newTestController(mockLockedSet{"com.x": true})

	// A: none -> com.x shows the lock.
	tickTo(c, reader, "com.x")
	s := c.Snapshot()
	assert.True(t, s.OverlayShowing)
	assert.Equal(t, "com.x", s.CurrentLockedPackage)
	assert.Equal(t, []string{"show:com.x"}, overlay.calls)

	// B: password success unlocks for the session and hides.
	require.NotNil(t, overlay.onUnlock)
	overlay.onUnlock()
	s = c.Snapshot()
	assert.False(t, s.OverlayShowing)
	assert.Empty(t, s.CurrentLockedPackage)
	assert.Equal(t, []string{"com.x"}, s.Unlocked())
	assert.Equal(t, []string{"show:com.x", "hide"}, overlay.calls)

	// C: leaving com.x evicts it; coming back locks again.
	overlay.reset()
	tickTo(c, reader, "com.y")
	assert.Empty(t, c.Snapshot().Unlocked())
	assert.Empty(t, overlay.calls)

	tickTo(c, reader, "com.x")
	assert.True(t, c.Snapshot().OverlayShowing)
	assert.Equal(t, []string{"show:com.x"}, overlay.calls)
}

func TestLockController_EmptyCacheNeverShows(t *testing.T) {
	c, reader, overlay := newTestController(mockLockedSet{})

	for _, pkg := range []string{"com.a", "com.b", "com.x", selfPkg, "com.a"} {
		tickTo(c, reader, pkg)
	}
	assert.Empty(t, overlay.calls)
	assert.False(t, c.Snapshot().OverlayShowing)
}

func TestLockController_EmptyForegroundIsIgnored(t *testing.T) {
	c, reader, overlay := newTestController(mockLockedSet{"com.x": true})
	tickTo(c, reader, "com.x")
	overlay.reset()

	// Usage access lost: nothing changes and later ticks still work.
	tickTo(c, reader, "")
	tickTo(c, reader, "")
	s := c.Snapshot()
	assert.True(t, s.OverlayShowing)
	assert.Equal(t, "com.x", s.LastForegroundPackage)
	assert.Empty(t, overlay.calls)

	tickTo(c, reader, "com.y")
	assert.Equal(t, []string{"hide"}, overlay.calls)
}

func TestLockController_SelfExclusion(t *testing.T) {
	c, reader, overlay := newTestController(mockLockedSet{selfPkg: true, "com.x": true})

	tickTo(c, reader, selfPkg)
	assert.Empty(t, overlay.calls)
	assert.False(t, c.Snapshot().OverlayShowing)

	// While locked on com.x, switching to ourselves leaves the lock alone.
	tickTo(c, reader, "com.x")
	overlay.reset()
	tickTo(c, reader, selfPkg)
	assert.Empty(t, overlay.calls)
	assert.True(t, c.Snapshot().OverlayShowing)
}

func TestLockController_Idempotent(t *testing.T) {
	c, _, overlay := newTestController(mockLockedSet{"com.x": true, "com.z": true})

	c.OnForegroundChange("com.x", "")
	c.OnForegroundChange("com.x", "com.x")
	c.OnForegroundChange("com.x", "")
	assert.Equal(t, []string{"show:com.x"}, overlay.calls)

	// Locked to locked: still showing, now guarding com.z.
	c.OnForegroundChange("com.z", "com.x")
	assert.Equal(t, []string{"show:com.x", "retarget:com.z"}, overlay.calls)
	assert.Equal(t, "com.z", c.Snapshot().CurrentLockedPackage)

	c.OnForegroundChange("com.free", "com.z")
	c.OnForegroundChange("com.other", "com.free")
	assert.Equal(t, []string{"show:com.x", "retarget:com.z", "hide"}, overlay.calls)
}

func TestLockController_UnlockWithoutOverlayIsNoop(t *testing.T) {
	c, _, overlay := newTestController(mockLockedSet{"com.x": true})
	c.OnUnlockSuccess()
	assert.Empty(t, overlay.calls)
	assert.Empty(t, c.Snapshot().Unlocked())
}

func TestLockController_OverlayFailureResets(t *testing.T) {
	tests := []struct {
		name    string
		showErr error
		hideErr error
		steps   func(c *LockController)
	}{
		{
			name:    "show failure",
			showErr: errors.New("no overlay permission"),
			steps: func(c *LockController) {
				c.OnForegroundChange("com.x", "")
			},
		},
		{
			name:    "hide failure",
			hideErr: errors.New("view not attached"),
			steps: func(c *LockController) {
				c.OnForegroundChange("com.x", "")
				c.OnForegroundChange("com.y", "com.x")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, overlay := newTestController(mockLockedSet{"com.x": true})
			overlay.showErr = tt.showErr
			overlay.hideErr = tt.hideErr

			tt.steps(c)

			s := c.Snapshot()
			assert.False(t, s.OverlayShowing)
			assert.Empty(t, s.CurrentLockedPackage)
			assert.Contains(t, overlay.calls, "hide")
		})
	}
}

// A package stays in the session set exactly while it is foreground.
// The locker's own package does not count as a switch.
func TestLockController_SessionEvictionProperty(t *testing.T) {
	pkgs := []string{"com.a", "com.b", "com.c", selfPkg}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		c, reader, overlay := newTestController(mockLockedSet{"com.a": true, "com.b": true})
		fg := ""
		for step := 0; step < 40; step++ {
			next := pkgs[rng.Intn(len(pkgs))]
			tickTo(c, reader, next)
			if next != selfPkg {
				fg = next
			}

			// Sometimes the user types the right password.
			if overlay.onUnlock != nil && rng.Intn(2) == 0 {
				overlay.onUnlock()
			}

			s := c.Snapshot()
			for _, unlocked := range s.Unlocked() {
				assert.Equal(t, fg, unlocked, "run %d step %d", run, step)
			}
		}
	}
}

func TestForegroundTransition_DoesNotMutateInput(t *testing.T) {
	in := SessionState{UnlockedInSession: map[string]struct{}{"com.a": {}}}
	out, action := foregroundTransition(in, "com.b", "com.a", selfPkg, true)

	assert.Equal(t, actionShow, action)
	assert.Contains(t, in.UnlockedInSession, "com.a")
	assert.NotContains(t, out.UnlockedInSession, "com.a")
}
