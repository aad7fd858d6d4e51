package usecase

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// LockedSet answers whether a package is currently locked.
type LockedSet interface {
	Contains(pkg string) bool
}

// SessionState is the monitor's in-memory lock session.
type SessionState struct {
	LastForegroundPackage string
	UnlockedInSession     map[string]struct{}
	OverlayShowing        bool
	CurrentLockedPackage  string
}

func (s SessionState) clone() SessionState {
	unlocked := make(map[string]struct{}, len(s.UnlockedInSession))
	for pkg := range s.UnlockedInSession {
		unlocked[pkg] = struct{}{}
	}
	s.UnlockedInSession = unlocked
	return s
}

// Unlocked returns the session-unlocked packages, sorted.
func (s SessionState) Unlocked() []string {
	pkgs := make([]string, 0, len(s.UnlockedInSession))
	for pkg := range s.UnlockedInSession {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

type overlayAction int

const (
	actionNone overlayAction = iota
	actionShow
	actionHide
	actionRetarget
)

// foregroundTransition computes the next state for a foreground change.
// It mutates only the returned copy.
func foregroundTransition(s SessionState, newPkg, prevPkg, selfPkg string, locked bool) (SessionState, overlayAction) {
	if newPkg == selfPkg {
		return s, actionNone
	}

	next := s.clone()
	if prevPkg != "" && prevPkg != newPkg {
		delete(next.UnlockedInSession, prevPkg)
	}

	_, unlocked := next.UnlockedInSession[newPkg]
	show := locked && !unlocked

	switch {
	case show && !next.OverlayShowing:
		next.OverlayShowing = true
		next.CurrentLockedPackage = newPkg
		return next, actionShow
	case !show && next.OverlayShowing:
		next.OverlayShowing = false
		next.CurrentLockedPackage = ""
		return next, actionHide
	case show && next.CurrentLockedPackage != newPkg:
		// Already showing: the prompt now guards newPkg.
		next.CurrentLockedPackage = newPkg
		return next, actionRetarget
	}
	return next, actionNone
}

// unlockTransition records a successful password entry.
func unlockTransition(s SessionState) (SessionState, overlayAction) {
	if !s.OverlayShowing && s.CurrentLockedPackage == "" {
		return s, actionNone
	}
	next := s.clone()
	if next.CurrentLockedPackage != "" {
		next.UnlockedInSession[next.CurrentLockedPackage] = struct{}{}
	}
	next.OverlayShowing = false
	next.CurrentLockedPackage = ""
	return next, actionHide
}

// LockController decides when the lock overlay is shown. All session
// state changes happen under mu, overlay calls included.
type LockController struct {
	mu    sync.Mutex
	state SessionState

	reader      domain.ForegroundReader
	locked      LockedSet
	overlay     domain.LockOverlay
	selfPackage string
	logger      *zap.Logger
}

// NewLockController creates a controller with an empty session.
func NewLockController(
	reader domain.ForegroundReader,
	locked LockedSet,
	overlay domain.LockOverlay,
	selfPackage string,
	logger *zap.Logger,
) *LockController {
	return &LockController{
		state:       SessionState{UnlockedInSession: make(map[string]struct{})},
		reader:      reader,
		locked:      locked,
		overlay:     overlay,
		selfPackage: selfPackage,
		logger:      logger,
	}
}

// Tick reads the foreground app and handles a change if there is one.
// Our own package is transparent: it neither evicts nor becomes the
// previous package.
func (c *LockController) Tick(ctx context.Context) {
	pkg := c.reader.CurrentForegroundApp(ctx)
	if pkg == "" || pkg == c.selfPackage {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.LastForegroundPackage
	if pkg == prev {
		return
	}
	c.state.LastForegroundPackage = pkg
	c.logger.Debug("foreground changed", zap.String("package", pkg), zap.String("previous", prev))
	c.handleForegroundLocked(pkg, prev)
}

// OnForegroundChange applies a foreground switch from prevPkg to newPkg.
func (c *LockController) OnForegroundChange(newPkg, prevPkg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handleForegroundLocked(newPkg, prevPkg)
}

func (c *LockController) handleForegroundLocked(newPkg, prevPkg string) {
	next, action := foregroundTransition(c.state, newPkg, prevPkg, c.selfPackage, c.locked.Contains(newPkg))
	c.state = next
	c.applyLocked(action)
}

// OnUnlockSuccess marks the guarded package unlocked for this session
// and hides the overlay.
func (c *LockController) OnUnlockSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	pkg := c.state.CurrentLockedPackage
	next, action := unlockTransition(c.state)
	c.state = next
	if action != actionNone {
		c.logger.Info("app unlocked for session", zap.String("package", pkg))
	}
	c.applyLocked(action)
}

// applyLocked performs the overlay side effect. Any failure leaves the
// session in the hidden state.
func (c *LockController) applyLocked(action overlayAction) {
	switch action {
	case actionShow:
		pkg := c.state.CurrentLockedPackage
		c.logger.Info("showing lock screen", zap.String("package", pkg))
		if err := c.overlay.Show(pkg, c.OnUnlockSuccess); err != nil {
			c.logger.Error("failed to show lock screen", zap.String("package", pkg), zap.Error(err))
			c.resetLocked()
		}
	case actionRetarget:
		c.logger.Info("lock screen now guards", zap.String("package", c.state.CurrentLockedPackage))
		c.overlay.Retarget(c.state.CurrentLockedPackage)
	case actionHide:
		if err := c.overlay.Hide(); err != nil {
			c.logger.Error("failed to hide lock screen", zap.Error(err))
			c.resetLocked()
		}
	}
}

func (c *LockController) resetLocked() {
	c.state.OverlayShowing = false
	c.state.CurrentLockedPackage = ""
	if err := c.overlay.Hide(); err != nil {
		c.logger.Warn("overlay reset failed", zap.Error(err))
	}
}

// Snapshot returns a copy of the session state.
func (c *LockController) Snapshot() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}
