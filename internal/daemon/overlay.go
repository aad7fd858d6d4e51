package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

var errUIStopped = errors.New("ui loop not running")

// viewState is the lock view's lifecycle position.
type viewState int

const (
	viewInitialized viewState = iota
	viewCreated
	viewStarted
	viewResumed
	viewDestroyed
)

func (s viewState) String() string {
	switch s {
	case viewInitialized:
		return "initialized"
	case viewCreated:
		return "created"
	case viewStarted:
		return "started"
	case viewResumed:
		return "resumed"
	case viewDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("viewState(%d)", int(s))
}

// EmergencyActivator suspends all locks after a correct emergency password.
type EmergencyActivator interface {
	Activate(ctx context.Context) (time.Time, error)
}

// LockView is the password surface placed on the overlay layer. One view
// is reused across show/hide cycles. Fields are guarded by the presenter.
type LockView struct {
	presenter *OverlayPresenter
	pkg       string
	onUnlock  func()
	state     viewState
	attached  bool
}

// PackageName is the app the view currently guards.
func (v *LockView) PackageName() string {
	v.presenter.mu.Lock()
	defer v.presenter.mu.Unlock()
	return v.pkg
}

// Submit checks secret and runs the unlock callback on success.
func (v *LockView) Submit(ctx context.Context, secret string, mode domain.UnlockMode) (bool, error) {
	return v.presenter.submit(ctx, v, secret, mode)
}

// OverlayPresenter shows and hides the lock view through a WindowManager.
// Window calls run on the UI goroutine started by RunUI.
type OverlayPresenter struct {
	wm        domain.WindowManager
	checker   domain.PasswordChecker
	emergency EmergencyActivator
	logger    *zap.Logger

	ui      chan func()
	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex
	view *LockView
}

// NewOverlayPresenter creates a presenter. emergency may be nil.
func NewOverlayPresenter(
	wm domain.WindowManager,
	checker domain.PasswordChecker,
	emergency EmergencyActivator,
	logger *zap.Logger,
) *OverlayPresenter {
	return &OverlayPresenter{
		wm:        wm,
		checker:   checker,
		emergency: emergency,
		logger:    logger,
		ui:        make(chan func()),
		stopped:   make(chan struct{}),
	}
}

// RunUI executes window operations until ctx is done.
func (p *OverlayPresenter) RunUI(ctx context.Context) error {
	defer p.once.Do(func() { close(p.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-p.ui:
			fn()
		}
	}
}

// onUI runs fn on the UI goroutine and waits for it.
func (p *OverlayPresenter) onUI(fn func() error) error {
	done := make(chan error, 1)
	job := func() { done <- fn() }
	select {
	case p.ui <- job:
	case <-p.stopped:
		return errUIStopped
	}
	return <-done
}

// Show attaches the lock view for pkg. No-op when already attached.
func (p *OverlayPresenter) Show(pkg string, onUnlock func()) error {
	return p.onUI(func() error {
		p.mu.Lock()
		if p.view == nil {
			p.view = &LockView{presenter: p, state: viewCreated}
		}
		view := p.view
		if view.attached {
			p.mu.Unlock()
			return nil
		}
		view.pkg = pkg
		view.onUnlock = onUnlock
		p.mu.Unlock()

		if err := p.wm.AddView(view); err != nil {
			p.destroy()
			return fmt.Errorf("attach lock view: %w", err)
		}

		p.mu.Lock()
		view.attached = true
		view.state = viewResumed
		p.mu.Unlock()
		return nil
	})
}

// Hide detaches the lock view. No-op when there is no view.
func (p *OverlayPresenter) Hide() error {
	return p.onUI(func() error {
		p.mu.Lock()
		view := p.view
		if view == nil || !view.attached {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		if err := p.wm.RemoveView(view); err != nil {
			p.destroy()
			return fmt.Errorf("detach lock view: %w", err)
		}

		p.mu.Lock()
		view.attached = false
		view.onUnlock = nil
		view.state = viewCreated
		p.mu.Unlock()
		return nil
	})
}

// Cleanup detaches and destroys the view. Safe after the UI loop stopped.
func (p *OverlayPresenter) Cleanup() {
	fn := func() error {
		p.destroy()
		return nil
	}
	if err := p.onUI(fn); errors.Is(err, errUIStopped) {
		_ = fn()
	}
}

// destroy drops the view, detaching it first if needed.
func (p *OverlayPresenter) destroy() {
	p.mu.Lock()
	view := p.view
	p.view = nil
	p.mu.Unlock()
	if view == nil {
		return
	}

	p.mu.Lock()
	attached := view.attached
	view.attached = false
	view.onUnlock = nil
	view.state = viewDestroyed
	p.mu.Unlock()

	if attached {
		if err := p.wm.RemoveView(view); err != nil {
			p.logger.Debug("remove view during cleanup", zap.Error(err))
		}
	}
}

// Submit routes a secret to the attached view.
func (p *OverlayPresenter) Submit(ctx context.Context, secret string, mode domain.UnlockMode) (bool, error) {
	p.mu.Lock()
	view := p.view
	showing := view != nil && view.attached
	p.mu.Unlock()
	if !showing {
		return false, fmt.Errorf("lock screen: %w", domain.ErrNotFound)
	}
	return view.Submit(ctx, secret, mode)
}

func (p *OverlayPresenter) submit(ctx context.Context, view *LockView, secret string, mode domain.UnlockMode) (bool, error) {
	var ok bool
	var err error
	if mode == domain.UnlockEmergency {
		ok, err = p.checker.ValidateEmergency(ctx, secret)
	} else {
		ok, err = p.checker.Validate(ctx, secret)
	}
	if err != nil || !ok {
		return false, err
	}

	if mode == domain.UnlockEmergency && p.emergency != nil {
		if _, err := p.emergency.Activate(ctx); err != nil {
			return false, fmt.Errorf("emergency unlock: %w", err)
		}
	}

	p.mu.Lock()
	cb := view.onUnlock
	pkg := view.pkg
	current := p.view == view && view.attached
	p.mu.Unlock()

	if !current {
		// Hidden while the password was checked.
		return true, nil
	}
	p.logger.Info("password accepted", zap.String("package", pkg), zap.String("mode", string(mode)))
	if cb != nil {
		cb()
	}
	return true, nil
}

// Retarget renames the package an attached view guards. The window is
// left alone.
func (p *OverlayPresenter) Retarget(pkg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view != nil && p.view.attached {
		p.view.pkg = pkg
	}
}

// Showing returns the guarded package and whether the view is attached.
func (p *OverlayPresenter) Showing() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view == nil || !p.view.attached {
		return "", false
	}
	return p.view.pkg, true
}

// ViewState reports the lifecycle position, for status output.
func (p *OverlayPresenter) ViewState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view == nil {
		return viewInitialized.String()
	}
	return p.view.state.String()
}

var _ domain.LockOverlay = (*OverlayPresenter)(nil)
