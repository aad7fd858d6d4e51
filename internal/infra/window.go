package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

var errViewAttached = errors.New("window already hosts a view")

// viewSlot holds at most one attached view.
type viewSlot struct {
	mu   sync.Mutex
	view domain.LockSurface
}

func (s *viewSlot) attach(v domain.LockSurface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != nil && s.view != v {
		return errViewAttached
	}
	s.view = v
	return nil
}

func (s *viewSlot) detach(v domain.LockSurface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != v {
		return fmt.Errorf("view for %s: %w", v.PackageName(), domain.ErrNotFound)
	}
	s.view = nil
	return nil
}

func (s *viewSlot) current() domain.LockSurface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// HeadlessWindow records the attached view and logs transitions.
// Passwords reach the view through the control API.
type HeadlessWindow struct {
	slot   viewSlot
	logger *zap.Logger
}

// NewHeadlessWindow creates a window with no interactive surface.
func NewHeadlessWindow(logger *zap.Logger) *HeadlessWindow {
	return &HeadlessWindow{logger: logger}
}

// AddView attaches the lock view.
func (w *HeadlessWindow) AddView(v domain.LockSurface) error {
	if err := w.slot.attach(v); err != nil {
		return err
	}
	w.logger.Info("lock screen shown", zap.String("package", v.PackageName()))
	return nil
}

// RemoveView detaches the lock view.
func (w *HeadlessWindow) RemoveView(v domain.LockSurface) error {
	if err := w.slot.detach(v); err != nil {
		return err
	}
	w.logger.Info("lock screen removed", zap.String("package", v.PackageName()))
	return nil
}

// Current returns the attached view, or nil.
func (w *HeadlessWindow) Current() domain.LockSurface {
	return w.slot.current()
}

// TerminalWindow prompts for the password on a TTY while a view is attached.
// An empty entry switches the next prompt to the emergency password.
type TerminalWindow struct {
	slot     viewSlot
	attached chan struct{}
	out      io.Writer
	fd       int
	closer   io.Closer
	readPass func(fd int) ([]byte, error)
	logger   *zap.Logger

	closeOnce sync.Once
}

// NewTerminalWindow opens the TTY at path for prompting.
func NewTerminalWindow(path string, logger *zap.Logger) (*TerminalWindow, error) {
	tty, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open tty %s: %w", path, err)
	}
	if !term.IsTerminal(int(tty.Fd())) {
		tty.Close()
		return nil, fmt.Errorf("%s is not a terminal", path)
	}
	return &TerminalWindow{
		attached: make(chan struct{}, 1),
		out:      tty,
		fd:       int(tty.Fd()),
		closer:   tty,
		readPass: term.ReadPassword,
		logger:   logger,
	}, nil
}

// AddView attaches the lock view and wakes the prompt loop.
func (w *TerminalWindow) AddView(v domain.LockSurface) error {
	if err := w.slot.attach(v); err != nil {
		return err
	}
	select {
	case w.attached <- struct{}{}:
	default:
	}
	return nil
}

// RemoveView detaches the lock view. A prompt already waiting for input
// stays open; its input is discarded.
func (w *TerminalWindow) RemoveView(v domain.LockSurface) error {
	return w.slot.detach(v)
}

// Run prompts until ctx is done.
func (w *TerminalWindow) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.attached:
		}
		w.promptWhileAttached(ctx)
	}
}

func (w *TerminalWindow) promptWhileAttached(ctx context.Context) {
	mode := domain.UnlockNormal
	for ctx.Err() == nil {
		view := w.slot.current()
		if view == nil {
			return
		}

		label := "Password"
		if mode == domain.UnlockEmergency {
			label = "Emergency password"
		}
		fmt.Fprintf(w.out, "\n%s is locked. %s: ", view.PackageName(), label)

		secret, err := w.read(ctx)
		fmt.Fprintln(w.out)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("failed to read password", zap.Error(err))
			return
		}

		// The view may have changed while we waited for input.
		view = w.slot.current()
		if view == nil {
			return
		}
		if len(secret) == 0 {
			mode = domain.UnlockEmergency
			continue
		}

		ok, err := view.Submit(ctx, string(secret), mode)
		switch {
		case err != nil:
			fmt.Fprintf(w.out, "Error: %v\n", err)
		case !ok:
			fmt.Fprintln(w.out, "Incorrect password")
		default:
			return
		}
		mode = domain.UnlockNormal
	}
}

type readResult struct {
	secret []byte
	err    error
}

// read waits for one line of hidden input. term.ReadPassword does not
// watch ctx, so on cancellation the read is abandoned and the TTY closed;
// the reading goroutine ends when the pending read fails.
func (w *TerminalWindow) read(ctx context.Context) ([]byte, error) {
	done := make(chan readResult, 1)
	go func() {
		secret, err := w.readPass(w.fd)
		done <- readResult{secret, err}
	}()

	select {
	case r := <-done:
		return r.secret, r.err
	case <-ctx.Done():
		_ = w.Close()
		return nil, ctx.Err()
	}
}

// Close releases the TTY. It is safe to call more than once.
func (w *TerminalWindow) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.closer != nil {
			err = w.closer.Close()
		}
	})
	return err
}

var (
	_ domain.WindowManager = (*HeadlessWindow)(nil)
	_ domain.WindowManager = (*TerminalWindow)(nil)
)
