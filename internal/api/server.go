// Package api provides the local control API of the monitor daemon and
// the client the CLI uses to reach it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const maxBodyBytes = 64 << 10

// Passwords manages and checks the lock passwords.
type Passwords interface {
	SetPassword(ctx context.Context, current, next string) error
	SetEmergencyPassword(ctx context.Context, current, next string) error
	Authorize(ctx context.Context, password string) error
}

// Alarms grants temporary access to locked apps.
type Alarms interface {
	AllowFor(ctx context.Context, pkg, appName string, d time.Duration) (domain.Alarm, error)
	CancelLock(pkg string) bool
	Pending() []domain.Alarm
}

// Emergency reports and ends an emergency unlock.
type Emergency interface {
	Active(ctx context.Context) (bool, time.Time, error)
	Relock(ctx context.Context) error
}

// LockScreen accepts secrets for the lock view currently shown.
type LockScreen interface {
	Submit(ctx context.Context, secret string, mode domain.UnlockMode) (bool, error)
}

// StatusSource reports monitor state.
type StatusSource interface {
	Status() daemon.Status
}

// Deps groups what the API drives.
type Deps struct {
	Apps      domain.LockedAppStore
	Passwords Passwords
	Alarms    Alarms
	Commands  daemon.CommandSink
	Screen    LockScreen
	Emergency Emergency
	Status    StatusSource
}

// Server is the control API server.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	return &Server{deps: deps, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)

	r.Route("/apps", func(r chi.Router) {
		r.Get("/", s.handleListApps)
		r.Post("/unlock-all", s.handleUnlockAll)
		r.Put("/{pkg}", s.handleLockApp)
		r.Delete("/{pkg}", s.handleUnlockApp)
	})

	r.Post("/commands/lock", s.handleLockCommand)

	r.Route("/alarms", func(r chi.Router) {
		r.Get("/", s.handleListAlarms)
		r.Post("/", s.handleAllow)
		r.Delete("/{pkg}", s.handleEndAllow)
	})

	r.Post("/overlay/submit", s.handleSubmit)

	r.Route("/settings", func(r chi.Router) {
		r.Put("/password", s.handleSetPassword)
		r.Put("/emergency-password", s.handleSetEmergencyPassword)
	})

	r.Route("/emergency", func(r chi.Router) {
		r.Get("/", s.handleEmergency)
		r.Post("/relock", s.handleRelock)
	})

	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("control api listening", zap.String("addr", ln.Addr().String()))
	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status.Status()
	resp := StatusResponse{
		PID:               st.Daemon.PID,
		Version:           st.Daemon.AppVersion,
		StartedAt:         st.Daemon.StartedAt,
		ForegroundPackage: st.Session.LastForegroundPackage,
		OverlayShowing:    st.OverlayShowing,
		OverlayPackage:    st.OverlayPackage,
		ViewState:         st.ViewState,
		LockedCount:       st.LockedCount,
		UnlockedInSession: st.Session.Unlocked(),
		Alarms:            st.Alarms,
	}
	if s.deps.Emergency != nil {
		active, until, err := s.deps.Emergency.Active(r.Context())
		if err != nil {
			s.logger.Warn("emergency state unavailable", zap.Error(err))
		}
		resp.EmergencyActive = active
		if active {
			resp.EmergencyUntil = until
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.deps.Apps.ListLockedApps(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if apps == nil {
		apps = []domain.LockedApp{}
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleLockApp(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	var req LockAppRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.AppName == "" {
		req.AppName = pkg
	}

	if err := s.deps.Apps.LockApp(r.Context(), pkg, req.AppName); err != nil {
		s.writeDomainError(w, err)
		return
	}
	// A locked app no longer needs its pending re-lock.
	s.deps.Alarms.CancelLock(pkg)

	s.logger.Info("app locked", zap.String("package", pkg))
	writeJSON(w, http.StatusOK, domain.LockedApp{PackageName: pkg, AppName: req.AppName, IsLocked: true})
}

func (s *Server) handleUnlockApp(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	var req PasswordRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Password) {
		return
	}

	if err := s.deps.Apps.UnlockApp(r.Context(), pkg); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.deps.Alarms.CancelLock(pkg)

	s.logger.Info("app unlocked", zap.String("package", pkg))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlockAll(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Password) {
		return
	}

	if err := s.deps.Apps.UnlockAllApps(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("all apps unlocked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockCommand(w http.ResponseWriter, r *http.Request) {
	var cmd domain.LockCommand
	if !decode(w, r, &cmd) {
		return
	}
	if cmd.PackageName == "" {
		writeError(w, http.StatusBadRequest, "package_name is required")
		return
	}
	if err := s.deps.Commands.Submit(r.Context(), cmd); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Alarms.Pending())
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	var req AllowRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PackageName == "" {
		writeError(w, http.StatusBadRequest, "package_name is required")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive duration such as 15m")
		return
	}
	if !s.authorize(w, r, req.Password) {
		return
	}
	if req.AppName == "" {
		req.AppName = req.PackageName
	}

	alarm, err := s.deps.Alarms.AllowFor(r.Context(), req.PackageName, req.AppName, d)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alarm)
}

// handleEndAllow ends a temporary allowance early by locking the app now.
func (s *Server) handleEndAllow(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")

	var pending *domain.Alarm
	for _, a := range s.deps.Alarms.Pending() {
		if a.PackageName == pkg {
			a := a
			pending = &a
			break
		}
	}
	if pending == nil || !s.deps.Alarms.CancelLock(pkg) {
		writeError(w, http.StatusNotFound, "no pending re-lock for "+pkg)
		return
	}

	if err := s.deps.Apps.LockApp(r.Context(), pkg, pending.AppName); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Mode {
	case "":
		req.Mode = domain.UnlockNormal
	case domain.UnlockNormal, domain.UnlockEmergency:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}

	ok, err := s.deps.Screen.Submit(r.Context(), req.Secret, req.Mode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Accepted: ok})
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if req.New == "" {
		writeError(w, http.StatusBadRequest, "new password must not be empty")
		return
	}
	if err := s.deps.Passwords.SetPassword(r.Context(), req.Current, req.New); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("lock password changed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEmergencyPassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if req.New == "" {
		writeError(w, http.StatusBadRequest, "new password must not be empty")
		return
	}
	if err := s.deps.Passwords.SetEmergencyPassword(r.Context(), req.Current, req.New); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("emergency password changed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	active, until, err := s.deps.Emergency.Active(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := EmergencyResponse{Active: active}
	if active {
		resp.Until = until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelock(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Emergency.Relock(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks password. With no lock password set there is nothing
// to check against and the request passes.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, password string) bool {
	err := s.deps.Passwords.Authorize(r.Context(), password)
	if err == nil || errors.Is(err, domain.ErrPasswordNotSet) {
		return true
	}
	s.writeDomainError(w, err)
	return false
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrIncorrectPassword):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrPasswordNotSet):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// decode reads a required JSON body.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional reads a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	var body errorBody
	body.Error.Message = msg
	body.Error.Type = "error"
	writeJSON(w, status, body)
}
