package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// PasswordHasher hashes secrets and checks them against stored hashes.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

var errEmptyPassword = errors.New("password must not be empty")

// PasswordService manages the lock password, the emergency password and
// failed-attempt accounting.
type PasswordService struct {
	mu        sync.Mutex
	settings  domain.SettingsStore
	hasher    PasswordHasher
	threshold int
	now       func() time.Time
	logger    *zap.Logger
}

// NewPasswordService creates the service. threshold is the failed-attempt
// count at which intrusions are reported.
func NewPasswordService(settings domain.SettingsStore, hasher PasswordHasher, threshold int, logger *zap.Logger) *PasswordService {
	return &PasswordService{
		settings:  settings,
		hasher:    hasher,
		threshold: threshold,
		now:       time.Now,
		logger:    logger,
	}
}

// SetPassword sets or changes the lock password. Changing it requires the current one.
func (s *PasswordService) SetPassword(ctx context.Context, current, next string) error {
	if next == "" {
		return errEmptyPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.settings.GetSecuritySettings(ctx)
	if err != nil {
		return fmt.Errorf("load security settings: %w", err)
	}
	if st.IsPasswordSet {
		if err := s.verify(current, st.Password); err != nil {
			return err
		}
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	st.Password = hash
	st.IsPasswordSet = true
	st.FailedAttempts = 0
	st.LastFailedAttempt = time.Time{}
	return s.settings.SaveSecuritySettings(ctx, st)
}

// SetEmergencyPassword sets the emergency password, authorized by the lock password.
func (s *PasswordService) SetEmergencyPassword(ctx context.Context, current, next string) error {
	if next == "" {
		return errEmptyPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.settings.GetSecuritySettings(ctx)
	if err != nil {
		return fmt.Errorf("load security settings: %w", err)
	}
	if !st.IsPasswordSet {
		return domain.ErrPasswordNotSet
	}
	if err := s.verify(current, st.Password); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	st.EmergencyPassword = hash
	st.IsEmergencyPasswordSet = true
	return s.settings.SaveSecuritySettings(ctx, st)
}

// Validate checks the lock password and updates the attempt counters.
func (s *PasswordService) Validate(ctx context.Context, password string) (bool, error) {
	return s.validate(ctx, password, domain.UnlockNormal)
}

// ValidateEmergency checks the emergency password and updates the attempt counters.
func (s *PasswordService) ValidateEmergency(ctx context.Context, password string) (bool, error) {
	return s.validate(ctx, password, domain.UnlockEmergency)
}

// Authorize is Validate for callers that only need an error.
func (s *PasswordService) Authorize(ctx context.Context, password string) error {
	ok, err := s.Validate(ctx, password)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrIncorrectPassword
	}
	return nil
}

func (s *PasswordService) validate(ctx context.Context, password string, mode domain.UnlockMode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.settings.GetSecuritySettings(ctx)
	if err != nil {
		return false, fmt.Errorf("load security settings: %w", err)
	}

	hash := st.Password
	set := st.IsPasswordSet
	if mode == domain.UnlockEmergency {
		hash = st.EmergencyPassword
		set = st.IsEmergencyPasswordSet
	}
	if !set {
		return false, domain.ErrPasswordNotSet
	}

	ok, err := s.hasher.Verify(password, hash)
	if err != nil {
		return false, fmt.Errorf("verify %s password: %w", mode, err)
	}

	if ok {
		if st.FailedAttempts != 0 || !st.LastFailedAttempt.IsZero() {
			st.FailedAttempts = 0
			st.LastFailedAttempt = time.Time{}
			if err := s.settings.SaveSecuritySettings(ctx, st); err != nil {
				s.logger.Error("failed to reset failed attempts", zap.Error(err))
			}
		}
		return true, nil
	}

	st.FailedAttempts++
	st.LastFailedAttempt = s.now()
	if err := s.settings.SaveSecuritySettings(ctx, st); err != nil {
		s.logger.Error("failed to record failed attempt", zap.Error(err))
	}
	if s.threshold > 0 && st.FailedAttempts >= s.threshold {
		s.logger.Warn("repeated failed unlock attempts",
			zap.String("mode", string(mode)),
			zap.Int("attempts", st.FailedAttempts))
	}
	return false, nil
}

// FailureThresholdReached reports whether failed attempts reached the threshold.
func (s *PasswordService) FailureThresholdReached(ctx context.Context) (bool, error) {
	st, err := s.settings.GetSecuritySettings(ctx)
	if err != nil {
		return false, err
	}
	return s.threshold > 0 && st.FailedAttempts >= s.threshold, nil
}

func (s *PasswordService) verify(password, hash string) error {
	ok, err := s.hasher.Verify(password, hash)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrIncorrectPassword
	}
	return nil
}

var _ domain.PasswordChecker = (*PasswordService)(nil)
