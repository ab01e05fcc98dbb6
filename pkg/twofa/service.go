package twofa

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/backupcode"
	"github.com/lovelink/twofa-service/pkg/secretvault"
)

// DefaultBackupCodeCount is how many single-use backup codes a setup or
// regeneration issues.
const DefaultBackupCodeCount = 10

// BackupCodeIssuer manages the single-use backup codes attached to a
// configuration.
type BackupCodeIssuer interface {
	Generate(ctx context.Context, configID uuid.UUID, count int) ([]string, error)
	Verify(ctx context.Context, configID uuid.UUID, code string, meta backupcode.RedemptionMeta) (bool, error)
	ExpireAll(ctx context.Context, configID uuid.UUID) error
}

// AttemptRecorder appends verification attempts to the audit log.
type AttemptRecorder interface {
	RecordAsync(ctx context.Context, params audit.RecordAttemptParams)
}

// Service manages two-factor enrollment for users. Verification of login
// challenges lives in the challenge package; this service owns the
// configuration lifecycle.
type Service struct {
	repo            ConfigRepository
	vault           *secretvault.Vault
	backupCodes     BackupCodeIssuer
	recorder        AttemptRecorder
	policy          LockoutPolicy
	backupCodeCount int
}

type Option func(*Service)

func WithBackupCodes(issuer BackupCodeIssuer) Option {
	return func(s *Service) {
		s.backupCodes = issuer
	}
}

func WithAttemptRecorder(recorder AttemptRecorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

func WithLockoutPolicy(policy LockoutPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

func WithBackupCodeCount(count int) Option {
	return func(s *Service) {
		s.backupCodeCount = count
	}
}

func NewService(repo ConfigRepository, vault *secretvault.Vault, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		vault:           vault,
		policy:          DefaultLockoutPolicy(),
		backupCodeCount: DefaultBackupCodeCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockoutPolicy returns the policy the service enforces. The challenge
// engine shares it so both paths lock on the same counter.
func (s *Service) LockoutPolicy() LockoutPolicy {
	return s.policy
}

type SetupParams struct {
	PrimaryMethod Method
	BackupMethod  Method
	Phone         string
	RecoveryEmail string
}

type SetupResult struct {
	ConfigID    uuid.UUID
	Secret      string
	OtpauthURL  string
	BackupCodes []string
}

// Setup starts two-factor enrollment for a user. It issues a fresh TOTP
// secret and backup codes and leaves the configuration pending until the
// user proves possession with VerifySetup.
func (s *Service) Setup(ctx context.Context, userID uuid.UUID, params SetupParams) (SetupResult, error) {
	if !ValidPrimaryMethod(params.PrimaryMethod) {
		return SetupResult{}, fmt.Errorf("invalid delivery method: %s", params.PrimaryMethod)
	}
	if params.PrimaryMethod == MethodSMS && params.Phone == "" {
		return SetupResult{}, fmt.Errorf("phone number is required for sms delivery")
	}
	if params.PrimaryMethod == MethodEmail && params.RecoveryEmail == "" {
		return SetupResult{}, fmt.Errorf("recovery email is required for email delivery")
	}

	secret, otpauthURL, err := s.vault.GenerateSecret(userID.String())
	if err != nil {
		return SetupResult{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	encrypted, err := s.vault.Encrypt(secret)
	if err != nil {
		return SetupResult{}, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	config, err := s.repo.StartSetup(ctx, StartSetupParams{
		UserID:          userID,
		PrimaryMethod:   params.PrimaryMethod,
		BackupMethod:    params.BackupMethod,
		EncryptedSecret: encrypted,
		Phone:           params.Phone,
		RecoveryEmail:   params.RecoveryEmail,
	})
	if err != nil {
		return SetupResult{}, err
	}

	result := SetupResult{
		ConfigID:   config.ID,
		Secret:     secret,
		OtpauthURL: otpauthURL,
	}
	if s.backupCodes != nil {
		codes, err := s.backupCodes.Generate(ctx, config.ID, s.backupCodeCount)
		if err != nil {
			return SetupResult{}, fmt.Errorf("failed to generate backup codes: %w", err)
		}
		result.BackupCodes = codes
	}

	slog.Info("Started two-factor setup", "user_id", userID, "method", params.PrimaryMethod)
	return result, nil
}

// VerifySetup completes enrollment by checking a passcode generated from
// the freshly issued secret. On success the configuration becomes enabled.
func (s *Service) VerifySetup(ctx context.Context, userID uuid.UUID, passcode string, meta audit.RequestMeta) error {
	config, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	switch config.Status {
	case StatusPending:
	case StatusEnabled:
		return ErrAlreadyEnabled
	default:
		return ErrNotSetUp
	}

	now := time.Now()
	if s.policy.IsLocked(config, now) {
		return ErrLocked
	}

	secret, err := s.vault.Decrypt(config.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt secret: %w", err)
	}
	// A malformed passcode is just an invalid one.
	valid, _ := s.vault.ValidateCode(secret, passcode, now)
	if !valid {
		s.registerFailure(ctx, userID, MethodTOTP, meta)
		return ErrInvalidCode
	}

	if err := s.repo.TransitionStatus(ctx, userID, StatusPending, StatusEnabled); err != nil {
		return err
	}
	s.registerSuccess(ctx, userID, MethodTOTP, meta, now)
	slog.Info("Two-factor authentication enabled", "user_id", userID)
	return nil
}

// Enable confirms enrollment with a passcode. It is the same transition as
// VerifySetup under the enable endpoint.
func (s *Service) Enable(ctx context.Context, userID uuid.UUID, passcode string, meta audit.RequestMeta) error {
	return s.VerifySetup(ctx, userID, passcode, meta)
}

// Disable turns two-factor authentication off. The caller must prove
// control of the account with a current passcode or an unused backup code.
// The encrypted secret is cleared and all backup codes are expired.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID, passcode string, meta audit.RequestMeta) error {
	config, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if config.Status != StatusEnabled {
		return ErrNotEnabled
	}

	now := time.Now()
	if s.policy.IsLocked(config, now) {
		return ErrLocked
	}

	method, ok := s.checkCode(ctx, config, passcode, now, meta)
	if !ok {
		s.registerFailure(ctx, userID, MethodTOTP, meta)
		return ErrInvalidCode
	}

	if err := s.ForceDisable(ctx, userID); err != nil {
		return err
	}
	s.registerSuccess(ctx, userID, method, meta, now)
	slog.Info("Two-factor authentication disabled", "user_id", userID)
	return nil
}

// ForceDisable disables two-factor authentication without a code check.
// The recovery flow uses it after an approved recovery request. It is a
// no-op when the user has no configuration.
func (s *Service) ForceDisable(ctx context.Context, userID uuid.UUID) error {
	config, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if err == ErrConfigNotFound {
			return nil
		}
		return err
	}
	if err := s.repo.Disable(ctx, userID); err != nil {
		return err
	}
	if s.backupCodes != nil {
		if err := s.backupCodes.ExpireAll(ctx, config.ID); err != nil {
			return fmt.Errorf("failed to expire backup codes: %w", err)
		}
	}
	return nil
}

// RegenerateBackupCodes expires any remaining backup codes and issues a
// fresh batch.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if s.backupCodes == nil {
		return nil, fmt.Errorf("backup codes are not configured")
	}
	config, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if config.Status != StatusEnabled && config.Status != StatusPending {
		return nil, ErrNotEnabled
	}
	codes, err := s.backupCodes.Generate(ctx, config.ID, s.backupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}
	slog.Info("Regenerated backup codes", "user_id", userID, "count", len(codes))
	return codes, nil
}

// StatusView is the user-facing summary of a configuration. It never
// exposes secret material.
type StatusView struct {
	UserID         uuid.UUID  `json:"user_id"`
	Status         Status     `json:"status"`
	Enabled        bool       `json:"enabled"`
	PrimaryMethod  Method     `json:"primary_method,omitempty"`
	BackupMethod   Method     `json:"backup_method,omitempty"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}

// Status reports the current state of a user's two-factor configuration.
// Unknown users get an unconfigured view rather than an error.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (StatusView, error) {
	config, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if err == ErrConfigNotFound {
			return StatusView{UserID: userID, Status: StatusUnconfigured}, nil
		}
		return StatusView{}, err
	}
	now := time.Now()
	return StatusView{
		UserID:         config.UserID,
		Status:         config.Status,
		Enabled:        config.Status == StatusEnabled,
		PrimaryMethod:  config.PrimaryMethod,
		BackupMethod:   config.BackupMethod,
		Locked:         s.policy.IsLocked(config, now),
		LockedUntil:    config.LockedUntil,
		LastVerifiedAt: config.LastVerifiedAt,
	}, nil
}

// checkCode accepts either a current TOTP passcode or an unused backup
// code and reports which method matched.
func (s *Service) checkCode(ctx context.Context, config Config, passcode string, now time.Time, meta audit.RequestMeta) (Method, bool) {
	secret, err := s.vault.Decrypt(config.EncryptedSecret)
	if err != nil {
		slog.Error("Failed to decrypt secret", "user_id", config.UserID, "err", err)
		return "", false
	}
	if valid, _ := s.vault.ValidateCode(secret, passcode, now); valid {
		return MethodTOTP, true
	}
	if s.backupCodes != nil {
		matched, err := s.backupCodes.Verify(ctx, config.ID, passcode, backupcode.RedemptionMeta{
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		})
		if err != nil {
			slog.Error("Failed to verify backup code", "user_id", config.UserID, "err", err)
			return "", false
		}
		if matched {
			return MethodBackupCode, true
		}
	}
	return "", false
}

func (s *Service) registerFailure(ctx context.Context, userID uuid.UUID, method Method, meta audit.RequestMeta) {
	now := time.Now()
	config, err := s.repo.RecordFailure(ctx, userID, s.policy.MaxFailedAttempts, s.policy.LockUntil(now))
	if err != nil {
		slog.Error("Failed to record verification failure", "user_id", userID, "err", err)
	} else if s.policy.IsLocked(config, now) {
		slog.Warn("Two-factor configuration locked",
			"user_id", userID, "failed_attempts", config.FailedAttempts, "locked_until", config.LockedUntil)
	}
	if s.recorder != nil {
		s.recorder.RecordAsync(ctx, audit.RecordAttemptParams{
			UserID:    userID,
			Method:    string(method),
			Success:   false,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		})
	}
}

func (s *Service) registerSuccess(ctx context.Context, userID uuid.UUID, method Method, meta audit.RequestMeta, now time.Time) {
	if err := s.repo.ResetFailures(ctx, userID); err != nil {
		slog.Error("Failed to reset failure counter", "user_id", userID, "err", err)
	}
	if err := s.repo.SetLastVerified(ctx, userID, now); err != nil {
		slog.Error("Failed to set last verified time", "user_id", userID, "err", err)
	}
	if s.recorder != nil {
		s.recorder.RecordAsync(ctx, audit.RecordAttemptParams{
			UserID:    userID,
			Method:    string(method),
			Success:   true,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		})
	}
}
