package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/backupcode"
	"github.com/lovelink/twofa-service/pkg/notification"
	"github.com/lovelink/twofa-service/pkg/secretvault"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

const (
	// DefaultChallengeTTL is how long a challenge stays verifiable.
	DefaultChallengeTTL = 5 * time.Minute

	// DeliveredCodeLength is the number of digits in sms and email codes.
	DeliveredCodeLength = 6

	saltLength     = 16
	hashIterations = 10000
	hashKeyLength  = 32
)

// NoticeSender delivers codes to users. The notification manager
// implements it.
type NoticeSender interface {
	Send(noticeType notification.NoticeType, data notification.NotificationData) error
}

// BackupCodeChecker redeems a backup code during challenge verification.
type BackupCodeChecker interface {
	Verify(ctx context.Context, configID uuid.UUID, code string, meta backupcode.RedemptionMeta) (bool, error)
}

// AttemptRecorder appends verification attempts to the audit log.
type AttemptRecorder interface {
	RecordAsync(ctx context.Context, params audit.RecordAttemptParams)
}

// Service issues and verifies login challenges. Every verification call
// lands exactly one row in the attempt log, and failures feed the same
// lockout counter the twofa service enforces.
type Service struct {
	repo        Repository
	configs     twofa.ConfigRepository
	vault       *secretvault.Vault
	backupCodes BackupCodeChecker
	recorder    AttemptRecorder
	sender      NoticeSender
	policy      twofa.LockoutPolicy
	ttl         time.Duration
}

type Option func(*Service)

func WithNoticeSender(sender NoticeSender) Option {
	return func(s *Service) {
		s.sender = sender
	}
}

func WithBackupCodes(checker BackupCodeChecker) Option {
	return func(s *Service) {
		s.backupCodes = checker
	}
}

func WithAttemptRecorder(recorder AttemptRecorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

func WithLockoutPolicy(policy twofa.LockoutPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

func WithChallengeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

func NewService(repo Repository, configs twofa.ConfigRepository, vault *secretvault.Vault, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		configs: configs,
		vault:   vault,
		policy:  twofa.DefaultLockoutPolicy(),
		ttl:     DefaultChallengeTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a challenge for a user with enabled two-factor
// authentication. For sms and email challenges a fresh six digit code is
// generated, stored hashed, and dispatched in the background so delivery
// latency never blocks the login path.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, method twofa.Method) (Challenge, error) {
	config, err := s.configs.GetByUserID(ctx, userID)
	if err != nil {
		return Challenge{}, err
	}
	if config.Status != twofa.StatusEnabled {
		return Challenge{}, twofa.ErrNotEnabled
	}

	now := time.Now()
	if s.policy.IsLocked(config, now) {
		return Challenge{}, twofa.ErrLocked
	}

	if method == "" {
		method = config.PrimaryMethod
	}
	params := CreateChallengeParams{
		UserID:    userID,
		Method:    method,
		ExpiresAt: now.Add(s.ttl),
	}

	var code string
	switch method {
	case twofa.MethodTOTP:
		// The authenticator app holds the secret; nothing to deliver.
	case twofa.MethodSMS, twofa.MethodEmail:
		code, err = randomDigits(DeliveredCodeLength)
		if err != nil {
			return Challenge{}, fmt.Errorf("failed to generate challenge code: %w", err)
		}
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return Challenge{}, fmt.Errorf("failed to generate salt: %w", err)
		}
		params.CodeHash = hashCode(code, salt)
		params.Salt = salt
	default:
		return Challenge{}, twofa.ErrMethodNotSupported
	}

	ch, err := s.repo.Create(ctx, params)
	if err != nil {
		return Challenge{}, err
	}

	if code != "" {
		s.dispatch(config, method, code)
	}
	slog.Info("Created challenge", "challenge_id", ch.ID, "user_id", userID, "method", method)
	return ch, nil
}

// VerifyParams is one verification attempt against an open challenge.
// Method overrides how the code is interpreted; when empty the challenge's
// own method is used, which lets a backup code answer any challenge.
type VerifyParams struct {
	ChallengeID uuid.UUID
	Code        string
	Method      twofa.Method
	Meta        audit.RequestMeta
}

// Verify checks a submitted code against a challenge. A wrong code moves
// the challenge to failed, so each challenge absorbs at most one wrong
// answer and a retry needs a fresh challenge.
func (s *Service) Verify(ctx context.Context, params VerifyParams) (Challenge, error) {
	ch, err := s.repo.GetByID(ctx, params.ChallengeID)
	if err != nil {
		return Challenge{}, err
	}
	if ch.Status != StatusCreated {
		return Challenge{}, ErrChallengeConsumed
	}

	now := time.Now()
	if now.After(ch.ExpiresAt) {
		if err := s.repo.MarkExpired(ctx, ch.ID); err != nil && err != ErrChallengeConsumed {
			slog.Error("Failed to mark challenge expired", "challenge_id", ch.ID, "err", err)
		}
		s.record(ctx, ch, ch.Method, false, params.Meta)
		return Challenge{}, ErrChallengeExpired
	}

	config, err := s.configs.GetByUserID(ctx, ch.UserID)
	if err != nil {
		return Challenge{}, err
	}
	if s.policy.IsLocked(config, now) {
		return Challenge{}, twofa.ErrLocked
	}

	method := params.Method
	if method == "" {
		method = ch.Method
	}
	ok, err := s.checkCode(ctx, ch, config, method, params.Code, now, params.Meta)
	if err != nil {
		return Challenge{}, err
	}
	if !ok {
		if err := s.repo.MarkFailed(ctx, ch.ID); err != nil && err != ErrChallengeConsumed {
			slog.Error("Failed to mark challenge failed", "challenge_id", ch.ID, "err", err)
		}
		s.registerFailure(ctx, ch, method, params.Meta, now)
		return Challenge{}, twofa.ErrInvalidCode
	}

	if err := s.repo.MarkVerified(ctx, ch.ID, now); err != nil {
		// A concurrent verification won the race; this attempt does not
		// count as a second success.
		return Challenge{}, err
	}
	s.registerSuccess(ctx, ch, method, params.Meta, now)
	slog.Info("Challenge verified", "challenge_id", ch.ID, "user_id", ch.UserID, "method", method)

	ch.Status = StatusVerified
	ch.VerifiedAt = &now
	return ch, nil
}

// Get returns a challenge by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Challenge, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) checkCode(ctx context.Context, ch Challenge, config twofa.Config, method twofa.Method, code string, now time.Time, meta audit.RequestMeta) (bool, error) {
	switch method {
	case twofa.MethodTOTP:
		secret, err := s.vault.Decrypt(config.EncryptedSecret)
		if err != nil {
			return false, fmt.Errorf("failed to decrypt secret: %w", err)
		}
		valid, _ := s.vault.ValidateCode(secret, code, now)
		return valid, nil
	case twofa.MethodSMS, twofa.MethodEmail:
		if len(ch.CodeHash) == 0 || method != ch.Method {
			return false, nil
		}
		hash := hashCode(code, ch.Salt)
		return subtle.ConstantTimeCompare(hash, ch.CodeHash) == 1, nil
	case twofa.MethodBackupCode:
		if s.backupCodes == nil {
			return false, nil
		}
		return s.backupCodes.Verify(ctx, config.ID, code, backupcode.RedemptionMeta{
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		})
	default:
		return false, twofa.ErrMethodNotSupported
	}
}

func (s *Service) dispatch(config twofa.Config, method twofa.Method, code string) {
	if s.sender == nil {
		return
	}
	minutes := strconv.Itoa(int(s.ttl / time.Minute))
	var noticeType notification.NoticeType
	var to string
	switch method {
	case twofa.MethodSMS:
		noticeType = notification.TwofaCodeNoticeSms
		to = config.Phone
	case twofa.MethodEmail:
		noticeType = notification.TwofaCodeNoticeEmail
		to = config.RecoveryEmail
	default:
		return
	}
	go func() {
		err := s.sender.Send(noticeType, notification.NotificationData{
			To: to,
			Data: map[string]string{
				"Passcode":         code,
				"ExpiresInMinutes": minutes,
			},
		})
		if err != nil {
			slog.Error("Failed to deliver challenge code",
				"user_id", config.UserID, "method", method, "err", err)
		}
	}()
}

func (s *Service) registerFailure(ctx context.Context, ch Challenge, method twofa.Method, meta audit.RequestMeta, now time.Time) {
	config, err := s.configs.RecordFailure(ctx, ch.UserID, s.policy.MaxFailedAttempts, s.policy.LockUntil(now))
	if err != nil {
		slog.Error("Failed to record verification failure", "user_id", ch.UserID, "err", err)
	} else if s.policy.IsLocked(config, now) {
		slog.Warn("Two-factor configuration locked",
			"user_id", ch.UserID, "failed_attempts", config.FailedAttempts, "locked_until", config.LockedUntil)
	}
	s.record(ctx, ch, method, false, meta)
}

func (s *Service) registerSuccess(ctx context.Context, ch Challenge, method twofa.Method, meta audit.RequestMeta, now time.Time) {
	if err := s.configs.ResetFailures(ctx, ch.UserID); err != nil {
		slog.Error("Failed to reset failure counter", "user_id", ch.UserID, "err", err)
	}
	if err := s.configs.SetLastVerified(ctx, ch.UserID, now); err != nil {
		slog.Error("Failed to set last verified time", "user_id", ch.UserID, "err", err)
	}
	s.record(ctx, ch, method, true, meta)
}

func (s *Service) record(ctx context.Context, ch Challenge, method twofa.Method, success bool, meta audit.RequestMeta) {
	if s.recorder == nil {
		return
	}
	challengeID := ch.ID
	s.recorder.RecordAsync(ctx, audit.RecordAttemptParams{
		UserID:      ch.UserID,
		ChallengeID: &challengeID,
		Method:      string(method),
		Success:     success,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
}

func randomDigits(n int) (string, error) {
	max := big.NewInt(10)
	digits := make([]byte, n)
	for i := range digits {
		d, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}

func hashCode(code string, salt []byte) []byte {
	return pbkdf2.Key([]byte(code), salt, hashIterations, hashKeyLength, sha256.New)
}
