package recovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/lovelink/twofa-service/pkg/notification"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

const (
	// DefaultRequestTTL is how long a recovery request stays approvable.
	DefaultRequestTTL = 24 * time.Hour

	// ApprovalCodeLength is how many characters an approval code has.
	ApprovalCodeLength = 8

	// approvalCharset omits 0, O, 1 and I so codes survive being read
	// aloud or retyped.
	approvalCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	saltLength     = 16
	hashIterations = 10000
	hashKeyLength  = 32
)

// Disabler resets a user's two-factor settings. The twofa service
// implements it.
type Disabler interface {
	ForceDisable(ctx context.Context, userID uuid.UUID) error
}

// ConfigReader looks up a user's configuration for the recovery email.
type ConfigReader interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (twofa.Config, error)
}

// NoticeSender delivers recovery notices. The notification manager
// implements it.
type NoticeSender interface {
	Send(noticeType notification.NoticeType, data notification.NotificationData) error
}

// Service runs the out-of-band recovery flow for users who lost their
// second factor. Approval requires a code delivered outside the login
// path and resets the account's two-factor settings entirely.
type Service struct {
	repo     Repository
	configs  ConfigReader
	disabler Disabler
	sender   NoticeSender
	ttl      time.Duration
}

type Option func(*Service)

func WithNoticeSender(sender NoticeSender) Option {
	return func(s *Service) {
		s.sender = sender
	}
}

func WithRequestTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

func NewService(repo Repository, configs ConfigReader, disabler Disabler, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		configs:  configs,
		disabler: disabler,
		ttl:      DefaultRequestTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request opens a recovery request for a user. The approval code is
// dispatched to the user's recovery email and never returned to the
// caller. A user can hold at most one open request.
func (s *Service) Request(ctx context.Context, userID uuid.UUID, reason string) (Request, error) {
	if _, err := s.repo.FindActiveByUserID(ctx, userID); err == nil {
		return Request{}, ErrRequestPending
	} else if err != ErrRequestNotFound {
		return Request{}, err
	}

	code, err := randomApprovalCode()
	if err != nil {
		return Request{}, fmt.Errorf("failed to generate approval code: %w", err)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return Request{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	req, err := s.repo.Create(ctx, CreateRequestParams{
		UserID:    userID,
		Reason:    reason,
		CodeHash:  hashCode(code, salt),
		Salt:      salt,
		ExpiresAt: time.Now().Add(s.ttl),
	})
	if err != nil {
		return Request{}, err
	}

	s.dispatchApproval(ctx, req, code)
	slog.Info("Opened recovery request", "request_id", req.ID, "user_id", userID)
	return req, nil
}

// Approve resolves a request with its approval code and resets the user's
// two-factor settings. The reset happens whether or not the user still has
// a configuration, so a half-deleted account cannot strand the flow.
func (s *Service) Approve(ctx context.Context, requestID uuid.UUID, approvalCode string) error {
	req, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return ErrAlreadyProcessed
	}

	now := time.Now()
	if now.After(req.ExpiresAt) {
		if err := s.repo.Resolve(ctx, req.ID, StatusExpired, now); err != nil && err != ErrAlreadyProcessed {
			slog.Error("Failed to expire recovery request", "request_id", req.ID, "err", err)
		}
		return ErrRequestExpired
	}

	hash := hashCode(normalizeApprovalCode(approvalCode), req.Salt)
	if subtle.ConstantTimeCompare(hash, req.CodeHash) != 1 {
		return ErrInvalidApprovalCode
	}

	if err := s.repo.Resolve(ctx, req.ID, StatusApproved, now); err != nil {
		return err
	}
	if err := s.disabler.ForceDisable(ctx, req.UserID); err != nil {
		return fmt.Errorf("failed to reset two-factor settings: %w", err)
	}

	s.dispatchCompleted(ctx, req)
	slog.Info("Approved recovery request", "request_id", req.ID, "user_id", req.UserID)
	return nil
}

// Reject resolves a request without touching the user's settings.
func (s *Service) Reject(ctx context.Context, requestID uuid.UUID) error {
	req, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if err := s.repo.Resolve(ctx, req.ID, StatusRejected, time.Now()); err != nil {
		return err
	}
	slog.Info("Rejected recovery request", "request_id", req.ID, "user_id", req.UserID)
	return nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (Request, error) {
	return s.repo.GetByID(ctx, requestID)
}

func (s *Service) dispatchApproval(ctx context.Context, req Request, code string) {
	if s.sender == nil {
		return
	}
	config, err := s.configs.GetByUserID(ctx, req.UserID)
	if err != nil || config.RecoveryEmail == "" {
		slog.Warn("No recovery email on file, approval code not delivered",
			"request_id", req.ID, "user_id", req.UserID)
		return
	}
	hours := strconv.Itoa(int(s.ttl / time.Hour))
	go func() {
		err := s.sender.Send(notification.RecoveryApprovalNotice, notification.NotificationData{
			To: config.RecoveryEmail,
			Data: map[string]string{
				"ApprovalCode":   code,
				"ExpiresInHours": hours,
			},
		})
		if err != nil {
			slog.Error("Failed to deliver approval code", "request_id", req.ID, "err", err)
		}
	}()
}

func (s *Service) dispatchCompleted(ctx context.Context, req Request) {
	if s.sender == nil {
		return
	}
	config, err := s.configs.GetByUserID(ctx, req.UserID)
	if err != nil || config.RecoveryEmail == "" {
		return
	}
	go func() {
		err := s.sender.Send(notification.RecoveryCompletedNotice, notification.NotificationData{
			To:   config.RecoveryEmail,
			Data: map[string]string{},
		})
		if err != nil {
			slog.Error("Failed to deliver recovery completion notice", "request_id", req.ID, "err", err)
		}
	}()
}

func randomApprovalCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(approvalCharset)))
	for i := 0; i < ApprovalCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(approvalCharset[n.Int64()])
	}
	return b.String(), nil
}

func normalizeApprovalCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func hashCode(code string, salt []byte) []byte {
	return pbkdf2.Key([]byte(code), salt, hashIterations, hashKeyLength, sha256.New)
}
