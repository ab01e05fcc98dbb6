package recovery

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/twofa-service/pkg/backupcode"
	"github.com/lovelink/twofa-service/pkg/notification"
	"github.com/lovelink/twofa-service/pkg/secretvault"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

type fixture struct {
	svc        *Service
	repo       *InMemRepository
	configs    *twofa.InMemConfigRepository
	twofaSvc   *twofa.Service
	backupRepo *backupcode.InMemRepository
	sender     *notification.MockNotifier
	userID     uuid.UUID
	configID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	vault, err := secretvault.New("test-encryption-key-32-characters")
	require.NoError(t, err)
	configs := twofa.NewInMemConfigRepository()
	backupRepo := backupcode.NewInMemRepository()
	twofaSvc := twofa.NewService(configs, vault,
		twofa.WithBackupCodes(backupcode.NewVault(backupRepo)))
	repo := NewInMemRepository()
	sender := &notification.MockNotifier{}

	nm := notification.NewNotificationManager()
	nm.RegisterNotifier(notification.EmailSystem, sender)
	require.NoError(t, notification.WithDefaultTemplates()(nm))

	userID := uuid.New()
	secret, _, err := vault.GenerateSecret(userID.String())
	require.NoError(t, err)
	encrypted, err := vault.Encrypt(secret)
	require.NoError(t, err)
	config, err := configs.StartSetup(ctx, twofa.StartSetupParams{
		UserID:          userID,
		PrimaryMethod:   twofa.MethodTOTP,
		EncryptedSecret: encrypted,
		RecoveryEmail:   "user@example.com",
	})
	require.NoError(t, err)
	require.NoError(t, configs.TransitionStatus(ctx, userID, twofa.StatusPending, twofa.StatusEnabled))

	svc := NewService(repo, configs, twofaSvc, WithNoticeSender(nm))
	return &fixture{
		svc:        svc,
		repo:       repo,
		configs:    configs,
		twofaSvc:   twofaSvc,
		backupRepo: backupRepo,
		sender:     sender,
		userID:     userID,
		configID:   config.ID,
	}
}

func (f *fixture) approvalCode(t *testing.T) string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.sender.Sent()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	return f.sender.Sent()[0].Data["ApprovalCode"]
}

func TestRequestOpensPendingRequest(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.Request(context.Background(), f.userID, "lost phone")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "lost phone", req.Reason)
	assert.WithinDuration(t, time.Now().Add(DefaultRequestTTL), req.ExpiresAt, 2*time.Second)

	code := f.approvalCode(t)
	assert.Len(t, code, ApprovalCodeLength)
	assert.Equal(t, "user@example.com", f.sender.Sent()[0].To)
}

func TestRequestRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, f.userID, "lost phone")
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, f.userID, "still lost")
	assert.ErrorIs(t, err, ErrRequestPending)
}

func TestApproveResetsTwoFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes, err := f.twofaSvc.RegenerateBackupCodes(ctx, f.userID)
	require.NoError(t, err)
	require.NotEmpty(t, codes)

	req, err := f.svc.Request(ctx, f.userID, "lost phone")
	require.NoError(t, err)

	require.NoError(t, f.svc.Approve(ctx, req.ID, f.approvalCode(t)))

	stored, err := f.repo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	require.NotNil(t, stored.ResolvedAt)

	config, err := f.configs.GetByUserID(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, twofa.StatusDisabled, config.Status)
	assert.Empty(t, config.EncryptedSecret)

	remaining, err := f.backupRepo.FindUnusedByConfig(ctx, f.configID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestApproveNormalizesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Request(ctx, f.userID, "lost phone")
	require.NoError(t, err)

	code := f.approvalCode(t)
	spaced := " " + code[:4] + "-" + code[4:] + " "
	assert.NoError(t, f.svc.Approve(ctx, req.ID, spaced))
}

func TestApproveRejectsWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Request(ctx, f.userID, "lost phone")
	require.NoError(t, err)

	err = f.svc.Approve(ctx, req.ID, "ZZZZZZZZ")
	assert.ErrorIs(t, err, ErrInvalidApprovalCode)

	// The request stays open and the right code still works.
	stored, err := f.repo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.NoError(t, f.svc.Approve(ctx, req.ID, f.approvalCode(t)))
}

func TestApproveExpiredRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	req := Request{
		ID:        uuid.New(),
		UserID:    f.userID,
		Status:    StatusPending,
		CodeHash:  hashCode("WXYZ2345", salt),
		Salt:      salt,
		ExpiresAt: time.Now().Add(-time.Hour),
		CreatedAt: time.Now().Add(-25 * time.Hour),
	}
	f.repo.Seed(req)

	err = f.svc.Approve(ctx, req.ID, "WXYZ2345")
	assert.ErrorIs(t, err, ErrRequestExpired)

	stored, err := f.repo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)

	// The user's settings are untouched.
	config, err := f.configs.GetByUserID(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, twofa.StatusEnabled, config.Status)
}

func TestApproveProcessedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Request(ctx, f.userID, "lost phone")
	require.NoError(t, err)
	code := f.approvalCode(t)

	require.NoError(t, f.svc.Approve(ctx, req.ID, code))
	err = f.svc.Approve(ctx, req.ID, code)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestApproveUnknownRequest(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Approve(context.Background(), uuid.New(), "WXYZ2345")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestApproveWithoutConfigStillSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	strangerID := uuid.New()
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	req := Request{
		ID:        uuid.New(),
		UserID:    strangerID,
		Status:    StatusPending,
		CodeHash:  hashCode("WXYZ2345", salt),
		Salt:      salt,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	f.repo.Seed(req)

	assert.NoError(t, f.svc.Approve(ctx, req.ID, "WXYZ2345"))
}

func TestRejectClosesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Request(ctx, f.userID, "lost phone")
	require.NoError(t, err)

	require.NoError(t, f.svc.Reject(ctx, req.ID))

	stored, err := f.repo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)

	// Rejection leaves two-factor enabled.
	config, err := f.configs.GetByUserID(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, twofa.StatusEnabled, config.Status)

	err = f.svc.Reject(ctx, req.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}
