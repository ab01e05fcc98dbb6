package twofa

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/backupcode"
	"github.com/lovelink/twofa-service/pkg/secretvault"
)

func newTestService(t *testing.T) (*Service, *secretvault.Vault, *audit.InMemRepository) {
	t.Helper()
	vault, err := secretvault.New("test-encryption-key-32-characters")
	require.NoError(t, err)
	attempts := audit.NewInMemRepository()
	svc := NewService(NewInMemConfigRepository(), vault,
		WithBackupCodes(backupcode.NewVault(backupcode.NewInMemRepository())),
		WithAttemptRecorder(audit.NewRecorder(attempts)),
	)
	return svc, vault, attempts
}

func TestSetupIssuesSecretAndBackupCodes(t *testing.T) {
	svc, _, _ := newTestService(t)
	userID := uuid.New()

	result, err := svc.Setup(context.Background(), userID, SetupParams{PrimaryMethod: MethodTOTP})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Secret)
	assert.Contains(t, result.OtpauthURL, "otpauth://totp/")
	assert.Len(t, result.BackupCodes, DefaultBackupCodeCount)

	status, err := svc.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)
	assert.False(t, status.Enabled)
}

func TestSetupRejectsInvalidMethod(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Setup(context.Background(), uuid.New(), SetupParams{PrimaryMethod: "carrier_pigeon"})
	assert.Error(t, err)
}

func TestSetupRequiresPhoneForSMS(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Setup(context.Background(), uuid.New(), SetupParams{PrimaryMethod: MethodSMS})
	assert.Error(t, err)

	_, err = svc.Setup(context.Background(), uuid.New(), SetupParams{
		PrimaryMethod: MethodSMS,
		Phone:         "+15550001111",
	})
	assert.NoError(t, err)
}

func TestVerifySetupEnablesConfig(t *testing.T) {
	svc, vault, attempts := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	result, err := svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	require.NoError(t, err)

	code, err := vault.GenerateCode(result.Secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, svc.VerifySetup(ctx, userID, code, audit.RequestMeta{IPAddress: "10.0.0.1"}))

	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, status.Status)
	assert.True(t, status.Enabled)
	assert.NotNil(t, status.LastVerifiedAt)

	logged, err := attempts.FindByUserID(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.True(t, logged[0].Success)
	assert.Equal(t, string(MethodTOTP), logged[0].Method)
	assert.Equal(t, "10.0.0.1", logged[0].IPAddress)
}

func TestVerifySetupRejectsBadCode(t *testing.T) {
	svc, _, attempts := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	_, err := svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	require.NoError(t, err)

	err = svc.VerifySetup(ctx, userID, "000000", audit.RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	logged, err := attempts.FindByUserID(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.False(t, logged[0].Success)
}

func TestVerifySetupWithoutSetup(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.VerifySetup(context.Background(), uuid.New(), "123456", audit.RequestMeta{})
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestSetupTwiceFails(t *testing.T) {
	svc, vault, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	result, err := svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	require.NoError(t, err)

	// A second setup while the first is still pending is rejected.
	_, err = svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	assert.ErrorIs(t, err, ErrAlreadyEnabled)

	code, err := vault.GenerateCode(result.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.VerifySetup(ctx, userID, code, audit.RequestMeta{}))

	_, err = svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestDisableWithPasscode(t *testing.T) {
	svc, vault, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	result := enable(t, svc, vault, userID)

	code, err := vault.GenerateCode(result.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.Disable(ctx, userID, code, audit.RequestMeta{}))

	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, status.Status)
	assert.Empty(t, status.PrimaryMethod)

	// Setup can start over after a disable.
	_, err = svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	assert.NoError(t, err)
}

func TestDisableWithBackupCode(t *testing.T) {
	svc, vault, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	result := enable(t, svc, vault, userID)

	require.NoError(t, svc.Disable(ctx, userID, result.BackupCodes[0], audit.RequestMeta{}))

	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, status.Status)
}

func TestDisableRejectsBadCode(t *testing.T) {
	svc, vault, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	enable(t, svc, vault, userID)

	err := svc.Disable(ctx, userID, "000000", audit.RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, status.Status)
}

func TestDisableWhenNotEnabled(t *testing.T) {
	svc, _, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	_, err := svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	require.NoError(t, err)

	err = svc.Disable(ctx, userID, "123456", audit.RequestMeta{})
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestForceDisableClearsSecretAndCodes(t *testing.T) {
	backupRepo := backupcode.NewInMemRepository()
	vault, err := secretvault.New("test-encryption-key-32-characters")
	require.NoError(t, err)
	svc := NewService(NewInMemConfigRepository(), vault,
		WithBackupCodes(backupcode.NewVault(backupRepo)))
	userID := uuid.New()
	ctx := context.Background()

	result := enable(t, svc, vault, userID)

	require.NoError(t, svc.ForceDisable(ctx, userID))

	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, status.Status)

	codes, err := backupRepo.FindUnusedByConfig(ctx, result.ConfigID)
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestForceDisableUnknownUserIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.ForceDisable(context.Background(), uuid.New()))
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, vault, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	result := enable(t, svc, vault, userID)

	for i := 0; i < DefaultMaxFailedAttempts; i++ {
		err := svc.Disable(ctx, userID, "000000", audit.RequestMeta{})
		assert.ErrorIs(t, err, ErrInvalidCode)
	}

	code, err := vault.GenerateCode(result.Secret, time.Now())
	require.NoError(t, err)
	err = svc.Disable(ctx, userID, code, audit.RequestMeta{})
	assert.ErrorIs(t, err, ErrLocked)

	status, serr := svc.Status(ctx, userID)
	require.NoError(t, serr)
	assert.True(t, status.Locked)
	assert.NotNil(t, status.LockedUntil)
}

func TestRegenerateBackupCodes(t *testing.T) {
	svc, vault, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	result := enable(t, svc, vault, userID)

	fresh, err := svc.RegenerateBackupCodes(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, fresh, DefaultBackupCodeCount)
	assert.NotEqual(t, result.BackupCodes, fresh)

	// Old codes no longer work.
	err = svc.Disable(ctx, userID, result.BackupCodes[0], audit.RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestStatusForUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	userID := uuid.New()

	status, err := svc.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnconfigured, status.Status)
	assert.False(t, status.Enabled)
	assert.False(t, status.Locked)
}

func enable(t *testing.T, svc *Service, vault *secretvault.Vault, userID uuid.UUID) SetupResult {
	t.Helper()
	ctx := context.Background()
	result, err := svc.Setup(ctx, userID, SetupParams{PrimaryMethod: MethodTOTP})
	require.NoError(t, err)
	code, err := vault.GenerateCode(result.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.VerifySetup(ctx, userID, code, audit.RequestMeta{}))
	return result
}
