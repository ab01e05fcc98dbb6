package twofa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedConfig(t *testing.T, repo *InMemConfigRepository, userID uuid.UUID) Config {
	t.Helper()
	c, err := repo.StartSetup(context.Background(), StartSetupParams{
		UserID:          userID,
		PrimaryMethod:   MethodTOTP,
		EncryptedSecret: "sealed",
	})
	require.NoError(t, err)
	return c
}

func TestTransitionStatusRequiresCurrentState(t *testing.T) {
	repo := NewInMemConfigRepository()
	userID := uuid.New()
	ctx := context.Background()
	seedConfig(t, repo, userID)

	err := repo.TransitionStatus(ctx, userID, StatusEnabled, StatusDisabled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, repo.TransitionStatus(ctx, userID, StatusPending, StatusEnabled))

	c, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, c.Status)
}

func TestRecordFailureLocksAtThreshold(t *testing.T) {
	repo := NewInMemConfigRepository()
	userID := uuid.New()
	ctx := context.Background()
	seedConfig(t, repo, userID)

	lockUntil := time.Now().Add(15 * time.Minute)
	for i := 1; i < 3; i++ {
		c, err := repo.RecordFailure(ctx, userID, 3, lockUntil)
		require.NoError(t, err)
		assert.Equal(t, i, c.FailedAttempts)
		assert.Nil(t, c.LockedUntil)
	}

	c, err := repo.RecordFailure(ctx, userID, 3, lockUntil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.FailedAttempts)
	require.NotNil(t, c.LockedUntil)
	assert.True(t, c.LockedUntil.Equal(lockUntil))

	require.NoError(t, repo.ResetFailures(ctx, userID))
	c, err = repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, c.FailedAttempts)
	assert.Nil(t, c.LockedUntil)
}

func TestRecordFailureCountsConcurrentWriters(t *testing.T) {
	repo := NewInMemConfigRepository()
	userID := uuid.New()
	ctx := context.Background()
	seedConfig(t, repo, userID)

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, _ = repo.RecordFailure(ctx, userID, 100, time.Now().Add(time.Minute))
		}()
	}
	wg.Wait()

	c, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, writers, c.FailedAttempts)
}

func TestDisableClearsSensitiveFields(t *testing.T) {
	repo := NewInMemConfigRepository()
	userID := uuid.New()
	ctx := context.Background()
	seedConfig(t, repo, userID)
	require.NoError(t, repo.TransitionStatus(ctx, userID, StatusPending, StatusEnabled))

	require.NoError(t, repo.Disable(ctx, userID))

	c, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, c.Status)
	assert.Empty(t, c.EncryptedSecret)
	assert.Empty(t, c.PrimaryMethod)
}
