package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndListNewestFirst(t *testing.T) {
	ctx := context.Background()
	recorder := NewRecorder(NewInMemRepository())
	userID := uuid.New()

	for _, method := range []string{"totp", "sms", "backup_code"} {
		_, err := recorder.Record(ctx, RecordAttemptParams{
			UserID:    userID,
			Method:    method,
			Success:   method != "sms",
			IPAddress: "203.0.113.7",
		})
		require.NoError(t, err)
	}

	attempts, err := recorder.ListByUser(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, "backup_code", attempts[0].Method)
	assert.Equal(t, "totp", attempts[2].Method)
	assert.Equal(t, "203.0.113.7", attempts[0].IPAddress)
}

func TestListRespectsLimit(t *testing.T) {
	ctx := context.Background()
	recorder := NewRecorder(NewInMemRepository())
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := recorder.Record(ctx, RecordAttemptParams{UserID: userID, Method: "totp"})
		require.NoError(t, err)
	}

	attempts, err := recorder.ListByUser(ctx, userID, 2)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestListScopedToUser(t *testing.T) {
	ctx := context.Background()
	recorder := NewRecorder(NewInMemRepository())

	_, err := recorder.Record(ctx, RecordAttemptParams{UserID: uuid.New(), Method: "totp"})
	require.NoError(t, err)

	attempts, err := recorder.ListByUser(ctx, uuid.New(), 0)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
