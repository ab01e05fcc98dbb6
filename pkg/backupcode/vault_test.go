package backupcode

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReturnsDistinctCodes(t *testing.T) {
	vault := NewVault(NewInMemRepository())
	configID := uuid.New()

	codes, err := vault.Generate(context.Background(), configID, 10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, CodeLength)
		for _, r := range code {
			assert.Contains(t, codeCharset, string(r))
		}
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestVerifyConsumesCode(t *testing.T) {
	vault := NewVault(NewInMemRepository())
	configID := uuid.New()
	ctx := context.Background()

	codes, err := vault.Generate(ctx, configID, 5)
	require.NoError(t, err)

	ok, err := vault.Verify(ctx, configID, codes[2], RedemptionMeta{})
	require.NoError(t, err)
	assert.True(t, ok)

	// Single use: the same code must not verify twice.
	ok, err = vault.Verify(ctx, configID, codes[2], RedemptionMeta{})
	require.NoError(t, err)
	assert.False(t, ok)

	// The other codes are unaffected.
	ok, err = vault.Verify(ctx, configID, codes[0], RedemptionMeta{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyNormalizesInput(t *testing.T) {
	vault := NewVault(NewInMemRepository())
	configID := uuid.New()
	ctx := context.Background()

	codes, err := vault.Generate(ctx, configID, 1)
	require.NoError(t, err)

	code := codes[0]
	spaced := " " + strings.ToLower(code[:4]) + "-" + strings.ToLower(code[4:]) + " "
	ok, err := vault.Verify(ctx, configID, spaced, RedemptionMeta{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsUnknownCode(t *testing.T) {
	vault := NewVault(NewInMemRepository())
	configID := uuid.New()
	ctx := context.Background()

	_, err := vault.Generate(ctx, configID, 5)
	require.NoError(t, err)

	ok, err := vault.Verify(ctx, configID, "ZZZZZZZZ", RedemptionMeta{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateReplacesPreviousBatch(t *testing.T) {
	vault := NewVault(NewInMemRepository())
	configID := uuid.New()
	ctx := context.Background()

	old, err := vault.Generate(ctx, configID, 3)
	require.NoError(t, err)

	fresh, err := vault.Generate(ctx, configID, 3)
	require.NoError(t, err)

	for _, code := range old {
		ok, err := vault.Verify(ctx, configID, code, RedemptionMeta{})
		require.NoError(t, err)
		assert.False(t, ok, "old code %s should be invalidated", code)
	}
	ok, err := vault.Verify(ctx, configID, fresh[0], RedemptionMeta{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpireAllInvalidatesRemainingCodes(t *testing.T) {
	vault := NewVault(NewInMemRepository())
	configID := uuid.New()
	ctx := context.Background()

	codes, err := vault.Generate(ctx, configID, 4)
	require.NoError(t, err)

	require.NoError(t, vault.ExpireAll(ctx, configID))

	for _, code := range codes {
		ok, err := vault.Verify(ctx, configID, code, RedemptionMeta{})
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestVerifyRecordsRedemptionMeta(t *testing.T) {
	repo := NewInMemRepository()
	vault := NewVault(repo)
	configID := uuid.New()
	ctx := context.Background()

	codes, err := vault.Generate(ctx, configID, 2)
	require.NoError(t, err)

	ok, err := vault.Verify(ctx, configID, codes[0], RedemptionMeta{
		IPAddress: "203.0.113.7",
		UserAgent: "lovelink-ios/4.2",
	})
	require.NoError(t, err)
	require.True(t, ok)

	var used *Code
	for id, c := range repo.codes {
		if c.Status == StatusUsed {
			stored := repo.codes[id]
			used = &stored
		}
	}
	require.NotNil(t, used)
	assert.Equal(t, "203.0.113.7", used.IPAddress)
	assert.Equal(t, "lovelink-ios/4.2", used.UserAgent)
	require.NotNil(t, used.UsedAt)
}

func TestRegenerationKeepsHistory(t *testing.T) {
	repo := NewInMemRepository()
	vault := NewVault(repo)
	configID := uuid.New()
	ctx := context.Background()

	_, err := vault.Generate(ctx, configID, 3)
	require.NoError(t, err)
	_, err = vault.Generate(ctx, configID, 3)
	require.NoError(t, err)

	counts := make(map[Status]int)
	for _, c := range repo.codes {
		counts[c.Status]++
	}
	assert.Equal(t, 3, counts[StatusExpired])
	assert.Equal(t, 3, counts[StatusUnused])
}
