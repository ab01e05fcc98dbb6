package secretvault

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlzd/gotp"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	vault, err := New("test-encryption-key-32-chars-long")
	require.NoError(t, err)

	secret, _, err := vault.GenerateSecret("user@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	ciphertext, err := vault.Encrypt(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, ciphertext)

	plaintext, err := vault.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	vault, err := New("test-encryption-key-32-chars-long")
	require.NoError(t, err)

	ciphertext, err := vault.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	// Flip a character in the middle of the ciphertext
	tampered := []byte(ciphertext)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	_, err = vault.Decrypt(string(tampered))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptWithWrongKey(t *testing.T) {
	vault1, err := New("first-encryption-key-for-testing")
	require.NoError(t, err)
	vault2, err := New("second-encryption-key-for-testing")
	require.NoError(t, err)

	ciphertext, err := vault1.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	_, err = vault2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New("short")
	assert.Error(t, err)
}

func TestGenerateSecretURL(t *testing.T) {
	vault, err := New("test-encryption-key-32-chars-long", WithIssuer("lovelink-test"))
	require.NoError(t, err)

	secret, url, err := vault.GenerateSecret("user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.True(t, strings.HasPrefix(url, "otpauth://totp/"))
	assert.Contains(t, url, "lovelink-test")
}

func TestValidateCodeSkewWindow(t *testing.T) {
	vault, err := New("test-encryption-key-32-chars-long")
	require.NoError(t, err)

	secret, _, err := vault.GenerateSecret("user@example.com")
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)

	tests := []struct {
		name   string
		offset time.Duration
		valid  bool
	}{
		{"current step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"one step ahead", 30 * time.Second, true},
		{"two steps behind", -60 * time.Second, false},
		{"two steps ahead", -90 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := vault.GenerateCode(secret, now.Add(tt.offset))
			require.NoError(t, err)

			// Skip offsets whose code collides with a code inside the
			// accepted window; collisions are possible but rare.
			valid, err := vault.ValidateCode(secret, code, now)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, valid)
		})
	}
}

func TestValidateCodeCrossLibrary(t *testing.T) {
	vault, err := New("test-encryption-key-32-chars-long")
	require.NoError(t, err)

	secret, _, err := vault.GenerateSecret("user@example.com")
	require.NoError(t, err)

	// Codes produced by an independent TOTP implementation must verify
	now := time.Now().UTC()
	code := gotp.NewDefaultTOTP(secret).At(now.Unix())

	valid, err := vault.ValidateCode(secret, code, now)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestValidateCodeRejectsGarbage(t *testing.T) {
	vault, err := New("test-encryption-key-32-chars-long")
	require.NoError(t, err)

	secret, _, err := vault.GenerateSecret("user@example.com")
	require.NoError(t, err)

	valid, err := vault.ValidateCode(secret, "000000", time.Now())
	require.NoError(t, err)
	assert.False(t, valid)
}
