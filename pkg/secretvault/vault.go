package secretvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// TotpPeriod is the TOTP time step in seconds (RFC 6238)
	TotpPeriod = 30
	// TotpSkew is the number of adjacent time steps accepted on validation
	TotpSkew = 1
)

var (
	// ErrDecryptionFailed is returned when a stored secret cannot be
	// decrypted (tampered ciphertext or key mismatch)
	ErrDecryptionFailed = errors.New("failed to decrypt secret")
)

// Vault encrypts and decrypts TOTP shared secrets at rest and computes
// RFC 6238 passcodes. The key is derived once at startup and is
// read-only for the lifetime of the process.
type Vault struct {
	key    []byte
	issuer string
}

// VaultOption configures a Vault
type VaultOption func(*Vault)

// WithIssuer sets the issuer embedded in generated otpauth URLs
func WithIssuer(issuer string) VaultOption {
	return func(v *Vault) {
		v.issuer = issuer
	}
}

// New creates a vault from the provided encryption key. The key is
// stretched to 32 bytes with PBKDF2 so any sufficiently long string
// from the environment works as key material.
func New(encryptionKey string, opts ...VaultOption) (*Vault, error) {
	if len(encryptionKey) < 16 {
		return nil, fmt.Errorf("encryption key must be at least 16 characters long")
	}

	salt := []byte("twofa-secret-vault")
	key := pbkdf2.Key([]byte(encryptionKey), salt, 10000, 32, sha256.New)

	v := &Vault{
		key:    key,
		issuer: "lovelink",
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// GenerateSecret generates a new random TOTP secret for the given
// account. It returns the base32 secret and the otpauth URL used for
// authenticator-app QR codes.
func (v *Vault) GenerateSecret(accountName string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
	})
	if err != nil {
		slog.Error("Failed to generate totp secret", "accountName", accountName, "issuer", v.issuer, "error", err)
		return "", "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// Encrypt encrypts a plaintext secret using AES-256-GCM and returns a
// base64 string suitable for storage.
func (v *Vault) Encrypt(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(secret), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a stored secret. It returns ErrDecryptionFailed on
// tampered ciphertext or a key mismatch; the underlying cause is never
// included so key material cannot leak into caller-visible errors.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("ciphertext cannot be empty")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// GenerateCode computes the TOTP passcode for the secret at the given
// time. Used by setup flows and tests; verification goes through
// ValidateCode.
func (v *Vault) GenerateCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    TotpPeriod,
		Skew:      TotpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to generate totp passcode", "error", err)
		return "", fmt.Errorf("failed to generate totp passcode: %w", err)
	}
	return code, nil
}

// ValidateCode checks a submitted passcode against the secret at the
// given time, accepting one time step of clock skew in either
// direction.
func (v *Vault) ValidateCode(secret, passcode string, at time.Time) (bool, error) {
	valid, err := totp.ValidateCustom(passcode, secret, at.UTC(), totp.ValidateOpts{
		Period:    TotpPeriod,
		Skew:      TotpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to validate totp passcode", "error", err)
		return false, fmt.Errorf("failed to validate totp passcode: %w", err)
	}
	return valid, nil
}
