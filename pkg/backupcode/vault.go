// Package backupcode issues and redeems the single-use backup codes that
// let a user pass a two-factor challenge without their authenticator.
package backupcode

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// CodeLength is how many characters a backup code has.
	CodeLength = 8

	// codeCharset omits 0, O, 1 and I so codes survive being read aloud
	// or retyped from paper.
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	saltLength     = 16
	hashIterations = 10000
	hashKeyLength  = 32
)

// Vault generates, stores and redeems backup codes. Plaintext codes are
// returned to the caller exactly once; only salted pbkdf2 hashes persist.
type Vault struct {
	repo Repository
}

func NewVault(repo Repository) *Vault {
	return &Vault{repo: repo}
}

// Generate expires any unused codes for the configuration, stores count
// fresh ones and returns their plaintexts.
func (v *Vault) Generate(ctx context.Context, configID uuid.UUID, count int) ([]string, error) {
	plaintexts := make([]string, 0, count)
	hashed := make([]HashedCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		plaintexts = append(plaintexts, code)
		hashed = append(hashed, HashedCode{CodeHash: hashCode(code, salt), Salt: salt})
	}
	if err := v.repo.ReplaceForConfig(ctx, configID, hashed); err != nil {
		return nil, err
	}
	return plaintexts, nil
}

// Verify redeems a backup code. The submitted code is hashed against every
// unused candidate before any result is returned, so response time does
// not reveal which stored code matched or whether any did. A match
// consumes the code; a code already consumed by a concurrent request does
// not verify.
func (v *Vault) Verify(ctx context.Context, configID uuid.UUID, code string, meta RedemptionMeta) (bool, error) {
	normalized := normalizeCode(code)
	candidates, err := v.repo.FindUnusedByConfig(ctx, configID)
	if err != nil {
		return false, err
	}

	matched := -1
	for i, candidate := range candidates {
		hash := hashCode(normalized, candidate.Salt)
		if subtle.ConstantTimeCompare(hash, candidate.CodeHash) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return false, nil
	}
	return v.repo.MarkUsed(ctx, candidates[matched].ID, meta)
}

// ExpireAll invalidates every remaining code for the configuration.
func (v *Vault) ExpireAll(ctx context.Context, configID uuid.UUID) error {
	return v.repo.ExpireUnusedByConfig(ctx, configID)
}

func randomCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeCharset)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeCharset[n.Int64()])
	}
	return b.String(), nil
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

func hashCode(code string, salt []byte) []byte {
	return pbkdf2.Key([]byte(code), salt, hashIterations, hashKeyLength, sha256.New)
}
