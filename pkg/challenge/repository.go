package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lovelink/twofa-service/pkg/twofa"
)

// Status is the lifecycle state of a challenge. Challenges move from
// created to exactly one terminal state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Challenge is one pending verification. For sms and email challenges the
// delivered code is stored as a salted hash; totp challenges carry no code
// because the authenticator holds the secret.
type Challenge struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Method     twofa.Method
	Status     Status
	CodeHash   []byte
	Salt       []byte
	ExpiresAt  time.Time
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CreateChallengeParams struct {
	UserID    uuid.UUID
	Method    twofa.Method
	CodeHash  []byte
	Salt      []byte
	ExpiresAt time.Time
}

// Repository persists challenges. Status marks are compare-and-set so
// concurrent verifications consume a challenge exactly once.
type Repository interface {
	Create(ctx context.Context, params CreateChallengeParams) (Challenge, error)
	GetByID(ctx context.Context, id uuid.UUID) (Challenge, error)

	// MarkVerified moves the challenge from created to verified. It
	// returns ErrChallengeConsumed when the challenge is not in created.
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed moves the challenge from created to failed.
	MarkFailed(ctx context.Context, id uuid.UUID) error

	// MarkExpired moves the challenge from created to expired.
	MarkExpired(ctx context.Context, id uuid.UUID) error
}

// PostgresRepository stores challenges in the twofa_challenges table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const challengeColumns = `id, user_id, method, status, code_hash, salt,
	expires_at, verified_at, created_at, updated_at`

func scanChallenge(row pgx.Row) (Challenge, error) {
	var c Challenge
	err := row.Scan(&c.ID, &c.UserID, &c.Method, &c.Status, &c.CodeHash, &c.Salt,
		&c.ExpiresAt, &c.VerifiedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *PostgresRepository) Create(ctx context.Context, params CreateChallengeParams) (Challenge, error) {
	query := `
		INSERT INTO twofa_challenges
			(id, user_id, method, status, code_hash, salt, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING ` + challengeColumns
	c, err := scanChallenge(r.pool.QueryRow(ctx, query,
		uuid.New(), params.UserID, params.Method, StatusCreated,
		params.CodeHash, params.Salt, params.ExpiresAt))
	if err != nil {
		return Challenge{}, fmt.Errorf("failed to create challenge: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM twofa_challenges WHERE id = $1`
	c, err := scanChallenge(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Challenge{}, ErrChallengeNotFound
		}
		return Challenge{}, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE twofa_challenges
		SET status = $2, verified_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	return r.mark(ctx, id, query, id, StatusVerified, at, StatusCreated)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE twofa_challenges
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`
	return r.mark(ctx, id, query, id, StatusFailed, StatusCreated)
}

func (r *PostgresRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE twofa_challenges
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`
	return r.mark(ctx, id, query, id, StatusExpired, StatusCreated)
}

func (r *PostgresRepository) mark(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update challenge status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrChallengeConsumed
	}
	return nil
}
