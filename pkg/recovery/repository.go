package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lifecycle state of a recovery request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is an out-of-band request to reset a user's two-factor
// settings. The approval code is stored as a salted hash.
type Request struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Status     Status
	Reason     string
	CodeHash   []byte
	Salt       []byte
	ExpiresAt  time.Time
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CreateRequestParams struct {
	UserID    uuid.UUID
	Reason    string
	CodeHash  []byte
	Salt      []byte
	ExpiresAt time.Time
}

// Repository persists recovery requests. Resolution is compare-and-set so
// a request is approved or rejected at most once.
type Repository interface {
	Create(ctx context.Context, params CreateRequestParams) (Request, error)
	GetByID(ctx context.Context, id uuid.UUID) (Request, error)

	// FindActiveByUserID returns the user's unexpired pending request, or
	// ErrRequestNotFound when there is none.
	FindActiveByUserID(ctx context.Context, userID uuid.UUID) (Request, error)

	// Resolve moves a pending request to a terminal status. It returns
	// ErrAlreadyProcessed when the request is no longer pending.
	Resolve(ctx context.Context, id uuid.UUID, to Status, at time.Time) error
}

// PostgresRepository stores requests in the twofa_recovery_requests table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const requestColumns = `id, user_id, status, COALESCE(reason, ''), code_hash, salt,
	expires_at, resolved_at, created_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.Reason, &r.CodeHash, &r.Salt,
		&r.ExpiresAt, &r.ResolvedAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (p *PostgresRepository) Create(ctx context.Context, params CreateRequestParams) (Request, error) {
	query := `
		INSERT INTO twofa_recovery_requests
			(id, user_id, status, reason, code_hash, salt, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING ` + requestColumns
	r, err := scanRequest(p.pool.QueryRow(ctx, query,
		uuid.New(), params.UserID, StatusPending, params.Reason,
		params.CodeHash, params.Salt, params.ExpiresAt))
	if err != nil {
		return Request{}, fmt.Errorf("failed to create recovery request: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM twofa_recovery_requests WHERE id = $1`
	r, err := scanRequest(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("failed to get recovery request: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) FindActiveByUserID(ctx context.Context, userID uuid.UUID) (Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM twofa_recovery_requests
		WHERE user_id = $1 AND status = $2 AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1`
	r, err := scanRequest(p.pool.QueryRow(ctx, query, userID, StatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("failed to find active recovery request: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) Resolve(ctx context.Context, id uuid.UUID, to Status, at time.Time) error {
	query := `
		UPDATE twofa_recovery_requests
		SET status = $2, resolved_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	tag, err := p.pool.Exec(ctx, query, id, to, at, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to resolve recovery request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyProcessed
	}
	return nil
}
