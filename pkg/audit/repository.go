// Package audit keeps the append-only log of two-factor verification
// attempts.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Attempt is a single verification attempt. Rows are append-only; nothing
// updates or deletes them.
type Attempt struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	ChallengeID *uuid.UUID
	Method      string
	Success     bool
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
}

// RequestMeta carries the client details recorded with each attempt.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type RecordAttemptParams struct {
	UserID      uuid.UUID
	ChallengeID *uuid.UUID
	Method      string
	Success     bool
	IPAddress   string
	UserAgent   string
}

// Repository persists verification attempts.
type Repository interface {
	Record(ctx context.Context, params RecordAttemptParams) (Attempt, error)
	// FindByUserID returns the most recent attempts for a user, newest first.
	FindByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]Attempt, error)
}

// PostgresRepository stores attempts in the twofa_attempts table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Record(ctx context.Context, params RecordAttemptParams) (Attempt, error) {
	query := `
		INSERT INTO twofa_attempts
			(id, user_id, challenge_id, method, success, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, user_id, challenge_id, method, success,
			COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at`
	row := r.pool.QueryRow(ctx, query, uuid.New(), params.UserID, params.ChallengeID,
		params.Method, params.Success, params.IPAddress, params.UserAgent)
	a, err := scanAttempt(row)
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to record attempt: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) FindByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]Attempt, error) {
	query := `
		SELECT id, user_id, challenge_id, method, success,
			COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM twofa_attempts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var a Attempt
	err := row.Scan(&a.ID, &a.UserID, &a.ChallengeID, &a.Method, &a.Success,
		&a.IPAddress, &a.UserAgent, &a.CreatedAt)
	return a, err
}

// InMemRepository keeps attempts in an append-only slice for tests and
// local development.
type InMemRepository struct {
	mu       sync.RWMutex
	attempts []Attempt
}

func NewInMemRepository() *InMemRepository {
	return &InMemRepository{}
}

func (r *InMemRepository) Record(ctx context.Context, params RecordAttemptParams) (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := Attempt{
		ID:          uuid.New(),
		UserID:      params.UserID,
		ChallengeID: params.ChallengeID,
		Method:      params.Method,
		Success:     params.Success,
		IPAddress:   params.IPAddress,
		UserAgent:   params.UserAgent,
		CreatedAt:   time.Now(),
	}
	r.attempts = append(r.attempts, a)
	return a, nil
}

func (r *InMemRepository) FindByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Attempt
	for i := len(r.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if r.attempts[i].UserID == userID {
			out = append(out, r.attempts[i])
		}
	}
	return out, nil
}
