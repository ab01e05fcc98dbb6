package backupcode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the redemption state of a stored code.
type Status string

const (
	StatusUnused  Status = "unused"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

// Code is a stored backup code. Only the pbkdf2 hash and its salt are
// persisted; the plaintext exists once, at generation time. Codes are
// never deleted: redeemed codes keep their redemption metadata and
// superseded codes are marked expired.
type Code struct {
	ID        uuid.UUID
	ConfigID  uuid.UUID
	CodeHash  []byte
	Salt      []byte
	Status    Status
	UsedAt    *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

type HashedCode struct {
	CodeHash []byte
	Salt     []byte
}

// RedemptionMeta captures where a redemption came from.
type RedemptionMeta struct {
	IPAddress string
	UserAgent string
}

// Repository persists backup codes keyed by the owning configuration.
type Repository interface {
	// ReplaceForConfig marks every unused code for the configuration
	// expired and stores a fresh batch, atomically.
	ReplaceForConfig(ctx context.Context, configID uuid.UUID, codes []HashedCode) error

	// FindUnusedByConfig returns all codes still available for use.
	FindUnusedByConfig(ctx context.Context, configID uuid.UUID) ([]Code, error)

	// MarkUsed consumes a code, recording where the redemption came from.
	// It reports false when the code was no longer unused, so concurrent
	// submissions of the same code redeem it once.
	MarkUsed(ctx context.Context, id uuid.UUID, meta RedemptionMeta) (bool, error)

	// ExpireUnusedByConfig marks every remaining code expired.
	ExpireUnusedByConfig(ctx context.Context, configID uuid.UUID) error
}

// PostgresRepository stores codes in the twofa_backup_codes table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) ReplaceForConfig(ctx context.Context, configID uuid.UUID, codes []HashedCode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	expire := `
		UPDATE twofa_backup_codes
		SET status = $1
		WHERE config_id = $2 AND status = $3`
	if _, err := tx.Exec(ctx, expire, StatusExpired, configID, StatusUnused); err != nil {
		return fmt.Errorf("failed to expire old backup codes: %w", err)
	}
	insert := `
		INSERT INTO twofa_backup_codes (id, config_id, code_hash, salt, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`
	for _, code := range codes {
		if _, err := tx.Exec(ctx, insert, uuid.New(), configID, code.CodeHash, code.Salt, StatusUnused); err != nil {
			return fmt.Errorf("failed to insert backup code: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindUnusedByConfig(ctx context.Context, configID uuid.UUID) ([]Code, error) {
	query := `
		SELECT id, config_id, code_hash, salt, status, used_at,
			COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM twofa_backup_codes
		WHERE config_id = $1 AND status = $2`
	rows, err := r.pool.Query(ctx, query, configID, StatusUnused)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}
	defer rows.Close()

	var codes []Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&c.ID, &c.ConfigID, &c.CodeHash, &c.Salt, &c.Status,
			&c.UsedAt, &c.IPAddress, &c.UserAgent, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (r *PostgresRepository) MarkUsed(ctx context.Context, id uuid.UUID, meta RedemptionMeta) (bool, error) {
	query := `
		UPDATE twofa_backup_codes
		SET status = $1, used_at = NOW(), ip_address = $2, user_agent = $3
		WHERE id = $4 AND status = $5`
	tag, err := r.pool.Exec(ctx, query, StatusUsed, meta.IPAddress, meta.UserAgent, id, StatusUnused)
	if err != nil {
		return false, fmt.Errorf("failed to mark backup code used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ExpireUnusedByConfig(ctx context.Context, configID uuid.UUID) error {
	query := `
		UPDATE twofa_backup_codes
		SET status = $1
		WHERE config_id = $2 AND status = $3`
	if _, err := r.pool.Exec(ctx, query, StatusExpired, configID, StatusUnused); err != nil {
		return fmt.Errorf("failed to expire backup codes: %w", err)
	}
	return nil
}

// InMemRepository is a map-backed Repository for tests and local
// development.
type InMemRepository struct {
	mu    sync.Mutex
	codes map[uuid.UUID]Code
}

func NewInMemRepository() *InMemRepository {
	return &InMemRepository{codes: make(map[uuid.UUID]Code)}
}

func (r *InMemRepository) ReplaceForConfig(ctx context.Context, configID uuid.UUID, codes []HashedCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.codes {
		if c.ConfigID == configID && c.Status == StatusUnused {
			c.Status = StatusExpired
			r.codes[id] = c
		}
	}
	now := time.Now()
	for _, code := range codes {
		id := uuid.New()
		r.codes[id] = Code{
			ID:        id,
			ConfigID:  configID,
			CodeHash:  code.CodeHash,
			Salt:      code.Salt,
			Status:    StatusUnused,
			CreatedAt: now,
		}
	}
	return nil
}

func (r *InMemRepository) FindUnusedByConfig(ctx context.Context, configID uuid.UUID) ([]Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Code
	for _, c := range r.codes {
		if c.ConfigID == configID && c.Status == StatusUnused {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *InMemRepository) MarkUsed(ctx context.Context, id uuid.UUID, meta RedemptionMeta) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[id]
	if !ok || c.Status != StatusUnused {
		return false, nil
	}
	now := time.Now()
	c.Status = StatusUsed
	c.UsedAt = &now
	c.IPAddress = meta.IPAddress
	c.UserAgent = meta.UserAgent
	r.codes[id] = c
	return true, nil
}

func (r *InMemRepository) ExpireUnusedByConfig(ctx context.Context, configID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.codes {
		if c.ConfigID == configID && c.Status == StatusUnused {
			c.Status = StatusExpired
			r.codes[id] = c
		}
	}
	return nil
}
