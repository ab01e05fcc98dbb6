package twofa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lifecycle state of a two-factor configuration.
type Status string

const (
	StatusUnconfigured Status = "unconfigured"
	StatusPending      Status = "pending"
	StatusEnabled      Status = "enabled"
	StatusDisabled     Status = "disabled"
)

// Method identifies how a verification code reaches the user.
type Method string

const (
	MethodTOTP        Method = "totp"
	MethodSMS         Method = "sms"
	MethodEmail       Method = "email"
	MethodHardwareKey Method = "hardware_key"
	MethodBackupCode  Method = "backup_code"
)

// ValidPrimaryMethod reports whether m can be stored as a user's primary
// delivery method.
func ValidPrimaryMethod(m Method) bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodEmail, MethodHardwareKey:
		return true
	}
	return false
}

// Config is a user's two-factor configuration. EncryptedSecret holds the
// TOTP seed encrypted at rest and is only decrypted inside the service.
type Config struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Status          Status
	PrimaryMethod   Method
	BackupMethod    Method
	EncryptedSecret string
	Phone           string
	RecoveryEmail   string
	FailedAttempts  int
	LockedUntil     *time.Time
	LastVerifiedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type StartSetupParams struct {
	UserID          uuid.UUID
	PrimaryMethod   Method
	BackupMethod    Method
	EncryptedSecret string
	Phone           string
	RecoveryEmail   string
}

// ConfigRepository persists two-factor configurations. Implementations must
// make status transitions and failure accounting atomic per user so that
// concurrent verifications cannot under-count failures or skip states.
type ConfigRepository interface {
	// GetByUserID returns the configuration for userID or ErrConfigNotFound.
	GetByUserID(ctx context.Context, userID uuid.UUID) (Config, error)

	// StartSetup creates or restarts a configuration in the pending state.
	// It only succeeds when the current status is unconfigured or disabled
	// (or no row exists yet) and returns ErrAlreadyEnabled otherwise.
	StartSetup(ctx context.Context, params StartSetupParams) (Config, error)

	// TransitionStatus moves the configuration from one status to another.
	// It returns ErrInvalidTransition when the current status is not `from`.
	TransitionStatus(ctx context.Context, userID uuid.UUID, from, to Status) error

	// RecordFailure increments the failure counter and, once the counter
	// reaches threshold, sets the lock expiry. The updated configuration is
	// returned so callers can report lock state without a second read.
	RecordFailure(ctx context.Context, userID uuid.UUID, threshold int, lockUntil time.Time) (Config, error)

	// ResetFailures clears the failure counter and any lock.
	ResetFailures(ctx context.Context, userID uuid.UUID) error

	// SetLastVerified records the time of the latest successful verification.
	SetLastVerified(ctx context.Context, userID uuid.UUID, at time.Time) error

	// Disable marks the configuration disabled and clears the encrypted
	// secret, methods, failure counter and lock. It is a no-op when no
	// configuration exists.
	Disable(ctx context.Context, userID uuid.UUID) error
}

// PostgresConfigRepository stores configurations in the twofa_configs table.
type PostgresConfigRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConfigRepository(pool *pgxpool.Pool) *PostgresConfigRepository {
	return &PostgresConfigRepository{pool: pool}
}

const configColumns = `id, user_id, status, primary_method, backup_method,
	COALESCE(encrypted_secret, ''), COALESCE(phone, ''), COALESCE(recovery_email, ''),
	failed_attempts, locked_until, last_verified_at, created_at, updated_at`

func scanConfig(row pgx.Row) (Config, error) {
	var c Config
	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.PrimaryMethod, &c.BackupMethod,
		&c.EncryptedSecret, &c.Phone, &c.RecoveryEmail,
		&c.FailedAttempts, &c.LockedUntil, &c.LastVerifiedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *PostgresConfigRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (Config, error) {
	query := `SELECT ` + configColumns + ` FROM twofa_configs WHERE user_id = $1`
	c, err := scanConfig(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrConfigNotFound
		}
		return Config{}, fmt.Errorf("failed to get twofa config: %w", err)
	}
	return c, nil
}

func (r *PostgresConfigRepository) StartSetup(ctx context.Context, params StartSetupParams) (Config, error) {
	query := `
		INSERT INTO twofa_configs
			(id, user_id, status, primary_method, backup_method, encrypted_secret,
			 phone, recovery_email, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			primary_method = EXCLUDED.primary_method,
			backup_method = EXCLUDED.backup_method,
			encrypted_secret = EXCLUDED.encrypted_secret,
			phone = EXCLUDED.phone,
			recovery_email = EXCLUDED.recovery_email,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = NOW()
		WHERE twofa_configs.status IN ($9, $10)
		RETURNING ` + configColumns
	c, err := scanConfig(r.pool.QueryRow(ctx, query,
		uuid.New(), params.UserID, StatusPending, params.PrimaryMethod, params.BackupMethod,
		params.EncryptedSecret, params.Phone, params.RecoveryEmail,
		StatusUnconfigured, StatusDisabled))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict clause filtered the row out, so setup is already
			// underway or enabled.
			return Config{}, ErrAlreadyEnabled
		}
		return Config{}, fmt.Errorf("failed to start twofa setup: %w", err)
	}
	return c, nil
}

func (r *PostgresConfigRepository) TransitionStatus(ctx context.Context, userID uuid.UUID, from, to Status) error {
	query := `
		UPDATE twofa_configs
		SET status = $3, updated_at = NOW()
		WHERE user_id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, userID, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition twofa status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByUserID(ctx, userID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresConfigRepository) RecordFailure(ctx context.Context, userID uuid.UUID, threshold int, lockUntil time.Time) (Config, error) {
	query := `
		UPDATE twofa_configs
		SET failed_attempts = failed_attempts + 1,
		    locked_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
		    updated_at = NOW()
		WHERE user_id = $1
		RETURNING ` + configColumns
	c, err := scanConfig(r.pool.QueryRow(ctx, query, userID, threshold, lockUntil))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrConfigNotFound
		}
		return Config{}, fmt.Errorf("failed to record twofa failure: %w", err)
	}
	return c, nil
}

func (r *PostgresConfigRepository) ResetFailures(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE twofa_configs
		SET failed_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE user_id = $1`
	if _, err := r.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to reset twofa failures: %w", err)
	}
	return nil
}

func (r *PostgresConfigRepository) SetLastVerified(ctx context.Context, userID uuid.UUID, at time.Time) error {
	query := `
		UPDATE twofa_configs
		SET last_verified_at = $2, updated_at = NOW()
		WHERE user_id = $1`
	if _, err := r.pool.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("failed to set twofa last verified: %w", err)
	}
	return nil
}

func (r *PostgresConfigRepository) Disable(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE twofa_configs
		SET status = $2, encrypted_secret = NULL, primary_method = '',
		    backup_method = '', failed_attempts = 0, locked_until = NULL,
		    updated_at = NOW()
		WHERE user_id = $1`
	if _, err := r.pool.Exec(ctx, query, userID, StatusDisabled); err != nil {
		return fmt.Errorf("failed to disable twofa: %w", err)
	}
	return nil
}
