package twofa

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemConfigRepository is a map-backed ConfigRepository for tests and
// local development. A single mutex gives the same per-user atomicity the
// Postgres implementation gets from keyed UPDATE statements.
type InMemConfigRepository struct {
	mu      sync.RWMutex
	configs map[uuid.UUID]Config
}

func NewInMemConfigRepository() *InMemConfigRepository {
	return &InMemConfigRepository{configs: make(map[uuid.UUID]Config)}
}

func (r *InMemConfigRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[userID]
	if !ok {
		return Config{}, ErrConfigNotFound
	}
	return c, nil
}

func (r *InMemConfigRepository) StartSetup(ctx context.Context, params StartSetupParams) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	c, ok := r.configs[params.UserID]
	if ok {
		if c.Status != StatusUnconfigured && c.Status != StatusDisabled {
			return Config{}, ErrAlreadyEnabled
		}
	} else {
		c = Config{ID: uuid.New(), UserID: params.UserID, CreatedAt: now}
	}
	c.Status = StatusPending
	c.PrimaryMethod = params.PrimaryMethod
	c.BackupMethod = params.BackupMethod
	c.EncryptedSecret = params.EncryptedSecret
	c.Phone = params.Phone
	c.RecoveryEmail = params.RecoveryEmail
	c.FailedAttempts = 0
	c.LockedUntil = nil
	c.UpdatedAt = now
	r.configs[params.UserID] = c
	return c, nil
}

func (r *InMemConfigRepository) TransitionStatus(ctx context.Context, userID uuid.UUID, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[userID]
	if !ok {
		return ErrConfigNotFound
	}
	if c.Status != from {
		return ErrInvalidTransition
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	r.configs[userID] = c
	return nil
}

func (r *InMemConfigRepository) RecordFailure(ctx context.Context, userID uuid.UUID, threshold int, lockUntil time.Time) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[userID]
	if !ok {
		return Config{}, ErrConfigNotFound
	}
	c.FailedAttempts++
	if c.FailedAttempts >= threshold {
		until := lockUntil
		c.LockedUntil = &until
	}
	c.UpdatedAt = time.Now()
	r.configs[userID] = c
	return c, nil
}

func (r *InMemConfigRepository) ResetFailures(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[userID]
	if !ok {
		return nil
	}
	c.FailedAttempts = 0
	c.LockedUntil = nil
	c.UpdatedAt = time.Now()
	r.configs[userID] = c
	return nil
}

func (r *InMemConfigRepository) SetLastVerified(ctx context.Context, userID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[userID]
	if !ok {
		return nil
	}
	verified := at
	c.LastVerifiedAt = &verified
	c.UpdatedAt = time.Now()
	r.configs[userID] = c
	return nil
}

func (r *InMemConfigRepository) Disable(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[userID]
	if !ok {
		return nil
	}
	c.Status = StatusDisabled
	c.EncryptedSecret = ""
	c.PrimaryMethod = ""
	c.BackupMethod = ""
	c.FailedAttempts = 0
	c.LockedUntil = nil
	c.UpdatedAt = time.Now()
	r.configs[userID] = c
	return nil
}
