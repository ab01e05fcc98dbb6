package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemRepository is a map-backed Repository for tests and local
// development.
type InMemRepository struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]Challenge
}

func NewInMemRepository() *InMemRepository {
	return &InMemRepository{challenges: make(map[uuid.UUID]Challenge)}
}

func (r *InMemRepository) Create(ctx context.Context, params CreateChallengeParams) (Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	c := Challenge{
		ID:        uuid.New(),
		UserID:    params.UserID,
		Method:    params.Method,
		Status:    StatusCreated,
		CodeHash:  params.CodeHash,
		Salt:      params.Salt,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.challenges[c.ID] = c
	return c, nil
}

func (r *InMemRepository) GetByID(ctx context.Context, id uuid.UUID) (Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	return c, nil
}

func (r *InMemRepository) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.mark(id, StatusVerified, &at)
}

func (r *InMemRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.mark(id, StatusFailed, nil)
}

func (r *InMemRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return r.mark(id, StatusExpired, nil)
}

func (r *InMemRepository) mark(id uuid.UUID, to Status, verifiedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return ErrChallengeNotFound
	}
	if c.Status != StatusCreated {
		return ErrChallengeConsumed
	}
	c.Status = to
	c.VerifiedAt = verifiedAt
	c.UpdatedAt = time.Now()
	r.challenges[id] = c
	return nil
}

// Seed inserts a challenge as-is. Tests use it to create challenges with
// expiries in the past.
func (r *InMemRepository) Seed(c Challenge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[c.ID] = c
}
