package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemRepository is a map-backed Repository for tests and local
// development.
type InMemRepository struct {
	mu       sync.Mutex
	requests map[uuid.UUID]Request
}

func NewInMemRepository() *InMemRepository {
	return &InMemRepository{requests: make(map[uuid.UUID]Request)}
}

func (r *InMemRepository) Create(ctx context.Context, params CreateRequestParams) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	req := Request{
		ID:        uuid.New(),
		UserID:    params.UserID,
		Status:    StatusPending,
		Reason:    params.Reason,
		CodeHash:  params.CodeHash,
		Salt:      params.Salt,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.requests[req.ID] = req
	return req, nil
}

func (r *InMemRepository) GetByID(ctx context.Context, id uuid.UUID) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (r *InMemRepository) FindActiveByUserID(ctx context.Context, userID uuid.UUID) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var found *Request
	for _, req := range r.requests {
		if req.UserID != userID || req.Status != StatusPending || !req.ExpiresAt.After(now) {
			continue
		}
		if found == nil || req.CreatedAt.After(found.CreatedAt) {
			candidate := req
			found = &candidate
		}
	}
	if found == nil {
		return Request{}, ErrRequestNotFound
	}
	return *found, nil
}

func (r *InMemRepository) Resolve(ctx context.Context, id uuid.UUID, to Status, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	resolved := at
	req.Status = to
	req.ResolvedAt = &resolved
	req.UpdatedAt = time.Now()
	r.requests[id] = req
	return nil
}

// Seed inserts a request as-is. Tests use it to create requests with
// expiries in the past.
func (r *InMemRepository) Seed(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
}
