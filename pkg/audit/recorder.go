package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultListLimit caps how many attempts a listing returns when the caller
// does not ask for a specific page size.
const DefaultListLimit = 50

// Recorder is the service layer over the attempt log.
type Recorder struct {
	repo Repository
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends one attempt to the log.
func (r *Recorder) Record(ctx context.Context, params RecordAttemptParams) (Attempt, error) {
	a, err := r.repo.Record(ctx, params)
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to record verification attempt: %w", err)
	}
	return a, nil
}

// RecordAsync appends one attempt and logs instead of failing when the log
// write goes wrong. Verification outcomes never depend on audit storage.
func (r *Recorder) RecordAsync(ctx context.Context, params RecordAttemptParams) {
	if _, err := r.repo.Record(ctx, params); err != nil {
		slog.Error("Failed to record verification attempt",
			"user_id", params.UserID, "method", params.Method, "err", err)
	}
}

// ListByUser returns the most recent attempts for a user, newest first.
func (r *Recorder) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	attempts, err := r.repo.FindByUserID(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification attempts: %w", err)
	}
	return attempts, nil
}
