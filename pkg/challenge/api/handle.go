// Package api exposes login challenges over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/challenge"
	"github.com/lovelink/twofa-service/pkg/client"
	apperrors "github.com/lovelink/twofa-service/pkg/errors"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

// Handle handles HTTP requests for login challenges
type Handle struct {
	service *challenge.Service
}

// NewHandle creates a new Handle
func NewHandle(service *challenge.Service) *Handle {
	return &Handle{service: service}
}

// Routes returns an http.Handler for the challenge API
func (h *Handle) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.PostCreate)
	r.Post("/verify", h.PostVerify)
	r.Get("/{challenge_id}", h.GetChallenge)
	return r
}

type CreateRequest struct {
	UserID string `json:"user_id"`
	Method string `json:"method,omitempty"`
}

type VerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
	Method      string `json:"method,omitempty"`
}

// ChallengeResponse never carries code material, only lifecycle state.
type ChallengeResponse struct {
	ChallengeID uuid.UUID        `json:"challenge_id"`
	UserID      uuid.UUID        `json:"user_id"`
	Method      twofa.Method     `json:"method"`
	Status      challenge.Status `json:"status"`
	ExpiresAt   time.Time        `json:"expires_at"`
	VerifiedAt  *time.Time       `json:"verified_at,omitempty"`
}

func toResponse(ch challenge.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ChallengeID: ch.ID,
		UserID:      ch.UserID,
		Method:      ch.Method,
		Status:      ch.Status,
		ExpiresAt:   ch.ExpiresAt,
		VerifiedAt:  ch.VerifiedAt,
	}
}

// PostCreate opens a challenge for a user. Delivery of sms and email codes
// happens out of band.
// (POST /)
func (h *Handle) PostCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	userID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid user id"))
		return
	}
	if !canActFor(r, userID) {
		respondError(w, r, apperrors.New(apperrors.ErrCodeForbidden, "forbidden: you can only open your own challenges"))
		return
	}

	ch, err := h.service.Create(r.Context(), userID, twofa.Method(req.Method))
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toResponse(ch))
}

// PostVerify checks a submitted code against an open challenge.
// (POST /verify)
func (h *Handle) PostVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	challengeID, err := uuid.Parse(strings.TrimSpace(req.ChallengeID))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid challenge id"))
		return
	}

	ch, err := h.service.Verify(r.Context(), challenge.VerifyParams{
		ChallengeID: challengeID,
		Code:        req.Code,
		Method:      twofa.Method(req.Method),
		Meta:        audit.MetaFromRequest(r),
	})
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.JSON(w, r, toResponse(ch))
}

// GetChallenge returns the lifecycle state of a challenge.
// (GET /{challenge_id})
func (h *Handle) GetChallenge(w http.ResponseWriter, r *http.Request) {
	challengeID, err := uuid.Parse(chi.URLParam(r, "challenge_id"))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid challenge id"))
		return
	}

	ch, err := h.service.Get(r.Context(), challengeID)
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	if !canActFor(r, ch.UserID) {
		respondError(w, r, apperrors.New(apperrors.ErrCodeForbidden, "forbidden: you can only view your own challenges"))
		return
	}
	render.JSON(w, r, toResponse(ch))
}

func canActFor(r *http.Request, targetUserID uuid.UUID) bool {
	authUser, ok := client.GetAuthUser(r)
	if !ok {
		return false
	}
	return authUser.UserUuid == targetUserID || client.IsAdmin(authUser)
}

func translate(err error) *apperrors.Error {
	switch {
	case errors.Is(err, challenge.ErrChallengeNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "challenge not found")
	case errors.Is(err, challenge.ErrChallengeExpired):
		return apperrors.Wrap(err, apperrors.ErrCodeExpired, "challenge expired")
	case errors.Is(err, challenge.ErrChallengeConsumed):
		return apperrors.Wrap(err, apperrors.ErrCodeAlreadyProcessed, "challenge already consumed")
	case errors.Is(err, twofa.ErrConfigNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "two-factor configuration not found")
	case errors.Is(err, twofa.ErrNotEnabled):
		return apperrors.Wrap(err, apperrors.ErrCodeNotEnabled, "two-factor authentication not enabled")
	case errors.Is(err, twofa.ErrLocked):
		return apperrors.Wrap(err, apperrors.ErrCodeLocked, "two-factor authentication locked")
	case errors.Is(err, twofa.ErrInvalidCode):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidCode, "invalid two-factor code")
	case errors.Is(err, twofa.ErrMethodNotSupported):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "two-factor method not supported")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal error")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, apiErr *apperrors.Error) {
	status := apiErr.HTTPStatusCode()
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "err", apiErr)
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]string{
		"code":    string(apiErr.Code),
		"message": apiErr.Message,
	})
}
