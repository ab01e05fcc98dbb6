// Package api exposes the recovery flow over HTTP.
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

	"github.com/lovelink/twofa-service/pkg/client"
	apperrors "github.com/lovelink/twofa-service/pkg/errors"
	"github.com/lovelink/twofa-service/pkg/recovery"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

// Handle handles HTTP requests for recovery requests
type Handle struct {
	service *recovery.Service
}

// NewHandle creates a new Handle
func NewHandle(service *recovery.Service) *Handle {
	return &Handle{service: service}
}

// Routes returns an http.Handler for the recovery API. Reject is reserved
// for support staff; approval is open to any authenticated caller because
// the approval code itself is the proof.
func (h *Handle) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.PostRequest)
	r.Post("/approve", h.PostApprove)
	r.With(client.RequireRole("admin", "superadmin", "support")).Post("/reject", h.PostReject)
	r.Get("/{request_id}", h.GetRequest)
	return r
}

type CreateRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type ApproveRequest struct {
	RequestID    string `json:"request_id"`
	ApprovalCode string `json:"approval_code"`
}

type RejectRequest struct {
	RequestID string `json:"request_id"`
}

type RequestResponse struct {
	RequestID  uuid.UUID       `json:"request_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Status     recovery.Status `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type SuccessResponse struct {
	Result string `json:"result"`
}

func toResponse(req recovery.Request) RequestResponse {
	return RequestResponse{
		RequestID:  req.ID,
		UserID:     req.UserID,
		Status:     req.Status,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
		ResolvedAt: req.ResolvedAt,
	}
}

// PostRequest opens a recovery request. The approval code goes to the
// user's recovery email, never into this response.
// (POST /)
func (h *Handle) PostRequest(w http.ResponseWriter, r *http.Request) {
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
		respondError(w, r, apperrors.New(apperrors.ErrCodeForbidden, "forbidden: you can only request recovery for your own account"))
		return
	}

	request, err := h.service.Request(r.Context(), userID, req.Reason)
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toResponse(request))
}

// PostApprove resolves a request with its approval code and resets the
// user's two-factor settings.
// (POST /approve)
func (h *Handle) PostApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	requestID, err := uuid.Parse(strings.TrimSpace(req.RequestID))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request id"))
		return
	}

	if err := h.service.Approve(r.Context(), requestID, req.ApprovalCode); err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.JSON(w, r, SuccessResponse{Result: "success"})
}

// PostReject closes a request without touching the user's settings.
// (POST /reject)
func (h *Handle) PostReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	requestID, err := uuid.Parse(strings.TrimSpace(req.RequestID))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request id"))
		return
	}

	if err := h.service.Reject(r.Context(), requestID); err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.JSON(w, r, SuccessResponse{Result: "success"})
}

// GetRequest returns the state of a recovery request.
// (GET /{request_id})
func (h *Handle) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "request_id"))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request id"))
		return
	}

	request, err := h.service.Get(r.Context(), requestID)
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	if !canActFor(r, request.UserID) {
		respondError(w, r, apperrors.New(apperrors.ErrCodeForbidden, "forbidden: you can only view your own recovery requests"))
		return
	}
	render.JSON(w, r, toResponse(request))
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
	case errors.Is(err, recovery.ErrRequestNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "recovery request not found")
	case errors.Is(err, recovery.ErrRequestExpired):
		return apperrors.Wrap(err, apperrors.ErrCodeExpired, "recovery request expired")
	case errors.Is(err, recovery.ErrAlreadyProcessed):
		return apperrors.Wrap(err, apperrors.ErrCodeAlreadyProcessed, "recovery request already processed")
	case errors.Is(err, recovery.ErrRequestPending):
		return apperrors.Wrap(err, apperrors.ErrCodeAlreadyExists, "recovery request already pending")
	case errors.Is(err, recovery.ErrInvalidApprovalCode):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidCode, "invalid approval code")
	case errors.Is(err, twofa.ErrConfigNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "two-factor configuration not found")
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
