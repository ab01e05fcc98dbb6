// Package api exposes two-factor enrollment over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/client"
	apperrors "github.com/lovelink/twofa-service/pkg/errors"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

// Handle handles HTTP requests for two-factor enrollment
type Handle struct {
	service  *twofa.Service
	recorder *audit.Recorder
}

// NewHandle creates a new Handle
func NewHandle(service *twofa.Service, recorder *audit.Recorder) *Handle {
	return &Handle{service: service, recorder: recorder}
}

// Routes returns an http.Handler for the enrollment API
func (h *Handle) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/setup", h.PostSetup)
	r.Post("/setup/verify", h.PostSetupVerify)
	r.Post("/enable", h.PostEnable)
	r.Post("/disable", h.PostDisable)
	r.Post("/backup-codes/generate", h.PostGenerateBackupCodes)
	r.Get("/status/{user_id}", h.GetStatus)
	r.Get("/attempts/{user_id}", h.GetAttempts)
	return r
}

type SetupRequest struct {
	UserID        string `json:"user_id"`
	Method        string `json:"method"`
	BackupMethod  string `json:"backup_method,omitempty"`
	Phone         string `json:"phone,omitempty"`
	RecoveryEmail string `json:"recovery_email,omitempty"`
}

type SetupResponse struct {
	ConfigID    uuid.UUID `json:"config_id"`
	Secret      string    `json:"secret"`
	OtpauthURL  string    `json:"otpauth_url"`
	BackupCodes []string  `json:"backup_codes"`
}

type VerifyRequest struct {
	UserID   string `json:"user_id"`
	Passcode string `json:"passcode"`
}

type SuccessResponse struct {
	Result string `json:"result"`
}

type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// AttemptView is one attempt log row as returned by the API.
type AttemptView struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	ChallengeID *uuid.UUID `json:"challenge_id,omitempty"`
	Method      string     `json:"method"`
	Success     bool       `json:"success"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PostSetup starts enrollment and returns the secret, otpauth URL and
// backup codes. This is the only time secret material leaves the service.
// (POST /setup)
func (h *Handle) PostSetup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	userID, ok := h.authorizedUser(w, r, req.UserID)
	if !ok {
		return
	}

	result, err := h.service.Setup(r.Context(), userID, twofa.SetupParams{
		PrimaryMethod: twofa.Method(req.Method),
		BackupMethod:  twofa.Method(req.BackupMethod),
		Phone:         req.Phone,
		RecoveryEmail: req.RecoveryEmail,
	})
	if err != nil {
		respondError(w, r, translate(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SetupResponse{
		ConfigID:    result.ConfigID,
		Secret:      result.Secret,
		OtpauthURL:  result.OtpauthURL,
		BackupCodes: result.BackupCodes,
	})
}

// PostSetupVerify completes enrollment with a passcode.
// (POST /setup/verify)
func (h *Handle) PostSetupVerify(w http.ResponseWriter, r *http.Request) {
	h.verifySetup(w, r)
}

// PostEnable confirms enrollment, same transition as setup/verify.
// (POST /enable)
func (h *Handle) PostEnable(w http.ResponseWriter, r *http.Request) {
	h.verifySetup(w, r)
}

func (h *Handle) verifySetup(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	userID, ok := h.authorizedUser(w, r, req.UserID)
	if !ok {
		return
	}

	if err := h.service.VerifySetup(r.Context(), userID, req.Passcode, audit.MetaFromRequest(r)); err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.JSON(w, r, SuccessResponse{Result: "success"})
}

// PostDisable turns two-factor authentication off. The passcode may be a
// current TOTP code or an unused backup code.
// (POST /disable)
func (h *Handle) PostDisable(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	userID, ok := h.authorizedUser(w, r, req.UserID)
	if !ok {
		return
	}

	if err := h.service.Disable(r.Context(), userID, req.Passcode, audit.MetaFromRequest(r)); err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.JSON(w, r, SuccessResponse{Result: "success"})
}

// PostGenerateBackupCodes replaces the user's backup codes.
// (POST /backup-codes/generate)
func (h *Handle) PostGenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "unable to parse body"))
		return
	}
	userID, ok := h.authorizedUser(w, r, req.UserID)
	if !ok {
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, BackupCodesResponse{BackupCodes: codes})
}

// GetStatus returns the enrollment state for a user.
// (GET /status/{user_id})
func (h *Handle) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorizedUser(w, r, chi.URLParam(r, "user_id"))
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), userID)
	if err != nil {
		respondError(w, r, translate(err))
		return
	}
	render.JSON(w, r, status)
}

// GetAttempts returns the most recent verification attempts for a user.
// (GET /attempts/{user_id})
func (h *Handle) GetAttempts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorizedUser(w, r, chi.URLParam(r, "user_id"))
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid limit"))
			return
		}
		limit = parsed
	}

	attempts, err := h.recorder.ListByUser(r.Context(), userID, limit)
	if err != nil {
		respondError(w, r, translate(err))
		return
	}

	views := make([]AttemptView, 0, len(attempts))
	if err := copier.Copy(&views, &attempts); err != nil {
		slog.Error("Failed to map attempts", "err", err)
		respondError(w, r, apperrors.New(apperrors.ErrCodeInternal, "failed to map attempts"))
		return
	}
	render.JSON(w, r, views)
}

// authorizedUser parses the target user and enforces that callers only
// manage their own settings unless they carry an admin role.
func (h *Handle) authorizedUser(w http.ResponseWriter, r *http.Request, rawUserID string) (uuid.UUID, bool) {
	userID, err := uuid.Parse(strings.TrimSpace(rawUserID))
	if err != nil {
		respondError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid user id"))
		return uuid.Nil, false
	}
	if !CanManageTwoFactor(r, userID) {
		respondError(w, r, apperrors.New(apperrors.ErrCodeForbidden, "forbidden: you can only manage your own 2FA"))
		return uuid.Nil, false
	}
	return userID, true
}

// CanManageTwoFactor reports whether the authenticated caller may act on
// the target user's two-factor settings.
func CanManageTwoFactor(r *http.Request, targetUserID uuid.UUID) bool {
	authUser, ok := client.GetAuthUser(r)
	if !ok {
		return false
	}
	if authUser.UserUuid == targetUserID {
		return true
	}
	return client.IsAdmin(authUser)
}

func translate(err error) *apperrors.Error {
	switch {
	case errors.Is(err, twofa.ErrConfigNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "two-factor configuration not found")
	case errors.Is(err, twofa.ErrAlreadyEnabled):
		return apperrors.Wrap(err, apperrors.ErrCodeAlreadyEnabled, "two-factor authentication already enabled")
	case errors.Is(err, twofa.ErrNotEnabled):
		return apperrors.Wrap(err, apperrors.ErrCodeNotEnabled, "two-factor authentication not enabled")
	case errors.Is(err, twofa.ErrNotSetUp):
		return apperrors.Wrap(err, apperrors.ErrCodeNotSetUp, "two-factor authentication not set up")
	case errors.Is(err, twofa.ErrLocked):
		return apperrors.Wrap(err, apperrors.ErrCodeLocked, "two-factor authentication locked")
	case errors.Is(err, twofa.ErrInvalidCode):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidCode, "invalid two-factor code")
	case errors.Is(err, twofa.ErrInvalidTransition):
		return apperrors.Wrap(err, apperrors.ErrCodeAlreadyProcessed, "configuration changed concurrently")
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
