package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/backupcode"
	"github.com/lovelink/twofa-service/pkg/client"
	"github.com/lovelink/twofa-service/pkg/secretvault"
	"github.com/lovelink/twofa-service/pkg/twofa"
)

type testServer struct {
	router *chi.Mux
	ja     *jwtauth.JWTAuth
	vault  *secretvault.Vault
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	vault, err := secretvault.New("test-encryption-key-32-characters")
	require.NoError(t, err)
	recorder := audit.NewRecorder(audit.NewInMemRepository())
	service := twofa.NewService(twofa.NewInMemConfigRepository(), vault,
		twofa.WithBackupCodes(backupcode.NewVault(backupcode.NewInMemRepository())),
		twofa.WithAttemptRecorder(recorder),
	)
	handle := NewHandle(service, recorder)

	ja := jwtauth.New("HS256", []byte("test-secret"), nil)
	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(client.Verifier(ja))
		r.Use(client.AuthUserMiddleware)
		r.Mount("/2fa", handle.Routes())
	})
	return &testServer{router: router, ja: ja, vault: vault}
}

func (s *testServer) token(t *testing.T, userID uuid.UUID, roles ...string) string {
	t.Helper()
	claims := map[string]interface{}{"user_id": userID.String()}
	if len(roles) > 0 {
		claims["extra_claims"] = map[string]interface{}{"roles": roles}
	}
	_, tokenString, err := s.ja.Encode(claims)
	require.NoError(t, err)
	return tokenString
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "BEARER "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestSetupVerifyStatusFlow(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	token := s.token(t, userID)

	rec := s.do(t, http.MethodPost, "/2fa/setup", token, SetupRequest{
		UserID: userID.String(),
		Method: "totp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var setup SetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))
	assert.NotEmpty(t, setup.Secret)
	assert.Len(t, setup.BackupCodes, twofa.DefaultBackupCodeCount)

	code, err := s.vault.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/2fa/setup/verify", token, VerifyRequest{
		UserID:   userID.String(),
		Passcode: code,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/2fa/status/"+userID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status twofa.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Enabled)
	assert.Equal(t, twofa.StatusEnabled, status.Status)
}

func TestSetupVerifyRejectsBadCode(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	token := s.token(t, userID)

	rec := s.do(t, http.MethodPost, "/2fa/setup", token, SetupRequest{
		UserID: userID.String(),
		Method: "totp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/2fa/setup/verify", token, VerifyRequest{
		UserID:   userID.String(),
		Passcode: "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CODE_INVALID", body["code"])
}

func TestSetupForbiddenForOtherUsers(t *testing.T) {
	s := newTestServer(t)
	callerID := uuid.New()
	targetID := uuid.New()

	rec := s.do(t, http.MethodPost, "/2fa/setup", s.token(t, callerID), SetupRequest{
		UserID: targetID.String(),
		Method: "totp",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins can act on any user.
	rec = s.do(t, http.MethodPost, "/2fa/setup", s.token(t, callerID, "admin"), SetupRequest{
		UserID: targetID.String(),
		Method: "totp",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSetupRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(SetupRequest{UserID: userID.String(), Method: "totp"}))
	req := httptest.NewRequest(http.MethodPost, "/2fa/setup", &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetupTwiceConflicts(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	token := s.token(t, userID)

	rec := s.do(t, http.MethodPost, "/2fa/setup", token, SetupRequest{UserID: userID.String(), Method: "totp"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/2fa/setup", token, SetupRequest{UserID: userID.String(), Method: "totp"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetAttempts(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	token := s.token(t, userID)

	rec := s.do(t, http.MethodPost, "/2fa/setup", token, SetupRequest{UserID: userID.String(), Method: "totp"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/2fa/setup/verify", token, VerifyRequest{UserID: userID.String(), Passcode: "000000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/2fa/attempts/"+userID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var attempts []AttemptView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, "totp", attempts[0].Method)
}

func TestCanManageTwoFactor(t *testing.T) {
	userID := uuid.New()
	otherID := uuid.New()

	withUser := func(user *client.AuthUser) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user == nil {
			return req
		}
		return req.WithContext(context.WithValue(req.Context(), client.AuthUserKey, user))
	}

	assert.True(t, CanManageTwoFactor(withUser(&client.AuthUser{UserUuid: userID}), userID))
	assert.False(t, CanManageTwoFactor(withUser(&client.AuthUser{UserUuid: otherID}), userID))
	assert.True(t, CanManageTwoFactor(withUser(&client.AuthUser{
		UserUuid:    otherID,
		ExtraClaims: client.ExtraClaims{Roles: []string{"admin"}},
	}), userID))
	assert.False(t, CanManageTwoFactor(withUser(nil), userID))
}
