package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCapturesMeta(t *testing.T) {
	var captured RequestMeta
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = MetaFromRequest(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	req.Header.Set("User-Agent", "lovelink-ios/4.2")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "10.1.2.3", captured.IPAddress)
	assert.Equal(t, "lovelink-ios/4.2", captured.UserAgent)
}

func TestMetaFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	meta := MetaFromRequest(req)
	require.Equal(t, "203.0.113.7", meta.IPAddress)
}

func TestMetaFromRequestWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.RemoteAddr = "192.0.2.9:9999"

	meta := MetaFromRequest(req)
	assert.Equal(t, "192.0.2.9", meta.IPAddress)
}
