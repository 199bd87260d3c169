package httphost_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgerun/edgerund/internal/httphost"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestOriginMiddleware_RejectsUnlistedOrigin(t *testing.T) {
	router := httphost.New(httphost.Config{PreventDNSRebinding: true, AllowedOrigins: []string{"https://app.example"}})
	router.Get("/mcp", okHandler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOriginMiddleware_AllowsListedOrigin(t *testing.T) {
	router := httphost.New(httphost.Config{PreventDNSRebinding: true, AllowedOrigins: []string{"https://app.example"}})
	router.Get("/mcp", okHandler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtocolVersionMiddleware_RejectsUnsupported(t *testing.T) {
	router := httphost.New(httphost.Config{})
	router.Get("/mcp", okHandler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("mcp-protocol-version", "9999-01-01")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtocolVersionMiddleware_AllowsAbsentAsLegacy(t *testing.T) {
	router := httphost.New(httphost.Config{})
	router.Get("/mcp", okHandler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAccept_RejectsMissingEventStream(t *testing.T) {
	router := httphost.New(httphost.Config{})
	router.With(httphost.RequireAccept("text/event-stream")).Get("/mcp", okHandler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}
