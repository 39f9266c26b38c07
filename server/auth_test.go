package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoTokenConfigured(t *testing.T) {
	s := &Server{config: Config{}}
	handler := s.authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{name: "valid token", method: http.MethodGet, path: "/status", header: "Bearer test-token-123", want: http.StatusOK},
		{name: "valid token on mutation", method: http.MethodPost, path: "/intents", header: "Bearer test-token-123", want: http.StatusOK},
		{name: "wrong token", method: http.MethodGet, path: "/status", header: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "missing header", method: http.MethodGet, path: "/status", want: http.StatusUnauthorized},
		{name: "empty bearer", method: http.MethodGet, path: "/status", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "basic scheme", method: http.MethodGet, path: "/status", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "health is public", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "metrics is public", method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{name: "health prefix is not public", method: http.MethodGet, path: "/health/deep", want: http.StatusUnauthorized},
		{name: "stats", method: http.MethodGet, path: "/stats", want: http.StatusUnauthorized},
		{name: "sync", method: http.MethodPost, path: "/sync", want: http.StatusUnauthorized},
		{name: "failed queue", method: http.MethodGet, path: "/queue/failed", want: http.StatusUnauthorized},
		{name: "connectivity", method: http.MethodPut, path: "/network/online", want: http.StatusUnauthorized},
		{name: "clear", method: http.MethodDelete, path: "/data", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_UnauthorizedBody(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Bearer realm="offline-engine"`, rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}
