package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func adminProtected(t *testing.T, token string) http.Handler {
	t.Helper()

	auth := NewAdminAuth(token)
	return auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		presented string
		want      int
	}{
		{name: "valid token", token: "secret", presented: "secret", want: http.StatusOK},
		{name: "wrong token", token: "secret", presented: "other", want: http.StatusUnauthorized},
		{name: "missing token", token: "secret", presented: "", want: http.StatusUnauthorized},
		{name: "unconfigured token rejects all", token: "", presented: "anything", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := adminProtected(t, tt.token)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.presented != "" {
				req.Header.Set("X-Admin-Token", tt.presented)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
