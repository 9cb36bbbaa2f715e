package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgraph/internal/core/domain"
	"cgraph/pkg/logging"
)

type tokens map[string]string

func (t tokens) VerifyToken(_ context.Context, tok string) (string, error) {
	if tok == "down" {
		return "", errors.New("jwks unreachable")
	}
	if id, ok := t[tok]; ok {
		return id, nil
	}
	return "", domain.ErrUnauthorized
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/r1?token=q", nil)
	assert.Equal(t, "q", BearerToken(r))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", BearerToken(r))
	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", BearerToken(r))
}

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware(tokens{"good": "alice"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id))
	}))
	cases := []struct {
		header string
		status int
		body   string
	}{
		{"Bearer good", http.StatusOK, "alice"},
		{"", http.StatusUnauthorized, ""},
		{"Bearer bad", http.StatusUnauthorized, ""},
		{"Bearer down", http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/rooms/r1/presence", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestRequestLoggerInjectsLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	out := buf.String()
	assert.Contains(t, out, `msg=inside`)
	assert.Contains(t, out, `request_id=req-1`)
	assert.Contains(t, out, `status=418`)
}

func TestTracerMiddlewareKeepsStatus(t *testing.T) {
	var seen int
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	h := TracerMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrap(w)
		inner.ServeHTTP(rw, r)
		seen = rw.statusCode
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, http.StatusForbidden, seen)
}
