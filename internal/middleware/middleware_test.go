package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var teapot = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func TestBasicAuthMiddleware(t *testing.T) {
	h := BasicAuthMiddleware("u", "p", http.MethodPost)(teapot)

	tests := []struct {
		name   string
		method string
		user   string
		pass   string
		want   int
	}{
		{name: "unguarded method", method: http.MethodGet, want: http.StatusTeapot},
		{name: "no credentials", method: http.MethodPost, want: http.StatusUnauthorized},
		{name: "wrong password", method: http.MethodPost, user: "u", pass: "x", want: http.StatusUnauthorized},
		{name: "ok", method: http.MethodPost, user: "u", pass: "p", want: http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/orders", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestLogMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := LogMiddleware(zap.New(core), http.MethodPost)(teapot)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/session", nil))
	assert.Zero(t, logs.Len())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/orders", nil))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/orders", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
}
