package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{"bearer", "/", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"x-token", "/", map[string]string{"x-token": "xyz"}, "xyz"},
		{"bearer wins", "/", map[string]string{"Authorization": "Bearer abc", "x-token": "xyz"}, "abc"},
		{"anthropic key", "/", map[string]string{"x-api-key": "ant"}, "ant"},
		{"gemini header", "/?key=q", map[string]string{"x-goog-api-key": "goog"}, "goog"},
		{"gemini query", "/?key=q", nil, "q"},
		{"non-bearer auth ignored", "/", map[string]string{"Authorization": "Basic Zm9v"}, ""},
		{"none", "/", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ExtractToken(r))
		})
	}
}

func TestSetCORSHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCORSHeaders(rec, "https://app.example.com")

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-token")
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = httptest.NewRecorder()
	SetCORSHeaders(rec, "*")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	assert.True(t, IsEventStream(rec.Header()))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
