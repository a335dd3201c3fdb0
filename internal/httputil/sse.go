package httputil

import (
	"net/http"
	"strings"
)

// SetSSEHeaders sets the standard headers for a Server-Sent Events response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// IsEventStream reports whether a response header announces an event stream.
func IsEventStream(h http.Header) bool {
	return strings.HasPrefix(strings.TrimSpace(h.Get("Content-Type")), "text/event-stream")
}

// AllowedHeaders are the request headers browsers may send cross-origin.
const AllowedHeaders = "Authorization, Content-Type, x-token, x-api-key, x-goog-api-key, X-Chat-Session"

// SetCORSHeaders allows origin to call the API from a browser.
func SetCORSHeaders(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", AllowedHeaders)
	h.Set("Access-Control-Expose-Headers", "Content-Type, X-Chat-Session, X-Request-ID")
	if origin != "*" {
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// ExtractToken reads the caller's access token using the following priority:
//
//  1. Authorization: Bearer <token>
//  2. x-token header
//  3. x-api-key header (Anthropic SDKs)
//  4. x-goog-api-key header, then the key query parameter (Gemini SDKs)
//
// Returns "" when none is present.
func ExtractToken(r *http.Request) string {
	if rest, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if tok := strings.TrimSpace(rest); tok != "" {
			return tok
		}
	}
	for _, h := range []string{"x-token", "x-api-key", "x-goog-api-key"} {
		if tok := strings.TrimSpace(r.Header.Get(h)); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}
