package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingToken          = errors.New("missing access token")
	ErrMalformedBody         = errors.New("malformed request body")
	ErrEmptyMessage          = errors.New("message must not be empty")
	ErrTurnInFlight          = errors.New("a chat turn is already in progress")
	ErrTransport             = errors.New("upstream transport failure")
	ErrUpstreamStatus        = errors.New("upstream returned non-2xx response")
	ErrUpstreamStream        = errors.New("upstream reported an error mid-stream")
	ErrDecode                = errors.New("malformed upstream payload")
	ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")
)

// TransportError is returned when the connection to the upstream could not be
// established or was aborted (dial failure, timeout, cancellation).
type TransportError struct {
	Op      string
	URL     string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// UpstreamStatusError carries a non-2xx upstream response. Message is the
// human-readable part of a structured error payload when one could be decoded.
type UpstreamStatusError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamStatusError) Unwrap() error { return ErrUpstreamStatus }

// StatusFor maps an error from the chat pipeline to the HTTP status a handler
// should answer with.
func StatusFor(err error) int {
	var statusErr *UpstreamStatusError
	var transportErr *TransportError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.StatusCode
	case errors.As(err, &transportErr) && transportErr.Timeout:
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransport), errors.Is(err, ErrUpstreamStream):
		return http.StatusBadGateway
	case errors.Is(err, ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrKnowledgeBaseNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes err using the status chosen by StatusFor.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, StatusFor(err), err.Error())
}
