package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockBackend is an httptest.Server that simulates the knowledge-base backend:
// a streaming chat-completions endpoint, knowledge-base metadata, and an echo
// endpoint for pass-through tests.
type MockBackend struct {
	Server *httptest.Server

	// Chunks are sent as successive choices[0].delta.content frames.
	Chunks []string
	// Status, when set to a non-2xx code, is returned with ErrorBody instead
	// of a stream. A 2xx code is used as the stream's status.
	Status    int
	ErrorBody string
	// Delay is slept before each chunk.
	Delay time.Duration
	// KnowledgeBases lists the ids served by /api/knowledge-bases/{id}. A nil
	// map accepts every id.
	KnowledgeBases map[string]string

	mu         sync.Mutex
	lastBody   map[string]any
	lastHeader http.Header
	chatCalls  int
}

// NewMockBackend creates and starts a mock backend streaming chunks.
func NewMockBackend(chunks ...string) *MockBackend {
	m := &MockBackend{Chunks: chunks}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the mock server.
func (m *MockBackend) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockBackend) URL() string {
	return m.Server.URL
}

// LastRequest returns the most recent chat request body.
func (m *MockBackend) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBody
}

// LastHeader returns the headers of the most recent chat request.
func (m *MockBackend) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// ChatCalls returns how many chat requests were received.
func (m *MockBackend) ChatCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatCalls
}

func (m *MockBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/chat/completions" && r.Method == http.MethodPost:
		m.handleChat(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/knowledge-bases/") && r.Method == http.MethodGet:
		m.handleKnowledgeBase(w, r)
	case r.URL.Path == "/api/events":
		m.writeStream(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/"):
		m.handleEcho(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockBackend) handleChat(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastBody = body
	m.lastHeader = r.Header.Clone()
	m.chatCalls++
	m.mu.Unlock()

	if m.Status != 0 && (m.Status < 200 || m.Status >= 300) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.Status)
		fmt.Fprint(w, m.ErrorBody)
		return
	}
	m.writeStream(w, r)
}

func (m *MockBackend) writeStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	status := http.StatusOK
	if m.Status != 0 {
		status = m.Status
	}
	w.WriteHeader(status)
	flusher, hasFlusher := w.(http.Flusher)

	// Frames carry raw think markers, as the real backend sends them.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, chunk := range m.Chunks {
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-r.Context().Done():
				return
			}
		}
		frame := map[string]any{
			"id":      fmt.Sprintf("chunk-%d", i),
			"object":  "chat.completion.chunk",
			"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": chunk}}},
		}
		buf.Reset()
		_ = enc.Encode(frame)
		fmt.Fprintf(w, "data: %s\n", buf.Bytes())
		if hasFlusher {
			flusher.Flush()
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if hasFlusher {
		flusher.Flush()
	}
}

func (m *MockBackend) handleKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/knowledge-bases/")
	name, ok := m.KnowledgeBases[id]
	if m.KnowledgeBases == nil {
		name, ok = id, true
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"id": id, "name": name, "document_count": 3},
	})
}

func (m *MockBackend) handleEcho(w http.ResponseWriter, r *http.Request) {
	var body any
	_ = json.NewDecoder(r.Body).Decode(&body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", "mock")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"token":  r.Header.Get("x-token"),
		"auth":   r.Header.Get("Authorization"),
		"body":   body,
	})
}
