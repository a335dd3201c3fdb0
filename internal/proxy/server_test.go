package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	"github.com/zhengjr9/kb-chat-bff/internal/config"
	"github.com/zhengjr9/kb-chat-bff/test/testutil"
)

const testToken = "browser-token"

func newTestServer(t *testing.T, backendURL, fallbackToken string, mutate ...func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		UpstreamBaseURL:  backendURL,
		UpstreamChatPath: "/api/chat/completions",
		UpstreamToken:    fallbackToken,
		ListenAddr:       ":0",
		CORSOrigin:       "*",
		RequestTimeout:   10 * time.Second,
		SearchGrace:      50 * time.Millisecond,
		ResultLimit:      5,
		ThinkSplitMode:   "carry",
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type event struct {
	name string
	data string
}

func readEvents(t *testing.T, r io.Reader) []event {
	t.Helper()
	var out []event
	var cur event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.data != "" {
				out = append(out, cur)
			}
			cur = event{}
		}
	}
	return out
}

const turnBody = `{"knowledge_base_id":"kb-1","message":"What is in the handbook?","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`

func TestHealthAndMetricsNeedNoToken(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", "")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestMissingTokenRejected(t *testing.T) {
	backend := testutil.NewMockBackend("x")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp, err := http.Post(ts.URL+"/api/chat/stream", "application/json", strings.NewReader(turnBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, backend.ChatCalls())

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Unauthorized", body.Error)
	assert.True(t, strings.HasPrefix(body.Message, "missing access token:"))
}

func TestFallbackTokenUsedWhenCallerSendsNone(t *testing.T) {
	backend := testutil.NewMockBackend("x")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "server-token")

	resp, err := http.Post(ts.URL+"/api/chat/stream", "application/json", strings.NewReader(turnBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "server-token", backend.LastHeader().Get("x-token"))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, "http://127.0.0.1:1", "")

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/chat/stream", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestChatStreamRelaysRawFrames(t *testing.T) {
	backend := testutil.NewMockBackend("<think>check", "</think>", "Answer")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/stream", turnBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `<think>check`)
	assert.True(t, strings.HasSuffix(string(raw), "data: [DONE]\n\n"))

	sent := backend.LastRequest()
	assert.Equal(t, "kb-1", sent["knowledge_base_id"])
	assert.Equal(t, true, sent["stream"])
	assert.EqualValues(t, 5, sent["top_k"])
	assert.EqualValues(t, 2048, sent["max_tokens"])
	msgs := sent["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "What is in the handbook?", msgs[2].(map[string]any)["content"])

	h := backend.LastHeader()
	assert.Equal(t, "Bearer "+testToken, h.Get("Authorization"))
	assert.Equal(t, testToken, h.Get("x-token"))
}

func TestChatStreamMirrorsUpstreamStatus(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Status = http.StatusServiceUnavailable
	backend.ErrorBody = `{"detail":"index rebuilding"}`
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/stream", turnBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"detail":"index rebuilding"}`, string(raw))
}

func TestChatStreamMirrorsSuccessStatus(t *testing.T) {
	backend := testutil.NewMockBackend("queued")
	backend.Status = http.StatusAccepted
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/stream", turnBody, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "queued")
}

func TestChatStreamForwardsZeroTemperature(t *testing.T) {
	backend := testutil.NewMockBackend("x")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	body := `{"knowledge_base_id":"kb-1","message":"q","params":{"temperature":0}}`
	resp := post(t, ts.URL+"/api/chat/stream", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)

	sent := backend.LastRequest()
	require.Contains(t, sent, "temperature")
	assert.EqualValues(t, 0, sent["temperature"])
}

func TestChatStreamLogsUnreadableParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("temperature: [nope"), 0o600))

	logs := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	backend := testutil.NewMockBackend("x")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "", func(c *config.Config) { c.ChatParamsFile = path })

	resp := post(t, ts.URL+"/api/chat/stream", turnBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)

	assert.Contains(t, logs.String(), "load chat params")
	assert.EqualValues(t, 2048, backend.LastRequest()["max_tokens"])
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestChatStreamRejectsEmptyMessage(t *testing.T) {
	backend := testutil.NewMockBackend("x")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/stream", `{"knowledge_base_id":"kb-1","message":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, backend.ChatCalls())
}

func TestTurnsStreamsStateAndDone(t *testing.T) {
	backend := testutil.NewMockBackend("<think>look", "ing up</think>", "The handbook ", "covers leave.")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/turns", turnBody, map[string]string{SessionHeader: "s-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s-1", resp.Header.Get(SessionHeader))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name)

	var final chat.Snapshot
	require.NoError(t, json.Unmarshal([]byte(last.data), &final))
	assert.Equal(t, chat.PhaseComplete, final.Phase)
	assert.False(t, final.Loading)
	require.Len(t, final.Messages, 2)
	answer := final.Messages[1]
	assert.Equal(t, "The handbook covers leave.", answer.Content)
	assert.Equal(t, "looking up", answer.Thinking)
	assert.True(t, answer.IsThinkingComplete)

	var sawThinking bool
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "state", ev.name)
		assert.NotContains(t, ev.data, "<think>")
		var s chat.Snapshot
		require.NoError(t, json.Unmarshal([]byte(ev.data), &s))
		if s.Phase == chat.PhaseThinking {
			sawThinking = true
		}
	}
	assert.True(t, sawThinking)
}

func TestTurnsErrorEvent(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Status = http.StatusInternalServerError
	backend.ErrorBody = `{"error":{"message":"model offline"}}`
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/turns", turnBody, nil)
	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "error", last.name)

	var payload turnError
	require.NoError(t, json.Unmarshal([]byte(last.data), &payload))
	assert.Equal(t, http.StatusInternalServerError, payload.Status)
	assert.Equal(t, chat.ApologyMessage+"（model offline）", payload.Message)
	require.Len(t, payload.Messages, 2)
	assert.True(t, payload.Messages[1].IsError)
}

func TestTurnsUnknownKnowledgeBase(t *testing.T) {
	backend := testutil.NewMockBackend("x")
	backend.KnowledgeBases = map[string]string{"kb-2": "Other"}
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/chat/turns", turnBody, nil)
	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "error", last.name)
	assert.Contains(t, last.data, `"status":404`)
	assert.Equal(t, 0, backend.ChatCalls())
}

func TestTurnsSingleInFlightPerSession(t *testing.T) {
	backend := testutil.NewMockBackend("slow", "answer")
	backend.Delay = 300 * time.Millisecond
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/turns", strings.NewReader(turnBody))
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set(SessionHeader, "busy")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		_, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	require.Eventually(t, func() bool { return backend.ChatCalls() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := post(t, ts.URL+"/api/chat/turns", turnBody, map[string]string{SessionHeader: "busy"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	other := post(t, ts.URL+"/api/chat/turns", turnBody, map[string]string{SessionHeader: "other"})
	assert.Equal(t, http.StatusOK, other.StatusCode)
	_, _ = io.ReadAll(other.Body)

	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, 2, backend.ChatCalls())
}

func TestPassthroughForwardsRequest(t *testing.T) {
	backend := testutil.NewMockBackend()
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	resp := post(t, ts.URL+"/api/documents/upload?kb=kb-1", `{"name":"a.pdf"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mock", resp.Header.Get("X-Backend"))

	var echo map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echo))
	assert.Equal(t, "POST", echo["method"])
	assert.Equal(t, "/api/documents/upload", echo["path"])
	assert.Equal(t, "kb=kb-1", echo["query"])
	assert.Equal(t, testToken, echo["token"])
	assert.Equal(t, map[string]any{"name": "a.pdf"}, echo["body"])
}

func TestPassthroughStreamsEventStreams(t *testing.T) {
	backend := testutil.NewMockBackend("one", "two")
	defer backend.Close()
	ts := newTestServer(t, backend.URL(), "")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/events", nil)
	req.Header.Set("x-token", testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "[DONE]", events[2].data)
}
