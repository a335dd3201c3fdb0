package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
)

func TestOpenSetsCredentialHeaders(t *testing.T) {
	var got http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, "", StaticToken("tok-1"))
	resp, err := c.Open(context.Background(), &Request{Path: "/api/chat/completions", Body: []byte(`{"stream":true}`)})
	require.NoError(t, err)
	defer resp.Close()

	assert.True(t, resp.OK())
	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	assert.Equal(t, "tok-1", got.Get("x-token"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.JSONEq(t, `{"stream":true}`, string(gotBody))
}

func TestOpenCallerAuthorizationWins(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, "", StaticToken("server-side"))
	h := http.Header{}
	h.Set("Authorization", "Bearer browser")
	resp, err := c.Open(context.Background(), &Request{Method: http.MethodGet, Path: "kb", Header: h})
	require.NoError(t, err)
	resp.Close()

	assert.Equal(t, "Bearer browser", got.Get("Authorization"))
	assert.Equal(t, "browser", got.Get("x-token"))
}

func TestOpenContextToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("x-token")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, "", ContextToken{Fallback: "fallback"})

	resp, err := c.Open(ContextWithToken(context.Background(), "per-request"), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	resp.Close()
	assert.Equal(t, "per-request", got)

	resp, err = c.Open(context.Background(), &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	resp.Close()
	assert.Equal(t, "fallback", got)
}

func TestOpenRelaysNon2xxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, "", nil)
	resp, err := c.Open(context.Background(), &Request{Path: "/chat", Body: []byte(`{}`)})
	require.NoError(t, err)
	defer resp.Close()

	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "rate limited")
}

func TestOpenConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClient(addr, time.Second, "", nil)
	_, err := c.Open(context.Background(), &Request{Path: "/chat", Body: []byte(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrTransport)
}

func TestOpenTimeoutWhileStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, "", nil)
	resp, err := c.Open(context.Background(), &Request{Path: "/chat", Body: []byte(`{}`), Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer resp.Close()

	_, err = io.ReadAll(resp.Body)
	var te *apierrors.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.True(t, te.Timeout)
}

func TestCancelUnblocksRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute, "", nil)
	resp, err := c.Open(context.Background(), &Request{Path: "/chat", Body: []byte(`{}`)})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(resp.Body)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	resp.Cancel()
	resp.Cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, resp.Canceled())
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after Cancel")
	}
}
