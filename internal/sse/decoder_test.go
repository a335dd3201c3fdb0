package sse

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
)

func collect(t *testing.T, r io.Reader) ([]Delta, error) {
	t.Helper()
	var out []Delta
	for d, err := range Decode(r) {
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func frame(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func TestDecodeStopsAtSentinel(t *testing.T) {
	body := frame("hi") + "data: [DONE]\n\n" + frame("after")

	got, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
	assert.False(t, got[0].Done)
	assert.True(t, got[1].Done)
}

func TestDecodeSkipsMalformedFrame(t *testing.T) {
	body := "data: not json at all\n" + frame("ok") + "data: [DONE]\n\n"

	got, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].Content)
}

func TestDecodeIgnoresNonDataAndEmptyDeltas(t *testing.T) {
	body := ": keep-alive\n" +
		"event: message\n" +
		"id: 7\n" +
		`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n\n" +
		`data: {"choices":[]}` + "\n\n" +
		"data:\n\n" +
		frame("x")

	got, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Content)
}

func TestDecodeMultiByteSplitAcrossReads(t *testing.T) {
	body := frame("你好，世界") + "data: [DONE]\n\n"

	got, err := collect(t, iotest.OneByteReader(strings.NewReader(body)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "你好，世界", got[0].Content)
}

func TestDecodeCRLFAndMissingSpace(t *testing.T) {
	body := `data:{"choices":[{"delta":{"content":"a"}}]}` + "\r\n\r\n" + "data:[DONE]\r\n"

	got, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Content)
	assert.True(t, got[1].Done)
}

func TestDecodeFinalLineWithoutNewline(t *testing.T) {
	got, err := collect(t, strings.NewReader(strings.TrimSuffix(frame("tail"), "\n\n")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tail", got[0].Content)
}

func TestDecodeSources(t *testing.T) {
	body := `data: {"choices":[],"sources":[{"document_id":"d1","title":"Handbook","score":0.9}]}` + "\n\n"

	got, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Sources, 1)
	assert.Equal(t, "Handbook", got[0].Sources[0].Title)
}

func TestDecodeInBandError(t *testing.T) {
	body := frame("partial") + `data: {"error":{"message":"model overloaded"}}` + "\n\n" + frame("never")

	got, err := collect(t, strings.NewReader(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrUpstreamStream)
	assert.Contains(t, err.Error(), "model overloaded")
	require.Len(t, got, 1)
}

func TestDecodeReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(frame("a")), iotest.ErrReader(boom))

	got, err := collect(t, r)
	assert.ErrorIs(t, err, boom)
	require.Len(t, got, 1)
}

func TestDecodeConsumerStopsEarly(t *testing.T) {
	body := frame("1") + frame("2") + frame("3")
	var seen int
	for d, err := range Decode(strings.NewReader(body)) {
		require.NoError(t, err)
		seen++
		if d.Content == "2" {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestWriteEventAndDone(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteEvent(rec, "answer", map[string]string{"text": "hi"}))
	require.NoError(t, WriteDone(rec))

	assert.Equal(t, "event: answer\ndata: {\"text\":\"hi\"}\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
