// Package sse decodes OpenAI-compatible text/event-stream bodies into text
// deltas and writes event-stream frames downstream.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/bytedance/sonic"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
)

// DoneSentinel terminates an OpenAI-compatible stream.
const DoneSentinel = "[DONE]"

var dataPrefix = []byte("data:")

// Source is a retrieval citation some backends attach to stream frames.
type Source struct {
	DocumentID string  `json:"document_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Snippet    string  `json:"content,omitempty"`
}

// Delta is one decoded frame: newly generated text, citations, or the
// terminal marker.
type Delta struct {
	Content string
	Sources []Source
	Done    bool
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Sources []Source `json:"sources"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decode returns the deltas carried by an event-stream body. The sequence
// ends after the [DONE] sentinel, at EOF, or after yielding a read error.
// Lines are assembled from raw bytes before decoding, so multi-byte
// characters split across reads are never corrupted.
func Decode(r io.Reader) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		br := bufio.NewReader(r)
		for {
			line, readErr := br.ReadBytes('\n')
			if len(line) > 0 {
				d, ok, err := decodeLine(line)
				switch {
				case err != nil:
					yield(Delta{}, err)
					return
				case ok:
					if !yield(d, nil) || d.Done {
						return
					}
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					yield(Delta{}, readErr)
				}
				return
			}
		}
	}
}

// decodeLine reports ok=false for lines that carry nothing: non-data lines,
// malformed JSON and frames without content.
func decodeLine(line []byte) (Delta, bool, error) {
	line = bytes.TrimRight(line, "\r\n")
	rest, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		return Delta{}, false, nil
	}
	payload := bytes.TrimSpace(rest)
	if len(payload) == 0 {
		return Delta{}, false, nil
	}
	if string(payload) == DoneSentinel {
		return Delta{Done: true}, true, nil
	}

	var chunk streamChunk
	if err := sonic.Unmarshal(payload, &chunk); err != nil {
		slog.Debug("skipping malformed sse frame", "error", err, "payload", truncate(payload, 120))
		return Delta{}, false, nil
	}
	if chunk.Error != nil && chunk.Error.Message != "" {
		return Delta{}, false, fmt.Errorf("%w: %s", apierrors.ErrUpstreamStream, chunk.Error.Message)
	}

	var d Delta
	if len(chunk.Choices) > 0 {
		d.Content = chunk.Choices[0].Delta.Content
	}
	d.Sources = chunk.Sources
	if d.Content == "" && len(d.Sources) == 0 {
		return Delta{}, false, nil
	}
	return d, true, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
