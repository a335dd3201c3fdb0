package openai

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/sse"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// Dialect implements adapter.Dialect for POST /v1/chat/completions.
type Dialect struct{}

// Decode converts an OpenAI chat completions request to a chat turn. The last
// message must come from the user; earlier ones become history and a leading
// system message becomes the system prompt.
func (Dialect) Decode(r *http.Request) (chat.TurnRequest, bool, error) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	if len(req.Messages) == 0 {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: messages must not be empty", apierrors.ErrMalformedBody)
	}
	if req.Model == "" {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: model must name a knowledge base", apierrors.ErrMalformedBody)
	}

	msgs := req.Messages
	var system string
	if msgs[0].Role == string(chat.RoleSystem) {
		system = msgs[0].Content
		msgs = msgs[1:]
	}
	if len(msgs) == 0 {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: no user message", apierrors.ErrMalformedBody)
	}
	last := msgs[len(msgs)-1]
	if last.Role != string(chat.RoleUser) {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: last message must have role user", apierrors.ErrMalformedBody)
	}

	history := make([]chat.HistoryMessage, 0, len(msgs)-1)
	for _, m := range msgs[:len(msgs)-1] {
		history = append(history, chat.HistoryMessage{Role: chat.Role(m.Role), Content: m.Content})
	}

	return chat.TurnRequest{
		KnowledgeBaseID: req.Model,
		Message:         last.Content,
		History:         history,
		Params: chat.Params{
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			SystemPrompt: system,
		},
	}, req.Stream, nil
}

// WriteResult encodes a completed turn as an OpenAI ChatCompletionResponse.
func (Dialect) WriteResult(w http.ResponseWriter, id, model string, res think.Result) error {
	out := ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index: 0,
				Message: Message{
					Role:             string(chat.RoleAssistant),
					Content:          res.Answer,
					ReasoningContent: res.Thinking,
				},
				FinishReason: "stop",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

// WriteStream encodes turn events as OpenAI SSE chunks terminated by [DONE].
func (Dialect) WriteStream(w http.ResponseWriter, id, model string, events iter.Seq[chat.Event]) error {
	created := time.Now().Unix()
	chunk := func(d Delta, finish *string) StreamChunk {
		return StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []StreamChoice{{Index: 0, Delta: d, FinishReason: finish}},
		}
	}

	if err := sse.WriteEvent(w, "", chunk(Delta{Role: string(chat.RoleAssistant)}, nil)); err != nil {
		return err
	}
	for ev := range events {
		var err error
		switch ev.Kind {
		case chat.EventThinking:
			err = sse.WriteEvent(w, "", chunk(Delta{ReasoningContent: ev.Fragment}, nil))
		case chat.EventAnswer:
			if ev.Fragment == "" {
				continue
			}
			err = sse.WriteEvent(w, "", chunk(Delta{Content: ev.Fragment}, nil))
		case chat.EventDone:
			stop := "stop"
			if err := sse.WriteEvent(w, "", chunk(Delta{}, &stop)); err != nil {
				return err
			}
			return sse.WriteDone(w)
		case chat.EventFailed:
			_ = sse.WriteEvent(w, "", ErrorChunk{Error: ErrorBody{Message: ev.Err.Error(), Type: "upstream_error"}})
			return ev.Err
		}
		if err != nil {
			return err
		}
	}
	return nil
}
