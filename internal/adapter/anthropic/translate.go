package anthropic

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/sse"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// Dialect implements adapter.Dialect for POST /v1/messages.
type Dialect struct{}

// Decode converts an Anthropic Messages request to a chat turn.
func (Dialect) Decode(r *http.Request) (chat.TurnRequest, bool, error) {
	var req MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	if len(req.Messages) == 0 {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: messages must not be empty", apierrors.ErrMalformedBody)
	}
	if req.Model == "" {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: model must name a knowledge base", apierrors.ErrMalformedBody)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != string(chat.RoleUser) {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: last message must have role user", apierrors.ErrMalformedBody)
	}

	history := make([]chat.HistoryMessage, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, chat.HistoryMessage{Role: chat.Role(m.Role), Content: m.Content})
	}

	return chat.TurnRequest{
		KnowledgeBaseID: req.Model,
		Message:         last.Content,
		History:         history,
		Params: chat.Params{
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			SystemPrompt: req.System,
		},
	}, req.Stream, nil
}

// WriteResult encodes a completed turn as an Anthropic MessagesResponse. A
// thinking block precedes the text block when the model reasoned.
func (Dialect) WriteResult(w http.ResponseWriter, id, model string, res think.Result) error {
	var content []Content
	if res.HasThinking && res.Thinking != "" {
		content = append(content, Content{Type: "thinking", Thinking: res.Thinking})
	}
	content = append(content, Content{Type: "text", Text: res.Answer})

	out := MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       string(chat.RoleAssistant),
		Content:    content,
		Model:      model,
		StopReason: "end_turn",
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

// blockWriter tracks the open content block of a streamed message.
type blockWriter struct {
	w     http.ResponseWriter
	index int
	open  string
}

func (b *blockWriter) write(event string, ev StreamEvent) error {
	ev.Type = event
	return sse.WriteEvent(b.w, event, ev)
}

// ensure opens a block of type kind, closing any other open block first.
func (b *blockWriter) ensure(kind string) error {
	if b.open == kind {
		return nil
	}
	if err := b.close(); err != nil {
		return err
	}
	b.open = kind
	return b.write("content_block_start", StreamEvent{Index: b.index, ContentBlock: &Content{Type: kind}})
}

func (b *blockWriter) close() error {
	if b.open == "" {
		return nil
	}
	b.open = ""
	err := b.write("content_block_stop", StreamEvent{Index: b.index})
	b.index++
	return err
}

// WriteStream encodes turn events as Anthropic SSE events. Thinking is sent in
// its own thinking block ahead of the text block.
func (Dialect) WriteStream(w http.ResponseWriter, id, model string, events iter.Seq[chat.Event]) error {
	b := &blockWriter{w: w}
	start := StreamEvent{Message: &MessageInfo{
		ID:      id,
		Type:    "message",
		Role:    string(chat.RoleAssistant),
		Model:   model,
		Content: []Content{},
	}}
	if err := b.write("message_start", start); err != nil {
		return err
	}

	for ev := range events {
		var err error
		switch ev.Kind {
		case chat.EventThinking:
			if err = b.ensure("thinking"); err == nil {
				err = b.write("content_block_delta", StreamEvent{
					Index: b.index,
					Delta: &Delta{Type: "thinking_delta", Thinking: ev.Fragment},
				})
			}
		case chat.EventThinkingDone:
			if b.open == "thinking" {
				err = b.close()
			}
		case chat.EventAnswer:
			if ev.Fragment == "" {
				continue
			}
			if err = b.ensure("text"); err == nil {
				err = b.write("content_block_delta", StreamEvent{
					Index: b.index,
					Delta: &Delta{Type: "text_delta", Text: ev.Fragment},
				})
			}
		case chat.EventDone:
			if err := b.close(); err != nil {
				return err
			}
			if err := b.write("message_delta", StreamEvent{Delta: &Delta{StopReason: "end_turn"}}); err != nil {
				return err
			}
			return b.write("message_stop", StreamEvent{})
		case chat.EventFailed:
			_ = b.write("error", StreamEvent{Error: &ErrorInfo{Type: "api_error", Message: ev.Err.Error()}})
			return ev.Err
		}
		if err != nil {
			return err
		}
	}
	return nil
}
