package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
)

const maxErrorBody = 64 << 10

// upstreamRequest is the body POSTed to the backend chat-completions endpoint.
type upstreamRequest struct {
	Messages        []HistoryMessage `json:"messages"`
	Stream          bool             `json:"stream"`
	Temperature     float64          `json:"temperature"`
	MaxTokens       int              `json:"max_tokens"`
	KnowledgeBaseID string           `json:"knowledge_base_id"`
	TopK            int              `json:"top_k"`
	BaseURL         string           `json:"base_url,omitempty"`
	APIKey          string           `json:"api_key,omitempty"`
}

// BuildUpstreamBody encodes req for the backend: optional system prompt,
// prior history, then the current user message.
func BuildUpstreamBody(req TurnRequest, resultLimit int) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := req.Params.WithDefaults()

	msgs := make([]HistoryMessage, 0, len(req.History)+2)
	if params.SystemPrompt != "" {
		msgs = append(msgs, HistoryMessage{Role: RoleSystem, Content: params.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, HistoryMessage{Role: RoleUser, Content: req.Message})

	body := upstreamRequest{
		Messages:        msgs,
		Stream:          true,
		Temperature:     *params.Temperature,
		MaxTokens:       params.MaxTokens,
		KnowledgeBaseID: req.KnowledgeBaseID,
		TopK:            resultLimit,
	}
	if params.BaseURL != "" && params.APIKey != "" {
		body.BaseURL = params.BaseURL
		body.APIKey = params.APIKey
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// errorPayload is the structured error body backends return with non-2xx
// statuses: {"error":{"message":...}}, {"detail":...} or {"message":...}.
type errorPayload struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// ReadStatusError drains a bounded amount of a non-2xx body and turns it
// into an UpstreamStatusError.
func ReadStatusError(resp *relay.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	out := &apierrors.UpstreamStatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}

	var p errorPayload
	if json.Unmarshal(raw, &p) == nil {
		switch {
		case p.Error != nil && p.Error.Message != "":
			out.Message = p.Error.Message
		case p.Detail != "":
			out.Message = p.Detail
		case p.Message != "":
			out.Message = p.Message
		}
	}
	return out
}

// apology is the user-visible text for a failed turn.
func apology(err error) string {
	var statusErr *apierrors.UpstreamStatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return ApologyMessage + "（" + statusErr.Message + "）"
	}
	return ApologyMessage
}
