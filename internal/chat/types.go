package chat

import (
	"fmt"
	"strings"
	"time"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/sse"
)

// ApologyMessage replaces the assistant reply when a turn fails.
const ApologyMessage = "抱歉，处理您的请求时出现了错误，请稍后重试。"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// HistoryMessage is one prior message sent back to the model.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling and endpoint settings saved by the user.
type Params struct {
	// Temperature is nil when unset; zero is a valid setting.
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	// BaseURL and APIKey point the backend at a custom model endpoint. They
	// are forwarded verbatim and only honoured when both are set.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// DefaultParams are used when nothing has been saved.
func DefaultParams() Params {
	return Params{Temperature: Float64(0.7), MaxTokens: 2048}
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// WithDefaults fills unset fields from DefaultParams.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.Temperature == nil {
		p.Temperature = d.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = d.MaxTokens
	}
	return p
}

// TurnRequest is the input to one chat turn.
type TurnRequest struct {
	KnowledgeBaseID string           `json:"knowledge_base_id"`
	Message         string           `json:"message"`
	History         []HistoryMessage `json:"history,omitempty"`
	Params          Params           `json:"params"`
}

func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return apierrors.ErrEmptyMessage
	}
	if r.KnowledgeBaseID == "" {
		return fmt.Errorf("%w: knowledge_base_id is required", apierrors.ErrMalformedBody)
	}
	for i, m := range r.History {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: history[%d] has invalid role %q", apierrors.ErrMalformedBody, i, m.Role)
		}
	}
	return nil
}

// Source is a retrieval citation attached to an answer.
type Source = sse.Source

// ChatMessage is the record of one message in a chat session.
type ChatMessage struct {
	ID                 string    `json:"id"`
	Role               Role      `json:"role"`
	Content            string    `json:"content"`
	Sources            []Source  `json:"sources,omitempty"`
	Thinking           string    `json:"thinking,omitempty"`
	HasThinking        bool      `json:"has_thinking"`
	IsThinkingComplete bool      `json:"is_thinking_complete"`
	IsError            bool      `json:"is_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
