package a2a

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// AgentConfig holds the configuration for the knowledge-base A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// Streamer runs chat turns. Usually the proxy's *chat.Pipeline, so the
	// agent shares its relay and token handling.
	Streamer chat.Streamer
	// KnowledgeBase is the id every turn is answered from.
	KnowledgeBase string
	// Params supplies saved chat parameters. Optional.
	Params chat.ParamsSource
}

// New returns an agent.Agent whose Run logic streams one knowledge-base chat
// turn and converts its events into session.Events that the ADK runner
// understands.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("a2a agent: Name must not be empty")
	}
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("a2a agent: Streamer must not be nil")
	}
	if cfg.KnowledgeBase == "" {
		return nil, fmt.Errorf("a2a agent: KnowledgeBase must not be empty")
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg),
	})
}

func runFunc(cfg AgentConfig) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			query := extractQuery(ctx.UserContent())
			if query == "" {
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.LLMResponse = model.LLMResponse{
					Content: textContent("(empty input)"),
				}
				yield(ev, nil)
				return
			}

			params, err := loadParams(ctx, cfg.Params)
			if err != nil {
				yield(nil, fmt.Errorf("load chat params: %w", err))
				return
			}

			req := chat.TurnRequest{
				KnowledgeBaseID: cfg.KnowledgeBase,
				Message:         query,
				Params:          params,
			}

			emit := func(content *genai.Content, partial bool) bool {
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.Branch = ctx.Branch()
				ev.LLMResponse = model.LLMResponse{
					Content: content,
					Partial: partial,
				}
				return yield(ev, nil)
			}

			for ev := range cfg.Streamer.Stream(ctx, req) {
				switch ev.Kind {
				case chat.EventThinking:
					// Partial events let streaming A2A clients see tokens as they arrive.
					if !emit(thoughtContent(ev.Fragment), true) {
						return
					}
				case chat.EventAnswer:
					if ev.Fragment == "" {
						continue
					}
					if !emit(textContent(ev.Fragment), true) {
						return
					}
				case chat.EventFailed:
					yield(nil, fmt.Errorf("knowledge-base chat failed: %w", ev.Err))
					return
				case chat.EventDone:
					// The final event carries the tag-stripped answer so that
					// IsFinalResponse() returns true and the runner closes the
					// invocation.
					emit(resultContent(ev.Result), false)
					return
				}
			}
		}
	}
}

func loadParams(ctx context.Context, src chat.ParamsSource) (chat.Params, error) {
	if src == nil {
		return chat.DefaultParams(), nil
	}
	p, err := src.Load(ctx)
	if err != nil {
		return chat.Params{}, err
	}
	return p.WithDefaults(), nil
}

// extractQuery pulls the plain-text content from the genai.Content that ADK
// puts in the InvocationContext when the caller sends a message.
func extractQuery(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}

func thoughtContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text, Thought: true}},
	}
}

// resultContent puts the reasoning, when present, ahead of the answer.
func resultContent(res think.Result) *genai.Content {
	c := &genai.Content{Role: genai.RoleModel}
	if res.HasThinking && res.Thinking != "" {
		c.Parts = append(c.Parts, &genai.Part{Text: res.Thinking, Thought: true})
	}
	c.Parts = append(c.Parts, &genai.Part{Text: res.Answer})
	return c
}
