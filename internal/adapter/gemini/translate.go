package gemini

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"google.golang.org/genai"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/sse"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// Path variables set by the router on
// /v1beta/models/{model}:{action}.
const (
	VarModel  = "model"
	VarAction = "action"

	ActionGenerate = "generateContent"
	ActionStream   = "streamGenerateContent"
)

// Dialect implements adapter.Dialect for the generateContent endpoints. The
// model path segment names the knowledge base.
type Dialect struct{}

// Decode converts a Gemini generateContent request to a chat turn. Streaming
// is selected by the endpoint, not the body.
func (Dialect) Decode(r *http.Request) (chat.TurnRequest, bool, error) {
	vars := mux.Vars(r)
	model := vars[VarModel]
	streaming := vars[VarAction] == ActionStream
	if model == "" {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: model must name a knowledge base", apierrors.ErrMalformedBody)
	}

	var req GenerateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	if len(req.Contents) == 0 {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: contents must not be empty", apierrors.ErrMalformedBody)
	}
	last := req.Contents[len(req.Contents)-1]
	if last == nil || (last.Role != "" && last.Role != genai.RoleUser) {
		return chat.TurnRequest{}, false, fmt.Errorf("%w: last content must have role user", apierrors.ErrMalformedBody)
	}

	history := make([]chat.HistoryMessage, 0, len(req.Contents)-1)
	for _, c := range req.Contents[:len(req.Contents)-1] {
		if c == nil {
			continue
		}
		role := chat.RoleUser
		if c.Role == genai.RoleModel {
			role = chat.RoleAssistant
		}
		history = append(history, chat.HistoryMessage{Role: role, Content: joinParts(c.Parts)})
	}

	sys := req.SystemInstruction
	if sys == nil {
		sys = req.SystemCamel
	}
	params := chat.Params{}
	if sys != nil {
		params.SystemPrompt = joinParts(sys.Parts)
	}
	if cfg := req.GenerationConfig; cfg != nil {
		params.Temperature = cfg.Temperature
		params.MaxTokens = cfg.MaxOutputTokens
	}

	return chat.TurnRequest{
		KnowledgeBaseID: model,
		Message:         joinParts(last.Parts),
		History:         history,
		Params:          params,
	}, streaming, nil
}

// joinParts concatenates the text of non-thought parts.
func joinParts(parts []*genai.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func candidate(parts []*genai.Part, finish genai.FinishReason) *genai.Candidate {
	return &genai.Candidate{
		Content:      &genai.Content{Role: genai.RoleModel, Parts: parts},
		FinishReason: finish,
	}
}

// WriteResult encodes a completed turn as a GenerateContentResponse. Thinking
// is returned as a leading part with thought set.
func (Dialect) WriteResult(w http.ResponseWriter, id, model string, res think.Result) error {
	var parts []*genai.Part
	if res.HasThinking && res.Thinking != "" {
		parts = append(parts, &genai.Part{Text: res.Thinking, Thought: true})
	}
	parts = append(parts, &genai.Part{Text: res.Answer})

	out := GenerateContentResponse{
		Candidates:   []*genai.Candidate{candidate(parts, genai.FinishReasonStop)},
		ModelVersion: model,
		ResponseID:   id,
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

// WriteStream encodes turn events as Gemini SSE payloads. The last payload
// carries finishReason STOP.
func (Dialect) WriteStream(w http.ResponseWriter, id, model string, events iter.Seq[chat.Event]) error {
	write := func(part *genai.Part, finish genai.FinishReason) error {
		var parts []*genai.Part
		if part != nil {
			parts = []*genai.Part{part}
		}
		return sse.WriteEvent(w, "", GenerateContentResponse{
			Candidates:   []*genai.Candidate{candidate(parts, finish)},
			ModelVersion: model,
			ResponseID:   id,
		})
	}

	for ev := range events {
		var err error
		switch ev.Kind {
		case chat.EventThinking:
			err = write(&genai.Part{Text: ev.Fragment, Thought: true}, "")
		case chat.EventAnswer:
			if ev.Fragment == "" {
				continue
			}
			err = write(&genai.Part{Text: ev.Fragment}, "")
		case chat.EventDone:
			return write(nil, genai.FinishReasonStop)
		case chat.EventFailed:
			status := apierrors.StatusFor(ev.Err)
			_ = sse.WriteEvent(w, "", ErrorResponse{Error: ErrorBody{
				Code:    status,
				Message: ev.Err.Error(),
				Status:  strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")),
			}})
			return ev.Err
		}
		if err != nil {
			return err
		}
	}
	return nil
}
