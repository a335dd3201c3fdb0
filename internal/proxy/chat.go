package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/httputil"
	"github.com/zhengjr9/kb-chat-bff/internal/logger"
	"github.com/zhengjr9/kb-chat-bff/internal/metrics"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
	"github.com/zhengjr9/kb-chat-bff/internal/settings"
	"github.com/zhengjr9/kb-chat-bff/internal/sse"
)

// SessionHeader identifies a browser chat session on /api/chat/turns.
const SessionHeader = "X-Chat-Session"

const maxTurnBody = 1 << 20

type chatHandler struct {
	relay       *relay.Client
	pipeline    *chat.Pipeline
	lookup      chat.KnowledgeBaseLookup
	params      chat.ParamsSource
	metrics     *metrics.Metrics
	chatPath    string
	resultLimit int
	grace       time.Duration
	sessions    *sessionSet
}

func decodeTurn(r *http.Request) (chat.TurnRequest, error) {
	var req chat.TurnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTurnBody)).Decode(&req); err != nil {
		return chat.TurnRequest{}, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	if err := req.Validate(); err != nil {
		return chat.TurnRequest{}, err
	}
	return req, nil
}

// paramsFor returns the parameter source for a turn: the request's own
// parameters when it sent any, the saved ones otherwise.
func (h *chatHandler) paramsFor(req chat.TurnRequest) chat.ParamsSource {
	if req.Params != (chat.Params{}) {
		return settings.Static(req.Params)
	}
	return h.params
}

// stream relays the backend's event stream for one turn byte for byte. The
// browser parses frames and splits thinking itself.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTurn(r)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}
	if src := h.paramsFor(req); src != nil {
		p, err := src.Load(r.Context())
		if err != nil {
			logger.FromContext(r.Context()).Warn("load chat params", "error", err)
		} else {
			req.Params = p
		}
	}
	body, err := chat.BuildUpstreamBody(req, h.resultLimit)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}

	turn := h.metrics.StartTurn("stream")
	var turnErr error
	defer func() { turn.Finish(turnErr) }()

	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	resp, err := h.relay.Open(r.Context(), &relay.Request{
		Method: http.MethodPost,
		Path:   h.chatPath,
		Header: header,
		Body:   body,
	})
	if err != nil {
		turnErr = err
		apierrors.WriteError(w, err)
		return
	}
	defer resp.Close()

	if !resp.OK() {
		turnErr = &apierrors.UpstreamStatusError{StatusCode: resp.StatusCode}
		mirror(w, resp)
		return
	}

	httputil.SetSSEHeaders(w)
	w.WriteHeader(resp.StatusCode)
	fw := newFlushWriter(w)
	fw.onWrite = turn.FirstContent
	if err := copyStream(fw, resp.Body); err != nil {
		turnErr = err
		if r.Context().Err() != nil {
			turnErr = context.Canceled
		}
		logger.FromContext(r.Context()).Debug("chat stream relay ended", "knowledge_base", req.KnowledgeBaseID, "error", err)
	}
}

// mirror copies a non-2xx upstream response to the client unchanged.
func mirror(w http.ResponseWriter, resp *relay.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, io.LimitReader(resp.Body, 1<<20))
}

// turnError is the payload of the final "error" event on /api/chat/turns.
type turnError struct {
	Status   int                `json:"status"`
	Message  string             `json:"message"`
	Error    string             `json:"error"`
	Messages []chat.ChatMessage `json:"messages"`
}

// turns runs one turn through a Controller and streams its state snapshots
// as "state" events, ending with "done" or "error".
func (h *chatHandler) turns(w http.ResponseWriter, r *http.Request) {
	session := r.Header.Get(SessionHeader)
	if session == "" {
		session = uuid.NewString()
	}
	if !h.sessions.acquire(session) {
		apierrors.WriteError(w, apierrors.ErrTurnInFlight)
		return
	}
	defer h.sessions.release(session)

	req, err := decodeTurn(r)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}

	turn := h.metrics.StartTurn("turns")
	var turnErr error
	defer func() { turn.Finish(turnErr) }()

	log := logger.FromContext(r.Context()).With("session", session)
	var mu sync.Mutex
	write := func(event string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		if err := sse.WriteEvent(w, event, payload); err != nil {
			log.Debug("write turn event", "error", err)
		}
	}

	opts := []chat.Option{
		chat.WithKnowledgeBase(req.KnowledgeBaseID),
		chat.WithHistory(req.History),
		chat.WithGracePeriod(h.grace),
		chat.WithListener(func(s chat.Snapshot) {
			if s.Phase == chat.PhaseThinking || s.Phase == chat.PhaseAnswering {
				turn.FirstContent()
			}
			write("state", s)
		}),
		chat.WithLogger(log),
	}
	if src := h.paramsFor(req); src != nil {
		opts = append(opts, chat.WithParams(src))
	}
	if h.lookup != nil {
		opts = append(opts, chat.WithLookup(h.lookup))
	}
	ctrl := chat.NewController(h.pipeline, opts...)

	httputil.SetSSEHeaders(w)
	w.Header().Set(SessionHeader, session)
	w.WriteHeader(http.StatusOK)

	turnErr = ctrl.Submit(r.Context(), req.Message)
	final := ctrl.Snapshot()
	switch {
	case turnErr == nil:
		write("done", final)
	case chat.IsCanceled(turnErr):
		// Client went away; nothing to deliver.
	default:
		msg := chat.ApologyMessage
		if last, ok := final.Last(); ok && last.IsError {
			msg = last.Content
		}
		write("error", turnError{
			Status:   apierrors.StatusFor(turnErr),
			Message:  msg,
			Error:    turnErr.Error(),
			Messages: final.Messages,
		})
	}
}

// sessionSet tracks sessions with a turn in flight.
type sessionSet struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newSessionSet() *sessionSet {
	return &sessionSet{active: make(map[string]struct{})}
}

func (s *sessionSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *sessionSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
