package adapter

import (
	"context"
	"iter"
	"net/http"

	"github.com/google/uuid"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/httputil"
	"github.com/zhengjr9/kb-chat-bff/internal/logger"
	"github.com/zhengjr9/kb-chat-bff/internal/metrics"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// Dialect translates between a client API format and the chat pipeline. The
// client's model name selects the knowledge base.
type Dialect interface {
	// Decode parses the request body into a turn and reports whether the
	// client asked for a streamed response.
	Decode(r *http.Request) (req chat.TurnRequest, stream bool, err error)

	// WriteResult encodes a completed turn as a single response.
	WriteResult(w http.ResponseWriter, id, model string, res think.Result) error

	// WriteStream encodes turn events in the dialect's streaming format,
	// flushing after each write. It returns the turn error, if any.
	WriteStream(w http.ResponseWriter, id, model string, events iter.Seq[chat.Event]) error
}

// Handler serves one dialect on top of the chat pipeline.
type Handler struct {
	route    string
	dialect  Dialect
	streamer chat.Streamer
	params   chat.ParamsSource
	metrics  *metrics.Metrics
}

// NewHandler constructs a Handler. params and m may be nil.
func NewHandler(route string, d Dialect, streamer chat.Streamer, params chat.ParamsSource, m *metrics.Metrics) *Handler {
	return &Handler{route: route, dialect: d, streamer: streamer, params: params, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, streaming, err := h.dialect.Decode(r)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}
	req.Params = h.mergeParams(r.Context(), req.Params)
	if err := req.Validate(); err != nil {
		apierrors.WriteError(w, err)
		return
	}

	id := uuid.NewString()
	turn := h.metrics.StartTurn(h.route)
	var turnErr error
	defer func() { turn.Finish(turnErr) }()

	events := observe(r.Context(), h.streamer.Stream(r.Context(), req), turn, &turnErr)

	if !streaming {
		res, _, err := chat.Collect(events)
		if err != nil {
			turnErr = err
			apierrors.WriteError(w, err)
			return
		}
		if err := h.dialect.WriteResult(w, id, req.KnowledgeBaseID, res); err != nil {
			apierrors.WriteJSONError(w, http.StatusInternalServerError, "failed to write response")
		}
		return
	}

	// Hold the headers until the first event so an upstream failure can still
	// be answered with a proper status.
	next, stop := iter.Pull(events)
	defer stop()
	first, ok := next()
	if !ok {
		return
	}
	if first.Kind == chat.EventFailed {
		apierrors.WriteError(w, first.Err)
		return
	}

	httputil.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := h.dialect.WriteStream(w, id, req.KnowledgeBaseID, resume(first, next)); err != nil {
		logger.FromContext(r.Context()).Warn("stream ended with error", "route", h.route, "knowledge_base", req.KnowledgeBaseID, "error", err)
	}
}

// mergeParams overlays the fields a client set on the saved parameters.
func (h *Handler) mergeParams(ctx context.Context, req chat.Params) chat.Params {
	base := chat.DefaultParams()
	if h.params != nil {
		p, err := h.params.Load(ctx)
		if err != nil {
			logger.FromContext(ctx).Warn("load chat params", "error", err)
		} else {
			base = p
		}
	}
	if req.Temperature != nil {
		base.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		base.MaxTokens = req.MaxTokens
	}
	if req.SystemPrompt != "" {
		base.SystemPrompt = req.SystemPrompt
	}
	return base
}

// observe records metrics and the terminal error of a turn as events pass
// through.
func observe(ctx context.Context, events iter.Seq[chat.Event], turn *metrics.Turn, errp *error) iter.Seq[chat.Event] {
	return func(yield func(chat.Event) bool) {
		terminal := false
		for ev := range events {
			switch ev.Kind {
			case chat.EventDelta:
				turn.FirstContent()
			case chat.EventFailed:
				*errp = ev.Err
				terminal = true
			case chat.EventDone:
				terminal = true
			}
			if !yield(ev) {
				break
			}
		}
		if !terminal && *errp == nil {
			*errp = context.Canceled
			if err := ctx.Err(); err != nil {
				*errp = err
			}
		}
	}
}

func resume(first chat.Event, next func() (chat.Event, bool)) iter.Seq[chat.Event] {
	return func(yield func(chat.Event) bool) {
		if !yield(first) {
			return
		}
		for {
			ev, ok := next()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}
