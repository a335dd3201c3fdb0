package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/kb"
)

// Phase is the controller's position in the current turn.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePreparing Phase = "preparing"
	// PhaseSearching covers retrieval latency before the first byte.
	PhaseSearching Phase = "searching"
	// PhaseWaiting follows PhaseSearching when the grace period ran out
	// without any data.
	PhaseWaiting   Phase = "waiting"
	PhaseThinking  Phase = "thinking"
	PhaseAnswering Phase = "answering"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
	PhaseCanceled  Phase = "canceled"
)

// DefaultGracePeriod is how long a turn stays in PhaseSearching.
const DefaultGracePeriod = 2 * time.Second

// ParamsSource supplies the saved chat parameters at the start of a turn.
type ParamsSource interface {
	Load(ctx context.Context) (Params, error)
}

// KnowledgeBaseLookup resolves knowledge-base metadata.
type KnowledgeBaseLookup interface {
	Get(ctx context.Context, id string) (*kb.KnowledgeBase, error)
}

// Snapshot is a copy of the controller state handed to listeners.
type Snapshot struct {
	Phase     Phase            `json:"phase"`
	Loading   bool             `json:"loading"`
	Searching bool             `json:"searching"`
	Messages  []ChatMessage    `json:"messages"`
	History   []HistoryMessage `json:"history"`

	seq uint64
	gen uint64
}

// Last returns the most recent message, if any.
func (s Snapshot) Last() (ChatMessage, bool) {
	if len(s.Messages) == 0 {
		return ChatMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

type Option func(*Controller)

func WithKnowledgeBase(id string) Option { return func(c *Controller) { c.kbID = id } }

func WithParams(src ParamsSource) Option { return func(c *Controller) { c.params = src } }

func WithLookup(l KnowledgeBaseLookup) Option { return func(c *Controller) { c.lookup = l } }

func WithGracePeriod(d time.Duration) Option { return func(c *Controller) { c.grace = d } }

// WithListener registers fn to receive state snapshots. Calls are serialized
// and never go backwards; a stale snapshot may be skipped.
func WithListener(fn func(Snapshot)) Option { return func(c *Controller) { c.listener = fn } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithHistory seeds the session with earlier messages.
func WithHistory(h []HistoryMessage) Option {
	return func(c *Controller) { c.history = slices.Clone(h) }
}

// Controller drives the turns of one chat session. At most one turn runs at
// a time.
type Controller struct {
	streamer Streamer
	kbID     string
	params   ParamsSource
	lookup   KnowledgeBaseLookup
	grace    time.Duration
	listener func(Snapshot)
	logger   *slog.Logger

	mu        sync.Mutex
	gen       atomic.Uint64
	seq       uint64
	phase     Phase
	loading   bool
	searching bool
	messages  []ChatMessage
	history   []HistoryMessage
	current   int
	sources   []Source
	cancel    context.CancelFunc
	timer     *time.Timer
	turnErr   error

	notifyMu  sync.Mutex
	delivered uint64
}

func NewController(streamer Streamer, opts ...Option) *Controller {
	c := &Controller{
		streamer: streamer,
		grace:    DefaultGracePeriod,
		logger:   slog.Default(),
		phase:    PhaseIdle,
		current:  -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// History returns the messages that will be sent as context next turn.
func (c *Controller) History() []HistoryMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Submit runs one turn to completion and blocks until it ends. It returns
// ErrEmptyMessage or ErrTurnInFlight without contacting the upstream, the
// turn's error if it failed, and context.Canceled if it was cancelled.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return apierrors.ErrEmptyMessage
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return apierrors.ErrTurnInFlight
	}
	gen := c.gen.Add(1)
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prior := slices.Clone(c.history)
	c.cancel = cancel
	c.loading = true
	c.searching = false
	c.phase = PhasePreparing
	c.current = -1
	c.sources = nil
	c.turnErr = nil
	c.messages = append(c.messages, ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})
	c.history = append(c.history, HistoryMessage{Role: RoleUser, Content: text})
	c.publishLocked()

	req, err := c.prepare(turnCtx, text, prior)
	if err != nil {
		c.mu.Lock()
		if c.stale(gen) {
			c.mu.Unlock()
			return context.Canceled
		}
		if turnCtx.Err() != nil {
			c.gen.Add(1)
			c.clearTransientLocked()
			c.phase = PhaseCanceled
			c.mu.Unlock()
			return context.Canceled
		}
		c.failLocked(err)
		return err
	}

	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		return context.Canceled
	}
	c.phase = PhaseSearching
	c.searching = true
	c.timer = time.AfterFunc(c.grace, func() { c.graceExpired(gen) })
	c.publishLocked()

	for ev := range c.streamer.Stream(turnCtx, req) {
		if !c.apply(turnCtx, gen, ev) {
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen.Load() {
		return context.Canceled
	}
	if c.loading {
		// The sequence ended without a terminal event.
		c.clearTransientLocked()
		c.phase = PhaseCanceled
		return context.Canceled
	}
	return c.turnErr
}

// Cancel aborts the running turn. Loading and searching are cleared before
// it returns and no further updates from that turn are applied or published.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if !c.loading {
		c.mu.Unlock()
		return
	}
	c.gen.Add(1)
	cancel := c.cancel
	c.clearTransientLocked()
	c.phase = PhaseCanceled
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Controller) prepare(ctx context.Context, text string, prior []HistoryMessage) (TurnRequest, error) {
	params := DefaultParams()
	if c.params != nil {
		p, err := c.params.Load(ctx)
		if err != nil {
			return TurnRequest{}, err
		}
		params = p.WithDefaults()
	}
	if c.lookup != nil {
		if _, err := c.lookup.Get(ctx, c.kbID); err != nil {
			return TurnRequest{}, err
		}
	}
	return TurnRequest{
		KnowledgeBaseID: c.kbID,
		Message:         text,
		History:         prior,
		Params:          params,
	}, nil
}

// apply folds one event into the state. It returns false once the turn is
// over or no longer current.
func (c *Controller) apply(ctx context.Context, gen uint64, ev Event) bool {
	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		return false
	}

	switch ev.Kind {
	case EventDelta:
		c.mu.Unlock()
		return true

	case EventSources:
		c.sources = append(c.sources, ev.Sources...)
		if c.current >= 0 {
			c.messages[c.current].Sources = slices.Clone(c.sources)
		}

	case EventThinking:
		m := c.ensureMessageLocked()
		m.Thinking = ev.Text
		m.HasThinking = true
		c.phase = PhaseThinking

	case EventThinkingDone:
		if c.current < 0 {
			c.mu.Unlock()
			return true
		}
		c.messages[c.current].IsThinkingComplete = true

	case EventAnswer:
		m := c.ensureMessageLocked()
		m.Content = ev.Text
		c.phase = PhaseAnswering

	case EventDone:
		if c.current >= 0 {
			m := &c.messages[c.current]
			m.Content = ev.Result.Answer
			if ev.Result.HasThinking || m.HasThinking {
				m.HasThinking = true
				m.Thinking = ev.Result.Thinking
			}
			m.IsThinkingComplete = true
			c.history = append(c.history, HistoryMessage{Role: RoleAssistant, Content: m.Content})
		}
		c.clearTransientLocked()
		c.phase = PhaseComplete
		c.publishLocked()
		return false

	case EventFailed:
		if ctx.Err() != nil {
			// Cancelled through the parent context rather than Cancel.
			c.gen.Add(1)
			c.clearTransientLocked()
			c.phase = PhaseCanceled
			c.mu.Unlock()
			return false
		}
		c.logger.Warn("chat turn failed", "knowledge_base", c.kbID, "error", ev.Err)
		c.failLocked(ev.Err)
		return false
	}

	c.publishLocked()
	return true
}

// ensureMessageLocked returns the assistant message of the current turn,
// creating it on first content.
func (c *Controller) ensureMessageLocked() *ChatMessage {
	if c.current < 0 {
		c.stopTimerLocked()
		c.searching = false
		c.messages = append(c.messages, ChatMessage{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Sources:   slices.Clone(c.sources),
			CreatedAt: time.Now(),
		})
		c.current = len(c.messages) - 1
	}
	return &c.messages[c.current]
}

// failLocked records err as the outcome of the turn and publishes. It
// releases c.mu.
func (c *Controller) failLocked(err error) {
	text := apology(err)
	if c.current < 0 {
		c.messages = append(c.messages, ChatMessage{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   text,
			IsError:   true,
			CreatedAt: time.Now(),
		})
		c.current = len(c.messages) - 1
	} else {
		c.messages[c.current].Content = text
		c.messages[c.current].IsError = true
	}
	c.turnErr = err
	c.clearTransientLocked()
	c.phase = PhaseError
	c.publishLocked()
}

func (c *Controller) graceExpired(gen uint64) {
	c.mu.Lock()
	if c.stale(gen) || c.current >= 0 || c.phase != PhaseSearching {
		c.mu.Unlock()
		return
	}
	c.searching = false
	c.phase = PhaseWaiting
	c.publishLocked()
}

func (c *Controller) stale(gen uint64) bool {
	return gen != c.gen.Load() || !c.loading
}

func (c *Controller) clearTransientLocked() {
	c.stopTimerLocked()
	c.loading = false
	c.searching = false
	c.cancel = nil
	c.sources = nil
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	msgs := make([]ChatMessage, len(c.messages))
	for i, m := range c.messages {
		m.Sources = slices.Clone(m.Sources)
		msgs[i] = m
	}
	return Snapshot{
		Phase:     c.phase,
		Loading:   c.loading,
		Searching: c.searching,
		Messages:  msgs,
		History:   slices.Clone(c.history),
		gen:       c.gen.Load(),
	}
}

// publishLocked hands a snapshot to the listener. It releases c.mu before
// calling out so the listener may call back into the controller.
func (c *Controller) publishLocked() {
	if c.listener == nil {
		c.mu.Unlock()
		return
	}
	c.seq++
	snap := c.snapshotLocked()
	snap.seq = c.seq
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if snap.seq <= c.delivered || snap.gen != c.gen.Load() {
		return
	}
	c.delivered = snap.seq
	c.listener(snap)
}

// IsCanceled reports whether err means the turn was cancelled rather than
// failed.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
