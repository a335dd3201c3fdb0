package chat

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/zhengjr9/kb-chat-bff/internal/relay"
	"github.com/zhengjr9/kb-chat-bff/internal/sse"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// Opener opens upstream requests. *relay.Client implements it.
type Opener interface {
	Open(ctx context.Context, req *relay.Request) (*relay.Response, error)
}

// Streamer produces the event sequence of one turn. *Pipeline implements it.
type Streamer interface {
	Stream(ctx context.Context, req TurnRequest) iter.Seq[Event]
}

// EventKind tags an Event.
type EventKind int

const (
	// EventDelta carries one raw decoded fragment, tags included.
	EventDelta EventKind = iota
	// EventThinking carries the thinking text so far.
	EventThinking
	// EventThinkingDone marks the end of a think block.
	EventThinkingDone
	// EventAnswer carries the live answer text so far.
	EventAnswer
	// EventSources carries retrieval citations.
	EventSources
	// EventDone carries the final, tag-stripped result. Always last.
	EventDone
	// EventFailed carries a turn-terminating error. Always last.
	EventFailed
)

var eventNames = [...]string{"delta", "thinking", "thinking_done", "answer", "sources", "done", "failed"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is one step of a streamed turn.
type Event struct {
	Kind EventKind
	// Text is the raw fragment for EventDelta and the accumulated buffer for
	// EventThinking and EventAnswer.
	Text string
	// Fragment is the part of Text added by this event.
	Fragment string
	Sources  []Source
	Result   think.Result
	Err      error
}

type PipelineOptions struct {
	ChatPath    string
	ResultLimit int
	SplitMode   think.Mode
	// Timeout overrides the relay default for chat streams.
	Timeout time.Duration
}

// Pipeline connects the relay, the frame decoder and the think splitter.
type Pipeline struct {
	opener Opener
	opts   PipelineOptions
}

func NewPipeline(opener Opener, opts PipelineOptions) *Pipeline {
	if opts.ChatPath == "" {
		opts.ChatPath = "/api/chat/completions"
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = 5
	}
	return &Pipeline{opener: opener, opts: opts}
}

// Stream runs one turn. The sequence ends with exactly one EventDone or
// EventFailed unless the consumer stops early, in which case the upstream
// request is cancelled.
func (p *Pipeline) Stream(ctx context.Context, req TurnRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		body, err := BuildUpstreamBody(req, p.opts.ResultLimit)
		if err != nil {
			yield(Event{Kind: EventFailed, Err: err})
			return
		}

		header := http.Header{}
		header.Set("Accept", "text/event-stream")
		resp, err := p.opener.Open(ctx, &relay.Request{
			Method:  http.MethodPost,
			Path:    p.opts.ChatPath,
			Header:  header,
			Body:    body,
			Timeout: p.opts.Timeout,
		})
		if err != nil {
			yield(Event{Kind: EventFailed, Err: err})
			return
		}
		defer resp.Close()

		if !resp.OK() {
			yield(Event{Kind: EventFailed, Err: ReadStatusError(resp)})
			return
		}

		splitter := think.New(p.opts.SplitMode)
		for d, err := range sse.Decode(resp.Body) {
			if err != nil {
				yield(Event{Kind: EventFailed, Err: err})
				return
			}
			if d.Done {
				break
			}
			if len(d.Sources) > 0 {
				if !yield(Event{Kind: EventSources, Sources: d.Sources}) {
					return
				}
			}
			if d.Content == "" {
				continue
			}
			if !yield(Event{Kind: EventDelta, Text: d.Content, Fragment: d.Content}) {
				return
			}
			if !emitUpdates(yield, splitter.Push(d.Content)) {
				return
			}
		}

		if !emitUpdates(yield, splitter.Flush()) {
			return
		}
		yield(Event{Kind: EventDone, Result: splitter.Result()})
	}
}

func emitUpdates(yield func(Event) bool, updates []think.Update) bool {
	for _, u := range updates {
		switch u.Channel {
		case think.Thinking:
			if u.Fragment != "" {
				if !yield(Event{Kind: EventThinking, Text: u.Text, Fragment: u.Fragment}) {
					return false
				}
			}
			if u.Closed {
				if !yield(Event{Kind: EventThinkingDone, Text: u.Text}) {
					return false
				}
			}
		case think.Answer:
			if !yield(Event{Kind: EventAnswer, Text: u.Text, Fragment: u.Fragment}) {
				return false
			}
		}
	}
	return true
}

// Collect drains a turn and returns its final result, for callers that do
// not stream to a client.
func Collect(events iter.Seq[Event]) (think.Result, []Source, error) {
	var sources []Source
	for ev := range events {
		switch ev.Kind {
		case EventSources:
			sources = append(sources, ev.Sources...)
		case EventDone:
			return ev.Result, sources, nil
		case EventFailed:
			return think.Result{}, sources, ev.Err
		}
	}
	return think.Result{}, sources, context.Canceled
}
