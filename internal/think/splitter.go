// Package think separates <think>...</think> reasoning from answer text in a
// token stream.
package think

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	OpenTag  = "<think>"
	CloseTag = "</think>"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// Mode selects how markers split across deltas are handled.
type Mode int

const (
	// ModeCarry holds back a trailing partial marker and prepends it to the
	// next delta, so tags split across chunks are still recognised.
	ModeCarry Mode = iota
	// ModeCompat scans every delta on its own. A marker split across two
	// deltas is emitted verbatim as content.
	ModeCompat
)

// ParseMode accepts "carry" and "compat".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "carry", "":
		return ModeCarry, nil
	case "compat":
		return ModeCompat, nil
	}
	return ModeCarry, fmt.Errorf("unknown think split mode %q", s)
}

func (m Mode) String() string {
	if m == ModeCompat {
		return "compat"
	}
	return "carry"
}

// Channel identifies one of the two output streams.
type Channel int

const (
	Answer Channel = iota
	Thinking
)

func (c Channel) String() string {
	if c == Thinking {
		return "thinking"
	}
	return "answer"
}

// Update publishes a channel's accumulated text. Text is the whole buffer so
// far; Fragment is the part appended by this update.
type Update struct {
	Channel  Channel
	Text     string
	Fragment string
	// Closed is set on the thinking update emitted when </think> is consumed.
	Closed bool
}

// Result is the outcome of the final pass over the raw stream.
type Result struct {
	// Answer is the raw text with every think block removed. It is
	// authoritative; the live answer buffer is only for display.
	Answer      string
	Thinking    string
	HasThinking bool
	Raw         string
}

// Splitter is the per-turn parser state. It is not safe for concurrent use.
type Splitter struct {
	mode        Mode
	inside      bool
	hasThinking bool
	carry       string

	raw      strings.Builder
	thinking strings.Builder
	answer   strings.Builder
}

func New(mode Mode) *Splitter {
	return &Splitter{mode: mode}
}

// Inside reports whether the parser is between <think> and </think>.
func (s *Splitter) Inside() bool { return s.inside }

// HasThinking reports whether a <think> marker has been seen.
func (s *Splitter) HasThinking() bool { return s.hasThinking }

// Push consumes one delta and returns the channel updates it produced, in
// order. Markers are never published.
func (s *Splitter) Push(delta string) []Update {
	if delta == "" {
		return nil
	}
	s.raw.WriteString(delta)

	text := s.carry + delta
	s.carry = ""

	var out []Update
	for {
		marker := OpenTag
		if s.inside {
			marker = CloseTag
		}

		idx := strings.Index(text, marker)
		if idx < 0 {
			keep := 0
			if s.mode == ModeCarry {
				keep = partialSuffix(text, marker)
			}
			out = s.appendCurrent(out, text[:len(text)-keep])
			s.carry = text[len(text)-keep:]
			return out
		}

		before := len(out)
		out = s.appendCurrent(out, text[:idx])
		text = text[idx+len(marker):]

		if s.inside {
			s.inside = false
			if len(out) > before {
				out[len(out)-1].Closed = true
			} else {
				out = append(out, Update{Channel: Thinking, Text: s.thinking.String(), Closed: true})
			}
		} else {
			s.inside = true
			s.hasThinking = true
		}
	}
}

// Flush releases a held-back partial marker as plain content. Call it once
// the stream has ended.
func (s *Splitter) Flush() []Update {
	if s.carry == "" {
		return nil
	}
	tail := s.carry
	s.carry = ""
	return s.appendCurrent(nil, tail)
}

// Result runs the final pass over everything pushed so far.
func (s *Splitter) Result() Result {
	raw := s.raw.String()
	res := Result{
		Answer:      Strip(raw),
		Raw:         raw,
		HasThinking: s.hasThinking,
	}

	matches := thinkBlock.FindAllStringSubmatch(raw, -1)
	if len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			parts = append(parts, m[1])
		}
		res.Thinking = strings.Join(parts, "\n")
	} else {
		res.Thinking = s.thinking.String()
	}
	return res
}

// Strip removes every <think>...</think> block from text. Whitespace around
// a removed block is kept as is. An unclosed <think> is left untouched.
func Strip(text string) string {
	return thinkBlock.ReplaceAllString(text, "")
}

func (s *Splitter) appendCurrent(out []Update, frag string) []Update {
	if frag == "" {
		return out
	}
	if s.inside {
		s.thinking.WriteString(frag)
		return append(out, Update{Channel: Thinking, Text: s.thinking.String(), Fragment: frag})
	}
	s.answer.WriteString(frag)
	return append(out, Update{Channel: Answer, Text: s.answer.String(), Fragment: frag})
}

// partialSuffix returns the length of the longest suffix of text that is a
// proper prefix of marker.
func partialSuffix(text, marker string) int {
	n := min(len(marker)-1, len(text))
	for k := n; k > 0; k-- {
		if strings.HasSuffix(text, marker[:k]) {
			return k
		}
	}
	return 0
}
