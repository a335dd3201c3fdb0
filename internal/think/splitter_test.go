package think

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	answer   []string
	thinking []string
	order    []string
	closed   int
}

func run(s *Splitter, deltas ...string) published {
	var p published
	record := func(ups []Update) {
		for _, u := range ups {
			switch u.Channel {
			case Answer:
				p.answer = append(p.answer, u.Text)
				p.order = append(p.order, "a:"+u.Text)
			case Thinking:
				if u.Fragment != "" {
					p.thinking = append(p.thinking, u.Text)
					p.order = append(p.order, "t:"+u.Text)
				}
				if u.Closed {
					p.closed++
				}
			}
		}
	}
	for _, d := range deltas {
		record(s.Push(d))
	}
	record(s.Flush())
	return p
}

func TestMarkerConsumptionSingleDelta(t *testing.T) {
	for _, mode := range []Mode{ModeCompat, ModeCarry} {
		t.Run(mode.String(), func(t *testing.T) {
			p := run(New(mode), "A<think>B</think>C")

			assert.Equal(t, []string{"A", "AC"}, p.answer)
			assert.Equal(t, []string{"B"}, p.thinking)
			assert.Equal(t, []string{"a:A", "t:B", "a:AC"}, p.order)
			assert.Equal(t, 1, p.closed)
			for _, v := range append(p.answer, p.thinking...) {
				assert.NotContains(t, v, "<think>")
				assert.NotContains(t, v, "</think>")
			}
		})
	}
}

func TestMarkersOnChunkBoundaries(t *testing.T) {
	for _, mode := range []Mode{ModeCompat, ModeCarry} {
		t.Run(mode.String(), func(t *testing.T) {
			s := New(mode)
			p := run(s, "<think>", "let me ", "check", "</think>", "The answer", " is 42.")

			assert.Equal(t, []string{"let me ", "let me check"}, p.thinking)
			assert.Equal(t, []string{"The answer", "The answer is 42."}, p.answer)
			assert.True(t, s.HasThinking())
			assert.False(t, s.Inside())
		})
	}
}

func TestCompatModeLeaksSplitMarker(t *testing.T) {
	s := New(ModeCompat)
	p := run(s, "Hi <thi", "nk>secret</think> there")

	// The open tag is split across deltas, so it is never recognised; the
	// close tag is searched for only while inside, which never happens.
	require.NotEmpty(t, p.answer)
	assert.Equal(t, "Hi <think>secret</think> there", p.answer[len(p.answer)-1])
	assert.Empty(t, p.thinking)
	assert.False(t, s.HasThinking())

	// The final pass still strips the block from the raw text.
	assert.Equal(t, "Hi  there", s.Result().Answer)
}

func TestCarryModeDetectsSplitMarkers(t *testing.T) {
	s := New(ModeCarry)
	p := run(s, "Hi <thi", "nk>sec", "ret</thi", "nk> there")

	assert.Equal(t, []string{"Hi ", "Hi  there"}, p.answer)
	assert.Equal(t, []string{"sec", "secret"}, p.thinking)
	assert.Equal(t, 1, p.closed)
	assert.True(t, s.HasThinking())
}

func TestCarryModeSplitIntoSingleCharacters(t *testing.T) {
	input := "x<think>y</think>z"
	s := New(ModeCarry)
	deltas := strings.Split(input, "")
	p := run(s, deltas...)

	require.NotEmpty(t, p.answer)
	assert.Equal(t, "xz", p.answer[len(p.answer)-1])
	require.NotEmpty(t, p.thinking)
	assert.Equal(t, "y", p.thinking[len(p.thinking)-1])
}

func TestCarryModeFlushesFalsePrefix(t *testing.T) {
	s := New(ModeCarry)
	p := run(s, "a <", "b", " and c </th")

	require.NotEmpty(t, p.answer)
	assert.Equal(t, "a <b and c </th", p.answer[len(p.answer)-1])
	assert.False(t, s.HasThinking())
}

func TestBuffersGrowMonotonically(t *testing.T) {
	deltas := []string{"pre", "<think>", "a", "b<", "/think>", "post", "<think>c", "</think>", "end"}
	for _, mode := range []Mode{ModeCompat, ModeCarry} {
		t.Run(mode.String(), func(t *testing.T) {
			p := run(New(mode), deltas...)
			for _, series := range [][]string{p.answer, p.thinking} {
				for i := 1; i < len(series); i++ {
					assert.True(t, strings.HasPrefix(series[i], series[i-1]),
						"%q does not extend %q", series[i], series[i-1])
				}
			}
		})
	}
}

func TestEmptyThinkBlockStillCloses(t *testing.T) {
	s := New(ModeCarry)
	p := run(s, "<think></think>answer")

	assert.Equal(t, 1, p.closed)
	assert.Empty(t, p.thinking)
	assert.Equal(t, []string{"answer"}, p.answer)
}

func TestStripRoundTrip(t *testing.T) {
	assert.Equal(t, "hello  world", Strip("hello <think>ignored</think> world"))
	assert.Equal(t, "ab", Strip("a<think>1</think>b<think>\n2\n</think>"))
	assert.Equal(t, "no tags", Strip("no tags"))
	assert.Equal(t, "x<think>open", Strip("x<think>open"))
}

func TestResult(t *testing.T) {
	s := New(ModeCarry)
	s.Push("hello <think>step one")
	s.Push("</think> world<think>two</think>")
	s.Flush()

	res := s.Result()
	assert.Equal(t, "hello  world", res.Answer)
	assert.Equal(t, "step one\ntwo", res.Thinking)
	assert.True(t, res.HasThinking)
	assert.Equal(t, "hello <think>step one</think> world<think>two</think>", res.Raw)
}

func TestResultUnclosedThinking(t *testing.T) {
	s := New(ModeCarry)
	s.Push("<think>still going")
	s.Flush()

	res := s.Result()
	assert.Equal(t, "still going", res.Thinking)
	assert.Equal(t, "<think>still going", res.Answer)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("compat")
	require.NoError(t, err)
	assert.Equal(t, ModeCompat, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCarry, m)

	_, err = ParseMode("rolling")
	assert.Error(t, err)
}
