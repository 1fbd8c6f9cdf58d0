package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinSegments(segments []Segment) (thinking, text string) {
	for _, seg := range segments {
		if seg.Type == SegmentThinking {
			thinking += seg.Content
		} else {
			text += seg.Content
		}
	}
	return
}

func parseAll(t *testing.T, fragments ...string) (thinking, text string) {
	t.Helper()
	p := NewThinkingParser()
	var all []Segment
	for _, f := range fragments {
		all = append(all, p.Push(f)...)
	}
	all = append(all, p.Flush()...)
	return joinSegments(all)
}

func TestThinkingParser_BasicBlock(t *testing.T) {
	thinking, text := parseAll(t, "<thinking>I wonder</thinking>Hello")
	assert.Equal(t, "I wonder", thinking)
	assert.Equal(t, "Hello", text)
}

func TestThinkingParser_PassthroughWhenNotLeading(t *testing.T) {
	thinking, text := parseAll(t, "Hello <thinking>not a block</thinking>")
	assert.Empty(t, thinking)
	assert.Equal(t, "Hello <thinking>not a block</thinking>", text)
}

func TestThinkingParser_LeadingWhitespaceAllowed(t *testing.T) {
	thinking, text := parseAll(t, "  \n<thinking>deep</thinking>ok")
	assert.Equal(t, "deep", thinking)
	assert.Equal(t, "  \nok", text)
}

func TestThinkingParser_SplitAcrossFragments(t *testing.T) {
	cases := [][]string{
		{"<think", "ing>abc</think", "ing>rest"},
		{"<", "thinking>abc</", "thinking>rest"},
		{"<thinking>abc", "</thinking>", "rest"},
		{"<thinking>", "abc", "<", "/", "thinking>rest"},
	}
	for _, fragments := range cases {
		thinking, text := parseAll(t, fragments...)
		assert.Equal(t, "abc", thinking, "fragments %q", fragments)
		assert.Equal(t, "rest", text, "fragments %q", fragments)
	}
}

func TestThinkingParser_FakeEndTagQuoteBefore(t *testing.T) {
	input := "<thinking>the tag `</thinking>` is markup</thinking>done"
	thinking, text := parseAll(t, input)
	assert.Equal(t, "the tag `</thinking>` is markup", thinking)
	assert.Equal(t, "done", text)
}

func TestThinkingParser_FakeEndTagQuoteAfter(t *testing.T) {
	input := "<thinking>say '</thinking>' to close</thinking>after"
	thinking, text := parseAll(t, input)
	assert.Equal(t, "say '</thinking>' to close", thinking)
	assert.Equal(t, "after", text)
}

func TestThinkingParser_FakeEndTagSplitAtBoundary(t *testing.T) {
	// The quote that disarms the tag arrives in a later fragment.
	thinking, text := parseAll(t, "<thinking>quote </thinking>", "` stays</thinking>out")
	assert.Equal(t, "quote </thinking>` stays", thinking)
	assert.Equal(t, "out", text)
}

func TestThinkingParser_NoTransitionOnFakeTag(t *testing.T) {
	p := NewThinkingParser()
	p.Push("<thinking>a\"</thinking>\"b")
	assert.True(t, p.InThinking())
}

func TestThinkingParser_TotalityAllSplits(t *testing.T) {
	// For any split of the input, the concatenation of all emitted
	// segment text equals the input with the legitimate tag pair
	// stripped.
	type tc struct {
		input    string
		expected string // thinking-order concatenation after stripping
	}
	cases := []tc{
		{"plain text only", "plain text only"},
		{"<thinking>a</thinking>b", "ab"},
		{"<thinking>a`</thinking>`b</thinking>c", "a`</thinking>`bc"},
		{"<thinking>never closed", "never closed"},
		{"  <thinking>w</thinking>", "  w"},
	}
	for _, c := range cases {
		for i := 0; i <= len(c.input); i++ {
			p := NewThinkingParser()
			var all []Segment
			all = append(all, p.Push(c.input[:i])...)
			all = append(all, p.Push(c.input[i:])...)
			all = append(all, p.Flush()...)

			var joined strings.Builder
			for _, seg := range all {
				joined.WriteString(seg.Content)
			}
			require.Equal(t, c.expected, joined.String(), "input %q split %d", c.input, i)
		}
	}
}

func TestThinkingParser_TotalityExact(t *testing.T) {
	type tc struct {
		input        string
		wantThinking string
		wantText     string
	}
	cases := []tc{
		{"no tags at all", "", "no tags at all"},
		{"<thinking>x</thinking>y", "x", "y"},
		{"<thinking>unterminated", "unterminated", ""},
		{"<thinking></thinking>", "", ""},
	}
	for _, c := range cases {
		for i := 0; i <= len(c.input); i++ {
			thinking, text := parseAll(t, c.input[:i], c.input[i:])
			require.Equal(t, c.wantThinking, thinking, "input %q split %d", c.input, i)
			require.Equal(t, c.wantText, text, "input %q split %d", c.input, i)
		}
	}
}

func TestThinkingParser_FlushIdempotent(t *testing.T) {
	p := NewThinkingParser()
	// Push emits "tail" at once and holds back the partial end tag, which
	// the first Flush releases.
	p.Push("<thinking>tail</thi")
	first := p.Flush()
	require.NotEmpty(t, first)
	assert.Empty(t, p.Flush())
}

func TestThinkingParser_EndTagAtEOF(t *testing.T) {
	// The buffer ends exactly with the closing tag; no following char
	// exists, so it is genuine.
	thinking, text := parseAll(t, "<thinking>done</thinking>")
	assert.Equal(t, "done", thinking)
	assert.Empty(t, text)
}
