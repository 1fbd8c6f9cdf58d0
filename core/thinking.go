package core

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// SegmentType classifies parsed stream text.
type SegmentType string

const (
	SegmentText     SegmentType = "text"
	SegmentThinking SegmentType = "thinking"
)

// Segment is a run of parsed text.
type Segment struct {
	Type    SegmentType
	Content string
}

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"
)

type thinkingMode int

const (
	modePending thinkingMode = iota
	modeThinking
	modeText
	modePassthrough
)

// ThinkingParser incrementally splits a stream of text fragments into
// thinking and text segments.
//
// A stream opens a thinking block only when its first non-whitespace
// bytes are exactly "<thinking>"; anything else switches the parser to
// passthrough for the rest of the stream. Inside a block, a
// "</thinking>" occurrence is treated as literal content when the
// character immediately before or after it is a quote (backtick,
// single or double), which keeps a model reasoning about its own
// markup from ending the block early. Fragment boundaries that split a
// tag are handled by retaining the ambiguous suffix until more input
// arrives.
type ThinkingParser struct {
	mode    thinkingMode
	carry   string
	prev    byte // last byte emitted while in thinking mode
	hasPrev bool
	flushed bool
}

func NewThinkingParser() *ThinkingParser {
	return &ThinkingParser{mode: modePending}
}

// InThinking reports whether the parser is currently inside a thinking block.
func (p *ThinkingParser) InThinking() bool {
	return p.mode == modeThinking
}

// Push adds a fragment and returns the segments that became unambiguous.
func (p *ThinkingParser) Push(fragment string) []Segment {
	if fragment == "" {
		return nil
	}
	p.carry += fragment

	var segments []Segment
	for {
		before := len(p.carry)
		switch p.mode {
		case modePending:
			segments = p.parsePending(segments)
		case modeThinking:
			segments = p.parseThinking(segments, false)
		case modeText, modePassthrough:
			if p.carry != "" {
				segments = appendSegment(segments, SegmentText, p.carry)
				p.carry = ""
			}
		}
		if p.carry == "" || len(p.carry) == before {
			break
		}
	}
	return segments
}

// parsePending decides between thinking and passthrough once the first
// non-whitespace bytes are available.
func (p *ThinkingParser) parsePending(segments []Segment) []Segment {
	trimmed := strings.TrimLeft(p.carry, " \t\r\n")
	if trimmed == "" {
		// Only whitespace so far; wait for a decisive byte.
		return segments
	}

	ws := p.carry[:len(p.carry)-len(trimmed)]

	if strings.HasPrefix(trimmed, thinkingStartTag) {
		if ws != "" {
			segments = appendSegment(segments, SegmentText, ws)
		}
		p.carry = trimmed[len(thinkingStartTag):]
		p.mode = modeThinking
		return segments
	}

	if len(trimmed) < len(thinkingStartTag) && strings.HasPrefix(thinkingStartTag, trimmed) {
		// Could still become the opening tag.
		return segments
	}

	p.mode = modePassthrough
	segments = appendSegment(segments, SegmentText, p.carry)
	p.carry = ""
	return segments
}

// parseThinking consumes thinking content up to a genuine end tag. With
// eof set, a match at the very end of the buffer has no following
// character and counts as genuine.
func (p *ThinkingParser) parseThinking(segments []Segment, eof bool) []Segment {
	searchFrom := 0
	for {
		idx := strings.Index(p.carry[searchFrom:], thinkingEndTag)
		if idx < 0 {
			break
		}
		idx += searchFrom
		after := idx + len(thinkingEndTag)

		if after >= len(p.carry) && !eof {
			// The following character decides fake vs genuine; hold
			// everything from the match until it arrives.
			segments = p.emitThinking(segments, p.carry[:idx])
			p.carry = p.carry[idx:]
			return segments
		}

		if p.isFakeEndTag(idx, after) {
			searchFrom = after
			continue
		}

		segments = p.emitThinking(segments, p.carry[:idx])
		p.carry = p.carry[after:]
		p.mode = modeText
		if p.carry != "" {
			segments = appendSegment(segments, SegmentText, p.carry)
			p.carry = ""
		}
		return segments
	}

	if eof {
		return segments
	}

	// No end tag; emit all but a suffix that could begin one.
	hold := pendingTagSuffix(p.carry, thinkingEndTag)
	emit := p.carry[:len(p.carry)-hold]
	segments = p.emitThinking(segments, emit)
	p.carry = p.carry[len(emit):]
	return segments
}

func (p *ThinkingParser) isFakeEndTag(idx, after int) bool {
	var before byte
	haveBefore := false
	if idx > 0 {
		before = p.carry[idx-1]
		haveBefore = true
	} else if p.hasPrev {
		before = p.prev
		haveBefore = true
	}
	if haveBefore && isQuoteByte(before) {
		return true
	}
	if after < len(p.carry) && isQuoteByte(p.carry[after]) {
		return true
	}
	return false
}

func (p *ThinkingParser) emitThinking(segments []Segment, content string) []Segment {
	if content == "" {
		return segments
	}
	p.prev = content[len(content)-1]
	p.hasPrev = true
	return appendSegment(segments, SegmentThinking, content)
}

// Flush emits whatever remains at end of stream. A buffer ending in an
// unresolved "</thinking>" is resolved as genuine (there is no
// following character to quote it). Calling Flush twice emits nothing
// the second time.
func (p *ThinkingParser) Flush() []Segment {
	if p.flushed {
		return nil
	}
	p.flushed = true

	var segments []Segment
	switch p.mode {
	case modePending:
		if p.carry != "" {
			segments = appendSegment(segments, SegmentText, p.carry)
		}
	case modeThinking:
		segments = p.parseThinking(segments, true)
		if p.mode == modeThinking && p.carry != "" {
			log.Warn("thinking: stream ended inside an unterminated thinking block")
			segments = p.emitThinking(segments, p.carry)
		}
	default:
		if p.carry != "" {
			segments = appendSegment(segments, SegmentText, p.carry)
		}
	}
	p.carry = ""
	return segments
}

// Reset returns the parser to its initial state.
func (p *ThinkingParser) Reset() {
	p.mode = modePending
	p.carry = ""
	p.hasPrev = false
	p.flushed = false
}

func isQuoteByte(b byte) bool {
	return b == '`' || b == '\'' || b == '"'
}

// pendingTagSuffix returns the length of the longest proper prefix of
// tag that the buffer ends with.
func pendingTagSuffix(buffer, tag string) int {
	max := len(tag) - 1
	if len(buffer) < max {
		max = len(buffer)
	}
	for l := max; l > 0; l-- {
		if buffer[len(buffer)-l:] == tag[:l] {
			return l
		}
	}
	return 0
}

func appendSegment(segments []Segment, typ SegmentType, content string) []Segment {
	if n := len(segments); n > 0 && segments[n-1].Type == typ {
		segments[n-1].Content += content
		return segments
	}
	return append(segments, Segment{Type: typ, Content: content})
}
