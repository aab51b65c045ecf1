package will

import (
	"regexp"
	"strings"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/logging"
	"github.com/daringsby/psyche/motor"
)

// parser state machine over the streamed model response.
type parseState int

const (
	// seekingTag scans free text for a candidate opening tag.
	seekingTag parseState = iota
	// parsingAttributes holds a partial opening tag until '>' arrives.
	parsingAttributes
	// streamingBody collects body text until the matching close tag.
	streamingBody
)

// Sink receives parse events in stream order.
type Sink interface {
	// OnThought receives free text found outside any action tag.
	OnThought(text string)
	// OnTagOpen fires when a streaming-capable action tag opens. The
	// returned channel receives body chunks as they arrive and is closed at
	// tag close; return nil to decline early dispatch.
	OnTagOpen(intention core.Intention, desc motor.Descriptor) chan<- string
	// OnIntention fires at tag close with the completed intention.
	// streamed reports whether the body already went out via OnTagOpen.
	OnIntention(intention core.Intention, streamed bool)
}

var (
	tagNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*`)
	attrRe    = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_-]*)\s*=\s*"([^"]*)"`)
)

// Parser incrementally extracts action tags from a chunked model response.
// Feed it chunks in arrival order and call Flush at end of stream. One
// malformed or unrecognized tag never aborts the response: the parser logs
// a warning and resumes scanning after it.
type Parser struct {
	lookup func(name string) (motor.Descriptor, bool)
	sink   Sink
	logger *logging.PsycheLogger

	state   parseState
	buf     string // unconsumed input
	thought strings.Builder

	// current tag, valid in streamingBody
	intention core.Intention
	desc      motor.Descriptor
	stream    chan<- string
	body      strings.Builder
	closeTag  string
}

// NewParser builds a parser resolving action names through lookup.
func NewParser(lookup func(name string) (motor.Descriptor, bool), sink Sink, logger *logging.PsycheLogger) *Parser {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &Parser{lookup: lookup, sink: sink, logger: logger.WithUnit("will.parser")}
}

// Feed consumes the next response chunk. Chunk boundaries are arbitrary: a
// tag may be split anywhere.
func (p *Parser) Feed(chunk string) {
	p.buf += chunk
	for p.step() {
	}
}

// step consumes as much of buf as the current state allows. It returns true
// when progress was made and another pass may consume more.
func (p *Parser) step() bool {
	switch p.state {
	case seekingTag:
		return p.seek()
	case parsingAttributes:
		return p.parseOpenTag()
	case streamingBody:
		return p.consumeBody()
	}
	return false
}

// seek scans for a '<' that could start a tag. Preceding text accumulates
// as thought.
func (p *Parser) seek() bool {
	idx := strings.IndexByte(p.buf, '<')
	if idx < 0 {
		p.thought.WriteString(p.buf)
		p.buf = ""
		return false
	}
	p.thought.WriteString(p.buf[:idx])
	p.buf = p.buf[idx:]
	if len(p.buf) > 1 && !isNameStart(p.buf[1]) {
		// "a < b": not a tag, keep the '<' as thought text.
		p.thought.WriteByte('<')
		p.buf = p.buf[1:]
		return true
	}
	if len(p.buf) == 1 {
		// Need more input to tell.
		return false
	}
	p.state = parsingAttributes
	return true
}

// parseOpenTag waits for the complete opening tag, then validates the name
// and attribute list.
func (p *Parser) parseOpenTag() bool {
	end := strings.IndexByte(p.buf, '>')
	if end < 0 {
		return false
	}
	raw := p.buf[:end+1] // "<name attr="v" ...>" or "<name .../>"
	p.buf = p.buf[end+1:]
	p.state = seekingTag

	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	selfClosing := strings.HasSuffix(inner, "/")
	if selfClosing {
		inner = strings.TrimSuffix(inner, "/")
	}

	name := tagNameRe.FindString(inner)
	if name == "" {
		p.skip(raw, "empty tag name")
		return true
	}
	rest := inner[len(name):]

	desc, known := p.lookup(name)
	if !known {
		p.skip(raw, "unknown action")
		return true
	}
	attrs, ok := parseAttrs(rest)
	if !ok {
		p.skip(raw, "malformed attribute list")
		return true
	}

	p.flushThought()
	intention := core.NewIntention(name, attrs)

	if selfClosing {
		p.sink.OnIntention(intention, false)
		return true
	}

	p.intention = intention
	p.desc = desc
	p.body.Reset()
	p.closeTag = "</" + name + ">"
	p.stream = nil
	if desc.AcceptsStream {
		p.stream = p.sink.OnTagOpen(intention, desc)
	}
	p.state = streamingBody
	return true
}

// consumeBody forwards body text up to the close tag, holding back any
// suffix that could be the start of the close tag split across chunks.
func (p *Parser) consumeBody() bool {
	if idx := strings.Index(p.buf, p.closeTag); idx >= 0 {
		p.emitBody(p.buf[:idx])
		p.buf = p.buf[idx+len(p.closeTag):]
		p.closeCurrent(true)
		p.state = seekingTag
		return true
	}
	hold := closeTagHoldback(p.buf, p.closeTag)
	if cut := len(p.buf) - hold; cut > 0 {
		p.emitBody(p.buf[:cut])
		p.buf = p.buf[cut:]
	}
	return false
}

func (p *Parser) emitBody(text string) {
	if text == "" {
		return
	}
	p.body.WriteString(text)
	if p.stream != nil {
		p.stream <- text
	}
}

// closeCurrent finalizes the in-flight tag. terminated is false when the
// stream ended before the close tag arrived.
func (p *Parser) closeCurrent(terminated bool) {
	p.intention.Body = strings.TrimSpace(p.body.String())
	streamed := p.stream != nil
	if streamed {
		close(p.stream)
		p.stream = nil
	}
	if !terminated {
		p.logger.Warn("will.parser.unterminated_tag", "action", p.intention.Action)
		if !streamed {
			// Nothing was dispatched and the tag never closed: discard.
			return
		}
	}
	p.sink.OnIntention(p.intention, streamed)
}

// Flush ends the stream: trailing free text becomes a final thought and an
// unterminated tag is closed out.
func (p *Parser) Flush() {
	switch p.state {
	case parsingAttributes:
		// A dangling partial open tag is treated as thought text.
		p.thought.WriteString(p.buf)
		p.buf = ""
	case streamingBody:
		p.emitBody(p.buf)
		p.buf = ""
		p.closeCurrent(false)
	default:
		p.thought.WriteString(p.buf)
		p.buf = ""
	}
	p.state = seekingTag
	p.flushThought()
}

func (p *Parser) skip(raw, reason string) {
	p.logger.Warn("will.parser.tag_skipped", "tag", raw, "reason", reason)
}

func (p *Parser) flushThought() {
	text := strings.TrimSpace(p.thought.String())
	p.thought.Reset()
	if text != "" {
		p.sink.OnThought(text)
	}
}

func isNameStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// parseAttrs validates that rest is nothing but whitespace-separated
// key="value" pairs and returns them.
func parseAttrs(rest string) (map[string]string, bool) {
	trimmed := strings.TrimSpace(rest)
	if trimmed == "" {
		return nil, true
	}
	matches := attrRe.FindAllStringSubmatchIndex(trimmed, -1)
	attrs := make(map[string]string)
	pos := 0
	for _, m := range matches {
		if strings.TrimSpace(trimmed[pos:m[0]]) != "" {
			return nil, false // junk between attributes
		}
		key := trimmed[m[2]:m[3]]
		val := trimmed[m[4]:m[5]]
		attrs[key] = val
		pos = m[1]
	}
	if strings.TrimSpace(trimmed[pos:]) != "" {
		return nil, false // trailing junk
	}
	return attrs, true
}

// closeTagHoldback returns the length of the longest suffix of buf that is
// a proper prefix of closeTag.
func closeTagHoldback(buf, closeTag string) int {
	max := len(closeTag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(closeTag, buf[len(buf)-n:]) {
			return n
		}
	}
	return 0
}
