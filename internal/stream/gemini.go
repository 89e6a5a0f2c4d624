package stream

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// geminiParser decodes Gemini streaming responses. The REST stream is a JSON
// array of GenerateContentResponse objects; with alt=sse each object arrives
// as a `data:` line instead. Both framings are accepted.
type geminiParser struct {
	buf      bytes.Buffer
	offset   int64
	stopped  bool
	sawSSE   bool
	toolSeq  int
	usageIn  int64
	usageOut int64
}

func newGeminiParser() *geminiParser { return &geminiParser{} }

func (p *geminiParser) Feed(chunk []byte) ([]Event, error) {
	if p.stopped {
		return nil, nil
	}
	p.buf.Write(chunk)
	if !p.sawSSE {
		trimmed := bytes.TrimLeft(p.buf.Bytes(), " \r\n")
		if bytes.HasPrefix(trimmed, []byte("data:")) {
			p.sawSSE = true
		} else if len(trimmed) < len("data:") && bytes.HasPrefix([]byte("data:"), trimmed) {
			// too few bytes to pick a framing yet
			return nil, nil
		}
	}
	if p.sawSSE {
		return p.feedSSE()
	}
	return p.feedArray()
}

// feedSSE handles alt=sse framing: one JSON object per data line.
func (p *geminiParser) feedSSE() ([]Event, error) {
	var out []Event
	for {
		raw := p.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return out, nil
		}
		line := bytes.TrimSpace(raw[:idx])
		p.buf.Next(idx + 1)
		p.offset += int64(idx + 1)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		events, err := p.handleObject(payload)
		out = append(out, events...)
		if err != nil || p.stopped {
			return out, err
		}
	}
}

// feedArray handles the plain JSON-array framing. Objects are extracted by
// bracket matching so chunk boundaries inside a JSON token are safe.
func (p *geminiParser) feedArray() ([]Event, error) {
	var out []Event
	for {
		obj, ok, err := p.nextObject()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		events, err := p.handleObject(obj)
		out = append(out, events...)
		if err != nil || p.stopped {
			return out, err
		}
	}
}

// nextObject scans the buffer for the next complete top-level JSON object.
func (p *geminiParser) nextObject() ([]byte, bool, error) {
	raw := p.buf.Bytes()
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, b := range raw {
		if start < 0 {
			switch b {
			case '{':
				start = i
				depth = 1
			case '[', ']', ',', ' ', '\t', '\r', '\n':
				// array framing noise
			default:
				p.buf.Next(i + 1)
				p.offset += int64(i + 1)
				return nil, false, &ParseError{Dialect: DialectGemini, Offset: p.offset, Msg: fmt.Sprintf("unexpected byte %q", b)}
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				obj := make([]byte, i+1-start)
				copy(obj, raw[start:i+1])
				p.buf.Next(i + 1)
				p.offset += int64(i + 1)
				return obj, true, nil
			}
		}
	}
	return nil, false, nil
}

func (p *geminiParser) handleObject(payload []byte) ([]Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &ParseError{Dialect: DialectGemini, Offset: p.offset, Msg: "invalid JSON object"}
	}
	root := gjson.ParseBytes(payload)
	var out []Event

	if em := root.Get("error.message"); em.Exists() {
		p.stopped = true
		out = append(out, Event{
			Type: EventError,
			Err:  &ParseError{Dialect: DialectGemini, Offset: p.offset, Msg: em.String()},
		})
		return out, nil
	}

	cand := root.Get("candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		if text := part.Get("text"); text.Exists() {
			ev := Event{Type: EventTextDelta, Text: text.String()}
			if part.Get("thought").Bool() {
				ev.Type = EventReasoningDelta
			}
			if sig := part.Get("thoughtSignature"); sig.Exists() {
				ev.Signature = []byte(sig.String())
			}
			out = append(out, ev)
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			p.toolSeq++
			out = append(out, Event{
				Type:       EventToolCallDelta,
				ToolCallID: fmt.Sprintf("call_%d", p.toolSeq),
				ToolName:   fc.Get("name").String(),
				ArgsDelta:  fc.Get("args").Raw,
			})
		}
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		p.usageIn = usage.Get("promptTokenCount").Int()
		p.usageOut = usage.Get("candidatesTokenCount").Int()
	}
	if fr := cand.Get("finishReason"); fr.Exists() && fr.String() != "" {
		p.stopped = true
		if p.usageIn > 0 || p.usageOut > 0 {
			out = append(out, Event{Type: EventUsage, InputTokens: p.usageIn, OutputTokens: p.usageOut})
		}
		out = append(out, Event{Type: EventStop, StopReason: normalizeGeminiStop(fr.String())})
	}
	return out, nil
}

// Finish covers upstreams that close without a finishReason.
func (p *geminiParser) Finish() []Event {
	if p.stopped {
		return nil
	}
	p.stopped = true
	var out []Event
	if p.usageIn > 0 || p.usageOut > 0 {
		out = append(out, Event{Type: EventUsage, InputTokens: p.usageIn, OutputTokens: p.usageOut})
	}
	return append(out, Event{Type: EventStop, StopReason: "end_turn"})
}

func normalizeGeminiStop(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	case "TOOL_CALL", "TOOL_CALLS":
		return "tool_use"
	default:
		return "end_turn"
	}
}
