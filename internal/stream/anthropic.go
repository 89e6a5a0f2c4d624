package stream

import (
	"github.com/tidwall/gjson"
)

// anthropicParser decodes Anthropic event-named SSE streams.
type anthropicParser struct {
	sse     sseScanner
	stopped bool
	// blocks maps content block index to its kind and (for tool_use) id/name.
	blocks      map[int64]*anthropicBlock
	stopReason  string
	inputTokens int64
}

type anthropicBlock struct {
	kind string // text, thinking, tool_use
	id   string
	name string
}

func newAnthropicParser() *anthropicParser {
	return &anthropicParser{blocks: make(map[int64]*anthropicBlock)}
}

func (p *anthropicParser) Feed(chunk []byte) ([]Event, error) {
	var out []Event
	for _, ev := range p.sse.feed(chunk) {
		if p.stopped {
			return out, nil
		}
		if ev.data == "" {
			continue
		}
		if !gjson.Valid(ev.data) {
			return out, &ParseError{Dialect: DialectAnthropic, Offset: p.sse.offset, Msg: "invalid JSON payload"}
		}
		root := gjson.Parse(ev.data)
		name := ev.name
		if name == "" {
			name = root.Get("type").String()
		}

		switch name {
		case "message_start":
			p.inputTokens = root.Get("message.usage.input_tokens").Int()

		case "content_block_start":
			idx := root.Get("index").Int()
			block := &anthropicBlock{kind: root.Get("content_block.type").String()}
			if block.kind == "tool_use" {
				block.id = root.Get("content_block.id").String()
				block.name = root.Get("content_block.name").String()
			}
			p.blocks[idx] = block

		case "content_block_delta":
			idx := root.Get("index").Int()
			delta := root.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				out = append(out, Event{Type: EventTextDelta, Text: delta.Get("text").String()})
			case "thinking_delta":
				out = append(out, Event{Type: EventReasoningDelta, Text: delta.Get("thinking").String()})
			case "signature_delta":
				// Opaque reasoning signature; preserved for the next turn.
				out = append(out, Event{Type: EventReasoningDelta, Signature: []byte(delta.Get("signature").String())})
			case "input_json_delta":
				block := p.blocks[idx]
				if block == nil || block.kind != "tool_use" {
					return out, &ParseError{Dialect: DialectAnthropic, Offset: p.sse.offset, Msg: "input_json_delta outside tool_use block"}
				}
				out = append(out, Event{
					Type:       EventToolCallDelta,
					ToolCallID: block.id,
					ToolName:   block.name,
					ArgsDelta:  delta.Get("partial_json").String(),
				})
			}

		case "content_block_stop":
			delete(p.blocks, root.Get("index").Int())

		case "message_delta":
			if sr := root.Get("delta.stop_reason"); sr.Exists() && sr.Type == gjson.String {
				p.stopReason = sr.String()
			}
			if usage := root.Get("usage"); usage.Exists() {
				out = append(out, Event{
					Type:         EventUsage,
					InputTokens:  p.inputTokens,
					OutputTokens: usage.Get("output_tokens").Int(),
				})
			}

		case "message_stop":
			p.stopped = true
			reason := p.stopReason
			if reason == "" {
				reason = "end_turn"
			}
			out = append(out, Event{Type: EventStop, StopReason: reason})
			return out, nil

		case "error":
			p.stopped = true
			out = append(out, Event{
				Type: EventError,
				Err:  &ParseError{Dialect: DialectAnthropic, Offset: p.sse.offset, Msg: root.Get("error.message").String()},
			})
			return out, nil

		case "ping":
			// keepalive
		}
	}
	return out, nil
}

// Finish covers upstreams that close without a message_stop event.
func (p *anthropicParser) Finish() []Event {
	if p.stopped {
		return nil
	}
	p.stopped = true
	reason := p.stopReason
	if reason == "" {
		reason = "end_turn"
	}
	return []Event{{Type: EventStop, StopReason: reason}}
}
