package stream

import (
	"github.com/tidwall/gjson"
)

// openaiParser decodes OpenAI-style `data: {...}` SSE chunks.
type openaiParser struct {
	sse     sseScanner
	stopped bool
	// toolIDs maps the chunk's tool_calls index to its id so later deltas
	// that omit the id still coalesce onto the right call.
	toolIDs   map[int64]string
	toolNames map[int64]string
	// pendingStop defers the Stop event until usage (which OpenAI sends in a
	// trailing chunk) or [DONE] arrives.
	pendingStop string
}

func newOpenAIParser() *openaiParser {
	return &openaiParser{
		toolIDs:   make(map[int64]string),
		toolNames: make(map[int64]string),
	}
}

func (p *openaiParser) Feed(chunk []byte) ([]Event, error) {
	var out []Event
	for _, ev := range p.sse.feed(chunk) {
		if p.stopped {
			return out, nil
		}
		if ev.data == "[DONE]" {
			out = append(out, p.finish())
			return out, nil
		}
		if !gjson.Valid(ev.data) {
			return out, &ParseError{Dialect: DialectOpenAI, Offset: p.sse.offset, Msg: "invalid JSON chunk"}
		}
		root := gjson.Parse(ev.data)

		if usage := root.Get("usage"); usage.Exists() && usage.Type == gjson.JSON {
			out = append(out, Event{
				Type:         EventUsage,
				InputTokens:  usage.Get("prompt_tokens").Int(),
				OutputTokens: usage.Get("completion_tokens").Int(),
			})
		}

		choice := root.Get("choices.0")
		if !choice.Exists() {
			continue
		}
		delta := choice.Get("delta")

		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			out = append(out, Event{Type: EventTextDelta, Text: text.String()})
		}
		if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
			out = append(out, Event{Type: EventReasoningDelta, Text: reasoning.String()})
		}
		for _, tc := range delta.Get("tool_calls").Array() {
			idx := tc.Get("index").Int()
			if id := tc.Get("id").String(); id != "" {
				p.toolIDs[idx] = id
			}
			if name := tc.Get("function.name").String(); name != "" {
				p.toolNames[idx] = name
			}
			args := tc.Get("function.arguments").String()
			if p.toolIDs[idx] == "" {
				return out, &ParseError{Dialect: DialectOpenAI, Offset: p.sse.offset, Msg: "tool call delta before id"}
			}
			out = append(out, Event{
				Type:       EventToolCallDelta,
				ToolCallID: p.toolIDs[idx],
				ToolName:   p.toolNames[idx],
				ArgsDelta:  args,
			})
		}
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
			p.pendingStop = fr.String()
		}
	}
	return out, nil
}

// Finish covers upstreams that close the connection without sending [DONE].
func (p *openaiParser) Finish() []Event {
	if p.stopped {
		return nil
	}
	return []Event{p.finish()}
}

// finish emits the single terminal Stop.
func (p *openaiParser) finish() Event {
	p.stopped = true
	reason := p.pendingStop
	if reason == "" {
		reason = "stop"
	}
	return Event{Type: EventStop, StopReason: normalizeOpenAIStop(reason)}
}

// normalizeOpenAIStop maps OpenAI finish reasons onto the unified vocabulary,
// which follows Anthropic naming.
func normalizeOpenAIStop(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return reason
	}
}
