package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// anthropicEmitter frames unified events as Anthropic event-named SSE:
// message_start, then content_block_start/delta/stop per block, then
// message_delta with the stop reason and usage, then message_stop.
type anthropicEmitter struct {
	id    string
	model string

	started   bool
	blockOpen bool
	blockKind string // text, thinking, tool_use
	blockTool string // open block's tool call id
	nextIndex int64
	usage     *Event
	done      bool
}

func newAnthropicEmitter(model string) *anthropicEmitter {
	return &anthropicEmitter{id: "msg_" + uuid.NewString(), model: model}
}

func (e *anthropicEmitter) Emit(ev Event) []byte {
	if e.done {
		return nil
	}
	var out []byte
	if !e.started && ev.Type != EventError {
		e.started = true
		out = append(out, e.frame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})...)
	}

	switch ev.Type {
	case EventTextDelta:
		out = append(out, e.ensureBlock("text", "")...)
		out = append(out, e.delta(map[string]any{"type": "text_delta", "text": ev.Text})...)

	case EventReasoningDelta:
		out = append(out, e.ensureBlock("thinking", "")...)
		if len(ev.Signature) > 0 {
			out = append(out, e.delta(map[string]any{"type": "signature_delta", "signature": string(ev.Signature)})...)
		}
		if ev.Text != "" {
			out = append(out, e.delta(map[string]any{"type": "thinking_delta", "thinking": ev.Text})...)
		}

	case EventToolCallDelta:
		if !e.blockOpen || e.blockKind != "tool_use" || e.blockTool != ev.ToolCallID {
			out = append(out, e.closeBlock()...)
			e.blockOpen = true
			e.blockKind = "tool_use"
			e.blockTool = ev.ToolCallID
			out = append(out, e.frame("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": e.nextIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    ev.ToolCallID,
					"name":  ev.ToolName,
					"input": map[string]any{},
				},
			})...)
		}
		if ev.ArgsDelta != "" {
			out = append(out, e.delta(map[string]any{"type": "input_json_delta", "partial_json": ev.ArgsDelta})...)
		}

	case EventToolResult:
		// tool results arrive in the next client request, not in this stream

	case EventUsage:
		e.usage = &ev

	case EventStop:
		e.done = true
		out = append(out, e.closeBlock()...)
		usage := map[string]any{"output_tokens": int64(0)}
		if e.usage != nil {
			usage["input_tokens"] = e.usage.InputTokens
			usage["output_tokens"] = e.usage.OutputTokens
		}
		out = append(out, e.frame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopOrDefault(ev.StopReason), "stop_sequence": nil},
			"usage": usage,
		})...)
		out = append(out, e.frame("message_stop", map[string]any{"type": "message_stop"})...)

	case EventError:
		msg := "upstream stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return append(out, e.Fail(msg)...)
	}
	return out
}

func (e *anthropicEmitter) Fail(message string) []byte {
	if e.done {
		return nil
	}
	e.done = true
	return e.frame("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": message},
	})
}

// ensureBlock opens a block of the wanted kind, closing any open block of a
// different kind first.
func (e *anthropicEmitter) ensureBlock(kind, toolID string) []byte {
	if e.blockOpen && e.blockKind == kind && e.blockTool == toolID {
		return nil
	}
	out := e.closeBlock()
	e.blockOpen = true
	e.blockKind = kind
	e.blockTool = toolID
	return append(out, e.frame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.nextIndex,
		"content_block": map[string]any{"type": kind},
	})...)
}

func (e *anthropicEmitter) closeBlock() []byte {
	if !e.blockOpen {
		return nil
	}
	out := e.frame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.nextIndex,
	})
	e.blockOpen = false
	e.blockTool = ""
	e.nextIndex++
	return out
}

func (e *anthropicEmitter) delta(d map[string]any) []byte {
	return e.frame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.nextIndex,
		"delta": d,
	})
}

func (e *anthropicEmitter) frame(name string, payload map[string]any) []byte {
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func stopOrDefault(reason string) string {
	if reason == "" {
		return "end_turn"
	}
	return reason
}
