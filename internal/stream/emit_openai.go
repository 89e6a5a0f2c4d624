package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// openaiEmitter frames unified events as OpenAI chat.completion.chunk SSE.
type openaiEmitter struct {
	id      string
	model   string
	created int64
	// toolIndex assigns each tool call id a stable slot in the tool_calls
	// array; the first delta for a slot carries id and name, later deltas
	// carry only argument fragments.
	toolIndex map[string]int
	toolSent  map[string]bool
	usage     *Event
	done      bool
}

func newOpenAIEmitter(model string) *openaiEmitter {
	return &openaiEmitter{
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[string]int),
		toolSent:  make(map[string]bool),
	}
}

type openaiChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int         `json:"index"`
	Delta        openaiDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openaiDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function *openaiToolFunction `json:"function,omitempty"`
}

type openaiToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (e *openaiEmitter) Emit(ev Event) []byte {
	if e.done {
		return nil
	}
	switch ev.Type {
	case EventTextDelta:
		return e.chunk(openaiDelta{Content: ev.Text}, nil)

	case EventReasoningDelta:
		if ev.Text == "" {
			// signature-only deltas have no OpenAI representation
			return nil
		}
		return e.chunk(openaiDelta{ReasoningContent: ev.Text}, nil)

	case EventToolCallDelta:
		idx, seen := e.toolIndex[ev.ToolCallID]
		if !seen {
			idx = len(e.toolIndex)
			e.toolIndex[ev.ToolCallID] = idx
		}
		tc := openaiToolCall{Index: idx, Function: &openaiToolFunction{Arguments: ev.ArgsDelta}}
		if !e.toolSent[ev.ToolCallID] {
			e.toolSent[ev.ToolCallID] = true
			tc.ID = ev.ToolCallID
			tc.Type = "function"
			tc.Function.Name = ev.ToolName
		}
		return e.chunk(openaiDelta{ToolCalls: []openaiToolCall{tc}}, nil)

	case EventToolResult:
		// tool results are client-side turns, never streamed back
		return nil

	case EventUsage:
		e.usage = &ev
		return nil

	case EventStop:
		e.done = true
		reason := denormalizeOpenAIStop(ev.StopReason)
		var out []byte
		out = append(out, e.chunk(openaiDelta{}, &reason)...)
		if e.usage != nil {
			out = append(out, e.usageChunk()...)
		}
		out = append(out, []byte("data: [DONE]\n\n")...)
		return out

	case EventError:
		msg := "upstream stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return e.Fail(msg)
	}
	return nil
}

func (e *openaiEmitter) Fail(message string) []byte {
	if e.done {
		return nil
	}
	e.done = true
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": "upstream_error"},
	})
	return []byte(fmt.Sprintf("data: %s\n\ndata: [DONE]\n\n", payload))
}

func (e *openaiEmitter) chunk(delta openaiDelta, finish *string) []byte {
	payload, _ := json.Marshal(openaiChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openaiChoice{{Delta: delta, FinishReason: finish}},
	})
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// usageChunk mirrors stream_options.include_usage: an empty-choices chunk
// carrying the final token counts.
func (e *openaiEmitter) usageChunk() []byte {
	payload, _ := json.Marshal(openaiChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openaiChoice{},
		Usage: &openaiUsage{
			PromptTokens:     e.usage.InputTokens,
			CompletionTokens: e.usage.OutputTokens,
			TotalTokens:      e.usage.InputTokens + e.usage.OutputTokens,
		},
	})
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// denormalizeOpenAIStop is the inverse of normalizeOpenAIStop.
func denormalizeOpenAIStop(reason string) string {
	switch reason {
	case "end_turn", "":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}
