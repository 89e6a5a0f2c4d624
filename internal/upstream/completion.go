package upstream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/stream"
)

// ToolCall is a completed tool invocation in a non-streaming response.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// Completion is the dialect-neutral form of a non-streaming chat response.
type Completion struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	InputTokens  int64
	OutputTokens int64
	StopReason   string // unified vocabulary: end_turn, max_tokens, tool_use, stop_sequence
	HasUsage     bool
}

// ParseCompletion reads a provider's non-streaming response body.
func ParseCompletion(d stream.Dialect, body []byte) (Completion, error) {
	if d == stream.DialectCodeWhisperer {
		return foldEventStream(d, body)
	}
	if !gjson.ValidBytes(body) {
		return Completion{}, gwerr.New(gwerr.KindUpstreamError, "upstream response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if em := root.Get("error.message"); em.Exists() {
		return Completion{}, gwerr.New(gwerr.KindUpstreamError, em.String())
	}

	switch d {
	case stream.DialectOpenAI:
		return parseOpenAICompletion(root), nil
	case stream.DialectAnthropic:
		return parseAnthropicCompletion(root), nil
	case stream.DialectGemini:
		return parseGeminiCompletion(root), nil
	}
	return Completion{}, gwerr.Newf(gwerr.KindInternal, "no completion parser for dialect %q", d)
}

// foldEventStream runs the stream parser over a full body and collapses the
// events, for dialects that only speak frames.
func foldEventStream(d stream.Dialect, body []byte) (Completion, error) {
	p, err := stream.NewParser(d)
	if err != nil {
		return Completion{}, err
	}
	events, err := p.Feed(body)
	if err != nil {
		return Completion{}, gwerr.Wrap(gwerr.KindUpstreamError, "upstream frame decode failed", err)
	}
	events = append(events, p.Finish()...)

	c := Completion{}
	toolArgs := map[string]*ToolCall{}
	var toolOrder []string
	for _, ev := range events {
		switch ev.Type {
		case stream.EventTextDelta:
			c.Text += ev.Text
		case stream.EventReasoningDelta:
			c.Reasoning += ev.Text
		case stream.EventToolCallDelta:
			tc, ok := toolArgs[ev.ToolCallID]
			if !ok {
				tc = &ToolCall{ID: ev.ToolCallID, Name: ev.ToolName}
				toolArgs[ev.ToolCallID] = tc
				toolOrder = append(toolOrder, ev.ToolCallID)
			}
			tc.Args += ev.ArgsDelta
		case stream.EventUsage:
			c.InputTokens = ev.InputTokens
			c.OutputTokens = ev.OutputTokens
			c.HasUsage = true
		case stream.EventStop:
			c.StopReason = ev.StopReason
		case stream.EventError:
			return Completion{}, gwerr.Wrap(gwerr.KindUpstreamError, "upstream reported error", ev.Err)
		}
	}
	for _, id := range toolOrder {
		c.ToolCalls = append(c.ToolCalls, *toolArgs[id])
	}
	return c, nil
}

func parseOpenAICompletion(root gjson.Result) Completion {
	c := Completion{}
	msg := root.Get("choices.0.message")
	c.Text = msg.Get("content").String()
	c.Reasoning = msg.Get("reasoning_content").String()
	for _, tc := range msg.Get("tool_calls").Array() {
		c.ToolCalls = append(c.ToolCalls, ToolCall{
			ID:   tc.Get("id").String(),
			Name: tc.Get("function.name").String(),
			Args: tc.Get("function.arguments").String(),
		})
	}
	if usage := root.Get("usage"); usage.Exists() {
		c.InputTokens = usage.Get("prompt_tokens").Int()
		c.OutputTokens = usage.Get("completion_tokens").Int()
		c.HasUsage = true
	}
	c.StopReason = normalizeStop(root.Get("choices.0.finish_reason").String())
	return c
}

func parseAnthropicCompletion(root gjson.Result) Completion {
	c := Completion{}
	for _, block := range root.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			c.Text += block.Get("text").String()
		case "thinking":
			c.Reasoning += block.Get("thinking").String()
		case "tool_use":
			c.ToolCalls = append(c.ToolCalls, ToolCall{
				ID:   block.Get("id").String(),
				Name: block.Get("name").String(),
				Args: block.Get("input").Raw,
			})
		}
	}
	if usage := root.Get("usage"); usage.Exists() {
		c.InputTokens = usage.Get("input_tokens").Int()
		c.OutputTokens = usage.Get("output_tokens").Int()
		c.HasUsage = true
	}
	c.StopReason = root.Get("stop_reason").String()
	if c.StopReason == "" {
		c.StopReason = "end_turn"
	}
	return c
}

func parseGeminiCompletion(root gjson.Result) Completion {
	c := Completion{}
	cand := root.Get("candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		if t := part.Get("text"); t.Exists() {
			if part.Get("thought").Bool() {
				c.Reasoning += t.String()
			} else {
				c.Text += t.String()
			}
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			c.ToolCalls = append(c.ToolCalls, ToolCall{
				ID:   uuid.NewString(),
				Name: fc.Get("name").String(),
				Args: fc.Get("args").Raw,
			})
		}
	}
	if usage := root.Get("usageMetadata"); usage.Exists() {
		c.InputTokens = usage.Get("promptTokenCount").Int()
		c.OutputTokens = usage.Get("candidatesTokenCount").Int()
		c.HasUsage = true
	}
	switch cand.Get("finishReason").String() {
	case "MAX_TOKENS":
		c.StopReason = "max_tokens"
	case "SAFETY", "RECITATION":
		c.StopReason = "stop_sequence"
	default:
		c.StopReason = "end_turn"
	}
	if len(c.ToolCalls) > 0 {
		c.StopReason = "tool_use"
	}
	return c
}

func normalizeStop(reason string) string {
	switch reason {
	case "stop", "", "end_turn":
		return "end_turn"
	case "length", "max_tokens":
		return "max_tokens"
	case "tool_calls", "function_call", "tool_use":
		return "tool_use"
	case "content_filter", "stop_sequence":
		return "stop_sequence"
	default:
		return reason
	}
}

// RenderCompletion shapes a neutral completion for the client dialect.
func RenderCompletion(d stream.Dialect, model string, c Completion) ([]byte, error) {
	switch d {
	case stream.DialectOpenAI:
		return renderOpenAICompletion(model, c)
	case stream.DialectAnthropic:
		return renderAnthropicCompletion(model, c)
	}
	return nil, gwerr.Newf(gwerr.KindInternal, "no completion renderer for dialect %q", d)
}

func renderOpenAICompletion(model string, c Completion) ([]byte, error) {
	msg := map[string]any{"role": "assistant", "content": c.Text}
	if c.Reasoning != "" {
		msg["reasoning_content"] = c.Reasoning
	}
	if len(c.ToolCalls) > 0 {
		calls := []map[string]any{}
		for _, tc := range c.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Args,
				},
			})
		}
		msg["tool_calls"] = calls
	}
	finish := "stop"
	switch c.StopReason {
	case "max_tokens":
		finish = "length"
	case "tool_use":
		finish = "tool_calls"
	}
	resp := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	}
	if c.HasUsage {
		resp["usage"] = map[string]any{
			"prompt_tokens":     c.InputTokens,
			"completion_tokens": c.OutputTokens,
			"total_tokens":      c.InputTokens + c.OutputTokens,
		}
	}
	return json.Marshal(resp)
}

func renderAnthropicCompletion(model string, c Completion) ([]byte, error) {
	content := []map[string]any{}
	if c.Reasoning != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": c.Reasoning})
	}
	if c.Text != "" || len(c.ToolCalls) == 0 {
		content = append(content, map[string]any{"type": "text", "text": c.Text})
	}
	for _, tc := range c.ToolCalls {
		var input any = json.RawMessage(tc.Args)
		if tc.Args == "" || !gjson.Valid(tc.Args) {
			input = map[string]any{}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	stopReason := c.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	resp := map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  c.InputTokens,
			"output_tokens": c.OutputTokens,
		},
	}
	return json.Marshal(resp)
}
