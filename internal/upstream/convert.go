package upstream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/stream"
)

// chat is the neutral request form used between client and provider dialects.
// Text content round-trips exactly; multi-part content is flattened to its
// text parts.
type chat struct {
	system      string
	turns       []turn
	maxTokens   int64
	temperature *float64
	topP        *float64
	stop        []string
	tools       []tool
}

type turn struct {
	role string // user or assistant
	text string
}

type tool struct {
	name        string
	description string
	schema      json.RawMessage
}

// ConvertRequest rewrites a client chat body for the provider. Same-dialect
// conversion is a passthrough that pins model and stream; cross-dialect goes
// through the neutral form.
func ConvertRequest(body []byte, from stream.Dialect, def Definition, model string, isStream bool) ([]byte, error) {
	if from == def.Dialect {
		out, err := sjson.SetBytes(body, "model", model)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "request rewrite failed", err)
		}
		if def.Dialect == stream.DialectGemini || def.Dialect == stream.DialectCodeWhisperer {
			return out, nil
		}
		out, err = sjson.SetBytes(out, "stream", isStream)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "request rewrite failed", err)
		}
		return out, nil
	}

	c, err := parseChat(from, body)
	if err != nil {
		return nil, err
	}
	switch def.Dialect {
	case stream.DialectOpenAI:
		return renderOpenAI(c, model, isStream)
	case stream.DialectAnthropic:
		return renderAnthropic(c, model, isStream)
	case stream.DialectGemini:
		return renderGemini(c)
	case stream.DialectCodeWhisperer:
		return renderCodeWhisperer(c, model)
	}
	return nil, gwerr.Newf(gwerr.KindInternal, "no converter for dialect %q", def.Dialect)
}

func parseChat(from stream.Dialect, body []byte) (chat, error) {
	if !gjson.ValidBytes(body) {
		return chat{}, gwerr.New(gwerr.KindInvalidRequest, "request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	c := chat{}

	if sys := root.Get("system"); sys.Exists() {
		c.system = flattenContent(sys)
	}
	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		text := flattenContent(msg.Get("content"))
		switch role {
		case "system":
			if c.system == "" {
				c.system = text
			} else {
				c.system += "\n" + text
			}
		case "user", "assistant":
			c.turns = append(c.turns, turn{role: role, text: text})
		case "tool":
			// tool results fold into the user side of the conversation
			c.turns = append(c.turns, turn{role: "user", text: text})
		}
	}

	if v := root.Get("max_tokens"); v.Exists() {
		c.maxTokens = v.Int()
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		c.temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		c.topP = &f
	}
	for _, s := range root.Get("stop").Array() {
		c.stop = append(c.stop, s.String())
	}
	if v := root.Get("stop_sequences"); v.Exists() {
		for _, s := range v.Array() {
			c.stop = append(c.stop, s.String())
		}
	}

	for _, t := range root.Get("tools").Array() {
		entry := tool{}
		if from == stream.DialectOpenAI {
			entry.name = t.Get("function.name").String()
			entry.description = t.Get("function.description").String()
			if p := t.Get("function.parameters"); p.Exists() {
				entry.schema = json.RawMessage(p.Raw)
			}
		} else {
			entry.name = t.Get("name").String()
			entry.description = t.Get("description").String()
			if p := t.Get("input_schema"); p.Exists() {
				entry.schema = json.RawMessage(p.Raw)
			}
		}
		if entry.name != "" {
			c.tools = append(c.tools, entry)
		}
	}
	return c, nil
}

// flattenContent joins the text parts of a content value. Plain strings pass
// through untouched.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	out := ""
	for _, part := range content.Array() {
		if t := part.Get("text"); t.Exists() {
			out += t.String()
		}
	}
	return out
}

func renderOpenAI(c chat, model string, isStream bool) ([]byte, error) {
	msgs := []map[string]any{}
	if c.system != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": c.system})
	}
	for _, t := range c.turns {
		msgs = append(msgs, map[string]any{"role": t.role, "content": t.text})
	}
	req := map[string]any{"model": model, "messages": msgs, "stream": isStream}
	if c.maxTokens > 0 {
		req["max_tokens"] = c.maxTokens
	}
	if c.temperature != nil {
		req["temperature"] = *c.temperature
	}
	if c.topP != nil {
		req["top_p"] = *c.topP
	}
	if len(c.stop) > 0 {
		req["stop"] = c.stop
	}
	if len(c.tools) > 0 {
		tools := []map[string]any{}
		for _, t := range c.tools {
			fn := map[string]any{"name": t.name, "description": t.description}
			if t.schema != nil {
				fn["parameters"] = t.schema
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		req["tools"] = tools
	}
	return json.Marshal(req)
}

const defaultAnthropicMaxTokens = 4096

func renderAnthropic(c chat, model string, isStream bool) ([]byte, error) {
	msgs := []map[string]any{}
	for _, t := range c.turns {
		msgs = append(msgs, map[string]any{"role": t.role, "content": t.text})
	}
	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	req := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     isStream,
	}
	if c.system != "" {
		req["system"] = c.system
	}
	if c.temperature != nil {
		req["temperature"] = *c.temperature
	}
	if c.topP != nil {
		req["top_p"] = *c.topP
	}
	if len(c.stop) > 0 {
		req["stop_sequences"] = c.stop
	}
	if len(c.tools) > 0 {
		tools := []map[string]any{}
		for _, t := range c.tools {
			entry := map[string]any{"name": t.name, "description": t.description}
			if t.schema != nil {
				entry["input_schema"] = t.schema
			}
			tools = append(tools, entry)
		}
		req["tools"] = tools
	}
	return json.Marshal(req)
}

func renderGemini(c chat) ([]byte, error) {
	contents := []map[string]any{}
	for _, t := range c.turns {
		role := t.role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": t.text}},
		})
	}
	req := map[string]any{"contents": contents}
	if c.system != "" {
		req["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": c.system}},
		}
	}
	genCfg := map[string]any{}
	if c.maxTokens > 0 {
		genCfg["maxOutputTokens"] = c.maxTokens
	}
	if c.temperature != nil {
		genCfg["temperature"] = *c.temperature
	}
	if c.topP != nil {
		genCfg["topP"] = *c.topP
	}
	if len(c.stop) > 0 {
		genCfg["stopSequences"] = c.stop
	}
	if len(genCfg) > 0 {
		req["generationConfig"] = genCfg
	}
	if len(c.tools) > 0 {
		decls := []map[string]any{}
		for _, t := range c.tools {
			d := map[string]any{"name": t.name, "description": t.description}
			if t.schema != nil {
				d["parameters"] = t.schema
			}
			decls = append(decls, d)
		}
		req["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return json.Marshal(req)
}

// renderCodeWhisperer emits the conversation-state body the CodeWhisperer
// API expects. Prior turns travel in history; the last user turn is the
// current message.
func renderCodeWhisperer(c chat, model string) ([]byte, error) {
	current := ""
	history := []map[string]any{}
	turns := c.turns
	if n := len(turns); n > 0 && turns[n-1].role == "user" {
		current = turns[n-1].text
		turns = turns[:n-1]
	}
	if c.system != "" && current != "" {
		current = c.system + "\n\n" + current
	}
	for _, t := range turns {
		if t.role == "user" {
			history = append(history, map[string]any{
				"userInputMessage": map[string]any{"content": t.text},
			})
		} else {
			history = append(history, map[string]any{
				"assistantResponseMessage": map[string]any{"content": t.text},
			})
		}
	}
	state := map[string]any{
		"chatTriggerType": "MANUAL",
		"currentMessage": map[string]any{
			"userInputMessage": map[string]any{
				"content": current,
				"modelId": model,
			},
		},
	}
	if len(history) > 0 {
		state["history"] = history
	}
	return json.Marshal(map[string]any{"conversationState": state})
}
