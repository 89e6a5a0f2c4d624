package stream

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll pushes the input through the parser in chunks of the given size,
// exercising arbitrary split points.
func feedAll(t *testing.T, p Parser, input []byte, chunkSize int) []Event {
	t.Helper()
	var events []Event
	for len(input) > 0 {
		n := chunkSize
		if n > len(input) {
			n = len(input)
		}
		evs, err := p.Feed(input[:n])
		require.NoError(t, err)
		events = append(events, evs...)
		input = input[n:]
	}
	return append(events, p.Finish()...)
}

func countStops(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == EventStop {
			n++
		}
	}
	return n
}

func collectText(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func openaiStream(chunks ...string) []byte {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return []byte(b.String())
}

func TestOpenAIParserTextAndStop(t *testing.T) {
	input := openaiStream(
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo, "}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"world"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
	)

	for _, chunkSize := range []int{1, 3, 7, len(input)} {
		t.Run(fmt.Sprintf("chunk_%d", chunkSize), func(t *testing.T) {
			events := feedAll(t, newOpenAIParser(), input, chunkSize)

			assert.Equal(t, "Hello, world", collectText(events))
			assert.Equal(t, 1, countStops(events))

			last := events[len(events)-1]
			assert.Equal(t, EventStop, last.Type)
			assert.Equal(t, "end_turn", last.StopReason)
		})
	}
}

func TestOpenAIParserSplitInsideUTF8(t *testing.T) {
	// Multi-byte runes with chunk size 1 force splits inside codepoints.
	input := openaiStream(`{"choices":[{"index":0,"delta":{"content":"héllo 世界 🎉"}}]}`)
	events := feedAll(t, newOpenAIParser(), input, 1)
	assert.Equal(t, "héllo 世界 🎉", collectText(events))
}

func TestOpenAIParserToolCallCoalescing(t *testing.T) {
	input := openaiStream(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	events := feedAll(t, newOpenAIParser(), input, 16)

	var args strings.Builder
	for _, ev := range events {
		if ev.Type == EventToolCallDelta {
			assert.Equal(t, "call_a", ev.ToolCallID)
			args.WriteString(ev.ArgsDelta)
		}
	}
	assert.Equal(t, `{"city":"Oslo"}`, args.String())

	last := events[len(events)-1]
	assert.Equal(t, EventStop, last.Type)
	assert.Equal(t, "tool_use", last.StopReason)
}

func TestOpenAIParserToolDeltaBeforeID(t *testing.T) {
	p := newOpenAIParser()
	_, err := p.Feed([]byte(`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}` + "\n\n"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DialectOpenAI, perr.Dialect)
}

func TestOpenAIParserMalformedChunk(t *testing.T) {
	p := newOpenAIParser()
	_, err := p.Feed([]byte("data: {not json}\n\n"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Greater(t, perr.Offset, int64(0))
}

func TestOpenAIParserEOFWithoutDone(t *testing.T) {
	p := newOpenAIParser()
	_, err := p.Feed([]byte(`data: {"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":"length"}]}` + "\n\n"))
	require.NoError(t, err)

	final := p.Finish()
	require.Len(t, final, 1)
	assert.Equal(t, EventStop, final[0].Type)
	assert.Equal(t, "max_tokens", final[0].StopReason)
	assert.Empty(t, p.Finish())
}

func TestAnthropicParserFullTurn(t *testing.T) {
	var b strings.Builder
	frames := []struct{ name, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"c2ln"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	for _, f := range frames {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", f.name, f.data)
	}

	events := feedAll(t, newAnthropicParser(), []byte(b.String()), 5)

	assert.Equal(t, "answer", collectText(events))
	assert.Equal(t, 1, countStops(events))

	var reasoning string
	var signature []byte
	for _, ev := range events {
		if ev.Type == EventReasoningDelta {
			reasoning += ev.Text
			if len(ev.Signature) > 0 {
				signature = ev.Signature
			}
		}
	}
	assert.Equal(t, "hmm", reasoning)
	assert.Equal(t, []byte("c2ln"), signature)

	var usage *Event
	for i := range events {
		if events[i].Type == EventUsage {
			usage = &events[i]
		}
	}
	require.NotNil(t, usage)
	assert.Equal(t, int64(25), usage.InputTokens)
	assert.Equal(t, int64(9), usage.OutputTokens)
}

func TestAnthropicParserToolUse(t *testing.T) {
	input := "event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"search"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":\"go\"}"}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	events := feedAll(t, newAnthropicParser(), []byte(input), 9)

	var tool *Event
	for i := range events {
		if events[i].Type == EventToolCallDelta {
			tool = &events[i]
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, "toolu_1", tool.ToolCallID)
	assert.Equal(t, "search", tool.ToolName)
	assert.Equal(t, `{"q":"go"}`, tool.ArgsDelta)
}

func TestAnthropicParserInputDeltaOutsideToolBlock(t *testing.T) {
	p := newAnthropicParser()
	_, err := p.Feed([]byte("event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":3,"delta":{"type":"input_json_delta","partial_json":"{}"}}` + "\n\n"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DialectAnthropic, perr.Dialect)
}

func TestAnthropicParserErrorEvent(t *testing.T) {
	p := newAnthropicParser()
	events, err := p.Feed([]byte("event: error\n" +
		`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}` + "\n\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Err.Error(), "overloaded")
	assert.Empty(t, p.Finish())
}

func TestGeminiParserSSEFraming(t *testing.T) {
	input := `data: {"candidates":[{"content":{"parts":[{"text":"first "}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"second"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":2}}` + "\n\n"

	events := feedAll(t, newGeminiParser(), []byte(input), 4)

	assert.Equal(t, "first second", collectText(events))
	assert.Equal(t, 1, countStops(events))

	last := events[len(events)-1]
	assert.Equal(t, "end_turn", last.StopReason)

	var usage *Event
	for i := range events {
		if events[i].Type == EventUsage {
			usage = &events[i]
		}
	}
	require.NotNil(t, usage)
	assert.Equal(t, int64(7), usage.InputTokens)
	assert.Equal(t, int64(2), usage.OutputTokens)
}

func TestGeminiParserArrayFraming(t *testing.T) {
	input := `[{"candidates":[{"content":{"parts":[{"text":"a"}]}}]},` + "\n" +
		`{"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"MAX_TOKENS"}]}]`

	events := feedAll(t, newGeminiParser(), []byte(input), 3)

	assert.Equal(t, "ab", collectText(events))
	last := events[len(events)-1]
	assert.Equal(t, EventStop, last.Type)
	assert.Equal(t, "max_tokens", last.StopReason)
}

func TestGeminiParserThoughtAndFunctionCall(t *testing.T) {
	input := `[{"candidates":[{"content":{"parts":[` +
		`{"text":"pondering","thought":true,"thoughtSignature":"c2lnbmVk"},` +
		`{"functionCall":{"name":"lookup","args":{"key":"v"}}}` +
		`]},"finishReason":"STOP"}]}]`

	events := feedAll(t, newGeminiParser(), []byte(input), len(input))

	var reasoning, tool *Event
	for i := range events {
		switch events[i].Type {
		case EventReasoningDelta:
			reasoning = &events[i]
		case EventToolCallDelta:
			tool = &events[i]
		}
	}
	require.NotNil(t, reasoning)
	assert.Equal(t, "pondering", reasoning.Text)
	assert.Equal(t, []byte("c2lnbmVk"), reasoning.Signature)

	require.NotNil(t, tool)
	assert.Equal(t, "lookup", tool.ToolName)
	assert.JSONEq(t, `{"key":"v"}`, tool.ArgsDelta)
	assert.NotEmpty(t, tool.ToolCallID)
}

func TestGeminiParserGarbageInput(t *testing.T) {
	p := newGeminiParser()
	_, err := p.Feed([]byte("<html>502 Bad Gateway</html>"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DialectGemini, perr.Dialect)
}

// cwFrame builds one event-stream frame. CRCs are zeroed; the parser ignores
// them.
func cwFrame(eventType string, payload string) []byte {
	var headers []byte
	for _, h := range [][2]string{{":event-type", eventType}, {":message-type", "event"}} {
		headers = append(headers, byte(len(h[0])))
		headers = append(headers, h[0]...)
		headers = append(headers, 7)
		headers = binary.BigEndian.AppendUint16(headers, uint16(len(h[1])))
		headers = append(headers, h[1]...)
	}
	total := cwPreludeLen + len(headers) + len(payload) + cwCRCLen
	frame := make([]byte, 0, total)
	frame = binary.BigEndian.AppendUint32(frame, uint32(total))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(headers)))
	frame = binary.BigEndian.AppendUint32(frame, 0) // prelude CRC
	frame = append(frame, headers...)
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, 0) // message CRC
	return frame
}

func TestCodeWhispererParserText(t *testing.T) {
	var input []byte
	input = append(input, cwFrame("assistantResponseEvent", `{"content":"Hello "}`)...)
	input = append(input, cwFrame("assistantResponseEvent", `{"content":"frames"}`)...)

	for _, chunkSize := range []int{1, 5, len(input)} {
		t.Run(fmt.Sprintf("chunk_%d", chunkSize), func(t *testing.T) {
			events := feedAll(t, newCodeWhispererParser(), input, chunkSize)

			assert.Equal(t, "Hello frames", collectText(events))
			require.Equal(t, 1, countStops(events))
			assert.Equal(t, "end_turn", events[len(events)-1].StopReason)
		})
	}
}

func TestCodeWhispererParserToolUse(t *testing.T) {
	var input []byte
	input = append(input, cwFrame("toolUseEvent", `{"toolUseId":"tu_1","name":"fs_read","input":"{\"path\":"}`)...)
	input = append(input, cwFrame("toolUseEvent", `{"toolUseId":"tu_1","name":"fs_read","input":"\"/tmp\"}","stop":true}`)...)

	events := feedAll(t, newCodeWhispererParser(), input, 8)

	var args strings.Builder
	for _, ev := range events {
		if ev.Type == EventToolCallDelta {
			assert.Equal(t, "tu_1", ev.ToolCallID)
			assert.Equal(t, "fs_read", ev.ToolName)
			args.WriteString(ev.ArgsDelta)
		}
	}
	assert.Equal(t, `{"path":"/tmp"}`, args.String())
	assert.Equal(t, "tool_use", events[len(events)-1].StopReason)
}

func TestCodeWhispererParserException(t *testing.T) {
	frame := cwFrame("assistantResponseEvent", `{"message":"throttled"}`)
	// rewrite :message-type by rebuilding with exception marker
	var headers []byte
	for _, h := range [][2]string{{":message-type", "exception"}, {":exception-type", "ThrottlingException"}} {
		headers = append(headers, byte(len(h[0])))
		headers = append(headers, h[0]...)
		headers = append(headers, 7)
		headers = binary.BigEndian.AppendUint16(headers, uint16(len(h[1])))
		headers = append(headers, h[1]...)
	}
	payload := `{"message":"throttled"}`
	total := cwPreludeLen + len(headers) + len(payload) + cwCRCLen
	frame = frame[:0]
	frame = binary.BigEndian.AppendUint32(frame, uint32(total))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(headers)))
	frame = binary.BigEndian.AppendUint32(frame, 0)
	frame = append(frame, headers...)
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, 0)

	p := newCodeWhispererParser()
	events, err := p.Feed(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Err.Error(), "throttled")
	assert.Empty(t, p.Finish())
}

func TestCodeWhispererParserBadPrelude(t *testing.T) {
	p := newCodeWhispererParser()
	bad := binary.BigEndian.AppendUint32(nil, 4) // total shorter than prelude
	bad = binary.BigEndian.AppendUint32(bad, 0)
	bad = binary.BigEndian.AppendUint32(bad, 0)

	_, err := p.Feed(bad)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, DialectCodeWhisperer, perr.Dialect)
}

func TestNewParserUnknownDialect(t *testing.T) {
	_, err := NewParser(Dialect("smoke-signals"))
	assert.Error(t, err)
}
