// Package stream converts upstream response streams between provider dialects.
//
// DESIGN: One Parser per dialect turns raw upstream bytes into a unified event
// sequence; one Emitter per dialect turns that sequence back into framed
// output. The gateway pumps parser output straight into an emitter, so a
// single unified vocabulary covers every supported pairing.
//
// FLOW:
//  1. Parser.Feed() accepts arbitrary chunk boundaries and buffers partials
//  2. Complete frames become Events, in upstream order, never reordered
//  3. Emitter.Emit() frames each event for the client dialect
//  4. At most one Stop per turn; events after Stop are dropped
package stream

import "fmt"

// Dialect identifies a supported wire protocol.
type Dialect string

const (
	DialectOpenAI        Dialect = "openai"
	DialectAnthropic     Dialect = "anthropic"
	DialectGemini        Dialect = "gemini"
	DialectCodeWhisperer Dialect = "codewhisperer"
)

// EventType tags a unified event.
type EventType int

const (
	EventTextDelta EventType = iota
	EventReasoningDelta
	EventToolCallDelta
	EventToolResult
	EventUsage
	EventStop
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventReasoningDelta:
		return "reasoning_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventToolResult:
		return "tool_result"
	case EventUsage:
		return "usage"
	case EventStop:
		return "stop"
	default:
		return "error"
	}
}

// Event is one dialect-neutral stream element.
type Event struct {
	Type EventType

	// Text carries TextDelta and ReasoningDelta payloads.
	Text string

	// Tool call fields. ArgsDelta grows monotonically per ToolCallID.
	ToolCallID string
	ToolName   string
	ArgsDelta  string

	// Result carries ToolResult payloads.
	Result string

	// Usage totals.
	InputTokens  int64
	OutputTokens int64

	// StopReason is set on Stop events (end_turn, max_tokens, tool_use, ...).
	StopReason string

	// Signature holds opaque reasoning-signature bytes some dialects attach.
	Signature []byte

	// Err is set on Error events.
	Err error
}

// ParseError reports a malformed upstream frame with position context.
type ParseError struct {
	Dialect Dialect
	Offset  int64
	Msg     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stream parse error (%s, offset %d): %s", e.Dialect, e.Offset, e.Msg)
}

// Parser consumes upstream bytes incrementally and yields unified events.
// Feed may be called with chunks split anywhere, including inside a UTF-8
// codepoint, JSON token, or frame header. A non-nil error is terminal.
type Parser interface {
	Feed(chunk []byte) ([]Event, error)
	// Finish is called at upstream EOF and returns any final events, e.g. a
	// synthesized Stop for dialects with no terminal frame.
	Finish() []Event
}

// Emitter frames unified events for a target dialect.
type Emitter interface {
	// Emit returns the bytes to write for one event; may be empty.
	Emit(ev Event) []byte
	// Fail returns a terminal, dialect-appropriate error event. The stream
	// must be closed after writing it.
	Fail(message string) []byte
}

// NewParser constructs the parser for an upstream dialect.
func NewParser(d Dialect) (Parser, error) {
	switch d {
	case DialectOpenAI:
		return newOpenAIParser(), nil
	case DialectAnthropic:
		return newAnthropicParser(), nil
	case DialectGemini:
		return newGeminiParser(), nil
	case DialectCodeWhisperer:
		return newCodeWhispererParser(), nil
	default:
		return nil, fmt.Errorf("unsupported upstream dialect %q", d)
	}
}

// NewEmitter constructs the emitter for a client dialect. Only the OpenAI and
// Anthropic surfaces accept streaming clients.
func NewEmitter(d Dialect, model string) (Emitter, error) {
	switch d {
	case DialectOpenAI:
		return newOpenAIEmitter(model), nil
	case DialectAnthropic:
		return newAnthropicEmitter(model), nil
	default:
		return nil, fmt.Errorf("unsupported client dialect %q", d)
	}
}
