package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tidwall/gjson"
)

// codewhispererParser decodes CodeWhisperer's length-prefixed binary frames
// (AWS event-stream encoding): a 12-byte prelude of total length, header
// length, and prelude CRC, all big-endian, then headers, a JSON payload, and
// a trailing message CRC. CRCs are not validated; transport integrity is
// TLS's job.
type codewhispererParser struct {
	buf     bytes.Buffer
	offset  int64
	stopped bool
	sawTool bool
}

func newCodeWhispererParser() *codewhispererParser { return &codewhispererParser{} }

const (
	cwPreludeLen = 12
	cwCRCLen     = 4
	cwMaxFrame   = 16 * 1024 * 1024
)

func (p *codewhispererParser) Feed(chunk []byte) ([]Event, error) {
	if p.stopped {
		return nil, nil
	}
	p.buf.Write(chunk)
	var out []Event
	for {
		raw := p.buf.Bytes()
		if len(raw) < cwPreludeLen {
			return out, nil
		}
		total := binary.BigEndian.Uint32(raw[0:4])
		headerLen := binary.BigEndian.Uint32(raw[4:8])
		if total > cwMaxFrame || total < cwPreludeLen+cwCRCLen || headerLen > total-cwPreludeLen-cwCRCLen {
			return out, &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: "invalid frame prelude"}
		}
		if uint32(len(raw)) < total {
			return out, nil
		}
		frame := make([]byte, total)
		copy(frame, raw[:total])
		p.buf.Next(int(total))
		p.offset += int64(total)

		events, err := p.handleFrame(frame, headerLen)
		out = append(out, events...)
		if err != nil || p.stopped {
			return out, err
		}
	}
}

func (p *codewhispererParser) handleFrame(frame []byte, headerLen uint32) ([]Event, error) {
	headers, err := p.parseHeaders(frame[cwPreludeLen : cwPreludeLen+headerLen])
	if err != nil {
		return nil, err
	}
	payload := frame[cwPreludeLen+headerLen : len(frame)-cwCRCLen]

	if headers[":message-type"] == "exception" {
		p.stopped = true
		return []Event{{
			Type: EventError,
			Err:  &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: string(payload)},
		}}, nil
	}

	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return nil, &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: "invalid JSON payload"}
	}
	root := gjson.ParseBytes(payload)

	switch headers[":event-type"] {
	case "assistantResponseEvent":
		if content := root.Get("content").String(); content != "" {
			return []Event{{Type: EventTextDelta, Text: content}}, nil
		}
	case "toolUseEvent":
		ev := Event{
			Type:       EventToolCallDelta,
			ToolCallID: root.Get("toolUseId").String(),
			ToolName:   root.Get("name").String(),
			ArgsDelta:  root.Get("input").String(),
		}
		if root.Get("stop").Bool() {
			p.sawTool = true
		}
		return []Event{ev}, nil
	case "messageMetadataEvent":
		// conversation metadata; nothing for the unified stream
	}
	return nil, nil
}

// parseHeaders decodes event-stream headers: name length, name, value type
// (only type 7, string, is expected), value length, value.
func (p *codewhispererParser) parseHeaders(raw []byte) (map[string]string, error) {
	headers := map[string]string{}
	for len(raw) > 0 {
		nameLen := int(raw[0])
		if len(raw) < 1+nameLen+1 {
			return nil, &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: "truncated header name"}
		}
		name := string(raw[1 : 1+nameLen])
		valueType := raw[1+nameLen]
		raw = raw[1+nameLen+1:]
		if valueType != 7 {
			return nil, &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: fmt.Sprintf("unsupported header value type %d", valueType)}
		}
		if len(raw) < 2 {
			return nil, &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: "truncated header value length"}
		}
		valueLen := int(binary.BigEndian.Uint16(raw[:2]))
		if len(raw) < 2+valueLen {
			return nil, &ParseError{Dialect: DialectCodeWhisperer, Offset: p.offset, Msg: "truncated header value"}
		}
		headers[name] = string(raw[2 : 2+valueLen])
		raw = raw[2+valueLen:]
	}
	return headers, nil
}

// Finish synthesizes the terminal Stop: the dialect has no end-of-message
// frame, the stream simply closes.
func (p *codewhispererParser) Finish() []Event {
	if p.stopped {
		return nil
	}
	p.stopped = true
	reason := "end_turn"
	if p.sawTool {
		reason = "tool_use"
	}
	return []Event{{Type: EventStop, StopReason: reason}}
}
