package stream

import "bytes"

// sseScanner accumulates raw bytes and yields complete SSE events (the lines
// up to a blank separator). Chunk boundaries anywhere, including inside a
// UTF-8 codepoint, are safe because splitting happens only on newlines in the
// buffered stream.
type sseScanner struct {
	buf    bytes.Buffer
	offset int64
}

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	name string // from "event:" lines, empty if absent
	data string // concatenated "data:" lines
}

// feed appends a chunk and returns all complete events now available.
func (s *sseScanner) feed(chunk []byte) []sseEvent {
	s.buf.Write(chunk)
	var events []sseEvent
	for {
		raw := s.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		sep := 2
		if crlf := bytes.Index(raw, []byte("\r\n\r\n")); crlf >= 0 && (idx < 0 || crlf < idx) {
			idx = crlf
			sep = 4
		}
		if idx < 0 {
			return events
		}
		block := make([]byte, idx)
		copy(block, raw[:idx])
		s.buf.Next(idx + sep)
		s.offset += int64(idx + sep)

		ev := sseEvent{}
		for _, line := range bytes.Split(block, []byte("\n")) {
			line = bytes.TrimSuffix(line, []byte("\r"))
			switch {
			case bytes.HasPrefix(line, []byte("event:")):
				ev.name = string(bytes.TrimSpace(line[len("event:"):]))
			case bytes.HasPrefix(line, []byte("data:")):
				if ev.data != "" {
					ev.data += "\n"
				}
				ev.data += string(bytes.TrimSpace(line[len("data:"):]))
			}
			// Comments and unknown fields are ignored per the SSE spec.
		}
		if ev.name != "" || ev.data != "" {
			events = append(events, ev)
		}
	}
}
