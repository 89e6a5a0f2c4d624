package route

import (
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaycore/ai-gateway/internal/config"
)

var hintPrefix = regexp.MustCompile(`^\[([^\[\]\s]+)\]\s*`)

// ApplyHint inspects the first user message for a [keyword] prefix. When the
// keyword matches a configured hint, the prefix is stripped from the message
// and the hint's target is returned. Unmatched keywords leave the body
// untouched.
//
// Both OpenAI and Anthropic bodies keep user turns under "messages"; content
// is either a plain string or a part list whose text parts carry "text".
func (t *Table) ApplyHint(body []byte) ([]byte, config.HintTarget, bool) {
	msgPath, text, ok := firstUserText(body)
	if !ok {
		return body, config.HintTarget{}, false
	}
	m := hintPrefix.FindStringSubmatch(text)
	if m == nil {
		return body, config.HintTarget{}, false
	}
	target, known := t.Hint(m[1])
	if !known {
		return body, config.HintTarget{}, false
	}
	stripped, err := sjson.SetBytes(body, msgPath, text[len(m[0]):])
	if err != nil {
		return body, config.HintTarget{}, false
	}
	return stripped, target, true
}

// firstUserText locates the first user message's text content and returns the
// sjson path to rewrite it.
func firstUserText(body []byte) (path string, text string, ok bool) {
	messages := gjson.GetBytes(body, "messages").Array()
	for i, msg := range messages {
		if msg.Get("role").String() != "user" {
			continue
		}
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			return fmt.Sprintf("messages.%d.content", i), content.String(), true
		case content.IsArray():
			for j, part := range content.Array() {
				if part.Get("type").String() == "text" || part.Get("text").Exists() {
					return fmt.Sprintf("messages.%d.content.%d.text", i, j), part.Get("text").String(), true
				}
			}
		}
		return "", "", false
	}
	return "", "", false
}
