package proxy

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
)

const maxPendingLine = 1 << 20

// usageFromJSON reads a usage object in either the OpenAI
// (prompt_tokens/completion_tokens) or Anthropic (input_tokens/output_tokens)
// shape.
func usageFromJSON(u gjson.Result) converter.Usage {
	var out converter.Usage
	if !u.Exists() {
		return out
	}
	if v := u.Get("prompt_tokens"); v.Exists() {
		out.InputTokens = int(v.Int())
	}
	if v := u.Get("completion_tokens"); v.Exists() {
		out.OutputTokens = int(v.Int())
	}
	if v := u.Get("input_tokens"); v.Exists() {
		out.InputTokens = int(v.Int())
	}
	if v := u.Get("output_tokens"); v.Exists() {
		out.OutputTokens = int(v.Int())
	}
	return out
}

// usageScanner picks token usage out of SSE data lines as they stream by.
// OpenAI sends usage in the last chunk; Anthropic splits it between
// message_start (input) and message_delta (output).
type usageScanner struct {
	pending []byte
	usage   converter.Usage
}

func (s *usageScanner) feed(chunk []byte) {
	s.pending = append(s.pending, chunk...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		s.line(s.pending[:i])
		s.pending = s.pending[i+1:]
	}
	if len(s.pending) > maxPendingLine {
		s.pending = nil
	}
}

func (s *usageScanner) line(line []byte) {
	payload, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data:"))
	if !ok {
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return
	}
	ev := gjson.ParseBytes(payload)
	for _, path := range []string{"message.usage", "usage"} {
		u := usageFromJSON(ev.Get(path))
		if u.InputTokens > 0 {
			s.usage.InputTokens = u.InputTokens
		}
		if u.OutputTokens > 0 {
			s.usage.OutputTokens = u.OutputTokens
		}
	}
}
