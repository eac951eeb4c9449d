// Package kiro talks to the CodeWhisperer-compatible upstream: it builds
// generateAssistantResponse requests and decodes the event-stream replies.
package kiro

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/converterutil"
)

// markers are the JSON prefixes of the event payloads the upstream sends.
var markers = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"toolUseId":`),
	[]byte(`{"unit":`),
	[]byte(`{"contextUsagePercentage":`),
}

var calledPattern = regexp.MustCompile(`\[Called\s+([A-Za-z0-9_.\-]+)\s+with\s+args:\s*`)

type pendingTool struct {
	name  string
	input strings.Builder
}

type decodeState struct {
	text    strings.Builder
	pending map[string]*pendingTool
	order   []string
	calls   []converter.ToolCall
	credit  float64
	ctxPct  float64
}

func newDecodeState() *decodeState {
	return &decodeState{pending: make(map[string]*pendingTool)}
}

// ParseResponse decodes a complete generateAssistantResponse body.
//
// Frames are decoded structurally first; if any frame is malformed the whole
// buffer is scanned for known JSON payload prefixes instead. Decode
// anomalies never fail the call: unknown payloads are skipped and tool calls
// without a stop event are flushed at the end.
func ParseResponse(body []byte) *converter.Response {
	st := newDecodeState()
	if payloads, err := decodeFrames(body); err == nil && len(payloads) > 0 {
		for _, p := range payloads {
			if gjson.ValidBytes(p) {
				st.dispatch(gjson.ParseBytes(p))
				continue
			}
			scanObjects(p, st.dispatch)
		}
	} else {
		scanObjects(body, st.dispatch)
	}
	return st.finish()
}

// decodeFrames splits body into event-stream message payloads.
func decodeFrames(body []byte) ([][]byte, error) {
	dec := eventstream.NewDecoder()
	r := bytes.NewReader(body)
	buf := make([]byte, 64*1024)

	var payloads [][]byte
	for r.Len() > 0 {
		msg, err := dec.Decode(r, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		// The decoder reuses buf for the next payload.
		payloads = append(payloads, bytes.Clone(msg.Payload))
	}
	return payloads, nil
}

// scanObjects finds every known payload object in buf and passes it to fn.
func scanObjects(buf []byte, fn func(gjson.Result)) {
	pos := 0
	for pos < len(buf) {
		start := nextMarker(buf, pos)
		if start < 0 {
			return
		}
		end := matchBrace(buf, start)
		if end < 0 || !gjson.ValidBytes(buf[start:end]) {
			pos = start + 1
			continue
		}
		fn(gjson.ParseBytes(buf[start:end]))
		pos = end
	}
}

// nextMarker returns the earliest marker offset at or after pos, or -1.
func nextMarker(buf []byte, pos int) int {
	best := -1
	for _, m := range markers {
		if i := bytes.Index(buf[pos:], m); i >= 0 && (best < 0 || pos+i < best) {
			best = pos + i
		}
	}
	return best
}

// matchBrace returns the offset just past the object opened at buf[start],
// honoring string literals and escapes, or -1 if it never closes.
func matchBrace(buf []byte, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func (st *decodeState) dispatch(obj gjson.Result) {
	if id := obj.Get("toolUseId"); id.Exists() {
		st.toolEvent(id.String(), obj)
		return
	}
	if content := obj.Get("content"); content.Exists() {
		if !obj.Get("followupPrompt").Exists() {
			st.text.WriteString(content.String())
		}
		return
	}
	if usage := obj.Get("usage"); usage.Type == gjson.Number {
		st.credit += usage.Float()
		return
	}
	if pct := obj.Get("contextUsagePercentage"); pct.Type == gjson.Number {
		st.ctxPct = pct.Float()
	}
}

func (st *decodeState) toolEvent(id string, obj gjson.Result) {
	p, ok := st.pending[id]
	if !ok {
		p = &pendingTool{}
		st.pending[id] = p
		st.order = append(st.order, id)
	}
	if name := obj.Get("name"); name.Exists() {
		p.name = name.String()
	}
	if input := obj.Get("input"); input.Exists() {
		if input.Type == gjson.String {
			p.input.WriteString(input.String())
		} else {
			p.input.WriteString(input.Raw)
		}
	}
	if obj.Get("stop").Bool() {
		st.calls = append(st.calls, converter.ToolCall{ID: id, Name: p.name, Arguments: p.input.String()})
		delete(st.pending, id)
	}
}

func (st *decodeState) finish() *converter.Response {
	for _, id := range st.order {
		if p, ok := st.pending[id]; ok {
			st.calls = append(st.calls, converter.ToolCall{ID: id, Name: p.name, Arguments: p.input.String()})
			delete(st.pending, id)
		}
	}

	text, legacy := extractCalledTools(st.text.String())
	resp := &converter.Response{
		Text:                   text,
		ToolCalls:              append(st.calls, legacy...),
		CreditUsage:            st.credit,
		ContextUsagePercentage: st.ctxPct,
	}
	resp.EstimateUsage()
	return resp
}

// extractCalledTools pulls inline "[Called name with args: {...}]" markers
// out of text and returns them as tool calls. Text outside the markers is
// kept byte for byte.
func extractCalledTools(text string) (string, []converter.ToolCall) {
	if !strings.Contains(text, "[Called") {
		return text, nil
	}

	var calls []converter.ToolCall
	var out strings.Builder
	rest := text
	for {
		loc := calledPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}
		argsStart := loc[1]
		if argsStart >= len(rest) || rest[argsStart] != '{' {
			out.WriteString(rest[:loc[1]])
			rest = rest[loc[1]:]
			continue
		}
		argsEnd := matchBrace([]byte(rest), argsStart)
		closeIdx := -1
		if argsEnd > 0 {
			tail := strings.TrimLeft(rest[argsEnd:], " \t\r\n")
			if strings.HasPrefix(tail, "]") {
				closeIdx = len(rest) - len(tail) + 1
			}
		}
		if closeIdx < 0 {
			out.WriteString(rest[:loc[1]])
			rest = rest[loc[1]:]
			continue
		}

		calls = append(calls, converter.ToolCall{
			ID:        converterutil.GenerateToolUseID(),
			Name:      rest[loc[2]:loc[3]],
			Arguments: rest[argsStart:argsEnd],
		})
		out.WriteString(rest[:loc[0]])
		rest = rest[closeIdx:]
	}

	if len(calls) == 0 {
		return text, nil
	}
	return out.String(), calls
}
