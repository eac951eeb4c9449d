package converterutil

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateID generates a unique chat completion ID.
func GenerateID() string {
	return "chatcmpl-" + compactUUID()[:24]
}

// GenerateMessageID generates an Anthropic style message ID.
func GenerateMessageID() string {
	return "msg_" + compactUUID()[:24]
}

// GenerateToolUseID generates an Anthropic style tool_use ID.
func GenerateToolUseID() string {
	return "toolu_" + compactUUID()[:24]
}

// GetCurrentTimestamp returns the current Unix timestamp (UTC).
func GetCurrentTimestamp() int64 {
	return utils.NowUTC().Unix()
}

// TextFromContent joins the text of a message content value.
// Content is either a JSON string or an array of blocks; only
// {"type":"text"} blocks contribute.
func TextFromContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// EncodeBase64 encodes a byte slice to base64 string.
func EncodeBase64(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a base64 string. Returns nil for empty or invalid input.
func DecodeBase64(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return decoded
}

// ParseDataURL splits a data: URL into media type and base64 payload.
func ParseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}
