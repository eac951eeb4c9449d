package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanSchema(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.JSONEq(t, `{"type":"object","properties":{}}`, string(CleanSchema(nil)))
		assert.JSONEq(t, `{"type":"object","properties":{}}`, string(CleanSchema(json.RawMessage(`[1]`))))
	})

	t.Run("strips openai extensions recursively", func(t *testing.T) {
		in := `{
			"type": "Object",
			"strict": true,
			"additionalProperties": false,
			"properties": {
				"name": {"type": "String"},
				"tags": {"type": "array", "items": {"type": "STRING", "additionalProperties": true}}
			},
			"anyOf": [{"type": "Integer", "strict": false}, "raw"]
		}`
		want := `{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"tags": {"type": "array", "items": {"type": "string"}}
			},
			"anyOf": [{"type": "integer"}, "raw"]
		}`
		assert.JSONEq(t, want, string(CleanSchema(json.RawMessage(in))))
	})
}
