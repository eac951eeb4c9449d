package anthropic

import (
	"encoding/json"
	"strings"
)

var defaultSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// CleanSchema prepares a tool parameter schema for input_schema. The
// "strict" and "additionalProperties" keys are dropped at every level and
// type names are lowercased. Empty or invalid schemas become an empty object
// schema.
func CleanSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return defaultSchema
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil || m == nil {
		return defaultSchema
	}
	out, err := json.Marshal(cleanSchemaMap(m))
	if err != nil {
		return defaultSchema
	}
	return out
}

func cleanSchemaMap(schema map[string]any) map[string]any {
	result := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" || k == "strict" {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			result[k] = cleanSchemaMap(val)
		case []any:
			cleaned := make([]any, len(val))
			for i, item := range val {
				if itemMap, ok := item.(map[string]any); ok {
					cleaned[i] = cleanSchemaMap(itemMap)
				} else {
					cleaned[i] = item
				}
			}
			result[k] = cleaned
		default:
			result[k] = v
		}
	}
	if typ, ok := result["type"].(string); ok {
		result["type"] = strings.ToLower(typ)
	}
	return result
}
