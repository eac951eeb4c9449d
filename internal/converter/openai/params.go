package openai

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// paramRules renames and strips request parameters a model family rejects.
type paramRules struct {
	rename map[string]string
	remove []string
}

var reasoningRules = paramRules{
	rename: map[string]string{"max_tokens": "max_completion_tokens"},
	remove: []string{"temperature", "top_p"},
}

// familyRules is checked in order; the first matching family wins.
var familyRules = []struct {
	family string
	rules  paramRules
}{
	{"o1", paramRules{
		rename: reasoningRules.rename,
		remove: []string{"temperature", "top_p", "frequency_penalty", "presence_penalty", "logprobs", "top_logprobs"},
	}},
	{"o3", reasoningRules},
	{"o4", reasoningRules},
	{"gpt-5", reasoningRules},
}

// baseModelName strips provider prefixes ("openai/", "openai:") and chat
// suffixes from a model id.
func baseModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.LastIndex(model, ":"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, "_chat")
	model = strings.TrimSuffix(model, "-chat")
	return strings.ToLower(model)
}

func inFamily(model, family string) bool {
	base := baseModelName(model)
	return base == family || strings.HasPrefix(base, family+"-") || strings.HasPrefix(base, family+".")
}

// AdaptParams rewrites body for the parameter rules of model's family.
// A rename is skipped when the target key is already present. Bodies that
// are not JSON are returned unchanged.
func AdaptParams(model string, body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	for _, fr := range familyRules {
		if inFamily(model, fr.family) {
			return fr.rules.apply(body)
		}
	}
	return body
}

func (r paramRules) apply(body []byte) []byte {
	out := body
	for from, to := range r.rename {
		v := gjson.GetBytes(out, from)
		if !v.Exists() {
			continue
		}
		if !gjson.GetBytes(out, to).Exists() {
			if next, err := sjson.SetRawBytes(out, to, []byte(v.Raw)); err == nil {
				out = next
			}
		}
		if next, err := sjson.DeleteBytes(out, from); err == nil {
			out = next
		}
	}
	for _, key := range r.remove {
		if !gjson.GetBytes(out, key).Exists() {
			continue
		}
		if next, err := sjson.DeleteBytes(out, key); err == nil {
			out = next
		}
	}
	return out
}
