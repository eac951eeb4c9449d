package converter

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Alias rewrites model From into model To. A From ending in "*" matches by
// prefix; if To also ends in "*" the matched suffix is carried over.
type Alias struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

func (a Alias) apply(model string) (string, bool) {
	prefix, wildcard := strings.CutSuffix(a.From, "*")
	if !wildcard {
		if model == a.From {
			return a.To, true
		}
		return "", false
	}
	if !strings.HasPrefix(model, prefix) {
		return "", false
	}
	if target, ok := strings.CutSuffix(a.To, "*"); ok {
		return target + strings.TrimPrefix(model, prefix), true
	}
	return a.To, true
}

// ModelMapper applies an ordered alias table to request model names.
// The first matching alias wins. Safe for concurrent use; the table can be
// swapped at runtime.
type ModelMapper struct {
	mu      sync.RWMutex
	aliases []Alias
}

// NewModelMapper creates a mapper over aliases.
func NewModelMapper(aliases []Alias) *ModelMapper {
	m := &ModelMapper{}
	m.SetAliases(aliases)
	return m
}

// SetAliases replaces the alias table.
func (m *ModelMapper) SetAliases(aliases []Alias) {
	cp := make([]Alias, len(aliases))
	copy(cp, aliases)
	m.mu.Lock()
	m.aliases = cp
	m.mu.Unlock()
}

// Aliases returns a copy of the alias table.
func (m *ModelMapper) Aliases() []Alias {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]Alias, len(m.aliases))
	copy(cp, m.aliases)
	return cp
}

// Map returns the rewritten model name and whether an alias matched.
func (m *ModelMapper) Map(model string) (string, bool) {
	if m == nil || model == "" {
		return model, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.aliases {
		if out, ok := a.apply(model); ok {
			return out, true
		}
	}
	return model, false
}

// RewriteBody rewrites the top-level "model" field of a JSON body.
// Bodies that are not valid JSON objects, or need no rewrite, are returned unchanged.
func (m *ModelMapper) RewriteBody(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String {
		return body
	}
	mapped, ok := m.Map(model.String())
	if !ok || mapped == model.String() {
		return body
	}
	out, err := sjson.SetBytes(body, "model", mapped)
	if err != nil {
		return body
	}
	return out
}

// RewriteValue rewrites the model of an already parsed request in place.
// Returns true if it changed.
func (m *ModelMapper) RewriteValue(req *ChatRequest) bool {
	mapped, ok := m.Map(req.Model)
	if !ok || mapped == req.Model {
		return false
	}
	req.Model = mapped
	return true
}
