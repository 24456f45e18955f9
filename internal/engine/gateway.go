// Package engine is the model gateway: it turns a structured prompt into a
// schema-checked JSON object using the first configured provider that works.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoCredentials is a configuration error: no provider in the preference
// list has an API key. It is never worth retrying.
var ErrNoCredentials = errors.New("no model provider credentials configured")

// ModelPreferences is built fresh for every invocation from the current
// config snapshot and passed down explicitly.
type ModelPreferences struct {
	Harness      string
	Providers    []string          // preference order
	ModelID      string            // overrides the model of Providers[0]
	Models       map[string]string // provider -> model id
	BaseURLs     map[string]string // provider -> API base url
	SystemPrompt string
	APIKeys      map[string]string // provider -> key
}

// Usable returns the preferred providers that have a key, in order.
func (p ModelPreferences) Usable() []string {
	var out []string
	seen := map[string]bool{}
	for _, name := range p.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if strings.TrimSpace(p.APIKeys[name]) != "" {
			out = append(out, name)
		}
	}
	return out
}

// Model returns the model id to use with provider.
func (p ModelPreferences) Model(provider string) string {
	if p.ModelID != "" && len(p.Providers) > 0 && strings.EqualFold(strings.TrimSpace(p.Providers[0]), provider) {
		return p.ModelID
	}
	return p.Models[provider]
}

// ObjectRequest asks for one JSON object that satisfies Schema.
type ObjectRequest struct {
	Purpose      string // judge or summary, for logs and metrics
	Prefs        ModelPreferences
	SchemaName   string
	Schema       json.RawMessage
	SystemPrompt string // falls back to Prefs.SystemPrompt
	UserPrompt   string
}

type Gateway interface {
	GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, error)
}
