package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredValidator checks that a model reply contains one JSON value
// accepted by a compiled JSON Schema.
type StructuredValidator struct {
	name       string
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewStructuredValidator compiles schemaJSON under name.
func NewStructuredValidator(name string, schemaJSON json.RawMessage) (*StructuredValidator, error) {
	if name == "" {
		name = "schema"
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &StructuredValidator{name: name, schema: schema, schemaJSON: schemaJSON}, nil
}

// SchemaJSON returns the raw schema for prompt injection.
func (sv *StructuredValidator) SchemaJSON() json.RawMessage {
	return sv.schemaJSON
}

// ValidationError describes a reply that is not a schema-valid object. It is
// retryable: another sample from the model may well pass.
type ValidationError struct {
	Schema  string
	Message string
	Raw     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, e.Message)
}

// Validate extracts the JSON value from responseText and checks it.
func (sv *StructuredValidator) Validate(responseText string) (json.RawMessage, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, &ValidationError{Schema: sv.name, Message: "response does not contain valid JSON", Raw: responseText}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ValidationError{Schema: sv.name, Message: fmt.Sprintf("invalid JSON: %s", err), Raw: responseText}
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{Schema: sv.name, Message: fmt.Sprintf("schema validation failed: %s", err), Raw: responseText}
	}
	return json.RawMessage(jsonStr), nil
}

// validatorCache compiles each named schema once.
type validatorCache struct {
	mu    sync.Mutex
	byKey map[string]*StructuredValidator
}

func (c *validatorCache) get(name string, schemaJSON json.RawMessage) (*StructuredValidator, error) {
	key := name + "\x00" + string(schemaJSON)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.byKey[key]; ok {
		return v, nil
	}
	v, err := NewStructuredValidator(name, schemaJSON)
	if err != nil {
		return nil, err
	}
	if c.byKey == nil {
		c.byKey = map[string]*StructuredValidator{}
	}
	c.byKey[key] = v
	return v, nil
}

// extractJSON finds a JSON object or array in the response text: a fenced
// ```json block first, then any fenced block, then the first balanced value.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the bracketed value at the start of s, honoring
// string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var closing byte
	switch open {
	case '{':
		closing = '}'
	case '[':
		closing = ']'
	default:
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
