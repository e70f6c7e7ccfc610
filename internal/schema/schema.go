// Package schema derives structural output constraints from few-shot examples.
//
// A Constraint captures which extraction classes and attribute keys a model is
// allowed to emit, and renders them as a JSON schema an OpenAI-compatible
// endpoint can enforce in structured-output mode.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/winnowml/winnow/internal/extraction"
)

// Canonical field names in generated schemas and model output records.
const (
	ExtractionsKey = "extractions"
	ClassKey       = "extraction_class"
	TextKey        = "extraction_text"
	AttributesKey  = "attributes"
)

// Constraint is a structural shape restricting which classes and attribute
// keys structured model output may use. Immutable once built.
type Constraint struct {
	classes       []string // sorted, distinct
	attributeKeys []string // sorted, distinct, pooled across all classes
}

// Config is the provider-facing fragment derived from a Constraint.
type Config struct {
	// StructuredOutputEnabled asks the provider to request its native
	// JSON response mode.
	StructuredOutputEnabled bool

	// ResponseSchema is the JSON schema the output must satisfy.
	ResponseSchema map[string]any
}

// FromExamples scans every extraction in every example and accumulates the
// distinct extraction classes and the union of attribute keys. Attribute keys
// are deliberately not scoped per class. The function is pure: it performs no
// validation of the examples themselves (whether an extraction's text actually
// occurs in its example text is checked later, by alignment).
func FromExamples(examples []extraction.Example) *Constraint {
	classSet := make(map[string]struct{})
	attrSet := make(map[string]struct{})

	for _, ex := range examples {
		for _, e := range ex.Extractions {
			if e.Class != "" {
				classSet[e.Class] = struct{}{}
			}
			for key := range e.Attributes {
				attrSet[key] = struct{}{}
			}
		}
	}

	return &Constraint{
		classes:       sortedKeys(classSet),
		attributeKeys: sortedKeys(attrSet),
	}
}

// Classes returns the sorted set of extraction classes.
func (c *Constraint) Classes() []string {
	return append([]string(nil), c.classes...)
}

// AttributeKeys returns the sorted union of attribute keys across all classes.
func (c *Constraint) AttributeKeys() []string {
	return append([]string(nil), c.attributeKeys...)
}

// Permissive reports whether the constraint degraded to the unconstrained
// fallback because no extraction classes were observed.
func (c *Constraint) Permissive() bool {
	return len(c.classes) == 0
}

// JSONSchema renders the constraint as a JSON schema document. With no
// observed classes it degrades to a permissive shape (an open-ended array of
// objects) rather than failing.
func (c *Constraint) JSONSchema() map[string]any {
	if c.Permissive() {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				ExtractionsKey: map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "object"},
				},
			},
		}
	}

	attrProps := make(map[string]any, len(c.attributeKeys))
	for _, key := range c.attributeKeys {
		attrProps[key] = map[string]any{"type": "string"}
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			ExtractionsKey: map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						ClassKey: map[string]any{
							"type": "string",
							"enum": toAnySlice(c.classes),
						},
						TextKey: map[string]any{"type": "string"},
						AttributesKey: map[string]any{
							"type":                 "object",
							"properties":           attrProps,
							"additionalProperties": false,
						},
					},
					"required":             []any{ClassKey, TextKey},
					"additionalProperties": false,
				},
			},
		},
		"required":             []any{ExtractionsKey},
		"additionalProperties": false,
	}
}

// ProviderConfig converts the constraint into provider configuration. Strict
// structured output is always requested; the permissive fallback still yields
// valid JSON mode.
func (c *Constraint) ProviderConfig() Config {
	return Config{
		StructuredOutputEnabled: true,
		ResponseSchema:          c.JSONSchema(),
	}
}

// Compile builds a validator for the constraint's JSON schema so downstream
// consumers can check parsed model output against it.
func (c *Constraint) Compile() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(c.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize constraint schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("constraint.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load constraint schema: %w", err)
	}
	compiled, err := compiler.Compile("constraint.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile constraint schema: %w", err)
	}
	return compiled, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
