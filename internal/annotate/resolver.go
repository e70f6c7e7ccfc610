package annotate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/winnowml/winnow/internal/extraction"
	"github.com/winnowml/winnow/internal/schema"
)

// resolver turns raw model output into typed extractions, with lightweight
// recovery for markdown code fences and surrounding prose. When compiled is
// set, the parsed document must satisfy the schema before any record is
// accepted.
type resolver struct {
	compiled *jsonschema.Schema
}

// resolve parses one model response. Malformed individual records are
// skipped; an output with no parseable JSON document at all is an error.
func (r *resolver) resolve(output string) ([]extraction.Extraction, error) {
	doc, err := parseDocument(output)
	if err != nil {
		return nil, err
	}

	if r.compiled != nil {
		if err := r.compiled.Validate(doc); err != nil {
			return nil, fmt.Errorf("output does not match schema: %w", err)
		}
	}

	records, err := extractionRecords(doc)
	if err != nil {
		return nil, err
	}

	var out []extraction.Extraction
	for _, rec := range records {
		ex, ok := toExtraction(rec)
		if !ok {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// parseDocument finds and unmarshals the JSON document inside a model
// response. Candidates are tried in order: the raw content, the content with
// code fences stripped, and the outermost brace-to-brace slice.
func parseDocument(content string) (any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty model output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONCandidate(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}

		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("no parseable JSON in model output")
}

// extractionRecords locates the extraction list in a parsed document. The
// canonical form is {"extractions": [...]}; a bare top-level array is
// tolerated.
func extractionRecords(doc any) ([]map[string]any, error) {
	var list []any
	switch d := doc.(type) {
	case map[string]any:
		inner, ok := d[schema.ExtractionsKey]
		if !ok {
			return nil, fmt.Errorf("document has no %q field", schema.ExtractionsKey)
		}
		list, ok = inner.([]any)
		if !ok {
			return nil, fmt.Errorf("%q is not an array", schema.ExtractionsKey)
		}
	case []any:
		list = d
	default:
		return nil, fmt.Errorf("document is not an object or array")
	}

	records := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// toExtraction maps one record to a typed extraction. Records missing the
// class or text fields are rejected.
func toExtraction(rec map[string]any) (extraction.Extraction, bool) {
	class, _ := rec[schema.ClassKey].(string)
	text, _ := rec[schema.TextKey].(string)
	if class == "" || text == "" {
		return extraction.Extraction{}, false
	}

	ex := extraction.Extraction{Class: class, Text: text}
	if attrs, ok := rec[schema.AttributesKey].(map[string]any); ok && len(attrs) > 0 {
		ex.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			if s, ok := stringifyAttribute(v); ok {
				ex.Attributes[k] = s
			}
		}
		if len(ex.Attributes) == 0 {
			ex.Attributes = nil
		}
	}
	return ex, true
}

// stringifyAttribute flattens an attribute value to a string. Scalars print
// naturally; arrays and objects keep their compact JSON form. Nulls are
// dropped.
func stringifyAttribute(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return fmt.Sprintf("%v", t), true
	case float64:
		return fmt.Sprintf("%v", t), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}

	// Drop the opening fence line, and the closing fence if present.
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractJSONCandidate(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	objectStart := strings.Index(trimmed, "{")
	arrayStart := strings.Index(trimmed, "[")

	start := -1
	closeChar := ""
	switch {
	case objectStart >= 0 && arrayStart >= 0:
		if objectStart < arrayStart {
			start = objectStart
			closeChar = "}"
		} else {
			start = arrayStart
			closeChar = "]"
		}
	case objectStart >= 0:
		start = objectStart
		closeChar = "}"
	case arrayStart >= 0:
		start = arrayStart
		closeChar = "]"
	default:
		return ""
	}

	end := strings.LastIndex(trimmed, closeChar)
	if end < start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}
