// Package extraction provides the core value types shared across the pipeline.
// This package has no dependencies on other winnow packages to avoid import cycles.
package extraction

// AlignmentStatus indicates how an extraction's text was matched back to the
// source document.
type AlignmentStatus string

const (
	// AlignmentExact indicates a verbatim match at the recorded interval.
	AlignmentExact AlignmentStatus = "match_exact"
	// AlignmentFuzzy indicates a case-insensitive match.
	AlignmentFuzzy AlignmentStatus = "match_fuzzy"
	// AlignmentLesser indicates a partial match (whitespace-normalized prefix).
	AlignmentLesser AlignmentStatus = "match_lesser"
)

// CharInterval is a half-open byte span [StartPos, EndPos) in the source text.
type CharInterval struct {
	StartPos int `json:"start_pos" yaml:"start_pos"`
	EndPos   int `json:"end_pos" yaml:"end_pos"`
}

// Len returns the span length in bytes.
func (c CharInterval) Len() int {
	return c.EndPos - c.StartPos
}

// Overlaps reports whether two intervals share at least one position.
func (c CharInterval) Overlaps(o CharInterval) bool {
	return c.StartPos < o.EndPos && o.StartPos < c.EndPos
}

// Extraction is one labeled span of text plus a bag of key/value attributes.
// Interval and Alignment are populated only after the span has been located in
// the source document; an extraction the aligner could not place keeps a nil
// Interval.
type Extraction struct {
	Class      string            `json:"extraction_class" yaml:"extraction_class"`
	Text       string            `json:"extraction_text" yaml:"extraction_text"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Interval   *CharInterval     `json:"char_interval,omitempty" yaml:"char_interval,omitempty"`
	Alignment  AlignmentStatus   `json:"alignment_status,omitempty" yaml:"alignment_status,omitempty"`
}

// Example is one few-shot example annotation: a source text and the
// extractions a model is expected to produce for it. Extraction order within
// an example is preserved; attribute key order is not significant.
type Example struct {
	Text        string       `json:"text" yaml:"text"`
	Extractions []Extraction `json:"extractions" yaml:"extractions"`
}
