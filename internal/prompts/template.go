// Package prompts renders few-shot extraction prompts in question/answer
// form. The answer for each example is the same JSON record shape the
// output schema constrains, so the examples teach both the task and the
// serialization.
package prompts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/winnowml/winnow/internal/extraction"
)

// Template holds the task description and worked examples for a prompt.
type Template struct {
	Description string
	Examples    []extraction.Example

	// Fence wraps example answers in ```json fences, for models without a
	// native JSON response mode.
	Fence bool
}

// answerDoc is the serialized form of one example's extractions.
type answerDoc struct {
	Extractions []extraction.Extraction `json:"extractions"`
}

// Render produces the full prompt for one chunk of input text: description,
// an Examples section with one Q/A pair per example, then the chunk as the
// final unanswered question.
func (t *Template) Render(chunk string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(t.Description))
	b.WriteString("\n\n")

	if len(t.Examples) > 0 {
		b.WriteString("Examples\n")
		for _, ex := range t.Examples {
			answer, err := t.renderAnswer(ex)
			if err != nil {
				return "", fmt.Errorf("rendering example answer: %w", err)
			}
			b.WriteString("Q: ")
			b.WriteString(ex.Text)
			b.WriteString("\nA: ")
			b.WriteString(answer)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("Q: ")
	b.WriteString(chunk)
	b.WriteString("\nA: ")
	return b.String(), nil
}

func (t *Template) renderAnswer(ex extraction.Example) (string, error) {
	// Examples carry no alignment state, so only class, text, and
	// attributes survive marshaling. Map keys marshal sorted.
	data, err := json.Marshal(answerDoc{Extractions: ex.Extractions})
	if err != nil {
		return "", err
	}
	if t.Fence {
		return "```json\n" + string(data) + "\n```", nil
	}
	return string(data), nil
}

// Hash fingerprints the template for change detection in logs and stored
// run metadata. Two templates hash equal iff they render identical prompts.
func (t *Template) Hash() string {
	rendered, err := t.Render("")
	if err != nil {
		rendered = t.Description
	}
	sum := sha256.Sum256([]byte(rendered))
	return hex.EncodeToString(sum[:])
}
