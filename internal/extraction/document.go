package extraction

import (
	"strings"

	"github.com/google/uuid"
)

// Document is a piece of source text with an opaque identifier. Callers that
// already track their own ids may fill ID directly; NewDocument mints one.
type Document struct {
	ID   string `json:"document_id" yaml:"document_id"`
	Text string `json:"text" yaml:"text"`
}

// NewDocument wraps text in a Document with a fresh opaque id.
func NewDocument(text string) Document {
	return Document{ID: newDocumentID(), Text: text}
}

// AnnotatedDocument is the pipeline output: the source text paired with the
// extractions found in it, in document order.
type AnnotatedDocument struct {
	DocumentID  string       `json:"document_id" yaml:"document_id"`
	Text        string       `json:"text" yaml:"text"`
	Extractions []Extraction `json:"extractions" yaml:"extractions"`
}

func newDocumentID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "doc-" + id[:8]
}
