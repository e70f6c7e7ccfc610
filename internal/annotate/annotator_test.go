package annotate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/winnowml/winnow/internal/extraction"
	"github.com/winnowml/winnow/internal/prompts"
	"github.com/winnowml/winnow/internal/providers"
)

func medicationTemplate() *prompts.Template {
	return &prompts.Template{
		Description: "Extract medications from the text.",
		Examples: []extraction.Example{
			{
				Text: "Patient took 400mg ibuprofen",
				Extractions: []extraction.Extraction{
					{Class: "medication", Text: "ibuprofen", Attributes: map[string]string{"dosage": "400mg"}},
				},
			},
		},
	}
}

func extractionJSON(class, text string) string {
	return fmt.Sprintf(`{"extractions": [{"extraction_class": %q, "extraction_text": %q}]}`, class, text)
}

func TestAnnotateSingleChunk(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.ResponseText = extractionJSON("medication", "aspirin")

	a, err := New(mock, medicationTemplate(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	doc := extraction.NewDocument("The patient was given aspirin at noon.")
	got, err := a.Annotate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}

	if got.DocumentID != doc.ID {
		t.Errorf("DocumentID = %q, want %q", got.DocumentID, doc.ID)
	}
	if len(got.Extractions) != 1 {
		t.Fatalf("len(Extractions) = %d, want 1", len(got.Extractions))
	}

	ex := got.Extractions[0]
	if ex.Class != "medication" || ex.Text != "aspirin" {
		t.Errorf("extraction = %+v", ex)
	}
	if ex.Interval == nil {
		t.Fatal("extraction not aligned")
	}
	if doc.Text[ex.Interval.StartPos:ex.Interval.EndPos] != "aspirin" {
		t.Errorf("interval %+v does not slice the document to the extraction", ex.Interval)
	}
	if ex.Alignment != extraction.AlignmentExact {
		t.Errorf("alignment = %q", ex.Alignment)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1", mock.RequestCount())
	}
}

func TestAnnotateEmptyDocument(t *testing.T) {
	mock := providers.NewMockProvider()
	a, err := New(mock, medicationTemplate(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := a.Annotate(context.Background(), extraction.NewDocument("   \n"))
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if len(got.Extractions) != 0 {
		t.Errorf("Extractions = %+v, want none", got.Extractions)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("RequestCount() = %d, want 0 for empty document", mock.RequestCount())
	}
}

func TestAnnotateMultipleChunks(t *testing.T) {
	// Each sentence becomes its own chunk; the scripted provider answers
	// per chunk so extractions must come back stitched in chunk order with
	// absolute offsets.
	text := "Morning dose was aspirin taken early. Evening dose was warfarin taken late."
	mock := providers.NewMockProvider()
	mock.RespondFunc = func(prompt string) (string, error) {
		if strings.Contains(prompt, "Q: Morning") {
			return extractionJSON("medication", "aspirin"), nil
		}
		return extractionJSON("medication", "warfarin"), nil
	}

	a, err := New(mock, medicationTemplate(), Options{MaxCharBuffer: 40})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	doc := extraction.NewDocument(text)
	got, err := a.Annotate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if len(got.Extractions) != 2 {
		t.Fatalf("len(Extractions) = %d, want 2", len(got.Extractions))
	}

	first, second := got.Extractions[0], got.Extractions[1]
	if first.Text != "aspirin" || second.Text != "warfarin" {
		t.Errorf("extraction order = %q, %q; want chunk order", first.Text, second.Text)
	}
	for _, ex := range got.Extractions {
		if ex.Interval == nil {
			t.Fatalf("extraction %q not aligned", ex.Text)
		}
		if text[ex.Interval.StartPos:ex.Interval.EndPos] != ex.Text {
			t.Errorf("interval %+v does not slice the document to %q", ex.Interval, ex.Text)
		}
	}
}

func TestAnnotateRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	mock := providers.NewMockProvider()
	mock.RespondFunc = func(prompt string) (string, error) {
		if calls.Add(1) == 1 {
			return "", &providers.RuntimeError{Message: "chat completion failed", StatusCode: 500}
		}
		return extractionJSON("medication", "aspirin"), nil
	}

	a, err := New(mock, medicationTemplate(), Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := a.Annotate(context.Background(), extraction.NewDocument("Gave aspirin."))
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if len(got.Extractions) != 1 {
		t.Fatalf("len(Extractions) = %d, want 1", len(got.Extractions))
	}
	if calls.Load() != 2 {
		t.Errorf("provider called %d times, want 2 (one retry)", calls.Load())
	}
}

func TestAnnotatePermanentErrorFailsFast(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.RespondFunc = func(prompt string) (string, error) {
		return "", &providers.RuntimeError{Message: "chat completion failed", StatusCode: 401}
	}

	a, err := New(mock, medicationTemplate(), Options{MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Annotate(context.Background(), extraction.NewDocument("Gave aspirin."))
	if err == nil {
		t.Fatal("Annotate() succeeded with a permanently failing provider")
	}
	var re *providers.RuntimeError
	if !errors.As(err, &re) {
		t.Errorf("error = %v, want RuntimeError in chain", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1 (no retry on permanent errors)", mock.RequestCount())
	}
}

func TestAnnotateRetriesExhausted(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.RespondFunc = func(prompt string) (string, error) {
		return "", &providers.RuntimeError{Message: "chat completion failed", StatusCode: 503}
	}

	a, err := New(mock, medicationTemplate(), Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Annotate(context.Background(), extraction.NewDocument("Gave aspirin."))
	if err == nil {
		t.Fatal("Annotate() succeeded with an always-failing provider")
	}
	if !strings.Contains(err.Error(), "chunk 0") {
		t.Errorf("error %q does not name the failing chunk", err.Error())
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2 (initial try plus one retry)", mock.RequestCount())
	}
}

func TestAnnotateUnresolvableOutputFails(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.ResponseText = "I refuse to answer in JSON."

	a, err := New(mock, medicationTemplate(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Annotate(context.Background(), extraction.NewDocument("Gave aspirin."))
	if err == nil {
		t.Fatal("Annotate() succeeded with unparseable output")
	}
}

func TestAnnotateUnalignedExtractionKept(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.ResponseText = extractionJSON("medication", "quetiapine")

	a, err := New(mock, medicationTemplate(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := a.Annotate(context.Background(), extraction.NewDocument("Gave aspirin."))
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if len(got.Extractions) != 1 {
		t.Fatalf("len(Extractions) = %d, want 1", len(got.Extractions))
	}
	if got.Extractions[0].Interval != nil {
		t.Errorf("hallucinated extraction got an interval: %+v", got.Extractions[0].Interval)
	}
}

func TestAnnotateMultiPass(t *testing.T) {
	var calls atomic.Int64
	mock := providers.NewMockProvider()
	mock.RespondFunc = func(prompt string) (string, error) {
		if calls.Add(1) == 1 {
			return extractionJSON("medication", "ibuprofen"), nil
		}
		// Second pass repeats the first find and adds a new one.
		return `{"extractions": [
			{"extraction_class": "medication", "extraction_text": "ibuprofen"},
			{"extraction_class": "medication", "extraction_text": "aspirin"}
		]}`, nil
	}

	a, err := New(mock, medicationTemplate(), Options{Passes: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	text := "Patient took ibuprofen and aspirin today."
	got, err := a.Annotate(context.Background(), extraction.NewDocument(text))
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("provider called %d times, want 2", calls.Load())
	}
	if len(got.Extractions) != 2 {
		t.Fatalf("len(Extractions) = %d, want 2 (duplicate dropped, new one added):\n%+v", len(got.Extractions), got.Extractions)
	}
	if got.Extractions[0].Text != "ibuprofen" || got.Extractions[1].Text != "aspirin" {
		t.Errorf("extractions = %q, %q", got.Extractions[0].Text, got.Extractions[1].Text)
	}
	for _, ex := range got.Extractions {
		if ex.Interval == nil {
			t.Errorf("extraction %q not aligned", ex.Text)
		}
	}
}

func TestAnnotateValidation(t *testing.T) {
	mock := providers.NewMockProvider()
	mock.ResponseText = extractionJSON("diagnosis", "flu")

	a, err := New(mock, medicationTemplate(), Options{Validate: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Annotate(context.Background(), extraction.NewDocument("Patient has the flu."))
	if err == nil {
		t.Fatal("Annotate() accepted an out-of-schema class with validation on")
	}
	if !strings.Contains(err.Error(), "schema") {
		t.Errorf("error = %v", err)
	}
}

func TestAnnotateWorkerFanout(t *testing.T) {
	// Many chunks, few workers: everything must still complete and land in
	// order.
	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence number %02d is right here.", i))
	}
	text := strings.Join(sentences, " ")

	mock := providers.NewMockProvider()
	mock.Latency = time.Millisecond
	mock.ResponseText = `{"extractions": []}`

	a, err := New(mock, medicationTemplate(), Options{MaxCharBuffer: len(sentences[0]), MaxWorkers: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := a.Annotate(context.Background(), extraction.NewDocument(text))
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if len(got.Extractions) != 0 {
		t.Errorf("Extractions = %+v", got.Extractions)
	}
	if mock.RequestCount() != int64(len(sentences)) {
		t.Errorf("RequestCount() = %d, want %d", mock.RequestCount(), len(sentences))
	}
}
