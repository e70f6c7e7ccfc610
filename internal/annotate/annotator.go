// Package annotate runs the extraction pipeline: chunk the document, render
// one prompt per chunk, fan the prompts out to a provider under admission
// control, resolve the raw responses into typed extractions, and align each
// extraction back to its source interval. Additional passes can sweep the
// document again for extractions the first pass missed.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/winnowml/winnow/internal/extraction"
	"github.com/winnowml/winnow/internal/prompts"
	"github.com/winnowml/winnow/internal/providers"
	"github.com/winnowml/winnow/internal/schema"
)

const (
	defaultMaxCharBuffer = 1200
	defaultMaxWorkers    = 8
	defaultMaxRetries    = 2
)

// Options tunes one Annotator. The zero value gets sensible defaults.
type Options struct {
	// MaxCharBuffer caps chunk size in bytes.
	MaxCharBuffer int

	// MaxWorkers bounds concurrent in-flight requests. The provider client
	// imposes no cap of its own; this is the admission control in front
	// of it.
	MaxWorkers int

	// Passes is how many times the document is swept. Later passes only
	// contribute extractions that do not overlap earlier ones.
	Passes int

	// MaxRetries is the per-chunk retry budget for transient failures.
	// Zero selects the default of 2; negative disables retries.
	MaxRetries int

	// RetryDelay overrides the backoff base delay.
	RetryDelay time.Duration

	// RequestsPerSecond adds a shared rate limiter when positive.
	RequestsPerSecond float64

	// Validate checks each response against the schema derived from the
	// template examples before accepting records.
	Validate bool

	Logger *slog.Logger
}

// Stats accumulates accounting for one Annotate run.
type Stats struct {
	Chunks   int
	Requests int
	Retries  int
	Usage    providers.Usage
}

// Annotator drives the pipeline against one provider and one template.
type Annotator struct {
	provider providers.Provider
	template *prompts.Template
	resolver resolver
	limiter  *providers.RateLimiter
	opts     Options
	logger   *slog.Logger
}

// New builds an Annotator. Schema application to the provider is the
// caller's composition step; the annotator only consumes the provider's
// outputs.
func New(p providers.Provider, tpl *prompts.Template, opts Options) (*Annotator, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if tpl == nil {
		return nil, errors.New("template is required")
	}

	if opts.MaxCharBuffer <= 0 {
		opts.MaxCharBuffer = defaultMaxCharBuffer
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.Passes <= 0 {
		opts.Passes = 1
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Annotator{
		provider: p,
		template: tpl,
		opts:     opts,
		logger:   opts.Logger.With("component", "annotate", "model", p.ModelID()),
	}
	if opts.RequestsPerSecond > 0 {
		a.limiter = providers.NewRateLimiter(opts.RequestsPerSecond)
	}
	if opts.Validate {
		compiled, err := schema.FromExamples(tpl.Examples).Compile()
		if err != nil {
			return nil, fmt.Errorf("compiling validation schema: %w", err)
		}
		a.resolver.compiled = compiled
	}
	return a, nil
}

// Annotate runs the pipeline over one document. An empty document returns an
// empty annotated document without any inference. The run is all-or-nothing:
// a chunk that exhausts its retries, or a response that cannot be resolved,
// fails the whole call.
func (a *Annotator) Annotate(ctx context.Context, doc extraction.Document) (*extraction.AnnotatedDocument, error) {
	out := &extraction.AnnotatedDocument{DocumentID: doc.ID, Text: doc.Text}

	chunks := splitChunks(doc.Text, a.opts.MaxCharBuffer)
	if len(chunks) == 0 {
		return out, nil
	}

	stats := Stats{Chunks: len(chunks)}
	logger := a.logger.With("document", doc.ID)
	logger.Info("annotating document",
		"chunks", len(chunks),
		"passes", a.opts.Passes,
		"prompt_hash", a.template.Hash())

	var accepted []extraction.Extraction
	for pass := 1; pass <= a.opts.Passes; pass++ {
		found, err := a.runPass(ctx, chunks, &stats)
		if err != nil {
			return nil, fmt.Errorf("pass %d: %w", pass, err)
		}
		if pass == 1 {
			accepted = found
		} else {
			before := len(accepted)
			accepted = mergeAdditional(accepted, found)
			logger.Debug("merged pass", "pass", pass, "added", len(accepted)-before)
		}
	}

	out.Extractions = accepted
	logger.Info("annotation complete",
		"extractions", len(accepted),
		"requests", stats.Requests,
		"retries", stats.Retries,
		"total_tokens", stats.Usage.TotalTokens)
	return out, nil
}

// runPass renders, dispatches, resolves, and aligns every chunk once.
func (a *Annotator) runPass(ctx context.Context, chunks []Chunk, stats *Stats) ([]extraction.Extraction, error) {
	rendered := make([]string, len(chunks))
	for i, c := range chunks {
		p, err := a.template.Render(c.Text)
		if err != nil {
			return nil, err
		}
		rendered[i] = p
	}

	results, err := runPool(ctx, a.provider, rendered, poolOptions{
		workers:    a.opts.MaxWorkers,
		maxRetries: a.opts.MaxRetries,
		retryDelay: a.opts.RetryDelay,
		limiter:    a.limiter,
		logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}

	var out []extraction.Extraction
	for i, r := range results {
		stats.Requests += 1 + r.retries
		stats.Retries += r.retries
		stats.Usage.Add(r.usage)

		found, err := a.resolver.resolve(r.output)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out = append(out, alignChunk(chunks[i], found)...)
	}
	return out, nil
}
