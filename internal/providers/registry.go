package providers

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// Descriptor describes one registered provider implementation.
type Descriptor struct {
	Name     string
	Pattern  string
	Priority int
}

type registryEntry struct {
	Descriptor
	re      *regexp.Regexp
	factory Factory
}

// Registry maps model-identifier strings to provider factories via ordered
// pattern matching. It is an explicit object owned by the composition root,
// not process-wide state: independent registries do not observe each other's
// registrations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []registryEntry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default()}
}

// NewDefaultRegistry creates a registry with the built-in providers
// registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	// Built-in patterns are constants; compilation cannot fail.
	_ = r.Register(GLMPattern, GLMPriority, GLMName, func(cfg Config) (Provider, error) {
		return NewGLM(cfg)
	})
	_ = r.Register(OpenAIPattern, OpenAIPriority, OpenAIName, func(cfg Config) (Provider, error) {
		return NewOpenAI(cfg)
	})
	return r
}

// SetLogger sets the logger used for registration events.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds a provider factory under a model-id pattern. Registration is
// idempotent on the (pattern, name) pair: re-registering the same provider
// neither duplicates the entry nor changes its position, so repeated plugin
// loading cannot create ambiguous ties. An invalid pattern is an error.
func (r *Registry) Register(pattern string, priority int, name string, factory Factory) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid provider pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Pattern == pattern && e.Name == name {
			return nil
		}
	}

	r.entries = append(r.entries, registryEntry{
		Descriptor: Descriptor{Name: name, Pattern: pattern, Priority: priority},
		re:         re,
		factory:    factory,
	})
	if r.logger != nil {
		r.logger.Debug("registered provider", "name", name, "pattern", pattern, "priority", priority)
	}
	return nil
}

// Resolve returns the factory for the model id. Every registered pattern is
// evaluated; among matches the highest priority wins and ties are broken by
// registration order (first registered wins). Resolution never constructs an
// instance. No match returns ErrNoProviderFound.
func (r *Registry) Resolve(modelID string) (Factory, error) {
	_, factory, err := r.lookup(modelID)
	return factory, err
}

// ResolveDescriptor is Resolve plus the matched entry's descriptor, for
// callers that want to report which implementation was selected.
func (r *Registry) ResolveDescriptor(modelID string) (Descriptor, Factory, error) {
	return r.lookup(modelID)
}

func (r *Registry) lookup(modelID string) (Descriptor, Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	for i, e := range r.entries {
		if !e.re.MatchString(modelID) {
			continue
		}
		// Entries are scanned in registration order, so a strict priority
		// comparison keeps the first-registered entry on ties.
		if best == -1 || e.Priority > r.entries[best].Priority {
			best = i
		}
	}
	if best == -1 {
		return Descriptor{}, nil, fmt.Errorf("%w: %q", ErrNoProviderFound, modelID)
	}
	return r.entries[best].Descriptor, r.entries[best].factory, nil
}

// Descriptors returns a snapshot of the registered descriptors in
// registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Descriptor
	}
	return out
}
