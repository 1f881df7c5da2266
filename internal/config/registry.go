package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/halvick/parley/pkg/provider/asr"
	"github.com/halvick/parley/pkg/provider/embeddings"
	"github.com/halvick/parley/pkg/provider/llm"
	"github.com/halvick/parley/pkg/provider/rerank"
	"github.com/halvick/parley/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	llm         map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings  map[string]func(ProviderEntry) (embeddings.Provider, error)
	rerank      map[string]func(ProviderEntry) (rerank.Provider, error)
	recognition map[string]func(ProviderEntry) (asr.Provider, error)
	synthesis   map[string]func(ProviderEntry) (speech.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:         make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings:  make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		rerank:      make(map[string]func(ProviderEntry) (rerank.Provider, error)),
		recognition: make(map[string]func(ProviderEntry) (asr.Provider, error)),
		synthesis:   make(map[string]func(ProviderEntry) (speech.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterRerank registers a rerank provider factory under name.
func (r *Registry) RegisterRerank(name string, factory func(ProviderEntry) (rerank.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rerank[name] = factory
}

// RegisterRecognition registers a speech recognition provider factory under name.
func (r *Registry) RegisterRecognition(name string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognition[name] = factory
}

// RegisterSynthesis registers a speech synthesis provider factory under name.
func (r *Registry) RegisterSynthesis(name string, factory func(ProviderEntry) (speech.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRerank instantiates a rerank provider using the factory registered
// under entry.Name.
func (r *Registry) CreateRerank(entry ProviderEntry) (rerank.Provider, error) {
	r.mu.RLock()
	factory, ok := r.rerank[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: rerank/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRecognition instantiates a recognition provider using the factory
// registered under entry.Name.
func (r *Registry) CreateRecognition(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognition[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognition/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesis instantiates a synthesis provider using the factory
// registered under entry.Name.
func (r *Registry) CreateSynthesis(entry ProviderEntry) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
