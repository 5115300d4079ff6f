// Package mock provides an in-memory nativebackend.Backend for tests of
// the loader, generator, and registry without linking a real cgo binding.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/nativebackend"
)

// Backend is a deterministic, in-process nativebackend.Backend. Every
// generated response is "echo: " followed by the prompt, split into
// whitespace-delimited chunks for PromptStreaming, unless PromptFunc is set.
type Backend struct {
	mu sync.Mutex

	nextHandle atomic.Uint64
	models     map[coremodel.NativeHandle]string
	contexts   map[coremodel.NativeHandle]coremodel.NativeHandle
	sessions   map[coremodel.NativeHandle]coremodel.NativeHandle
	words      map[coremodel.NativeHandle][]string

	// LoadModelErr, when set, is returned by every LoadModel call.
	LoadModelErr error

	// LoadModelFailAt, when non-nil, fails only those LoadModel calls whose
	// gpuLayers argument is a key with a true value, for exercising
	// GPU-layer step-down fallback.
	LoadModelFailAt map[int]bool

	// LoadModelCalls records the gpuLayers argument of every LoadModel call.
	LoadModelCalls []int

	// PromptFunc overrides the default echo behavior when set.
	PromptFunc func(prompt string) (string, error)
}

// New creates an empty mock Backend.
func New() *Backend {
	return &Backend{
		models:   make(map[coremodel.NativeHandle]string),
		contexts: make(map[coremodel.NativeHandle]coremodel.NativeHandle),
		sessions: make(map[coremodel.NativeHandle]coremodel.NativeHandle),
		words:    make(map[coremodel.NativeHandle][]string),
	}
}

func (b *Backend) alloc() coremodel.NativeHandle {
	return coremodel.NativeHandle(b.nextHandle.Add(1))
}

// LoadModel records path as loaded and returns a fresh handle.
func (b *Backend) LoadModel(_ context.Context, path string, gpuLayers int) (coremodel.NativeHandle, error) {
	b.mu.Lock()
	b.LoadModelCalls = append(b.LoadModelCalls, gpuLayers)
	b.mu.Unlock()
	if b.LoadModelErr != nil {
		return 0, b.LoadModelErr
	}
	if b.LoadModelFailAt[gpuLayers] {
		return 0, fmt.Errorf("mock backend: simulated load failure at %d gpu layers", gpuLayers)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.alloc()
	b.models[h] = path
	return h, nil
}

// NewContext returns a fresh handle associated with model.
func (b *Backend) NewContext(_ context.Context, model coremodel.NativeHandle, _, _, _ int) (coremodel.NativeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.models[model]; !ok {
		return 0, fmt.Errorf("mock backend: unknown model handle %d", model)
	}
	h := b.alloc()
	b.contexts[h] = model
	return h, nil
}

// NewSession returns a fresh handle associated with modelContext.
func (b *Backend) NewSession(_ context.Context, modelContext coremodel.NativeHandle, _ string) (coremodel.NativeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[modelContext]; !ok {
		return 0, fmt.Errorf("mock backend: unknown context handle %d", modelContext)
	}
	h := b.alloc()
	b.sessions[h] = modelContext
	return h, nil
}

// Prompt returns PromptFunc's output, or "echo: "+prompt by default.
func (b *Backend) Prompt(_ context.Context, session coremodel.NativeHandle, prompt string, _ nativebackend.GenerateOptions) (string, error) {
	b.mu.Lock()
	_, ok := b.sessions[session]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mock backend: unknown session handle %d", session)
	}
	if b.PromptFunc != nil {
		return b.PromptFunc(prompt)
	}
	return "echo: " + prompt, nil
}

// PromptStreaming calls Prompt, splits the result into words, and feeds
// onToken one word-index token id at a time. Detokenize on the same
// session reconstructs text from those ids, matching the real cumulative-
// detokenize contract without needing a real tokenizer.
func (b *Backend) PromptStreaming(ctx context.Context, session coremodel.NativeHandle, prompt string, opts nativebackend.GenerateOptions, onToken nativebackend.TokenCallback) error {
	full, err := b.Prompt(ctx, session, prompt, opts)
	if err != nil {
		return err
	}
	words := strings.Fields(full)

	b.mu.Lock()
	b.words[session] = words
	b.mu.Unlock()

	for i := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := onToken(int32(i)); err != nil {
			return err
		}
	}
	return nil
}

// Detokenize joins the words recorded by the most recent PromptStreaming
// call on session for the given token ids (word indices), space-separated.
func (b *Backend) Detokenize(_ context.Context, session coremodel.NativeHandle, tokens []int32) (string, error) {
	b.mu.Lock()
	words := b.words[session]
	b.mu.Unlock()

	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if int(t) >= 0 && int(t) < len(words) {
			parts = append(parts, words[t])
		}
	}
	return strings.Join(parts, " "), nil
}

// DisposeSession removes session from the mock's bookkeeping.
func (b *Backend) DisposeSession(_ context.Context, session coremodel.NativeHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, session)
	return nil
}

// DisposeContext removes modelContext from the mock's bookkeeping.
func (b *Backend) DisposeContext(_ context.Context, modelContext coremodel.NativeHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, modelContext)
	return nil
}

// DisposeModel removes model from the mock's bookkeeping.
func (b *Backend) DisposeModel(_ context.Context, model coremodel.NativeHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.models, model)
	return nil
}
