// Package llamacpp implements nativebackend.Backend using the
// github.com/go-skynet/go-llama.cpp CGO bindings to llama.cpp. The
// llama.cpp static library and headers must be available at link time,
// the same build-time requirement
// pkg/provider/stt/whisper/native.go documents for whisper.cpp.
//
// Modeled on NativeProvider's load-once-share-model, session-per-request
// idiom: Backend.LoadModel plays the role of whisper's NewNative, and
// NewSession plays the role of StartStream — generalized from an audio
// session to a chat session against a GGUF text model.
package llamacpp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	llama "github.com/go-skynet/go-llama.cpp"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/nativebackend"
)

var _ nativebackend.Backend = (*Backend)(nil)

// loadedModel bundles an open llama.cpp model with the GPU layer count it
// was loaded under. The binding fixes the context window when the model
// is loaded (LoadModel always uses 4096) rather than on a separate
// context object.
type loadedModel struct {
	llm       *llama.LLama
	gpuLayers int
}

// session is one named conversational handle against a loadedModel.
// go-llama.cpp has no first-class context/session split, so both
// nativebackend.Backend.NewContext and NewSession resolve to the same
// underlying *llama.LLama; context/session handles exist purely so the
// worker's bookkeeping (internal/chatsession, internal/modelloader) has
// something concrete to hold, and so Detokenize has somewhere to look up
// the synthetic token-id-to-piece mapping described below.
type session struct {
	model       *loadedModel
	contextSize int
	batchSize   int
	threads     int

	mu     sync.Mutex
	pieces map[int32]string
}

// Backend drives zero or more loaded models for the worker process's
// entire lifetime. A single Backend instance is owned by one worker
// process; handles are allocated from one monotonic counter across
// models, contexts, and sessions since coremodel.NativeHandle does not
// distinguish handle kinds by value.
type Backend struct {
	mu       sync.Mutex
	models   map[coremodel.NativeHandle]*loadedModel
	contexts map[coremodel.NativeHandle]*session
	sessions map[coremodel.NativeHandle]*session
	handles  atomic.Uint64
}

// New creates an empty Backend. Call LoadModel to load a GGUF file.
func New() *Backend {
	return &Backend{
		models:   make(map[coremodel.NativeHandle]*loadedModel),
		contexts: make(map[coremodel.NativeHandle]*session),
		sessions: make(map[coremodel.NativeHandle]*session),
	}
}

func (b *Backend) nextHandle() coremodel.NativeHandle {
	return coremodel.NativeHandle(b.handles.Add(1))
}

// LoadModel loads GGUF weights from path, offloading gpuLayers layers to
// the GPU (0 for CPU-only).
func (b *Backend) LoadModel(ctx context.Context, path string, gpuLayers int) (coremodel.NativeHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("llamacpp: context already cancelled: %w", err)
	}

	llm, err := llama.New(path, llama.SetGPULayers(gpuLayers), llama.SetContext(4096))
	if err != nil {
		return 0, fmt.Errorf("llamacpp: load model %q: %w", path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.nextHandle()
	b.models[h] = &loadedModel{llm: llm, gpuLayers: gpuLayers}
	return h, nil
}

// NewContext records the context window size, batch size, and thread
// count for sessions against model. Only the thread count is passed to
// each Predict call; the context window stays at the 4096 set by
// LoadModel, and the batch size is not passed to the binding.
func (b *Backend) NewContext(ctx context.Context, model coremodel.NativeHandle, contextSize, batchSize, threads int) (coremodel.NativeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.models[model]
	if !ok {
		return 0, fmt.Errorf("llamacpp: unknown model handle %d", model)
	}
	h := b.nextHandle()
	b.contexts[h] = &session{model: m, contextSize: contextSize, batchSize: batchSize, threads: threads}
	return h, nil
}

// NewSession creates a named conversational session against modelContext.
func (b *Backend) NewSession(ctx context.Context, modelContext coremodel.NativeHandle, name string) (coremodel.NativeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contexts[modelContext]
	if !ok {
		return 0, fmt.Errorf("llamacpp: unknown context handle %d", modelContext)
	}
	h := b.nextHandle()
	b.sessions[h] = &session{
		model:       c.model,
		contextSize: c.contextSize,
		batchSize:   c.batchSize,
		threads:     c.threads,
		pieces:      make(map[int32]string),
	}
	return h, nil
}

func (b *Backend) session(handle coremodel.NativeHandle) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("llamacpp: unknown session handle %d", handle)
	}
	return s, nil
}

func predictOptions(opts nativebackend.GenerateOptions, s *session) []llama.PredictOption {
	out := []llama.PredictOption{
		llama.SetThreads(s.threads),
		llama.SetTokens(512),
	}
	if opts.HasTemperature {
		out = append(out, llama.SetTemperature(opts.Temperature))
	}
	if opts.HasMaxTokens {
		out = append(out, llama.SetTokens(opts.MaxTokens))
	}
	if opts.HasTopK {
		out = append(out, llama.SetTopK(opts.TopK))
	}
	if opts.HasTopP {
		out = append(out, llama.SetTopP(opts.TopP))
	}
	if opts.HasSeed {
		out = append(out, llama.SetSeed(int(opts.Seed)))
	}
	if len(opts.StopSequences) > 0 {
		out = append(out, llama.SetStopWords(opts.StopSequences...))
	}
	return out
}

// Prompt runs prompt to completion and returns the full generated text.
// Tool calls are not supported by the underlying binding's Predict call;
// opts.Tools/OnToolCall are accepted for interface conformance but have no
// effect here, nor in PromptStreaming.
func (b *Backend) Prompt(ctx context.Context, sessionHandle coremodel.NativeHandle, prompt string, opts nativebackend.GenerateOptions) (string, error) {
	s, err := b.session(sessionHandle)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("llamacpp: context already cancelled: %w", err)
	}

	text, err := s.model.llm.Predict(prompt, predictOptions(opts, s)...)
	if err != nil {
		return "", fmt.Errorf("llamacpp: predict: %w", err)
	}
	return text, nil
}

// PromptStreaming runs prompt against session, synthesizing a monotonic
// int32 token id for each text piece go-llama.cpp's token callback
// delivers (the binding streams decoded text pieces, not raw token ids)
// and recording the id-to-piece mapping on session so Detokenize can
// recover it. Aborting via a non-nil onToken error or ctx cancellation
// stops the underlying Predict call by returning false from the token
// callback.
func (b *Backend) PromptStreaming(ctx context.Context, sessionHandle coremodel.NativeHandle, prompt string, opts nativebackend.GenerateOptions, onToken nativebackend.TokenCallback) error {
	s, err := b.session(sessionHandle)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("llamacpp: context already cancelled: %w", err)
	}

	predictOpts := predictOptions(opts, s)

	var nextID int32
	var callbackErr error
	predictOpts = append(predictOpts, llama.SetTokenCallback(func(piece string) bool {
		select {
		case <-ctx.Done():
			callbackErr = ctx.Err()
			return false
		default:
		}

		id := nextID
		nextID++
		s.mu.Lock()
		s.pieces[id] = piece
		s.mu.Unlock()

		if err := onToken(id); err != nil {
			callbackErr = err
			return false
		}
		return true
	}))

	if _, err := s.model.llm.Predict(prompt, predictOpts...); err != nil {
		if callbackErr != nil {
			return callbackErr
		}
		return fmt.Errorf("llamacpp: predict streaming: %w", err)
	}
	return callbackErr
}

// Detokenize reconstructs text from a cumulative sequence of synthetic
// token ids minted during PromptStreaming, by concatenating their
// recorded pieces in order.
func (b *Backend) Detokenize(ctx context.Context, sessionHandle coremodel.NativeHandle, tokens []int32) (string, error) {
	s, err := b.session(sessionHandle)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	for _, id := range tokens {
		piece, ok := s.pieces[id]
		if !ok {
			return "", fmt.Errorf("llamacpp: unknown token id %d for session", id)
		}
		sb.WriteString(piece)
	}
	return sb.String(), nil
}

// DisposeSession releases a session handle. Safe to call on an already
// disposed handle.
func (b *Backend) DisposeSession(ctx context.Context, sessionHandle coremodel.NativeHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionHandle)
	return nil
}

// DisposeContext releases a context handle.
func (b *Backend) DisposeContext(ctx context.Context, modelContext coremodel.NativeHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, modelContext)
	return nil
}

// DisposeModel releases a model handle, freeing its weights.
func (b *Backend) DisposeModel(ctx context.Context, model coremodel.NativeHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.models[model]
	if !ok {
		return nil
	}
	delete(b.models, model)
	m.llm.Free()
	return nil
}
