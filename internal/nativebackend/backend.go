// Package nativebackend defines the worker-side contract for driving a
// loaded GGUF model: loading weights, creating an inference context and a
// session against it, running prompts (batch and token-streaming), and
// tearing everything down again. Only the worker process
// (cmd/llamacore-worker) ever imports an implementation of Backend; the
// controller only ever sees the opaque coremodel.NativeHandle values an
// implementation hands back.
//
// Modeled on the load-once-share-model, session-per-request idiom of
// pkg/provider/stt/whisper/native.go's NativeProvider: NewNative loads a
// single whisper.cpp model and each StartStream call creates a fresh
// wctx. Here LoadModel plays the role of NewNative and NewSession plays the
// role of StartStream, generalized from an audio session to a chat session
// against a GGUF text model.
package nativebackend

import (
	"context"
	"encoding/json"

	"github.com/MrWong99/llamacore/internal/coremodel"
)

// ToolDefinition describes one callable tool offered to the model for a
// single Prompt/PromptStreaming call.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCallHandler is invoked by the backend when the model requests a tool
// call mid-generation. argsJSON carries the model-supplied arguments; the
// returned string is fed back to the model as the tool's result.
type ToolCallHandler func(ctx context.Context, name, argsJSON string) (string, error)

// GenerateOptions controls one Prompt/PromptStreaming call.
type GenerateOptions struct {
	Temperature   float64
	HasTemperature bool
	MaxTokens     int
	HasMaxTokens  bool
	TopK          int
	HasTopK       bool
	TopP          float64
	HasTopP       bool
	Seed          int64
	HasSeed       bool
	StopSequences []string

	// Tools, when non-empty, are advertised to the model as callable
	// functions. OnToolCall is invoked synchronously whenever the model
	// requests one of them; nil if tool calling is disabled for this call.
	Tools      []ToolDefinition
	OnToolCall ToolCallHandler
}

// TokenCallback receives one freshly generated raw token id during
// streaming generation. Token ids, not text, are handed to the caller
// because a single token does not necessarily align with a UTF-8 character
// boundary; the caller is expected to accumulate ids and call Detokenize on
// the cumulative sequence to recover correct text (see
// internal/generation's streaming loop). Returning a non-nil error aborts
// the generation; the error is propagated back to the caller of
// PromptStreaming.
type TokenCallback func(tokenID int32) error

// Backend is implemented by a llama.cpp-family cgo binding wrapper. A single
// Backend instance is owned by one worker process for its entire lifetime;
// individual model/context/session handles come and go as models are
// loaded and unloaded.
type Backend interface {
	// LoadModel loads model weights from path into memory, offloading
	// gpuLayers layers to the GPU (0 for CPU-only), and returns a handle to
	// the loaded model.
	LoadModel(ctx context.Context, path string, gpuLayers int) (coremodel.NativeHandle, error)

	// NewContext creates an inference context against model with the given
	// context window size, batch size, and CPU thread count.
	NewContext(ctx context.Context, model coremodel.NativeHandle, contextSize, batchSize, threads int) (coremodel.NativeHandle, error)

	// NewSession creates a named conversational session against context.
	// The name is used only for diagnostics (e.g. "{modelId}-main").
	NewSession(ctx context.Context, modelContext coremodel.NativeHandle, name string) (coremodel.NativeHandle, error)

	// Prompt runs prompt to completion against session and returns the full
	// generated text.
	Prompt(ctx context.Context, session coremodel.NativeHandle, prompt string, opts GenerateOptions) (string, error)

	// PromptStreaming runs prompt against session, invoking onToken once per
	// newly generated token id as generation proceeds.
	PromptStreaming(ctx context.Context, session coremodel.NativeHandle, prompt string, opts GenerateOptions, onToken TokenCallback) error

	// Detokenize converts a raw token sequence back into text. The
	// streaming pipeline calls this with the cumulative token sequence on
	// every callback and emits only the new suffix, which preserves
	// multi-byte character boundaries that splitting per-token would break.
	Detokenize(ctx context.Context, session coremodel.NativeHandle, tokens []int32) (string, error)

	// DisposeSession releases a session handle. Safe to call on an already
	// disposed handle (a no-op).
	DisposeSession(ctx context.Context, session coremodel.NativeHandle) error

	// DisposeContext releases a context handle.
	DisposeContext(ctx context.Context, modelContext coremodel.NativeHandle) error

	// DisposeModel releases a model handle, freeing its weights.
	DisposeModel(ctx context.Context, model coremodel.NativeHandle) error
}
