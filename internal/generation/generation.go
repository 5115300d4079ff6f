// Package generation implements the streaming and non-streaming response
// generator: it reduces a chat message list to a prompt, drives the native
// backend's Prompt/PromptStreaming calls, and — for streaming — owns the
// cumulative detokenize-and-slice-new-suffix loop that turns raw token ids
// into an ordered sequence of text chunks.
//
// Grounded on internal/engine.Response's channel + atomic.Pointer[error]
// idiom for the streaming Response, and on
// pkg/provider/llm.Provider.StreamCompletion's "channel closed when
// generation finishes or ctx cancelled" contract for the chunk channel.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/llamacore/internal/abortregistry"
	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/generation/toolbridge"
	"github.com/MrWong99/llamacore/internal/nativebackend"
)

// Options bundles everything a caller may set for one generation call,
// beyond the message list itself.
type Options struct {
	Temperature    float64 `json:"temperature"`
	HasTemperature bool    `json:"hasTemperature"`
	MaxTokens      int     `json:"maxTokens"`
	HasMaxTokens   bool    `json:"hasMaxTokens"`
	TopK           int     `json:"topK"`
	HasTopK        bool    `json:"hasTopK"`
	TopP           float64 `json:"topP"`
	HasTopP        bool    `json:"hasTopP"`
	Seed           int64   `json:"seed"`
	HasSeed        bool    `json:"hasSeed"`

	// ThreadID identifies the calling conversation thread for logging; the
	// generator does not itself associate threads with models (see
	// internal/modelregistry.Registry.AssociateThread for that).
	ThreadID string `json:"threadId,omitempty"`

	DisableFunctions   bool `json:"disableFunctions,omitempty"`
	DisableChatHistory bool `json:"disableChatHistory,omitempty"`
}

// Result is the outcome of a non-streaming Generate call.
type Result struct {
	Content string `json:"content"`

	// TokensGenerated approximates token count as the length of Content.
	// This is a documented limitation: true token counts require decoding
	// the native backend's token ids, which the non-streaming path never
	// sees individually.
	TokensGenerated int `json:"tokensGenerated"`

	// StopReason is empty on ordinary completion, or "abort" if the call
	// was cancelled via the caller's abort signal.
	StopReason string `json:"stopReason,omitempty"`
}

// SessionStore is the subset of chatsession.Manager the generator needs.
type SessionStore interface {
	Get(modelID string) (*coremodel.ChatSession, bool)
	SnapshotHistory(modelID string) ([]coremodel.Message, bool)
	RestoreHistory(modelID string, snapshot []coremodel.Message)
}

// ToolSource is the subset of toolbridge.Bridge the generator needs to
// fetch the available tool set and to execute a tool the model calls.
type ToolSource interface {
	ListTools(ctx context.Context) ([]toolbridge.ToolDescriptor, error)
	HandleToolCall(ctx context.Context, name, args string) (string, error)
}

// Generator produces responses for a single model's active session. One
// Generator instance is shared by every generation call the worker serves;
// it holds only shared collaborators, no per-call state, and does not
// serialize concurrent calls itself.
type Generator struct {
	backend  nativebackend.Backend
	sessions SessionStore
	tools    ToolSource
	abort    *abortregistry.Registry
	log      *slog.Logger
}

// New creates a Generator. tools may be nil if no reverse tool bridge is
// wired (all calls are then treated as disableFunctions).
func New(backend nativebackend.Backend, sessions SessionStore, tools ToolSource, abort *abortregistry.Registry) *Generator {
	return &Generator{
		backend:  backend,
		sessions: sessions,
		tools:    tools,
		abort:    abort,
		log:      slog.Default(),
	}
}

// WithLogger overrides the default logger.
func (g *Generator) WithLogger(log *slog.Logger) *Generator {
	g.log = log
	return g
}

// reducePrompt walks messages in reverse and returns the first
// role=="user" entry's content, or coreerr.ErrNoUserMessage if none exists.
func reducePrompt(messages []coremodel.Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == coremodel.RoleUser {
			return messages[i].Content, nil
		}
	}
	return "", fmt.Errorf("generation: reduce prompt: %w", coreerr.ErrNoUserMessage)
}

// isAbortErr reports whether err represents a caller-initiated abort rather
// than an ordinary backend failure.
func isAbortErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, coreerr.ErrAbort) {
		return true
	}
	return coreerr.IsAbort(err.Error())
}

func (g *Generator) buildGenerateOptions(opts Options, tools []toolbridge.ToolDescriptor) nativebackend.GenerateOptions {
	genOpts := nativebackend.GenerateOptions{
		Temperature:    opts.Temperature,
		HasTemperature: opts.HasTemperature,
		MaxTokens:      opts.MaxTokens,
		HasMaxTokens:   opts.HasMaxTokens,
		TopK:           opts.TopK,
		HasTopK:        opts.HasTopK,
		TopP:           opts.TopP,
		HasTopP:        opts.HasTopP,
		Seed:           opts.Seed,
		HasSeed:        opts.HasSeed,
	}
	if len(tools) == 0 {
		return genOpts
	}

	defs := make([]nativebackend.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = nativebackend.ToolDefinition{Name: t.Name, Description: t.Description, Schema: t.Schema}
	}
	genOpts.Tools = defs
	genOpts.OnToolCall = func(ctx context.Context, name, argsJSON string) (string, error) {
		return g.tools.HandleToolCall(ctx, name, argsJSON)
	}
	return genOpts
}

// fetchTools returns the current tool set unless disableFunctions is set or
// no tool source is wired. The result is cached only for the duration of
// one Generate/GenerateStream call, not across calls.
func (g *Generator) fetchTools(ctx context.Context, disableFunctions bool) ([]toolbridge.ToolDescriptor, error) {
	if disableFunctions || g.tools == nil {
		return nil, nil
	}
	tools, err := g.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("generation: fetch tool set: %w", err)
	}
	return tools, nil
}

// Generate runs the non-streaming path: reduce messages to a prompt, run it
// to completion against modelID's session, and return the full text.
func (g *Generator) Generate(ctx context.Context, correlationID, modelID string, messages []coremodel.Message, opts Options) (Result, error) {
	prompt, err := reducePrompt(messages)
	if err != nil {
		return Result{}, err
	}

	session, ok := g.sessions.Get(modelID)
	if !ok {
		return Result{}, fmt.Errorf("generation: %w: model %q has no active session", coreerr.ErrNotLoaded, modelID)
	}

	tools, err := g.fetchTools(ctx, opts.DisableFunctions)
	if err != nil {
		return Result{}, err
	}

	var snapshot []coremodel.Message
	if opts.DisableChatHistory {
		snapshot, _ = g.sessions.SnapshotHistory(modelID)
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if correlationID != "" && g.abort != nil {
		g.abort.Register(correlationID, cancel)
		defer g.abort.Unregister(correlationID)
	}

	genOpts := g.buildGenerateOptions(opts, tools)
	content, err := g.backend.Prompt(genCtx, session.SessionHandle, prompt, genOpts)

	if opts.DisableChatHistory {
		g.sessions.RestoreHistory(modelID, snapshot)
	}

	if err != nil {
		if isAbortErr(err) {
			return Result{StopReason: "abort"}, nil
		}
		return Result{}, fmt.Errorf("generation: prompt: %w", err)
	}

	return Result{Content: content, TokensGenerated: len(content)}, nil
}

// Response is the streaming counterpart of Result: an ordered chunk
// channel plus a terminal stop reason or error, modeled on
// internal/engine.Response's atomic-pointer error-carrying pattern.
type Response struct {
	chunks chan string
	done   chan struct{}

	closeOnce sync.Once

	stopReason atomic.Pointer[string]
	err        atomic.Pointer[error]
}

func newResponse() *Response {
	return &Response{
		chunks: make(chan string),
		done:   make(chan struct{}),
	}
}

// Chunks returns the read-only channel of ordered text chunks. The channel
// is closed when generation finishes, is aborted, or fails.
func (r *Response) Chunks() <-chan string { return r.chunks }

// StopReason returns "abort" if the stream ended via cancellation, "stop"
// on ordinary completion, or "" if the stream is still in flight or ended
// with an error (check Err in that case).
func (r *Response) StopReason() string {
	if p := r.stopReason.Load(); p != nil {
		return *p
	}
	return ""
}

// Err returns the error that caused the stream to end early, or nil if it
// completed or was aborted cleanly.
func (r *Response) Err() error {
	if p := r.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Response) setStopReason(reason string) { r.stopReason.Store(&reason) }
func (r *Response) setErr(err error)            { r.err.Store(&err) }

// emit delivers chunk to the consumer via a single-slot handoff, or returns
// false if ctx is done first.
func (r *Response) emit(ctx context.Context, chunk string) bool {
	select {
	case r.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Response) finish() {
	r.closeOnce.Do(func() {
		close(r.done)
		close(r.chunks)
	})
}

// GenerateStream runs the streaming path in a background goroutine and
// returns immediately with a Response the caller drains via Chunks.
func (g *Generator) GenerateStream(ctx context.Context, correlationID, modelID string, messages []coremodel.Message, opts Options) (*Response, error) {
	prompt, err := reducePrompt(messages)
	if err != nil {
		return nil, err
	}

	session, ok := g.sessions.Get(modelID)
	if !ok {
		return nil, fmt.Errorf("generation: %w: model %q has no active session", coreerr.ErrNotLoaded, modelID)
	}

	tools, err := g.fetchTools(ctx, opts.DisableFunctions)
	if err != nil {
		return nil, err
	}

	var snapshot []coremodel.Message
	if opts.DisableChatHistory {
		snapshot, _ = g.sessions.SnapshotHistory(modelID)
	}

	genCtx, cancel := context.WithCancel(ctx)
	if correlationID != "" && g.abort != nil {
		g.abort.Register(correlationID, cancel)
	}

	genOpts := g.buildGenerateOptions(opts, tools)
	resp := newResponse()

	go func() {
		defer cancel()
		defer resp.finish()
		if correlationID != "" && g.abort != nil {
			defer g.abort.Unregister(correlationID)
		}
		if opts.DisableChatHistory {
			defer g.sessions.RestoreHistory(modelID, snapshot)
		}

		var ids []int32
		var previous string

		streamErr := g.backend.PromptStreaming(genCtx, session.SessionHandle, prompt, genOpts, func(tokenID int32) error {
			ids = append(ids, tokenID)
			full, derr := g.backend.Detokenize(genCtx, session.SessionHandle, ids)
			if derr != nil {
				return fmt.Errorf("generation: detokenize: %w", derr)
			}
			if len(full) <= len(previous) {
				return nil
			}
			suffix := full[len(previous):]
			previous = full
			if !resp.emit(genCtx, suffix) {
				return genCtx.Err()
			}
			return nil
		})

		switch {
		case streamErr == nil:
			resp.setStopReason("stop")
		case isAbortErr(streamErr):
			resp.setStopReason("abort")
		default:
			resp.setErr(fmt.Errorf("generation: prompt streaming: %w", streamErr))
		}
	}()

	return resp, nil
}
