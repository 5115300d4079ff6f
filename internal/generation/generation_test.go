package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/llamacore/internal/abortregistry"
	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/generation/toolbridge"
	"github.com/MrWong99/llamacore/internal/nativebackend"
	"github.com/MrWong99/llamacore/internal/nativebackend/mock"
)

type fakeSessions struct {
	mu           sync.Mutex
	sessions     map[string]*coremodel.ChatSession
	restoreCalls [][]coremodel.Message
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*coremodel.ChatSession)}
}

func (f *fakeSessions) put(modelID string, handle coremodel.NativeHandle, history ...coremodel.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[modelID] = &coremodel.ChatSession{ID: modelID + "-main", ModelID: modelID, SessionHandle: handle, History: history}
}

func (f *fakeSessions) Get(modelID string) (*coremodel.ChatSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[modelID]
	return s, ok
}

func (f *fakeSessions) SnapshotHistory(modelID string) ([]coremodel.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[modelID]
	if !ok {
		return nil, false
	}
	return s.HistorySnapshot(), true
}

func (f *fakeSessions) RestoreHistory(modelID string, snapshot []coremodel.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls = append(f.restoreCalls, snapshot)
	if s, ok := f.sessions[modelID]; ok {
		s.History = snapshot
	}
}

type fakeTools struct {
	tools      []toolbridge.ToolDescriptor
	listErr    error
	handleFunc func(ctx context.Context, name, args string) (string, error)
}

func (f *fakeTools) ListTools(context.Context) ([]toolbridge.ToolDescriptor, error) {
	return f.tools, f.listErr
}

func (f *fakeTools) HandleToolCall(ctx context.Context, name, args string) (string, error) {
	if f.handleFunc != nil {
		return f.handleFunc(ctx, name, args)
	}
	return "", nil
}

func setup(t *testing.T) (*Generator, *mock.Backend, *fakeSessions, coremodel.NativeHandle) {
	t.Helper()
	backend := mock.New()
	ctx := context.Background()
	model, _ := backend.LoadModel(ctx, "m.gguf", 0)
	modelCtx, _ := backend.NewContext(ctx, model, 4096, 512, 4)
	session, _ := backend.NewSession(ctx, modelCtx, "main-test")

	sessions := newFakeSessions()
	sessions.put("m1", session, coremodel.Message{Role: coremodel.RoleSystem, Content: "be terse"})

	gen := New(backend, sessions, nil, abortregistry.New())
	return gen, backend, sessions, session
}

func userMsgs(content string) []coremodel.Message {
	return []coremodel.Message{{Role: coremodel.RoleUser, Content: content}}
}

func TestGenerateNonStreamingBasic(t *testing.T) {
	gen, _, _, _ := setup(t)

	result, err := gen.Generate(context.Background(), "c1", "m1", userMsgs("hello"), Options{DisableFunctions: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Content != "echo: hello" {
		t.Fatalf("Content = %q", result.Content)
	}
	if result.TokensGenerated != len(result.Content) {
		t.Fatalf("TokensGenerated = %d, want %d", result.TokensGenerated, len(result.Content))
	}
	if result.StopReason != "" {
		t.Fatalf("StopReason = %q, want empty", result.StopReason)
	}
}

func TestGenerateNoUserMessage(t *testing.T) {
	gen, _, _, _ := setup(t)

	msgs := []coremodel.Message{{Role: coremodel.RoleSystem, Content: "hi"}}
	_, err := gen.Generate(context.Background(), "c1", "m1", msgs, Options{})
	if !errors.Is(err, coreerr.ErrNoUserMessage) {
		t.Fatalf("err = %v, want ErrNoUserMessage", err)
	}
}

func TestGenerateModelNotLoaded(t *testing.T) {
	gen, _, _, _ := setup(t)

	_, err := gen.Generate(context.Background(), "c1", "missing-model", userMsgs("hi"), Options{})
	if !errors.Is(err, coreerr.ErrNotLoaded) {
		t.Fatalf("err = %v, want ErrNotLoaded", err)
	}
}

func TestGenerateDisableChatHistorySnapshotsAndRestores(t *testing.T) {
	gen, _, sessions, _ := setup(t)

	before, _ := sessions.SnapshotHistory("m1")
	_, err := gen.Generate(context.Background(), "c1", "m1", userMsgs("hello"), Options{DisableFunctions: true, DisableChatHistory: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(sessions.restoreCalls) != 1 {
		t.Fatalf("restoreCalls = %d, want 1", len(sessions.restoreCalls))
	}
	if len(sessions.restoreCalls[0]) != len(before) {
		t.Fatalf("restored history len = %d, want %d", len(sessions.restoreCalls[0]), len(before))
	}
}

func TestGenerateAbortErrorFromBackend(t *testing.T) {
	gen, backend, _, _ := setup(t)
	backend.PromptFunc = func(string) (string, error) { return "", errors.New("AbortError: aborted") }

	result, err := gen.Generate(context.Background(), "c1", "m1", userMsgs("hi"), Options{DisableFunctions: true})
	if err != nil {
		t.Fatalf("Generate should swallow abort errors, got: %v", err)
	}
	if result.StopReason != "abort" {
		t.Fatalf("StopReason = %q, want abort", result.StopReason)
	}
	if result.Content != "" {
		t.Fatalf("Content = %q, want empty on abort", result.Content)
	}
}

func TestGenerateBackendErrorPropagates(t *testing.T) {
	gen, backend, _, _ := setup(t)
	backend.PromptFunc = func(string) (string, error) { return "", errors.New("boom") }

	_, err := gen.Generate(context.Background(), "c1", "m1", userMsgs("hi"), Options{DisableFunctions: true})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestGenerateToolFetchErrorPropagates(t *testing.T) {
	gen, _, _, _ := setup(t)
	gen.tools = &fakeTools{listErr: errors.New("no controller connection")}

	_, err := gen.Generate(context.Background(), "c1", "m1", userMsgs("hi"), Options{})
	if err == nil {
		t.Fatal("expected tool-fetch error to propagate")
	}
}

func TestGenerateStreamEmitsCumulativeSuffixes(t *testing.T) {
	gen, _, _, _ := setup(t)

	resp, err := gen.GenerateStream(context.Background(), "c1", "m1", userMsgs("a b c"), Options{DisableFunctions: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var sb strings.Builder
	for chunk := range resp.Chunks() {
		sb.WriteString(chunk)
	}
	if sb.String() != "echo: a b c" {
		t.Fatalf("assembled text = %q", sb.String())
	}
	if resp.StopReason() != "stop" {
		t.Fatalf("StopReason = %q, want stop", resp.StopReason())
	}
	if resp.Err() != nil {
		t.Fatalf("Err = %v, want nil", resp.Err())
	}
}

// blockingBackend wraps a mock.Backend's Prompt/Detokenize but makes
// PromptStreaming wait on a gate before emitting any token, so a test can
// deterministically abort before the first chunk is produced.
type blockingBackend struct {
	nativebackend.Backend
	gate chan struct{}
}

func (b *blockingBackend) PromptStreaming(ctx context.Context, session coremodel.NativeHandle, prompt string, opts nativebackend.GenerateOptions, onToken nativebackend.TokenCallback) error {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Backend.PromptStreaming(ctx, session, prompt, opts, onToken)
}

func TestGenerateStreamAbortStopsCleanly(t *testing.T) {
	backend := mock.New()
	ctx := context.Background()
	model, _ := backend.LoadModel(ctx, "m.gguf", 0)
	modelCtx, _ := backend.NewContext(ctx, model, 4096, 512, 4)
	session, _ := backend.NewSession(ctx, modelCtx, "main-test")

	sessions := newFakeSessions()
	sessions.put("m1", session)

	blocking := &blockingBackend{Backend: backend, gate: make(chan struct{})}
	abort := abortregistry.New()
	gen := New(blocking, sessions, nil, abort)

	resp, err := gen.GenerateStream(context.Background(), "c1", "m1", userMsgs("a b c"), Options{DisableFunctions: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	if !abort.Abort("c1") {
		t.Fatal("expected abort to find a registered generation")
	}

	select {
	case _, ok := <-resp.Chunks():
		if ok {
			t.Fatal("expected no chunks to be emitted before abort took effect")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aborted stream to close")
	}

	if resp.StopReason() != "abort" {
		t.Fatalf("StopReason = %q, want abort", resp.StopReason())
	}
	if resp.Err() != nil {
		t.Fatalf("Err = %v, want nil on clean abort", resp.Err())
	}
}

func TestGenerateStreamNoUserMessage(t *testing.T) {
	gen, _, _, _ := setup(t)

	msgs := []coremodel.Message{{Role: coremodel.RoleAssistant, Content: "hi"}}
	if _, err := gen.GenerateStream(context.Background(), "c1", "m1", msgs, Options{}); !errors.Is(err, coreerr.ErrNoUserMessage) {
		t.Fatalf("err = %v, want ErrNoUserMessage", err)
	}
}

func TestGenerateStreamModelNotLoaded(t *testing.T) {
	gen, _, _, _ := setup(t)

	if _, err := gen.GenerateStream(context.Background(), "c1", "missing", userMsgs("hi"), Options{}); !errors.Is(err, coreerr.ErrNotLoaded) {
		t.Fatalf("err = %v, want ErrNotLoaded", err)
	}
}
