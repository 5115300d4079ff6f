package workerserve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/llamacore/internal/abortregistry"
	"github.com/MrWong99/llamacore/internal/chatsession"
	"github.com/MrWong99/llamacore/internal/config"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/generation"
	"github.com/MrWong99/llamacore/internal/modelcatalogue"
	"github.com/MrWong99/llamacore/internal/modelloader"
	"github.com/MrWong99/llamacore/internal/modelregistry"
	"github.com/MrWong99/llamacore/internal/nativebackend/mock"
	"github.com/MrWong99/llamacore/internal/protocol"
	"github.com/MrWong99/llamacore/internal/resourceplanner"
	"github.com/MrWong99/llamacore/internal/settings"
)

type fakeSettingsStore struct{}

func (fakeSettingsStore) Get(string) (coremodel.ModelLoadingSettings, bool) {
	return coremodel.ModelLoadingSettings{}, false
}
func (fakeSettingsStore) Set(string, coremodel.ModelLoadingSettings) {}

type fakePlanner struct{}

func (fakePlanner) Plan(context.Context, resourceplanner.Request) (coremodel.ModelLoadingSettings, error) {
	return coremodel.ModelLoadingSettings{
		GPULayers: 0, HasGPULayers: true,
		ContextSize: 2048, HasContextSize: true,
		BatchSize: 256, HasBatchSize: true,
		Threads: 2, HasThreads: true,
	}, nil
}

func newTestServer(t *testing.T, modelPath string) (*Server, *mock.Backend) {
	t.Helper()
	backend := mock.New()
	registry := modelregistry.New(backend)
	catalogue := modelcatalogue.New([]config.ModelConfig{{ID: "m1", Path: modelPath}})

	loader := modelloader.New(catalogue, fakeSettingsStore{}, fakePlanner{}, backend, registry)
	sessions := chatsession.New()
	abort := abortregistry.New()
	gen := generation.New(backend, sessions, nil, abort)
	svc := settings.New(fakeSettingsStore{}, fakePlanner{}, catalogue, registry)

	return New(loader, registry, gen, svc, sessions, abort, catalogue), backend
}

func writeTempModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "m1.gguf")
	if err := os.WriteFile(path, []byte("fake-weights"), 0o644); err != nil {
		t.Fatalf("write temp model: %v", err)
	}
	return path
}

func TestHandleLoadModelCreatesSession(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))

	req, _ := protocol.NewRequest("1", protocol.TypeLoadModel, map[string]string{"modelId": "m1"})
	resp := srv.handle(context.Background(), req)

	if !resp.IsSuccess() {
		t.Fatalf("loadModel failed: %s", resp.Error)
	}
	if _, ok := srv.sessions.Get("m1"); !ok {
		t.Fatal("expected chat session to exist after loadModel")
	}
}

func TestHandleUnloadModelDisposesSession(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))

	load, _ := protocol.NewRequest("1", protocol.TypeLoadModel, map[string]string{"modelId": "m1"})
	if resp := srv.handle(context.Background(), load); !resp.IsSuccess() {
		t.Fatalf("loadModel failed: %s", resp.Error)
	}

	unload, _ := protocol.NewRequest("2", protocol.TypeUnloadModel, map[string]string{"modelId": "m1"})
	resp := srv.handle(context.Background(), unload)
	if !resp.IsSuccess() {
		t.Fatalf("unloadModel failed: %s", resp.Error)
	}
	if _, ok := srv.sessions.Get("m1"); ok {
		t.Fatal("expected chat session to be gone after unloadModel")
	}
}

func TestHandleDeleteModelRemovesFromCatalogue(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))

	del, _ := protocol.NewRequest("1", protocol.TypeDeleteModel, map[string]string{"modelId": "m1"})
	resp := srv.handle(context.Background(), del)
	if !resp.IsSuccess() {
		t.Fatalf("deleteModel failed: %s", resp.Error)
	}

	list, _ := protocol.NewRequest("2", protocol.TypeListModels, nil)
	listResp := srv.handle(context.Background(), list)
	var entries []modelListEntry
	if err := listResp.DecodeData(&entries); err != nil {
		t.Fatalf("decode listModels: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 after deleteModel", len(entries))
	}
}

func TestHandleGenerateRequiresLoadedModel(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))

	req, _ := protocol.NewRequest("1", protocol.TypeGenerateResponse, map[string]any{
		"modelId":  "m1",
		"messages": []coremodel.Message{{Role: coremodel.RoleUser, Content: "hi"}},
	})
	resp := srv.handle(context.Background(), req)
	if resp.IsSuccess() {
		t.Fatal("expected generateResponse to fail before loadModel")
	}
}

func TestHandleGenerateAfterLoad(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))

	load, _ := protocol.NewRequest("1", protocol.TypeLoadModel, map[string]string{"modelId": "m1"})
	if resp := srv.handle(context.Background(), load); !resp.IsSuccess() {
		t.Fatalf("loadModel failed: %s", resp.Error)
	}

	req, _ := protocol.NewRequest("2", protocol.TypeGenerateResponse, map[string]any{
		"modelId":  "m1",
		"messages": []coremodel.Message{{Role: coremodel.RoleUser, Content: "hi"}},
	})
	resp := srv.handle(context.Background(), req)
	if !resp.IsSuccess() {
		t.Fatalf("generateResponse failed: %s", resp.Error)
	}

	var result generation.Result
	if err := resp.DecodeData(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Content == "" {
		t.Fatal("expected non-empty generated content")
	}
}

func TestHandleAbortIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))

	req, _ := protocol.NewRequest("1", protocol.TypeAbortGeneration, map[string]string{"requestId": "missing"})
	resp := srv.handle(context.Background(), req)
	if !resp.IsSuccess() {
		t.Fatalf("abortGeneration on unknown id should succeed as a no-op: %s", resp.Error)
	}
}

func TestHandleUnknownTypeFails(t *testing.T) {
	srv, _ := newTestServer(t, writeTempModel(t))
	req, _ := protocol.NewRequest("1", protocol.Type("bogus"), nil)
	resp := srv.handle(context.Background(), req)
	if resp.IsSuccess() {
		t.Fatal("expected unknown envelope type to fail")
	}
}
