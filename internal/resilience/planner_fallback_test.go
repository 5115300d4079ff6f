package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/nativebackend"
)

// fakeLoadBackend implements just enough of nativebackend.Backend to drive
// GPULayerFallback's LoadModel step-down logic; it records the gpuLayers
// value each LoadModel call was made with and fails calls whose gpuLayers is
// in failAt.
type fakeLoadBackend struct {
	nativebackend.Backend
	calls  []int
	failAt map[int]bool
}

func (b *fakeLoadBackend) LoadModel(ctx context.Context, path string, gpuLayers int) (coremodel.NativeHandle, error) {
	b.calls = append(b.calls, gpuLayers)
	if b.failAt[gpuLayers] {
		return 0, errTest
	}
	return coremodel.NativeHandle(gpuLayers + 1), nil
}

func TestGPULayerFallback_FullOffloadSucceeds(t *testing.T) {
	backend := &fakeLoadBackend{}
	f := NewGPULayerFallback(backend, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	}, []int{32, 16, 0})

	handle, layers, err := f.LoadModel(context.Background(), "/models/a.gguf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if layers != 32 {
		t.Errorf("layers = %d, want 32", layers)
	}
	if handle != coremodel.NativeHandle(33) {
		t.Errorf("handle = %v, want 33", handle)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("calls = %v, want exactly one attempt", backend.calls)
	}
}

func TestGPULayerFallback_StepsDownOnFailure(t *testing.T) {
	backend := &fakeLoadBackend{failAt: map[int]bool{32: true}}
	f := NewGPULayerFallback(backend, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	}, []int{32, 16, 0})

	_, layers, err := f.LoadModel(context.Background(), "/models/a.gguf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if layers != 16 {
		t.Errorf("layers = %d, want 16 after stepping down from 32", layers)
	}
	if len(backend.calls) != 2 {
		t.Fatalf("calls = %v, want two attempts (32 then 16)", backend.calls)
	}
}

func TestGPULayerFallback_FallsAllTheWayToCPU(t *testing.T) {
	backend := &fakeLoadBackend{failAt: map[int]bool{32: true, 16: true}}
	f := NewGPULayerFallback(backend, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	}, []int{32, 16, 0})

	_, layers, err := f.LoadModel(context.Background(), "/models/a.gguf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if layers != 0 {
		t.Errorf("layers = %d, want 0 (cpu fallback)", layers)
	}
}

func TestGPULayerFallback_AllTiersFail(t *testing.T) {
	backend := &fakeLoadBackend{failAt: map[int]bool{32: true, 16: true, 0: true}}
	f := NewGPULayerFallback(backend, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	}, []int{32, 16, 0})

	_, _, err := f.LoadModel(context.Background(), "/models/a.gguf")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
