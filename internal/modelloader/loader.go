// Package modelloader implements the load/unload algorithms that realize
// the single-loaded-model policy and the atomic-load protocol: Idle ->
// Loading -> Active -> Unloading -> Idle per model id, with a loading lock
// that deduplicates concurrent load requests for the same model instead of
// starting a second native load.
//
// Grounded on internal/mcp/mcphost.Host.RegisterServer's
// connect-then-replace-old-connection sequencing: a single-active-resource
// policy enforced by taking a lock, tearing down the prior resource, and
// only then installing the new one.
package modelloader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/modelregistry"
	"github.com/MrWong99/llamacore/internal/nativebackend"
	"github.com/MrWong99/llamacore/internal/resilience"
	"github.com/MrWong99/llamacore/internal/resourceplanner"
)

// Discovery resolves a user-supplied id/name/filename to a catalogue entry.
// Filesystem discovery itself is an external, non-goal collaborator; only
// this contract is specified here.
type Discovery interface {
	Resolve(ctx context.Context, modelIDOrName string) (coremodel.ModelDescriptor, error)
}

// SettingsStore reads persisted per-model load settings, if any. On-disk
// persistence is an external, non-goal collaborator.
type SettingsStore interface {
	Get(modelID string) (coremodel.ModelLoadingSettings, bool)
}

// Planner computes the effective loading settings for one load attempt.
// Satisfied by *resourceplanner.Planner.
type Planner interface {
	Plan(ctx context.Context, req resourceplanner.Request) (coremodel.ModelLoadingSettings, error)
}

// Loader drives the load/unload state machine for the worker's single
// active model slot.
type Loader struct {
	discovery   Discovery
	settings    SettingsStore
	planner     Planner
	backend     nativebackend.Backend
	registry    *modelregistry.Registry
	now         func() time.Time
	log         *slog.Logger
	gpuFallback *resilience.FallbackConfig
}

// New creates a Loader. registry must have been constructed with backend as
// its modelregistry.Disposer so Unregister's dispose calls reach the same
// backend instance used here.
func New(discovery Discovery, settings SettingsStore, planner Planner, backend nativebackend.Backend, registry *modelregistry.Registry) *Loader {
	return &Loader{
		discovery: discovery,
		settings:  settings,
		planner:   planner,
		backend:   backend,
		registry:  registry,
		now:       time.Now,
		log:       slog.Default(),
	}
}

// WithClock overrides the loader's time source, for tests.
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	return l
}

// WithLogger overrides the loader's logger.
func (l *Loader) WithLogger(logger *slog.Logger) *Loader {
	l.log = logger
	return l
}

// WithGPULayerFallback enables automatic GPU-offload step-down on load
// failure: when the native backend fails to load at the planner's computed
// GPU-layer count, doLoad retries with progressively fewer GPU layers,
// falling all the way back to CPU-only (zero layers) before giving up. Off
// by default, matching a single-attempt load.
func (l *Loader) WithGPULayerFallback(cfg resilience.FallbackConfig) *Loader {
	l.gpuFallback = &cfg
	return l
}

// Load realizes the ten-step load algorithm for modelIDOrName, associating
// threadID with the resulting runtime if threadID is non-empty. Concurrent
// calls for the same resolved model id share a single native load via the
// registry's loading lock.
func (l *Loader) Load(ctx context.Context, modelIDOrName string, threadID string) (*coremodel.ModelRuntimeInfo, error) {
	descriptor, err := l.discovery.Resolve(ctx, modelIDOrName)
	if err != nil {
		return nil, fmt.Errorf("modelloader: resolve %q: %w", modelIDOrName, coreerr.ErrNotFound)
	}

	if info, ok := l.registry.Get(descriptor.ID); ok {
		l.associate(descriptor.ID, threadID)
		return info, nil
	}

	complete, err := l.registry.SetLoadingLock(descriptor.ID)
	if err != nil {
		return l.awaitOngoingLoad(ctx, descriptor.ID, threadID)
	}

	loadErr := l.doLoad(ctx, descriptor, threadID)
	complete(loadErr)
	if loadErr != nil {
		return nil, loadErr
	}

	info, ok := l.registry.Get(descriptor.ID)
	if !ok {
		return nil, fmt.Errorf("modelloader: model %q vanished immediately after load", descriptor.ID)
	}
	return info, nil
}

// awaitOngoingLoad waits for another goroutine's in-flight load of modelID
// to complete, then returns its result. If the lock disappeared between the
// caller's failed SetLoadingLock and this call (the other load finished
// first), it returns the model if it is now active and otherwise fails
// with ErrWorkerUnavailable; Load is not retried.
func (l *Loader) awaitOngoingLoad(ctx context.Context, modelID, threadID string) (*coremodel.ModelRuntimeInfo, error) {
	wait, errOf, ok := l.registry.GetLoadingLock(modelID)
	if !ok {
		if info, ok := l.registry.Get(modelID); ok {
			l.associate(modelID, threadID)
			return info, nil
		}
		return nil, fmt.Errorf("modelloader: %w: loading lock for %q disappeared without a result", coreerr.ErrWorkerUnavailable, modelID)
	}

	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if loadErr := errOf(); loadErr != nil {
		return nil, loadErr
	}
	info, ok := l.registry.Get(modelID)
	if !ok {
		return nil, fmt.Errorf("modelloader: model %q vanished immediately after a concurrent load", modelID)
	}
	l.associate(modelID, threadID)
	return info, nil
}

func (l *Loader) associate(modelID, threadID string) {
	if threadID == "" {
		return
	}
	if err := l.registry.AssociateThread(modelID, threadID); err != nil {
		l.log.Warn("modelloader: associate thread failed", "model_id", modelID, "thread_id", threadID, "err", err)
	}
}

// doLoad performs steps 5-9 of the load algorithm while holding modelID's
// loading lock. Partial native resources are disposed on failure so no
// handle is ever leaked.
func (l *Loader) doLoad(ctx context.Context, descriptor coremodel.ModelDescriptor, threadID string) error {
	for _, activeID := range l.registry.ActiveModelIDs() {
		if activeID == descriptor.ID {
			continue
		}
		if err := l.Unload(ctx, activeID); err != nil {
			l.log.Error("modelloader: evict prior active model failed", "model_id", activeID, "err", err)
		}
	}

	userSettings, _ := l.settings.Get(descriptor.ID)
	effective, err := l.planner.Plan(ctx, resourceplanner.Request{
		Filename:       descriptor.Filename,
		ModelSizeBytes: descriptor.SizeBytes,
		Metadata: coremodel.ModelMetadata{
			SizeBytes:            descriptor.SizeBytes,
			LayerCount:           descriptor.LayerCount,
			HasLayerCount:        descriptor.LayerCount > 0,
			TrainedContextLength: descriptor.TrainedContextLength,
			HasTrainedContext:    descriptor.TrainedContextLength > 0,
		},
		UserSettings: userSettings,
	})
	if err != nil {
		return fmt.Errorf("modelloader: plan settings for %q: %w", descriptor.ID, err)
	}

	gpuLayers := effective.GPULayers
	if descriptor.LayerCount > 0 && gpuLayers > descriptor.LayerCount {
		gpuLayers = descriptor.LayerCount
	}

	modelHandle, gpuLayers, err := l.loadWeights(ctx, descriptor, gpuLayers)
	if err != nil {
		return fmt.Errorf("modelloader: load weights for %q: %w", descriptor.ID, err)
	}

	contextHandle, err := l.backend.NewContext(ctx, modelHandle, effective.ContextSize, effective.BatchSize, effective.Threads)
	if err != nil {
		if disposeErr := l.backend.DisposeModel(ctx, modelHandle); disposeErr != nil {
			l.log.Error("modelloader: dispose model after failed context creation", "model_id", descriptor.ID, "err", disposeErr)
		}
		return fmt.Errorf("modelloader: create context for %q: %w", descriptor.ID, err)
	}

	sessionHandle, err := l.backend.NewSession(ctx, contextHandle, descriptor.ID+"-main")
	if err != nil {
		if disposeErr := l.backend.DisposeContext(ctx, contextHandle); disposeErr != nil {
			l.log.Error("modelloader: dispose context after failed session creation", "model_id", descriptor.ID, "err", disposeErr)
		}
		if disposeErr := l.backend.DisposeModel(ctx, modelHandle); disposeErr != nil {
			l.log.Error("modelloader: dispose model after failed session creation", "model_id", descriptor.ID, "err", disposeErr)
		}
		return fmt.Errorf("modelloader: create session for %q: %w", descriptor.ID, err)
	}

	now := l.now()
	l.registry.Register(descriptor.ID, &coremodel.ModelRuntimeInfo{
		ModelID:       descriptor.ID,
		ModelHandle:   modelHandle,
		ContextHandle: contextHandle,
		SessionHandle: sessionHandle,
		ModelPath:     descriptor.Path,
		ContextSize:   effective.ContextSize,
		GPULayers:     gpuLayers,
		BatchSize:     effective.BatchSize,
		LoadedAt:      now,
		LastUsedAt:    now,
		ThreadIDs:     make(map[string]struct{}),
	})
	l.associate(descriptor.ID, threadID)
	return nil
}

// loadWeights loads descriptor's weights at wantGPULayers. If GPU-layer
// fallback is enabled, it steps down through a descending candidate list
// derived from wantGPULayers on failure instead of attempting only the
// planner's preferred value. Returns the handle and the GPU-layer count that
// actually succeeded.
func (l *Loader) loadWeights(ctx context.Context, descriptor coremodel.ModelDescriptor, wantGPULayers int) (coremodel.NativeHandle, int, error) {
	if l.gpuFallback == nil {
		handle, err := l.backend.LoadModel(ctx, descriptor.Path, wantGPULayers)
		return handle, wantGPULayers, err
	}

	fb := resilience.NewGPULayerFallback(l.backend, *l.gpuFallback, gpuFallbackCandidates(wantGPULayers))
	return fb.LoadModel(ctx, descriptor.Path)
}

// gpuFallbackCandidates builds a descending step-down sequence starting at
// want: want, then half, then a quarter, always ending at 0 (CPU-only),
// skipping steps that do not shrink the candidate any further.
func gpuFallbackCandidates(want int) []int {
	if want <= 0 {
		return []int{0}
	}
	candidates := []int{want}
	for _, divisor := range []int{2, 4} {
		next := want / divisor
		if next > 0 && next < candidates[len(candidates)-1] {
			candidates = append(candidates, next)
		}
	}
	if candidates[len(candidates)-1] != 0 {
		candidates = append(candidates, 0)
	}
	return candidates
}

// Unload disposes modelID's session, then context and model (via the
// registry's Unregister, which owns that ordering). A missing modelID is a
// no-op logged at warn level, not an error — unloading an already-unloaded
// model is not a failure.
func (l *Loader) Unload(ctx context.Context, modelID string) error {
	info, ok := l.registry.Get(modelID)
	if !ok {
		l.log.Warn("modelloader: unload requested for a model that is not active", "model_id", modelID)
		return nil
	}

	if err := l.backend.DisposeSession(ctx, info.SessionHandle); err != nil {
		l.log.Error("modelloader: dispose session failed", "model_id", modelID, "err", err)
	}
	l.registry.Unregister(ctx, modelID)
	return nil
}
