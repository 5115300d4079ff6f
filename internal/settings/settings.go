// Package settings implements the controller-facing settings operations:
// setModelSettings, getModelSettings, calculateOptimalSettings, and
// getModelRuntimeInfo. Persisted settings are read/written through a Store
// collaborator — on-disk persistence of user-selected settings is an
// explicit non-goal, so only the interface is specified here, backed by an
// in-memory default.
//
// Grounded on internal/config.ProviderEntry/Registry's name-keyed
// configuration shape, generalized from per-provider settings to
// per-model load settings.
package settings

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/resourceplanner"
)

// Store reads and writes persisted per-model load settings. Only this
// contract is specified; persistence itself is out of scope.
type Store interface {
	Get(modelID string) (coremodel.ModelLoadingSettings, bool)
	Set(modelID string, settings coremodel.ModelLoadingSettings)
}

// MemoryStore is a process-lifetime-only Store, keyed by model id.
type MemoryStore struct {
	mu       sync.Mutex
	settings map[string]coremodel.ModelLoadingSettings
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]coremodel.ModelLoadingSettings)}
}

// Get returns the stored settings for modelID, if any were ever set.
func (s *MemoryStore) Get(modelID string) (coremodel.ModelLoadingSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[modelID]
	return v, ok
}

// Set overwrites modelID's stored settings.
func (s *MemoryStore) Set(modelID string, settings coremodel.ModelLoadingSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[modelID] = settings
}

// Discovery resolves a model id/name to its catalogue entry. Satisfied by
// the same collaborator modelloader.Discovery specifies.
type Discovery interface {
	Resolve(ctx context.Context, modelIDOrName string) (coremodel.ModelDescriptor, error)
}

// Planner computes effective loading settings from a descriptor and
// optional user overrides. Satisfied by *resourceplanner.Planner.
type Planner interface {
	Plan(ctx context.Context, req resourceplanner.Request) (coremodel.ModelLoadingSettings, error)
}

// RuntimeReader reads the live runtime info for a loaded model. Satisfied
// by *modelregistry.Registry.
type RuntimeReader interface {
	Get(modelID string) (*coremodel.ModelRuntimeInfo, bool)
}

// RuntimeInfo is the controller-facing runtime snapshot: no native
// handles, with a platform-observable gpuType and a loadingTime duration
// (time elapsed since LoadedAt) alongside the LoadedAt timestamp.
type RuntimeInfo struct {
	ModelID     string            `json:"modelId"`
	ModelPath   string            `json:"modelPath"`
	ContextSize int               `json:"contextSize"`
	GPULayers   int               `json:"gpuLayers"`
	BatchSize   int               `json:"batchSize"`
	GPUType     coremodel.GPUType `json:"gpuType"`
	LoadedAt    time.Time         `json:"loadedAt"`
	LoadingTime time.Duration     `json:"loadingTime"`
	ThreadIDs   []string          `json:"threadIds"`
}

// Service implements the settings operations over a Store, Planner,
// Discovery, and RuntimeReader.
type Service struct {
	store     Store
	planner   Planner
	discovery Discovery
	runtime   RuntimeReader
	now       func() time.Time
}

// New creates a Service.
func New(store Store, planner Planner, discovery Discovery, runtime RuntimeReader) *Service {
	return &Service{
		store:     store,
		planner:   planner,
		discovery: discovery,
		runtime:   runtime,
		now:       time.Now,
	}
}

// WithClock overrides the service's time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetModelSettings validates that modelID resolves to a known model and
// then stores settings verbatim, unmerged.
func (s *Service) SetModelSettings(ctx context.Context, modelID string, settings coremodel.ModelLoadingSettings) error {
	if _, err := s.discovery.Resolve(ctx, modelID); err != nil {
		return fmt.Errorf("settings: set model settings: %w", err)
	}
	s.store.Set(modelID, settings)
	return nil
}

// GetModelSettings returns the stored user settings merged over computed
// defaults, with user fields overriding except gpuLayers==-1 which
// resolves to the computed value — exactly Plan's own merge rule, so this
// simply re-runs CalculateOptimalSettings with the stored overrides
// attached as Request.UserSettings.
func (s *Service) GetModelSettings(ctx context.Context, modelID string) (coremodel.ModelLoadingSettings, error) {
	descriptor, err := s.discovery.Resolve(ctx, modelID)
	if err != nil {
		return coremodel.ModelLoadingSettings{}, fmt.Errorf("settings: get model settings: %w", err)
	}
	user, _ := s.store.Get(modelID)
	return s.planner.Plan(ctx, s.planRequest(descriptor, user))
}

// CalculateOptimalSettings returns the resource planner's computed
// defaults for modelID, ignoring any stored user overrides.
func (s *Service) CalculateOptimalSettings(ctx context.Context, modelID string) (coremodel.ModelLoadingSettings, error) {
	descriptor, err := s.discovery.Resolve(ctx, modelID)
	if err != nil {
		return coremodel.ModelLoadingSettings{}, fmt.Errorf("settings: calculate optimal settings: %w", err)
	}
	return s.planner.Plan(ctx, s.planRequest(descriptor, coremodel.ModelLoadingSettings{}))
}

func (s *Service) planRequest(descriptor coremodel.ModelDescriptor, user coremodel.ModelLoadingSettings) resourceplanner.Request {
	return resourceplanner.Request{
		Filename:         descriptor.Filename,
		ModelSizeBytes:   descriptor.SizeBytes,
		RequestedContext: descriptor.TrainedContextLength,
		Metadata: coremodel.ModelMetadata{
			SizeBytes:            descriptor.SizeBytes,
			LayerCount:           descriptor.LayerCount,
			HasLayerCount:        descriptor.LayerCount > 0,
			TrainedContextLength: descriptor.TrainedContextLength,
			HasTrainedContext:    descriptor.TrainedContextLength > 0,
		},
		UserSettings: user,
	}
}

// GetModelRuntimeInfo returns the controller-facing runtime snapshot for
// modelID, or coreerr.ErrNotLoaded if the model has no active runtime.
func (s *Service) GetModelRuntimeInfo(modelID string) (RuntimeInfo, error) {
	info, ok := s.runtime.Get(modelID)
	if !ok {
		return RuntimeInfo{}, fmt.Errorf("settings: get model runtime info: %w", coreerr.ErrNotLoaded)
	}

	threadIDs := make([]string, 0, len(info.ThreadIDs))
	for id := range info.ThreadIDs {
		threadIDs = append(threadIDs, id)
	}

	return RuntimeInfo{
		ModelID:     info.ModelID,
		ModelPath:   info.ModelPath,
		ContextSize: info.ContextSize,
		GPULayers:   info.GPULayers,
		BatchSize:   info.BatchSize,
		GPUType:     gpuTypeFor(info.GPULayers),
		LoadedAt:    info.LoadedAt,
		LoadingTime: s.now().Sub(info.LoadedAt),
		ThreadIDs:   threadIDs,
	}, nil
}

// gpuTypeFor applies the platform-observable gpuType rule: gpuLayers<=0 is
// always cpu regardless of platform; otherwise darwin reports metal,
// linux/windows report cuda, and anything else falls back to cpu.
func gpuTypeFor(gpuLayers int) coremodel.GPUType {
	if gpuLayers <= 0 {
		return coremodel.GPUTypeCPU
	}
	switch runtime.GOOS {
	case "darwin":
		return coremodel.GPUTypeMetal
	case "linux", "windows":
		return coremodel.GPUTypeCUDA
	default:
		return coremodel.GPUTypeCPU
	}
}
