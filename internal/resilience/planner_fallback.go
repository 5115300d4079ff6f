package resilience

import (
	"context"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/nativebackend"
)

// GPULayerFallback wraps a [nativebackend.Backend]'s LoadModel call with
// automatic step-down across a descending sequence of GPU-layer counts. Each
// candidate layer count has its own circuit breaker, keyed by a tier label
// ("gpu-full", "gpu-partial", "cpu"), so a model that repeatedly fails to
// fit at a given offload tier is skipped on subsequent load attempts without
// retrying the native allocation.
//
// This generalizes [FallbackGroup]'s provider-failover idiom from swapping
// between interchangeable backend instances to stepping down a single
// backend's resource-allocation tier.
type GPULayerFallback struct {
	backend nativebackend.Backend
	group   *FallbackGroup[gpuTier]
}

// gpuTier is one candidate GPU-layer offload level to attempt, in order.
type gpuTier struct {
	label     string
	gpuLayers int
}

// NewGPULayerFallback creates a GPULayerFallback that loads against backend,
// trying candidates in order until one succeeds. candidates must be
// non-empty and given in descending offload preference (e.g. full GPU
// offload first, then partial, then 0 for CPU-only).
func NewGPULayerFallback(backend nativebackend.Backend, cfg FallbackConfig, candidates []int) *GPULayerFallback {
	tiers := tierLabels(candidates)
	group := NewFallbackGroup(tiers[0], tiers[0].label, cfg)
	for _, t := range tiers[1:] {
		group.AddFallback(t.label, t)
	}
	return &GPULayerFallback{backend: backend, group: group}
}

// tierLabels assigns a human-readable label to each candidate layer count:
// the first is "gpu-full", any later count <= 0 is "cpu", and anything in
// between is "gpu-partial".
func tierLabels(candidates []int) []gpuTier {
	tiers := make([]gpuTier, len(candidates))
	for i, layers := range candidates {
		label := "gpu-partial"
		switch {
		case i == 0:
			label = "gpu-full"
		case layers <= 0:
			label = "cpu"
		}
		tiers[i] = gpuTier{label: label, gpuLayers: layers}
	}
	return tiers
}

// loadResult bundles LoadModel's return values so ExecuteWithResult has a
// single value to carry through the fallback chain.
type loadResult struct {
	handle    coremodel.NativeHandle
	gpuLayers int
}

// LoadModel attempts to load path at each configured GPU-layer tier in turn,
// returning the handle and the GPU-layer count that actually succeeded.
func (f *GPULayerFallback) LoadModel(ctx context.Context, path string) (coremodel.NativeHandle, int, error) {
	result, err := ExecuteWithResult(f.group, func(t gpuTier) (loadResult, error) {
		h, err := f.backend.LoadModel(ctx, path, t.gpuLayers)
		if err != nil {
			return loadResult{}, err
		}
		return loadResult{handle: h, gpuLayers: t.gpuLayers}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return result.handle, result.gpuLayers, nil
}
