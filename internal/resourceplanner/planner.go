// Package resourceplanner picks a safe (contextSize, gpuLayers, batchSize,
// threads) tuple for a model given a host capability snapshot and model
// metadata, and memoizes the context-size decision so repeated load
// attempts for the same model/request don't re-run the binary search.
//
// Grounded on internal/session.ContextManager's threshold-ratio bookkeeping
// style for the memoizing-cache shape, and on the llamacppgateway example's
// VRAMEstimate/GPUInfo structs for the host-snapshot shape consumed here.
package resourceplanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/observe"
)

// Estimated model constants used when a model does not expose its own
// architecture facts, biased toward over-estimating memory use.
const (
	estHiddenSize = 4096
	estLayers     = 48
	estHeads      = 32
	estKVHeads    = 8
)

const (
	minContextSize   = 512
	defaultBatchSize = 512
	cacheTTL         = 5 * time.Minute
	systemReserveGiB = 1.0
)

// HostInspector reads live host capability facts. A default implementation
// (resourceplanner/hostinspect) reads /proc/meminfo, runtime.NumCPU, and
// shells out to nvidia-smi/rocm-smi; hardware discovery itself is an
// explicit non-goal, so only the contract is specified here.
type HostInspector interface {
	Inspect(ctx context.Context) (coremodel.HostSnapshot, error)
}

// Request bundles the inputs to Plan beyond the host snapshot.
type Request struct {
	Filename         string
	ModelSizeBytes   int64
	RequestedContext int
	Metadata         coremodel.ModelMetadata
	UserSettings     coremodel.ModelLoadingSettings
}

// Planner computes effective loading settings and memoizes context-size
// decisions for 5 minutes.
type Planner struct {
	inspector  HostInspector
	calculator Calculator
	now        func() time.Time
	metrics    *observe.Metrics

	mu    sync.Mutex
	cache map[coremodel.ContextSizeCacheKey]coremodel.ContextSizeCacheEntry
}

// New creates a Planner backed by inspector for host facts and calculator
// for the GPU-layer/batch-size decision. If calculator is nil, a
// NewDefaultCalculator() is used.
func New(inspector HostInspector, calculator Calculator) *Planner {
	if calculator == nil {
		calculator = NewDefaultCalculator()
	}
	return &Planner{
		inspector:  inspector,
		calculator: calculator,
		now:        time.Now,
		metrics:    observe.DefaultMetrics(),
		cache:      make(map[coremodel.ContextSizeCacheKey]coremodel.ContextSizeCacheEntry),
	}
}

// WithClock overrides the planner's time source, for tests.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// WithMetrics overrides the default package-level metrics instance.
func (p *Planner) WithMetrics(m *observe.Metrics) *Planner {
	p.metrics = m
	return p
}

// Plan resolves req against the current host snapshot and returns the
// effective ModelLoadingSettings to load with.
func (p *Planner) Plan(ctx context.Context, req Request) (coremodel.ModelLoadingSettings, error) {
	start := p.now()
	defer func() {
		p.metrics.PlannerDuration.Record(ctx, p.now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("filename", req.Filename)))
	}()

	snapshot, err := p.inspector.Inspect(ctx)
	if err != nil {
		return coremodel.ModelLoadingSettings{}, fmt.Errorf("resourceplanner: inspect host: %w", err)
	}
	if snapshot.VRAMUnreadable {
		return coremodel.ModelLoadingSettings{}, fmt.Errorf("resourceplanner: %w", coreerr.ErrResourceUnavailable)
	}

	requestedCtx := req.RequestedContext
	if requestedCtx <= 0 {
		requestedCtx = modelDefaultContext(req.Metadata)
	}

	chosenCtx, err := p.resolveContextSize(snapshot, req, requestedCtx)
	if err != nil {
		return coremodel.ModelLoadingSettings{}, err
	}

	numGPU, numBatch := p.resolveGPUAndBatch(snapshot, req, chosenCtx)

	computed := coremodel.ModelLoadingSettings{
		GPULayers:      numGPU,
		HasGPULayers:   true,
		ContextSize:    chosenCtx,
		HasContextSize: true,
		BatchSize:      numBatch,
		HasBatchSize:   true,
		Threads:        threadsFor(snapshot),
		HasThreads:     true,
		Temperature:    0.7,
		HasTemperature: true,
	}

	effective := computed.Merge(req.UserSettings)
	if v, explicit := req.UserSettings.GPULayersOrAuto(); explicit {
		effective.GPULayers = v
	} else {
		effective.GPULayers = computed.GPULayers
	}
	return effective, nil
}

func modelDefaultContext(meta coremodel.ModelMetadata) int {
	switch {
	case meta.HasTrainedContext && meta.TrainedContextLength > 0:
		return meta.TrainedContextLength
	case meta.HasMaxContext && meta.MaxContextLength > 0:
		return meta.MaxContextLength
	default:
		return 4096
	}
}

func threadsFor(snapshot coremodel.HostSnapshot) int {
	if snapshot.CPUThreads > 0 {
		return snapshot.CPUThreads
	}
	return 4
}

// resolveContextSize implements the context-size algorithm: estimate memory
// for the requested size, and if it doesn't fit in 80% of free VRAM,
// binary-search the largest size in [512, requested] that does. Decisions
// are memoized for 5 minutes per (filename, modelSizeBytes, requested).
func (p *Planner) resolveContextSize(snapshot coremodel.HostSnapshot, req Request, requestedCtx int) (int, error) {
	key := coremodel.ContextSizeCacheKey{
		Filename:         req.Filename,
		ModelSizeBytes:   req.ModelSizeBytes,
		RequestedContext: requestedCtx,
	}

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.now().Sub(entry.InsertedAt) < cacheTTL {
		p.mu.Unlock()
		return entry.ChosenContext, nil
	}
	p.mu.Unlock()

	availableVRAM := 0.8 * float64(snapshot.VRAM.FreeBytes)
	hidden, layers, heads, kvHeads := architectureConstants(req.Metadata)

	estimate := func(ctx int) float64 {
		return contextMemoryEstimate(ctx, hidden, layers, heads, kvHeads)
	}

	chosen := requestedCtx
	if estimate(requestedCtx) > availableVRAM {
		chosen = binarySearchContext(minContextSize, requestedCtx, availableVRAM, estimate)
	}

	p.mu.Lock()
	p.cache[key] = coremodel.ContextSizeCacheEntry{ChosenContext: chosen, InsertedAt: p.now()}
	p.mu.Unlock()

	return chosen, nil
}

// binarySearchContext finds the largest ctx in [lo, hi] whose estimate fits
// in budget, never returning below lo.
func binarySearchContext(lo, hi int, budget float64, estimate func(int) float64) int {
	best := lo
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if estimate(mid) <= budget {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

func architectureConstants(meta coremodel.ModelMetadata) (hidden, layers, heads, kvHeads int) {
	hidden, heads, kvHeads = estHiddenSize, estHeads, estKVHeads
	layers = estLayers
	if meta.HasLayerCount && meta.LayerCount > 0 {
		layers = meta.LayerCount
	}
	return
}

// contextMemoryEstimate sums the KV-cache, input-buffer, and compute-buffer
// terms for a context window of size ctx, in bytes.
func contextMemoryEstimate(ctx, hidden, layers, heads, kvHeads int) float64 {
	const bytesPerElement = 2.0 // fp16 KV cache element size

	kvCache := 2.0 * (float64(hidden) / (float64(heads) / float64(kvHeads))) * float64(layers) * float64(ctx) * bytesPerElement

	inputBuffer := float64(ctx) * float64(defaultBatchSize) * bytesPerElement

	const mib = 1024.0 * 1024.0
	computeBuffer := ((float64(ctx)/1024.0)*2.0 + 0.75) * float64(heads) * mib

	return kvCache + inputBuffer + computeBuffer
}

func (p *Planner) resolveGPUAndBatch(snapshot coremodel.HostSnapshot, req Request, chosenCtx int) (numGPU, numBatch int) {
	cpu := CPUDescriptor{Threads: threadsFor(snapshot)}

	var gpu *GPUDescriptor
	if snapshot.HasGPU {
		gpu = &GPUDescriptor{
			Library:      gpuLibraryFor(snapshot.GPUVendor),
			TotalBytes:   snapshot.VRAM.TotalBytes,
			FreeBytes:    snapshot.VRAM.FreeBytes,
			MinimumBytes: 1 << 30,
		}
	}

	n, batch, err := p.calculator.Calculate(cpu, gpu)
	if err != nil {
		return CalculatorErrorBucket(req.ModelSizeBytes, chosenCtx)
	}
	if n == 0 {
		return p.cpuFallback(snapshot, req, chosenCtx)
	}
	return n, batch
}

func gpuLibraryFor(vendor coremodel.GPUVendor) string {
	switch vendor {
	case coremodel.GPUVendorNVIDIA:
		return "cuda"
	case coremodel.GPUVendorAMD:
		return "rocm"
	case coremodel.GPUVendorApple:
		return "metal"
	default:
		return "cpu"
	}
}

// cpuFallback computes a CPU-only batch size from free RAM, subtracting
// model size, context memory, and a 1 GiB system reserve. When the host has
// unified memory (Apple), 30% of free VRAM is added back into the budget.
func (p *Planner) cpuFallback(snapshot coremodel.HostSnapshot, req Request, chosenCtx int) (numGPU, numBatch int) {
	hidden, layers, heads, kvHeads := architectureConstants(req.Metadata)
	contextBytes := contextMemoryEstimate(chosenCtx, hidden, layers, heads, kvHeads)

	const giB = 1024.0 * 1024.0 * 1024.0
	availableBytes := float64(snapshot.FreeRAMBytes) - float64(req.ModelSizeBytes) - contextBytes - systemReserveGiB*giB
	if snapshot.GPUVendor == coremodel.GPUVendorApple {
		availableBytes += 0.3 * float64(snapshot.VRAM.FreeBytes)
	}
	availableGiB := availableBytes / giB
	if availableGiB < 0 {
		availableGiB = 0
	}

	paramsEstimateMB := float64(req.ModelSizeBytes) / (1024.0 * 1024.0)
	if paramsEstimateMB <= 0 {
		paramsEstimateMB = 1
	}

	batch := int((availableGiB * 1024.0) / paramsEstimateMB)
	if batch > 512 {
		batch = 512
	}
	if batch < 1 {
		batch = 1
	}
	return 0, batch
}

// CalculatorErrorBucket returns (gpuLayers, batch) from the size bucket for
// a model of the given size: gpuLayers is always 0, and batch is the
// bucket's high value when chosenCtx <= 8192, its low value otherwise.
// Used when the GPU calculator itself errors rather than cleanly reporting
// "no GPU".
func CalculatorErrorBucket(modelSizeBytes int64, chosenCtx int) (gpuLayers, batch int) {
	const giB = 1024 * 1024 * 1024
	sizeGiB := float64(modelSizeBytes) / giB

	var low, high int
	switch {
	case sizeGiB > 15:
		low, high = 1024, 2048
	case sizeGiB >= 8:
		low, high = 2048, 4096
	case sizeGiB >= 4:
		low, high = 4096, 8192
	default:
		low, high = 8192, 16384
	}

	if chosenCtx <= 8192 {
		return 0, high
	}
	return 0, low
}
