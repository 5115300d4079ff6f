package resourceplanner

import "fmt"

// CPUDescriptor describes the host's CPU resources for the GPU-layer/
// batch-size calculation.
type CPUDescriptor struct {
	Threads int
}

// GPUDescriptor describes one GPU the calculator may offload layers to.
// Library is one of "cuda", "rocm", "metal", "cpu" (the last meaning "no
// usable accelerator").
type GPUDescriptor struct {
	Library      string
	TotalBytes   int64
	FreeBytes    int64
	MinimumBytes int64
}

// Calculator decides how many model layers to offload to the GPU and what
// batch size to run with, given a CPU descriptor and an optional GPU
// descriptor. Returning numGPU == 0 signals "use CPU-only mode"; the
// planner then computes a CPU batch size itself rather than trusting
// numBatch from this call.
type Calculator interface {
	Calculate(cpu CPUDescriptor, gpu *GPUDescriptor) (numGPU, numBatch int, err error)
}

// defaultCalculator implements the bucketed layer/batch heuristic: offload
// everything when the GPU clears its minimum-memory bar, otherwise fall
// back to CPU-only.
type defaultCalculator struct{}

// NewDefaultCalculator returns the standard Calculator used when none is
// injected.
func NewDefaultCalculator() Calculator {
	return defaultCalculator{}
}

func (defaultCalculator) Calculate(cpu CPUDescriptor, gpu *GPUDescriptor) (int, int, error) {
	if gpu == nil || gpu.Library == "" || gpu.Library == "cpu" {
		return 0, 0, nil
	}
	if gpu.FreeBytes < gpu.MinimumBytes {
		return 0, 0, nil
	}

	switch gpu.Library {
	case "cuda", "rocm", "metal":
	default:
		return 0, 0, fmt.Errorf("resourceplanner: unknown GPU library %q", gpu.Library)
	}

	// Offload everything: numGPU is a layer budget the loader clamps to
	// the model's actual layer count via min(effective, layerCount).
	const allLayers = 1 << 30
	numBatch := defaultBatchSize
	if gpu.FreeBytes > 8*(1<<30) {
		numBatch = 1024
	}
	return allLayers, numBatch, nil
}
