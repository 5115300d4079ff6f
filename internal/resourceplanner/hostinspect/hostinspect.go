// Package hostinspect is the default resourceplanner.HostInspector: it
// reads /proc/meminfo for RAM facts, runtime.NumCPU for thread count, and
// shells out to nvidia-smi/rocm-smi for VRAM facts, falling back to
// "no GPU" when neither tool is present. Hardware discovery itself is an
// explicit non-goal of the planner; this package exists only to give it a
// concrete, real-host default to call.
//
// Grounded on the llamacppgateway example's external-tooling GPU probe
// (shelling out rather than linking a GPU management library).
package hostinspect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/MrWong99/llamacore/internal/coremodel"
)

// Inspector is the default resourceplanner.HostInspector.
type Inspector struct {
	// MemInfoPath overrides the /proc/meminfo location, for tests.
	MemInfoPath string
}

// New creates an Inspector reading the real /proc/meminfo.
func New() *Inspector {
	return &Inspector{MemInfoPath: "/proc/meminfo"}
}

// Inspect reads current host RAM/CPU/GPU facts.
func (ins *Inspector) Inspect(ctx context.Context) (coremodel.HostSnapshot, error) {
	totalRAM, freeRAM, err := readMemInfo(ins.memInfoPath())
	if err != nil {
		return coremodel.HostSnapshot{}, fmt.Errorf("hostinspect: read meminfo: %w", err)
	}

	snapshot := coremodel.HostSnapshot{
		TotalRAMBytes: totalRAM,
		FreeRAMBytes:  freeRAM,
		CPUThreads:    runtime.NumCPU(),
	}

	probe := probeGPU(ctx)
	switch {
	case probe.unreadable:
		snapshot.VRAMUnreadable = true
	case probe.present:
		snapshot.HasGPU = true
		snapshot.GPUVendor = probe.vendor
		snapshot.VRAM = probe.vram
	default:
		snapshot.GPUVendor = coremodel.GPUVendorUnknown
	}

	return snapshot, nil
}

func (ins *Inspector) memInfoPath() string {
	if ins.MemInfoPath != "" {
		return ins.MemInfoPath
	}
	return "/proc/meminfo"
}

// readMemInfo parses MemTotal/MemAvailable (falling back to MemFree) out of
// a /proc/meminfo-formatted file, returning byte counts.
func readMemInfo(path string) (totalBytes, freeBytes int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var total, available, free int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, convErr := strconv.ParseInt(fields[1], 10, 64)
		if convErr != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = kb
		case "MemAvailable":
			available = kb
		case "MemFree":
			free = kb
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}

	freeKB := available
	if freeKB == 0 {
		freeKB = free
	}
	return total * 1024, freeKB * 1024, nil
}

// gpuProbeResult distinguishes "no GPU tooling on this host" (present is
// false, a legitimate CPU-only host) from "GPU tooling exists but its VRAM
// query failed" (unreadable is true) — the planner treats the two cases
// very differently.
type gpuProbeResult struct {
	vendor     coremodel.GPUVendor
	vram       coremodel.VRAMState
	present    bool
	unreadable bool
}

// probeGPU shells out to nvidia-smi, then rocm-smi, parsing whichever is
// installed. Apple GPUs are unified memory and are reported via
// runtime.GOOS instead, since there is no equivalent CLI probe on macOS in
// this corpus. A probe binary that is installed but whose query or output
// cannot be parsed is reported as unreadable rather than silently treated
// as "no GPU."
func probeGPU(ctx context.Context) gpuProbeResult {
	if runtime.GOOS == "darwin" {
		return gpuProbeResult{vendor: coremodel.GPUVendorApple, present: true}
	}

	if res, ok := tryProbe(ctx); ok {
		return res
	}
	return gpuProbeResult{}
}

// tryProbe attempts nvidia-smi then rocm-smi. ok is false only when neither
// tool is installed on the host.
func tryProbe(ctx context.Context) (gpuProbeResult, bool) {
	if path, err := exec.LookPath("nvidia-smi"); err == nil {
		total, free, ok := runSMI(ctx, path, "--query-gpu=memory.total,memory.free", "--format=csv,noheader,nounits")
		if !ok {
			return gpuProbeResult{unreadable: true}, true
		}
		return gpuProbeResult{vendor: coremodel.GPUVendorNVIDIA, vram: coremodel.VRAMState{TotalBytes: total * 1024 * 1024, FreeBytes: free * 1024 * 1024}, present: true}, true
	}
	if path, err := exec.LookPath("rocm-smi"); err == nil {
		total, free, ok := runSMI(ctx, path, "--showmeminfo", "vram", "--csv")
		if !ok {
			return gpuProbeResult{unreadable: true}, true
		}
		return gpuProbeResult{vendor: coremodel.GPUVendorAMD, vram: coremodel.VRAMState{TotalBytes: total, FreeBytes: free}, present: true}, true
	}
	return gpuProbeResult{}, false
}

// runSMI runs path (an already-resolved nvidia-smi/rocm-smi binary) with
// args and parses its first output line as "total,free" integers.
func runSMI(ctx context.Context, path string, args ...string) (total, free int64, ok bool) {
	cmd := exec.CommandContext(ctx, path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, 0, false
	}

	line := strings.TrimSpace(out.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	totalVal, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	freeVal, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return totalVal, freeVal, true
}
