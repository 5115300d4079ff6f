package resourceplanner

import (
	"context"
	"fmt"

	"github.com/MrWong99/llamacore/internal/coremodel"
)

// ReservingInspector wraps a HostInspector and subtracts a fixed RAM/VRAM
// headroom from every snapshot it reports, on top of Plan's own 1 GiB
// system reserve. Lets an operator hold back memory for everything running
// alongside the worker (OS, other processes, a co-located controller)
// without the planner itself needing to know about deployment-specific
// headroom.
type ReservingInspector struct {
	inspector         HostInspector
	reservedRAMBytes  int64
	reservedVRAMBytes int64
}

// NewReservingInspector wraps inspector, holding back reservedRAMBytes of
// host RAM and reservedVRAMBytes of VRAM from every snapshot.
func NewReservingInspector(inspector HostInspector, reservedRAMBytes, reservedVRAMBytes int64) *ReservingInspector {
	return &ReservingInspector{
		inspector:         inspector,
		reservedRAMBytes:  reservedRAMBytes,
		reservedVRAMBytes: reservedVRAMBytes,
	}
}

// Inspect delegates to the wrapped inspector and clamps FreeRAMBytes/
// VRAM.FreeBytes down by the configured reservation, never below zero.
func (r *ReservingInspector) Inspect(ctx context.Context) (coremodel.HostSnapshot, error) {
	snapshot, err := r.inspector.Inspect(ctx)
	if err != nil {
		return coremodel.HostSnapshot{}, fmt.Errorf("resourceplanner: reserving inspector: %w", err)
	}

	snapshot.FreeRAMBytes = clampNonNegative(snapshot.FreeRAMBytes - r.reservedRAMBytes)
	if snapshot.HasGPU {
		snapshot.VRAM.FreeBytes = clampNonNegative(snapshot.VRAM.FreeBytes - r.reservedVRAMBytes)
	}
	return snapshot, nil
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
