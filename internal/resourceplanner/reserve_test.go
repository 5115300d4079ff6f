package resourceplanner

import (
	"context"
	"testing"

	"github.com/MrWong99/llamacore/internal/coremodel"
)

type fixedInspector struct {
	snapshot coremodel.HostSnapshot
}

func (f fixedInspector) Inspect(context.Context) (coremodel.HostSnapshot, error) {
	return f.snapshot, nil
}

func TestReservingInspectorSubtractsRAM(t *testing.T) {
	inner := fixedInspector{snapshot: coremodel.HostSnapshot{FreeRAMBytes: 10 << 30}}
	r := NewReservingInspector(inner, 4<<30, 0)

	got, err := r.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if want := int64(6 << 30); got.FreeRAMBytes != want {
		t.Errorf("FreeRAMBytes = %d, want %d", got.FreeRAMBytes, want)
	}
}

func TestReservingInspectorClampsAtZero(t *testing.T) {
	inner := fixedInspector{snapshot: coremodel.HostSnapshot{FreeRAMBytes: 1 << 30}}
	r := NewReservingInspector(inner, 4<<30, 0)

	got, err := r.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if got.FreeRAMBytes != 0 {
		t.Errorf("FreeRAMBytes = %d, want 0", got.FreeRAMBytes)
	}
}

func TestReservingInspectorSubtractsVRAMOnlyWhenGPUPresent(t *testing.T) {
	inner := fixedInspector{snapshot: coremodel.HostSnapshot{
		HasGPU: true,
		VRAM:   coremodel.VRAMState{TotalBytes: 8 << 30, FreeBytes: 8 << 30},
	}}
	r := NewReservingInspector(inner, 0, 2<<30)

	got, err := r.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if want := int64(6 << 30); got.VRAM.FreeBytes != want {
		t.Errorf("VRAM.FreeBytes = %d, want %d", got.VRAM.FreeBytes, want)
	}
}

func TestReservingInspectorNoGPUUntouched(t *testing.T) {
	inner := fixedInspector{snapshot: coremodel.HostSnapshot{HasGPU: false}}
	r := NewReservingInspector(inner, 0, 2<<30)

	got, err := r.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if got.VRAM.FreeBytes != 0 {
		t.Errorf("VRAM.FreeBytes = %d, want 0", got.VRAM.FreeBytes)
	}
}
