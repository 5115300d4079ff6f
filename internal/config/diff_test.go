package config_test

import (
	"testing"

	"github.com/MrWong99/llamacore/internal/config"
)

func intPtr(v int) *int { return &v }

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Models: []config.ModelConfig{
			{ID: "a", Path: "/models/a.gguf"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.ModelsChanged {
		t.Error("expected ModelsChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.ModelChanges) != 0 {
		t.Errorf("expected 0 model changes, got %d", len(d.ModelChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_ModelPathChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Models: []config.ModelConfig{{ID: "a", Path: "/models/a-v1.gguf"}},
	}
	new := &config.Config{
		Models: []config.ModelConfig{{ID: "a", Path: "/models/a-v2.gguf"}},
	}

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	if len(d.ModelChanges) != 1 {
		t.Fatalf("expected 1 model change, got %d", len(d.ModelChanges))
	}
	if !d.ModelChanges[0].PathChanged {
		t.Error("expected PathChanged=true")
	}
	if d.ModelChanges[0].SettingsChanged {
		t.Error("expected SettingsChanged=false")
	}
}

func TestDiff_ModelSettingsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Models: []config.ModelConfig{
			{ID: "a", Path: "/models/a.gguf", DefaultSettings: config.ModelSettingsConfig{GPULayers: intPtr(10)}},
		},
	}
	new := &config.Config{
		Models: []config.ModelConfig{
			{ID: "a", Path: "/models/a.gguf", DefaultSettings: config.ModelSettingsConfig{GPULayers: intPtr(20)}},
		},
	}

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	found := false
	for _, mc := range d.ModelChanges {
		if mc.ID == "a" && mc.SettingsChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected a's SettingsChanged=true")
	}
}

func TestDiff_ModelAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Models: []config.ModelConfig{{ID: "a"}},
	}
	new := &config.Config{
		Models: []config.ModelConfig{{ID: "a"}, {ID: "b"}},
	}

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	found := false
	for _, mc := range d.ModelChanges {
		if mc.ID == "b" && mc.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected b Added=true")
	}
}

func TestDiff_ModelRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Models: []config.ModelConfig{{ID: "a"}, {ID: "b"}},
	}
	new := &config.Config{
		Models: []config.ModelConfig{{ID: "a"}},
	}

	d := config.Diff(old, new)
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	found := false
	for _, mc := range d.ModelChanges {
		if mc.ID == "b" && mc.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected b Removed=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Models: []config.ModelConfig{
			{ID: "a", Path: "/models/a-v1.gguf"},
			{ID: "b"},
		},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelWarn},
		Models: []config.ModelConfig{
			{ID: "a", Path: "/models/a-v2.gguf"},
			{ID: "c"},
		},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.ModelsChanged {
		t.Error("expected ModelsChanged=true")
	}
	changes := make(map[string]config.ModelDiff)
	for _, mc := range d.ModelChanges {
		changes[mc.ID] = mc
	}
	if !changes["a"].PathChanged {
		t.Error("expected a PathChanged=true")
	}
	if !changes["b"].Removed {
		t.Error("expected b Removed=true")
	}
	if !changes["c"].Added {
		t.Error("expected c Added=true")
	}
}
