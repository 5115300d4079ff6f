package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changes to
// server.listen_addr or worker.command require a process restart and are
// deliberately not surfaced here.
type ConfigDiff struct {
	ModelsChanged   bool        // true if the model catalogue changed in any way
	ModelChanges    []ModelDiff // per-model diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ModelDiff describes what changed for a single catalogue entry between two
// configs.
type ModelDiff struct {
	ID              string
	PathChanged     bool
	SettingsChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build model lookup maps keyed by ID.
	oldModels := make(map[string]*ModelConfig, len(old.Models))
	for i := range old.Models {
		oldModels[old.Models[i].ID] = &old.Models[i]
	}
	newModels := make(map[string]*ModelConfig, len(new.Models))
	for i := range new.Models {
		newModels[new.Models[i].ID] = &new.Models[i]
	}

	// Detect modified and removed models.
	for id, oldModel := range oldModels {
		newModel, exists := newModels[id]
		if !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{
				ID:      id,
				Removed: true,
			})
			d.ModelsChanged = true
			continue
		}
		md := diffModel(id, oldModel, newModel)
		if md.PathChanged || md.SettingsChanged {
			d.ModelChanges = append(d.ModelChanges, md)
			d.ModelsChanged = true
		}
	}

	// Detect added models.
	for id := range newModels {
		if _, exists := oldModels[id]; !exists {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{
				ID:    id,
				Added: true,
			})
			d.ModelsChanged = true
		}
	}

	return d
}

// diffModel compares two catalogue entries with the same ID.
func diffModel(id string, old, new *ModelConfig) ModelDiff {
	md := ModelDiff{ID: id}

	if old.Path != new.Path {
		md.PathChanged = true
	}

	if !sameSettings(old.DefaultSettings, new.DefaultSettings) {
		md.SettingsChanged = true
	}

	return md
}

// sameSettings compares two optional-pointer settings structs field by field.
func sameSettings(a, b ModelSettingsConfig) bool {
	return samePtr(a.GPULayers, b.GPULayers) &&
		samePtr(a.ContextSize, b.ContextSize) &&
		samePtr(a.BatchSize, b.BatchSize) &&
		samePtr(a.Threads, b.Threads) &&
		sameFloatPtr(a.Temperature, b.Temperature)
}

func samePtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
