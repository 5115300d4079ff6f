// Package modelcatalogue is the default modelloader.Discovery /
// settings.Discovery: it resolves a model id against the catalogue of
// entries declared in the loaded YAML configuration. On-disk model
// discovery and remote-registry download are explicit non-goals — this
// package never walks a directory or talks to a registry, it only turns
// already-declared config.ModelConfig entries into coremodel.ModelDescriptor
// values, stat'ing each path once for its byte size.
//
// Grounded on resourceplanner/hostinspect's pattern of a concrete default
// implementation behind a collaborator interface the core otherwise only
// specifies abstractly.
package modelcatalogue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/llamacore/internal/config"
	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
)

// Catalogue resolves model ids/names against a fixed set of entries built
// from configuration. Safe for concurrent use; Reload swaps the entry set
// atomically so a config-watcher callback can refresh it without racing
// concurrent Resolve/List calls.
type Catalogue struct {
	mu      sync.RWMutex
	byID    map[string]coremodel.ModelDescriptor
	ordered []string
}

// New builds a Catalogue from models, stat'ing each entry's path for its
// byte size. A model whose file cannot be stat'ed is kept in the catalogue
// with SizeBytes left at zero rather than dropped, since a missing file
// should surface as a load-time error, not silent exclusion from listing.
func New(models []config.ModelConfig) *Catalogue {
	c := &Catalogue{}
	c.Reload(models)
	return c
}

// Reload atomically replaces the catalogue's entries.
func (c *Catalogue) Reload(models []config.ModelConfig) {
	byID := make(map[string]coremodel.ModelDescriptor, len(models))
	ordered := make([]string, 0, len(models))
	for _, m := range models {
		var size int64
		if fi, err := os.Stat(m.Path); err == nil {
			size = fi.Size()
		}
		byID[m.ID] = coremodel.ModelDescriptor{
			ID:          m.ID,
			DisplayName: displayName(m),
			Filename:    filepath.Base(m.Path),
			Path:        m.Path,
			SizeBytes:   size,
		}
		ordered = append(ordered, m.ID)
	}

	c.mu.Lock()
	c.byID = byID
	c.ordered = ordered
	c.mu.Unlock()
}

func displayName(m config.ModelConfig) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}

// Resolve looks up modelIDOrName by id first, then by filename, matching
// modelloader.Discovery and settings.Discovery.
func (c *Catalogue) Resolve(_ context.Context, modelIDOrName string) (coremodel.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := c.byID[modelIDOrName]; ok {
		return d, nil
	}
	for _, id := range c.ordered {
		d := c.byID[id]
		if d.Filename == modelIDOrName {
			return d, nil
		}
	}
	return coremodel.ModelDescriptor{}, fmt.Errorf("modelcatalogue: resolve %q: %w", modelIDOrName, coreerr.ErrNotFound)
}

// Remove drops id from the catalogue so subsequent Resolve/List calls no
// longer see it. It does not touch the underlying weight file. A no-op if
// id is not present.
func (c *Catalogue) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; !ok {
		return
	}
	delete(c.byID, id)
	for i, existing := range c.ordered {
		if existing == id {
			c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
			break
		}
	}
}

// List returns every catalogue entry in configuration order.
func (c *Catalogue) List(_ context.Context) ([]coremodel.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]coremodel.ModelDescriptor, 0, len(c.ordered))
	for _, id := range c.ordered {
		out = append(out, c.byID[id])
	}
	return out, nil
}
