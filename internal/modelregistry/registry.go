// Package modelregistry is the authoritative map of currently loaded
// models and their associated chat threads. It is the single source of
// truth for "is this model loaded?" on the worker side.
//
// Grounded on the LRU/backend-bookkeeping shape of the llamacppgateway
// process-manager reference example's modelBackends map, adapted from
// HTTP-backend supervision to worker-owned native-handle bookkeeping: this
// registry tracks coremodel.ModelRuntimeInfo values, not subprocess handles,
// because in llamacore the worker process itself is the single isolation
// unit (see internal/workerproxy), not one process per model.
package modelregistry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/llamacore/internal/coremodel"
)

// Disposer releases native resources. Implemented by internal/nativebackend
// and injected at construction time — the registry never imports the
// backend package directly.
type Disposer interface {
	DisposeContext(ctx context.Context, h coremodel.NativeHandle) error
	DisposeModel(ctx context.Context, h coremodel.NativeHandle) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// loadingEntry holds the completion channel for a model currently loading.
// Subsequent concurrent load requests for the same id observe this channel
// and await its closing instead of starting a second native load.
type loadingEntry struct {
	done chan struct{}
	err  error
}

// Registry is the worker-side map of active models, their thread
// associations, loading locks, and per-model usage stats.
//
// Invariant: the active map and the loading-lock map are disjoint — a model
// id is never present in both at once.
type Registry struct {
	mu sync.Mutex

	active   map[string]*coremodel.ModelRuntimeInfo
	loading  map[string]*loadingEntry
	usage    map[string]*coremodel.UsageStats
	threadOf map[string]string // threadID -> modelID

	disposer Disposer
	now      Clock
}

// New creates a Registry. disposer may be nil in tests that never call
// Unregister with a populated runtime info.
func New(disposer Disposer) *Registry {
	return &Registry{
		active:   make(map[string]*coremodel.ModelRuntimeInfo),
		loading:  make(map[string]*loadingEntry),
		usage:    make(map[string]*coremodel.UsageStats),
		threadOf: make(map[string]string),
		disposer: disposer,
		now:      time.Now,
	}
}

// WithClock overrides the registry's time source, for tests.
func (r *Registry) WithClock(c Clock) *Registry {
	r.now = c
	return r
}

// Register inserts runtimeInfo into the active map and initializes usage
// stats for modelID if this is the first time it has been seen.
func (r *Registry) Register(modelID string, runtimeInfo *coremodel.ModelRuntimeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[modelID] = runtimeInfo
	if _, ok := r.usage[modelID]; !ok {
		r.usage[modelID] = &coremodel.UsageStats{}
	}
}

// Get returns the runtime info for modelID, touching LastUsedAt and the
// usage stats' LastAccessed as a side effect.
func (r *Registry) Get(modelID string) (*coremodel.ModelRuntimeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.active[modelID]
	if !ok {
		return nil, false
	}
	now := r.now()
	info.Touch(now)
	if stats, ok := r.usage[modelID]; ok {
		stats.LastAccessed = now
	}
	return info, true
}

// GetByThreadID scans active models for one associated with threadID.
func (r *Registry) GetByThreadID(threadID string) (*coremodel.ModelRuntimeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, info := range r.active {
		if _, ok := info.ThreadIDs[threadID]; ok {
			return info, true
		}
	}
	return nil, false
}

// AssociateThread records that threadID is talking to modelID. A thread can
// only be associated with one model at a time; associating it with a new
// model removes the prior association.
func (r *Registry) AssociateThread(modelID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.active[modelID]
	if !ok {
		return fmt.Errorf("modelregistry: cannot associate thread %q: model %q is not active", threadID, modelID)
	}

	if prevModel, ok := r.threadOf[threadID]; ok && prevModel != modelID {
		if prev, ok := r.active[prevModel]; ok {
			delete(prev.ThreadIDs, threadID)
		}
	}

	if info.ThreadIDs == nil {
		info.ThreadIDs = make(map[string]struct{})
	}
	info.ThreadIDs[threadID] = struct{}{}
	r.threadOf[threadID] = modelID
	return nil
}

// DisassociateThread removes any thread association for threadID.
func (r *Registry) DisassociateThread(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	modelID, ok := r.threadOf[threadID]
	if !ok {
		return
	}
	delete(r.threadOf, threadID)
	if info, ok := r.active[modelID]; ok {
		delete(info.ThreadIDs, threadID)
	}
}

// SetLoadingLock installs a loading lock for modelID. Returns an error if a
// lock already exists (callers should use GetLoadingLock to await it
// instead). The returned complete function must be called exactly once to
// release the lock, with the error (if any) that the load attempt produced.
func (r *Registry) SetLoadingLock(modelID string) (complete func(err error), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loading[modelID]; ok {
		return nil, fmt.Errorf("modelregistry: model %q is already loading", modelID)
	}
	entry := &loadingEntry{done: make(chan struct{})}
	r.loading[modelID] = entry

	return func(loadErr error) {
		r.mu.Lock()
		entry.err = loadErr
		delete(r.loading, modelID)
		close(entry.done)
		r.mu.Unlock()
	}, nil
}

// GetLoadingLock returns the completion channel and error slot for modelID
// if a load is currently in progress. Callers should select on the returned
// channel to await completion, then read err.
func (r *Registry) GetLoadingLock(modelID string) (wait <-chan struct{}, errOf func() error, ok bool) {
	r.mu.Lock()
	entry, ok := r.loading[modelID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	return entry.done, func() error { return entry.err }, true
}

// IsLoading reports whether modelID currently has an outstanding loading
// lock.
func (r *Registry) IsLoading(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loading[modelID]
	return ok
}

// IsActive reports whether modelID is currently registered as active.
func (r *Registry) IsActive(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[modelID]
	return ok
}

// Unregister disposes modelID's session/context/model (in that order —
// session disposal is the loader's responsibility before calling
// Unregister; here we dispose context then model) and removes it from the
// active map. Dispose errors are logged and swallowed: the map entry is
// always removed, guaranteeing the active-map invariant holds even when
// native teardown fails.
func (r *Registry) Unregister(ctx context.Context, modelID string) {
	r.mu.Lock()
	info, ok := r.active[modelID]
	delete(r.active, modelID)
	for threadID := range r.threadOf {
		if r.threadOf[threadID] == modelID {
			delete(r.threadOf, threadID)
		}
	}
	r.mu.Unlock()

	if !ok || info == nil || r.disposer == nil {
		return
	}

	if err := r.disposer.DisposeContext(ctx, info.ContextHandle); err != nil {
		slog.Error("modelregistry: dispose context failed", "model_id", modelID, "err", err)
	}
	if err := r.disposer.DisposeModel(ctx, info.ModelHandle); err != nil {
		slog.Error("modelregistry: dispose model failed", "model_id", modelID, "err", err)
	}
}

// GetLRU returns the modelID with the oldest LastUsedAt among active
// models, or "" if none are active.
func (r *Registry) GetLRU() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		lruID   string
		lruTime time.Time
		found   bool
	)
	for id, info := range r.active {
		if !found || info.LastUsedAt.Before(lruTime) {
			lruID = id
			lruTime = info.LastUsedAt
			found = true
		}
	}
	return lruID, found
}

// GetUnassociated returns all active model ids that have no associated
// threads, useful for preferring eviction of models nobody is talking to.
func (r *Registry) GetUnassociated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, info := range r.active {
		if len(info.ThreadIDs) == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// RecordPromptUsage atomically increments modelID's prompt count and token
// total, initializing the usage entry if it does not yet exist.
func (r *Registry) RecordPromptUsage(modelID string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.usage[modelID]
	if !ok {
		stats = &coremodel.UsageStats{}
		r.usage[modelID] = stats
	}
	stats.TotalPrompts++
	stats.TotalTokens += int64(tokens)
	stats.LastAccessed = r.now()
}

// UsageOf returns a copy of modelID's usage stats, or the zero value if none
// have been recorded yet.
func (r *Registry) UsageOf(modelID string) coremodel.UsageStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stats, ok := r.usage[modelID]; ok {
		return *stats
	}
	return coremodel.UsageStats{}
}

// ActiveModelIDs returns all currently active model ids, for diagnostics
// and for the loader's "unload every other active model" step.
func (r *Registry) ActiveModelIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}
