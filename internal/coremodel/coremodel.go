// Package coremodel defines the data types shared across llamacore's
// subsystems: model catalogue entries, loading settings, live runtime
// handles, usage accounting, and the controller-side request bookkeeping
// types used by the worker proxy.
package coremodel

import (
	"context"
	"time"
)

// ModelDescriptor is an immutable catalogue entry for a model file on disk.
// Populated once from the (external, non-goal) discovery collaborator and
// never mutated after a model is loaded.
type ModelDescriptor struct {
	ID                   string
	DisplayName          string
	Filename             string
	Path                 string
	SizeBytes            int64
	LayerCount           int
	TrainedContextLength int

	// ParamCount and Quantization are optional; zero/empty mean unknown.
	ParamCount   int64
	Quantization string
}

// ModelLoadingSettings holds user-overridable load parameters. All fields
// are optional; a zero GPULayers is a real value (0 GPU layers, CPU-only)
// while -1 means "auto" (use the resource planner's computed value). The
// other fields use 0 to mean "not set".
type ModelLoadingSettings struct {
	// GPULayers: -1 means auto. 0 or positive is an explicit layer count.
	GPULayers   int     `json:"gpuLayers"`
	ContextSize int     `json:"contextSize"`
	BatchSize   int     `json:"batchSize"`
	Threads     int     `json:"threads"`
	Temperature float64 `json:"temperature"`

	// HasGPULayers/HasContextSize/... distinguish "not set" from a
	// legitimate zero value for fields where 0 is meaningful.
	HasGPULayers   bool `json:"hasGpuLayers"`
	HasContextSize bool `json:"hasContextSize"`
	HasBatchSize   bool `json:"hasBatchSize"`
	HasThreads     bool `json:"hasThreads"`
	HasTemperature bool `json:"hasTemperature"`
}

// GPULayersOrAuto returns (value, true) if GPULayers was set explicitly and
// is not the -1 "auto" sentinel, otherwise (0, false).
func (s ModelLoadingSettings) GPULayersOrAuto() (int, bool) {
	if !s.HasGPULayers || s.GPULayers == -1 {
		return 0, false
	}
	return s.GPULayers, true
}

// Merge returns the receiver overridden field-by-field by override: a value
// explicitly set on override wins, otherwise the receiver (typically
// computed defaults) applies.
func (s ModelLoadingSettings) Merge(override ModelLoadingSettings) ModelLoadingSettings {
	out := s
	if override.HasGPULayers {
		out.GPULayers = override.GPULayers
		out.HasGPULayers = true
	}
	if override.HasContextSize {
		out.ContextSize = override.ContextSize
		out.HasContextSize = true
	}
	if override.HasBatchSize {
		out.BatchSize = override.BatchSize
		out.HasBatchSize = true
	}
	if override.HasThreads {
		out.Threads = override.Threads
		out.HasThreads = true
	}
	if override.HasTemperature {
		out.Temperature = override.Temperature
		out.HasTemperature = true
	}
	return out
}

// NativeHandle is an opaque reference into the worker's native backend.
// The controller never dereferences it; it exists purely so
// ModelRuntimeInfo can carry model/context/session identity without the
// controller package importing internal/nativebackend.
type NativeHandle uint64

// ModelRuntimeInfo exists only while a model is loaded. It is owned
// exclusively by the worker process; the controller only ever sees a
// read-only projection of it (see settings.RuntimeInfo).
type ModelRuntimeInfo struct {
	ModelID string

	ModelHandle   NativeHandle
	ContextHandle NativeHandle
	SessionHandle NativeHandle

	ModelPath   string
	ContextSize int
	GPULayers   int
	BatchSize   int

	LoadedAt   time.Time
	LastUsedAt time.Time

	// ThreadIDs is the set of chat thread identifiers currently associated
	// with this runtime.
	ThreadIDs map[string]struct{}
}

// Touch updates LastUsedAt to now. Called on every registry access.
func (r *ModelRuntimeInfo) Touch(now time.Time) {
	r.LastUsedAt = now
}

// UsageStats accumulates per-model-id usage. It outlives ModelRuntimeInfo;
// the registry keeps usage stats around after a model is unloaded so that
// reload does not lose history for the process lifetime.
type UsageStats struct {
	TotalPrompts int64
	TotalTokens  int64
	LastAccessed time.Time
}

// PendingRequest is the controller-side bookkeeping entry for one
// outstanding request sent to the worker. It lives from Send until a
// terminal envelope arrives, the deadline elapses, or the worker dies.
type PendingRequest struct {
	ID       string
	Deadline time.Time

	// resultCh carries the single terminal result (value or error).
	resultCh chan pendingResult
	cancel   context.CancelFunc
}

type pendingResult struct {
	data any
	err  error
}

// NewPendingRequest creates a PendingRequest with an unbuffered-semantics
// (capacity 1) result channel so Resolve/Fail never block on a slow
// consumer.
func NewPendingRequest(id string, deadline time.Time, cancel context.CancelFunc) *PendingRequest {
	return &PendingRequest{
		ID:       id,
		Deadline: deadline,
		resultCh: make(chan pendingResult, 1),
		cancel:   cancel,
	}
}

// Resolve delivers a successful terminal result. Safe to call at most once;
// subsequent calls are no-ops because the channel has capacity 1 and is
// never drained twice by Wait.
func (p *PendingRequest) Resolve(data any) {
	select {
	case p.resultCh <- pendingResult{data: data}:
	default:
	}
}

// Fail delivers a terminal error.
func (p *PendingRequest) Fail(err error) {
	select {
	case p.resultCh <- pendingResult{err: err}:
	default:
	}
}

// Wait blocks until a result is delivered or ctx is cancelled.
func (p *PendingRequest) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-p.resultCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel invokes the request's cancel function, if any, releasing any
// goroutine blocked in Wait.
func (p *PendingRequest) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}

// StreamingRequest extends PendingRequest with an ordered chunk buffer and a
// terminal flag, for requests whose worker responses arrive as a sequence of
// streamChunk envelopes followed by a terminal envelope.
type StreamingRequest struct {
	*PendingRequest

	chunks chan string
	done   chan struct{}
}

// NewStreamingRequest creates a StreamingRequest with a 64-chunk buffered
// channel. Once 64 chunks are pending, EmitChunk blocks until the consumer
// reads one or the stream is finished.
func NewStreamingRequest(id string, deadline time.Time, cancel context.CancelFunc) *StreamingRequest {
	return &StreamingRequest{
		PendingRequest: NewPendingRequest(id, deadline, cancel),
		chunks:         make(chan string, 64),
		done:           make(chan struct{}),
	}
}

// EmitChunk delivers one ordered chunk to the consumer.
func (s *StreamingRequest) EmitChunk(chunk string) {
	select {
	case s.chunks <- chunk:
	case <-s.done:
	}
}

// Chunks returns the read-only channel of ordered chunks.
func (s *StreamingRequest) Chunks() <-chan string { return s.chunks }

// Finish marks the stream as terminated (success or failure, recorded via
// Resolve/Fail on the embedded PendingRequest) and stops further EmitChunk
// deliveries from blocking.
func (s *StreamingRequest) Finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// ContextSizeCacheKey identifies one memoized context-size decision.
type ContextSizeCacheKey struct {
	Filename          string
	ModelSizeBytes    int64
	RequestedContext  int
}

// ContextSizeCacheEntry is the memoized value for a ContextSizeCacheKey,
// with the insertion time used to expire entries after 5 minutes.
type ContextSizeCacheEntry struct {
	ChosenContext int
	InsertedAt    time.Time
}

// GPUType enumerates the platform-observable GPU kind surfaced in runtime
// info.
type GPUType string

const (
	GPUTypeCPU   GPUType = "cpu"
	GPUTypeCUDA  GPUType = "cuda"
	GPUTypeMetal GPUType = "metal"
)

// GPUVendor enumerates host GPU hardware vendors as read from the host
// snapshot, independent of the platform-observable GPUType used in runtime
// info responses.
type GPUVendor string

const (
	GPUVendorNVIDIA  GPUVendor = "nvidia"
	GPUVendorAMD     GPUVendor = "amd"
	GPUVendorApple   GPUVendor = "apple"
	GPUVendorUnknown GPUVendor = "unknown"
)

// VRAMState reports total/free video memory in bytes.
type VRAMState struct {
	TotalBytes int64
	FreeBytes  int64
}

// HostSnapshot bundles the host capability readings the resource planner
// consumes. Populated by an external HostInspector collaborator at call
// time; see resourceplanner.HostInspector.
type HostSnapshot struct {
	TotalRAMBytes int64
	FreeRAMBytes  int64
	CPUThreads    int
	HasGPU        bool
	GPUVendor     GPUVendor
	VRAM          VRAMState

	// VRAMUnreadable is true when GPU tooling was detected on the host but
	// querying or parsing its VRAM output failed, as distinct from no GPU
	// tooling being present at all. The resource planner must fail rather
	// than silently plan as if the host were GPU-less when this is set.
	VRAMUnreadable bool
}

// ModelMetadata bundles the model facts the resource planner needs beyond
// what ModelDescriptor already carries directly, kept as a separate type so
// the planner does not need to import the full descriptor.
type ModelMetadata struct {
	SizeBytes            int64
	LayerCount           int
	HasLayerCount        bool
	TrainedContextLength int
	HasTrainedContext    bool
	MaxContextLength     int
	HasMaxContext        bool
}

// Role distinguishes chat message authorship.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one ordered chat-history entry, shared by the session manager
// and the response generator's message-to-prompt reduction.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatSession owns one loaded model's conversational state: its native
// session handle and an ordered chat history. A ChatSession's id is always
// "{modelId}-main".
type ChatSession struct {
	ID            string
	ModelID       string
	SessionHandle NativeHandle
	History       []Message
}

// HistorySnapshot returns a deep copy of the session's history slice, used
// to snapshot history before a disableChatHistory prompt and restore it
// afterward without aliasing the live slice.
func (s *ChatSession) HistorySnapshot() []Message {
	snap := make([]Message, len(s.History))
	copy(snap, s.History)
	return snap
}
