// Package workerserve implements the worker side of the envelope
// transport: it reads control/generation/settings requests from the
// controller over stdin, dispatches them to the loader, registry, resource
// planner, response generator, and settings service, and writes responses
// (including streamChunk sequences) back over stdout. It also answers the
// controller's side of the reverse tool-call protocol by acting as
// toolbridge.Bridge's Sender, correlating the controller's
// mcpToolsResponse/mcpToolExecutionResponse envelopes against the worker's
// own outstanding reverse calls.
//
// Grounded on internal/workerproxy.Proxy's readLoop/dispatch pair, mirrored
// in direction: there the controller decodes the worker's output and
// special-cases worker-initiated reverse calls before falling through to a
// pending-request map; here the worker decodes the controller's output and
// special-cases the controller's reverse-call responses before falling
// through to handling a fresh control/generation/settings request.
package workerserve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/llamacore/internal/abortregistry"
	"github.com/MrWong99/llamacore/internal/chatsession"
	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/generation"
	"github.com/MrWong99/llamacore/internal/modelcatalogue"
	"github.com/MrWong99/llamacore/internal/modelloader"
	"github.com/MrWong99/llamacore/internal/modelregistry"
	"github.com/MrWong99/llamacore/internal/observe"
	"github.com/MrWong99/llamacore/internal/protocol"
	"github.com/MrWong99/llamacore/internal/settings"
)

// Server owns every worker-side subsystem and the stdio transport that
// exposes them to the controller.
type Server struct {
	loader    *modelloader.Loader
	registry  *modelregistry.Registry
	generator *generation.Generator
	settings  *settings.Service
	sessions  *chatsession.Manager
	abort     *abortregistry.Registry
	catalogue *modelcatalogue.Catalogue
	log       *slog.Logger
	metrics   *observe.Metrics

	enc     *protocol.Encoder
	writeMu sync.Mutex

	reverseMu sync.Mutex
	reverse   map[string]chan protocol.Envelope
}

// New creates a Server wiring the given subsystems. The caller typically
// also constructs a toolbridge.Bridge over the same Server (as its Sender)
// to expose reverse tool calls to the generator.
func New(
	loader *modelloader.Loader,
	registry *modelregistry.Registry,
	generator *generation.Generator,
	settingsSvc *settings.Service,
	sessions *chatsession.Manager,
	abort *abortregistry.Registry,
	catalogue *modelcatalogue.Catalogue,
) *Server {
	return &Server{
		loader:    loader,
		registry:  registry,
		generator: generator,
		settings:  settingsSvc,
		sessions:  sessions,
		abort:     abort,
		catalogue: catalogue,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		reverse:   make(map[string]chan protocol.Envelope),
	}
}

// WithLogger overrides the default logger.
func (s *Server) WithLogger(log *slog.Logger) *Server {
	s.log = log
	return s
}

// WithMetrics overrides the default package-level metrics instance, letting
// callers (mainly tests) supply one bound to a private MeterProvider.
func (s *Server) WithMetrics(m *observe.Metrics) *Server {
	s.metrics = m
	return s
}

// WithGenerator attaches the generator after construction. Exists because
// the generator's own ToolSource (a toolbridge.Bridge) needs a Sender —
// this Server — before it exists, so callers wire loader/registry/settings
// through New first, build the bridge and generator around the returned
// Server, then call WithGenerator to close the loop.
func (s *Server) WithGenerator(generator *generation.Generator) *Server {
	s.generator = generator
	return s
}

// SendUpstream implements toolbridge.Sender: it writes req to the
// controller and blocks until the matching mcpToolsResponse/
// mcpToolExecutionResponse envelope arrives, ctx is cancelled, or Serve's
// read loop exits.
func (s *Server) SendUpstream(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	s.reverseMu.Lock()
	s.reverse[req.ID] = ch
	s.reverseMu.Unlock()
	defer func() {
		s.reverseMu.Lock()
		delete(s.reverse, req.ID)
		s.reverseMu.Unlock()
	}()

	if err := s.write(req); err != nil {
		return protocol.Envelope{}, fmt.Errorf("workerserve: write reverse call: %w", err)
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (s *Server) write(env protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enc.Encode(env)
}

// Serve reads envelopes from r and writes responses to w until r is
// exhausted or yields a decode error, which it returns (io.EOF on a clean
// controller disconnect).
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.enc = protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	for {
		env, err := dec.Decode()
		if err != nil {
			return err
		}
		go s.dispatch(ctx, env)
	}
}

func (s *Server) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMCPToolsResponse, protocol.TypeMCPToolExecutionResponse:
		s.resolveReverse(env)
		return
	}

	resp := s.handle(ctx, env)
	if err := s.write(resp); err != nil {
		s.log.Warn("workerserve: failed to write response", "id", env.ID, "type", env.Type, "err", err)
	}
}

func (s *Server) resolveReverse(env protocol.Envelope) {
	s.reverseMu.Lock()
	ch, ok := s.reverse[env.ID]
	s.reverseMu.Unlock()
	if !ok {
		s.log.Debug("workerserve: reverse-call response for unknown id", "id", env.ID)
		return
	}
	ch <- env
}

// handle routes one control/generation/settings request to its subsystem
// and builds the terminal response envelope. Streaming requests are a
// special case: handle itself only kicks off the stream and returns the
// eventual terminal envelope after pumping chunks, since Serve's dispatch
// writes whatever handle returns as the one terminal write for this id.
func (s *Server) handle(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	switch env.Type {
	case protocol.TypeInit:
		return mustSuccess(env.ID, env.Type, nil)
	case protocol.TypeLoadModel:
		return s.handleLoadModel(ctx, env)
	case protocol.TypeUnloadModel:
		return s.handleUnloadModel(ctx, env)
	case protocol.TypeDeleteModel:
		return s.handleDeleteModel(ctx, env)
	case protocol.TypeListModels:
		return s.handleListModels(ctx, env)
	case protocol.TypeGenerateResponse:
		return s.handleGenerate(ctx, env)
	case protocol.TypeGenerateStreamResponse:
		return s.handleGenerateStream(ctx, env)
	case protocol.TypeAbortGeneration:
		return s.handleAbort(env)
	case protocol.TypeSetModelSettings:
		return s.handleSetModelSettings(ctx, env)
	case protocol.TypeGetModelSettings:
		return s.handleGetModelSettings(ctx, env)
	case protocol.TypeCalculateOptimalSettings:
		return s.handleCalculateOptimalSettings(ctx, env)
	case protocol.TypeGetModelRuntimeInfo:
		return s.handleGetModelRuntimeInfo(env)
	default:
		return protocol.NewFailure(env.ID, env.Type, fmt.Errorf("workerserve: %w: unknown envelope type %q", coreerr.ErrInvalidPayload, env.Type))
	}
}

func mustSuccess(id string, typ protocol.Type, data any) protocol.Envelope {
	env, err := protocol.NewSuccess(id, typ, data)
	if err != nil {
		return protocol.NewFailure(id, typ, err)
	}
	return env
}

// ─── Model lifecycle ─────────────────────────────────────────────────────────

type modelIDPayload struct {
	ModelID  string `json:"modelId"`
	ThreadID string `json:"threadId,omitempty"`
}

func (s *Server) handleLoadModel(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload modelIDPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}

	start := time.Now()
	info, err := s.loader.Load(ctx, payload.ModelID, payload.ThreadID)
	s.metrics.ModelLoadDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("model_id", payload.ModelID)))
	if err != nil {
		s.metrics.RecordModelLoad(ctx, payload.ModelID, "error")
		s.metrics.RecordModelLoadError(ctx, payload.ModelID)
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	s.metrics.RecordModelLoad(ctx, payload.ModelID, "success")
	s.metrics.LoadedModels.Add(ctx, 1)

	s.sessions.Create(info.ModelID, info.SessionHandle)
	s.metrics.ActiveChatSessions.Add(ctx, 1)

	return mustSuccess(env.ID, env.Type, runtimeWirePayload(info))
}

func (s *Server) handleUnloadModel(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload modelIDPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}

	if err := s.loader.Unload(ctx, payload.ModelID); err != nil {
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	s.sessions.Dispose(payload.ModelID)
	s.metrics.LoadedModels.Add(ctx, -1)
	s.metrics.ActiveChatSessions.Add(ctx, -1)
	return mustSuccess(env.ID, env.Type, nil)
}

// handleDeleteModel unloads the model if active and removes it from the
// worker's static catalogue, so subsequent loadModel/listModels no longer
// see it. The catalogue reload does not touch the on-disk weight file — no
// filesystem mutation is in scope.
func (s *Server) handleDeleteModel(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload modelIDPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}

	if err := s.loader.Unload(ctx, payload.ModelID); err != nil {
		s.log.Warn("workerserve: unload during delete failed", "model_id", payload.ModelID, "err", err)
	}
	s.sessions.Dispose(payload.ModelID)
	s.catalogue.Remove(payload.ModelID)
	return mustSuccess(env.ID, env.Type, nil)
}

type modelListEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"sizeBytes"`
	Active      bool   `json:"active"`
}

func (s *Server) handleListModels(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	descriptors, err := s.catalogue.List(ctx)
	if err != nil {
		return protocol.NewFailure(env.ID, env.Type, err)
	}

	entries := make([]modelListEntry, len(descriptors))
	for i, d := range descriptors {
		entries[i] = modelListEntry{
			ID:          d.ID,
			DisplayName: d.DisplayName,
			Filename:    d.Filename,
			SizeBytes:   d.SizeBytes,
			Active:      s.registry.IsActive(d.ID),
		}
	}
	return mustSuccess(env.ID, env.Type, entries)
}

type runtimeWire struct {
	ModelID     string   `json:"modelId"`
	ModelPath   string   `json:"modelPath"`
	ContextSize int      `json:"contextSize"`
	GPULayers   int      `json:"gpuLayers"`
	BatchSize   int      `json:"batchSize"`
	ThreadIDs   []string `json:"threadIds"`
}

func runtimeWirePayload(info *coremodel.ModelRuntimeInfo) runtimeWire {
	threadIDs := make([]string, 0, len(info.ThreadIDs))
	for id := range info.ThreadIDs {
		threadIDs = append(threadIDs, id)
	}
	return runtimeWire{
		ModelID:     info.ModelID,
		ModelPath:   info.ModelPath,
		ContextSize: info.ContextSize,
		GPULayers:   info.GPULayers,
		BatchSize:   info.BatchSize,
		ThreadIDs:   threadIDs,
	}
}

// ─── Generation ──────────────────────────────────────────────────────────────

type generatePayload struct {
	ModelID  string              `json:"modelId"`
	Messages []coremodel.Message `json:"messages"`
	Options  generation.Options  `json:"options"`
}

func (s *Server) handleGenerate(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload generatePayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}

	start := time.Now()
	result, err := s.generator.Generate(ctx, env.ID, payload.ModelID, payload.Messages, payload.Options)
	s.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("model_id", payload.ModelID)))
	if err != nil {
		s.metrics.RecordGenerationRequest(ctx, payload.ModelID, "error")
		s.metrics.RecordGenerationError(ctx, payload.ModelID)
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	s.metrics.RecordGenerationRequest(ctx, payload.ModelID, "success")
	if result.StopReason != "abort" {
		s.registry.RecordPromptUsage(payload.ModelID, result.TokensGenerated)
	}
	return mustSuccess(env.ID, env.Type, result)
}

func (s *Server) handleGenerateStream(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload generatePayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}

	start := time.Now()
	firstChunk := true
	resp, err := s.generator.GenerateStream(ctx, env.ID, payload.ModelID, payload.Messages, payload.Options)
	if err != nil {
		s.metrics.RecordGenerationRequest(ctx, payload.ModelID, "error")
		s.metrics.RecordGenerationError(ctx, payload.ModelID)
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	s.metrics.ActiveGenerations.Add(ctx, 1)
	defer s.metrics.ActiveGenerations.Add(ctx, -1)

	tokensGenerated := 0
	for chunk := range resp.Chunks() {
		if firstChunk {
			s.metrics.TimeToFirstToken.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("model_id", payload.ModelID)))
			firstChunk = false
		}
		tokensGenerated += len(chunk)
		chunkEnv, err := protocol.NewStreamChunk(env.ID, chunk)
		if err != nil {
			s.log.Warn("workerserve: build stream chunk failed", "id", env.ID, "err", err)
			continue
		}
		if err := s.write(chunkEnv); err != nil {
			s.log.Warn("workerserve: write stream chunk failed", "id", env.ID, "err", err)
			return protocol.Envelope{} // controller connection is gone; nothing left to write
		}
	}

	s.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("model_id", payload.ModelID)))
	if err := resp.Err(); err != nil {
		s.metrics.RecordGenerationRequest(ctx, payload.ModelID, "error")
		s.metrics.RecordGenerationError(ctx, payload.ModelID)
		return protocol.NewFailure(env.ID, protocol.TypeStreamChunk, err)
	}
	s.metrics.RecordGenerationRequest(ctx, payload.ModelID, "success")
	if resp.StopReason() != "abort" {
		s.registry.RecordPromptUsage(payload.ModelID, tokensGenerated)
	}
	complete, err := protocol.NewStreamComplete(env.ID)
	if err != nil {
		return protocol.NewFailure(env.ID, protocol.TypeStreamChunk, err)
	}
	return complete
}

type abortPayload struct {
	RequestID string `json:"requestId"`
}

func (s *Server) handleAbort(env protocol.Envelope) protocol.Envelope {
	var payload abortPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}
	s.abort.Abort(payload.RequestID)
	return mustSuccess(env.ID, env.Type, nil)
}

// ─── Settings ────────────────────────────────────────────────────────────────

type setSettingsPayload struct {
	ModelID  string                         `json:"modelId"`
	Settings coremodel.ModelLoadingSettings `json:"settings"`
}

func (s *Server) handleSetModelSettings(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload setSettingsPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}
	if err := s.settings.SetModelSettings(ctx, payload.ModelID, payload.Settings); err != nil {
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	return mustSuccess(env.ID, env.Type, nil)
}

func (s *Server) handleGetModelSettings(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload modelIDPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}
	result, err := s.settings.GetModelSettings(ctx, payload.ModelID)
	if err != nil {
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	return mustSuccess(env.ID, env.Type, result)
}

func (s *Server) handleCalculateOptimalSettings(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var payload modelIDPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}
	result, err := s.settings.CalculateOptimalSettings(ctx, payload.ModelID)
	if err != nil {
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	return mustSuccess(env.ID, env.Type, result)
}

func (s *Server) handleGetModelRuntimeInfo(env protocol.Envelope) protocol.Envelope {
	var payload modelIDPayload
	if err := env.DecodeData(&payload); err != nil {
		return invalidPayload(env, err)
	}
	result, err := s.settings.GetModelRuntimeInfo(payload.ModelID)
	if err != nil {
		return protocol.NewFailure(env.ID, env.Type, err)
	}
	return mustSuccess(env.ID, env.Type, result)
}

func invalidPayload(env protocol.Envelope, err error) protocol.Envelope {
	return protocol.NewFailure(env.ID, env.Type, fmt.Errorf("workerserve: %w: %v", coreerr.ErrInvalidPayload, err))
}
