// Package workerproxy implements the controller-side bridge to the
// llamacore-worker subprocess: request/response and streaming calls over a
// newline-delimited JSON envelope transport, worker lifecycle supervision
// with a bounded restart budget, and the reverse tool-call hookup the
// worker uses to ask the controller to execute a tool on its behalf.
//
// Grounded on internal/mcp/mcphost.Host.RegisterServer's stdio transport
// (exec.CommandContext plus pipe plumbing) for subprocess lifecycle, and on
// internal/resilience.CircuitBreaker's three-state machine, adapted into
// the proxy's own alive/restarting/dead supervision state — not literally a
// CircuitBreaker instance, since the semantics differ, but the same
// mutex-guarded state-transition idiom and slog logging style.
package workerproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/llamacore/internal/coreerr"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/observe"
	"github.com/MrWong99/llamacore/internal/protocol"
)

const (
	controlTimeout    = 60 * time.Second
	generationTimeout = 5 * time.Minute
	downloadTimeout   = 10 * time.Minute

	restartDelay = 2 * time.Second
	maxRestarts  = 3
)

// timeoutFor returns the deadline budget for one envelope type, per the
// control/generation/download timeout table.
func timeoutFor(typ protocol.Type) time.Duration {
	switch typ {
	case protocol.TypeGenerateResponse, protocol.TypeGenerateStreamResponse:
		return generationTimeout
	case protocol.TypeDownloadProgress:
		return downloadTimeout
	default:
		return controlTimeout
	}
}

func isGenerationType(typ protocol.Type) bool {
	return typ == protocol.TypeGenerateResponse || typ == protocol.TypeGenerateStreamResponse
}

// Process is the minimal capability workerproxy needs from a running
// worker subprocess: a stdin writer, a stdout reader, a way to wait for
// exit, and a way to kill it. Satisfied by a real exec.Cmd (see
// ExecLauncher) or, in tests, an in-memory pipe pair.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Launcher starts a fresh worker Process. Called once at Proxy.Start and
// again on every supervised restart.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ReverseCallHandler answers worker-initiated mcpToolsRequest/
// executeMCPTool envelopes. Satisfied by a controller-side tool host.
type ReverseCallHandler interface {
	HandleReverseCall(ctx context.Context, req protocol.Envelope) protocol.Envelope
}

type state int

const (
	stateAlive state = iota
	stateRestarting
	stateDead
)

func (s state) String() string {
	switch s {
	case stateAlive:
		return "alive"
	case stateRestarting:
		return "restarting"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// streamEntry tracks one in-flight streaming request alongside the
// bookkeeping needed to make its teardown idempotent regardless of whether
// the reader loop or the caller's abort watcher gets there first.
type streamEntry struct {
	req  *coremodel.StreamingRequest
	done chan struct{}
	once sync.Once
}

// Proxy is the controller-side bridge to one worker subprocess across its
// entire supervised lifetime (spanning restarts).
type Proxy struct {
	launcher Launcher
	log      *slog.Logger
	now      func() time.Time
	sleep    func(time.Duration)
	reverse  ReverseCallHandler
	metrics  *observe.Metrics

	mu        sync.Mutex
	state     state
	proc      Process
	enc       *protocol.Encoder
	ids       *protocol.IDGenerator
	pending   map[string]*coremodel.PendingRequest
	streaming map[string]*streamEntry
	initReq   *coremodel.PendingRequest
	restarts  int

	writeMu sync.Mutex
}

// New creates a Proxy that launches worker processes via launcher. Call
// Start to launch the first incarnation.
func New(launcher Launcher) *Proxy {
	return &Proxy{
		launcher:  launcher,
		log:       slog.Default(),
		now:       time.Now,
		sleep:     time.Sleep,
		metrics:   observe.DefaultMetrics(),
		pending:   make(map[string]*coremodel.PendingRequest),
		streaming: make(map[string]*streamEntry),
	}
}

// WithMetrics overrides the default package-level metrics instance.
func (p *Proxy) WithMetrics(m *observe.Metrics) *Proxy {
	p.metrics = m
	return p
}

// WithLogger overrides the default logger.
func (p *Proxy) WithLogger(log *slog.Logger) *Proxy {
	p.log = log
	return p
}

// WithClock overrides the time source used for deadlines, for tests.
func (p *Proxy) WithClock(now func() time.Time) *Proxy {
	p.now = now
	return p
}

// WithSleeper overrides the restart-delay sleep function, for tests.
func (p *Proxy) WithSleeper(sleep func(time.Duration)) *Proxy {
	p.sleep = sleep
	return p
}

// WithReverseCallHandler wires a handler for worker-initiated tool-call
// envelopes. Without one, such envelopes are answered with a failure.
func (p *Proxy) WithReverseCallHandler(h ReverseCallHandler) *Proxy {
	p.reverse = h
	return p
}

// Start launches the first worker incarnation and kicks off its init
// handshake. Call WaitForInitialization to block until the worker
// acknowledges it.
func (p *Proxy) Start(ctx context.Context) error {
	return p.launch(ctx)
}

func (p *Proxy) launch(ctx context.Context) error {
	proc, err := p.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("workerproxy: launch worker: %w", err)
	}

	dec := protocol.NewDecoder(proc.Stdout())

	p.mu.Lock()
	p.proc = proc
	p.enc = protocol.NewEncoder(proc.Stdin())
	p.ids = &protocol.IDGenerator{}
	p.pending = make(map[string]*coremodel.PendingRequest)
	p.streaming = make(map[string]*streamEntry)
	p.state = stateAlive
	p.mu.Unlock()

	go p.readLoop(dec)

	initReq, err := p.registerAndWrite(protocol.TypeInit, nil)
	p.mu.Lock()
	p.initReq = initReq
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("workerproxy: send init: %w", err)
	}
	return nil
}

// WaitForInitialization blocks until the worker acknowledges init, ctx is
// cancelled, or the worker is dead.
func (p *Proxy) WaitForInitialization(ctx context.Context) error {
	p.mu.Lock()
	req := p.initReq
	p.mu.Unlock()
	if req == nil {
		return fmt.Errorf("workerproxy: %w: not started", coreerr.ErrWorkerUnavailable)
	}
	if _, err := req.Wait(ctx); err != nil {
		return fmt.Errorf("workerproxy: wait for initialization: %w", err)
	}
	return nil
}

// registerAndWrite allocates a correlation id, registers a PendingRequest
// for it, and writes the request envelope. It does not wait for a result.
func (p *Proxy) registerAndWrite(typ protocol.Type, payload any) (*coremodel.PendingRequest, error) {
	p.mu.Lock()
	if p.state == stateDead {
		p.mu.Unlock()
		return nil, fmt.Errorf("workerproxy: %w", coreerr.ErrWorkerUnavailable)
	}
	id := p.ids.Next()
	deadline := p.now().Add(timeoutFor(typ))
	req := coremodel.NewPendingRequest(id, deadline, func() {})
	p.pending[id] = req
	p.mu.Unlock()

	env, err := protocol.NewRequest(id, typ, payload)
	if err != nil {
		p.removePending(id)
		return nil, fmt.Errorf("workerproxy: build %q envelope: %w", typ, err)
	}
	if err := p.writeEnvelope(env); err != nil {
		p.removePending(id)
		return nil, fmt.Errorf("workerproxy: write %q: %w", typ, err)
	}
	return req, nil
}

func (p *Proxy) removePending(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Proxy) removeStreaming(id string) {
	p.mu.Lock()
	delete(p.streaming, id)
	p.mu.Unlock()
}

func (p *Proxy) writeEnvelope(env protocol.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	enc := p.enc
	p.mu.Unlock()
	if enc == nil {
		return fmt.Errorf("workerproxy: %w", coreerr.ErrWorkerUnavailable)
	}
	return enc.Encode(env)
}

// Send writes a control or non-streaming generation envelope and blocks
// for its terminal response, honoring ctx and the type's timeout budget.
// A timed-out generation request also dispatches an abortGeneration for
// the same correlation id.
func (p *Proxy) Send(ctx context.Context, typ protocol.Type, payload any) (protocol.Envelope, error) {
	req, err := p.registerAndWrite(typ, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	id := req.ID

	deadline := p.now().Add(timeoutFor(typ))
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	data, err := req.Wait(waitCtx)
	p.removePending(id)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if isGenerationType(typ) {
				p.dispatchAbort(id)
			}
			return protocol.Envelope{}, fmt.Errorf("workerproxy: %q timed out: %w", typ, coreerr.ErrTimeout)
		}
		return protocol.Envelope{}, err
	}

	env, ok := data.(protocol.Envelope)
	if !ok {
		return protocol.Envelope{}, fmt.Errorf("workerproxy: %q: unexpected result type %T", typ, data)
	}
	return env, nil
}

func (p *Proxy) dispatchAbort(id string) {
	env, err := protocol.NewRequest(id, protocol.TypeAbortGeneration, map[string]string{"requestId": id})
	if err != nil {
		return
	}
	if err := p.writeEnvelope(env); err != nil {
		p.log.Warn("workerproxy: failed to dispatch abort", "id", id, "error", err)
	}
}

// SendStream writes a streaming-generation envelope and returns
// immediately with a StreamingRequest the caller drains via Chunks(). The
// stream is terminated, and an abortGeneration dispatched, if ctx is
// cancelled or the generation timeout elapses.
func (p *Proxy) SendStream(ctx context.Context, typ protocol.Type, payload any) (*coremodel.StreamingRequest, error) {
	p.mu.Lock()
	if p.state == stateDead {
		p.mu.Unlock()
		return nil, fmt.Errorf("workerproxy: %w", coreerr.ErrWorkerUnavailable)
	}
	id := p.ids.Next()
	deadline := p.now().Add(timeoutFor(typ))
	p.mu.Unlock()

	watchCtx, cancel := context.WithDeadline(ctx, deadline)
	sr := coremodel.NewStreamingRequest(id, deadline, cancel)
	entry := &streamEntry{req: sr, done: make(chan struct{})}

	p.mu.Lock()
	p.streaming[id] = entry
	p.mu.Unlock()

	env, err := protocol.NewRequest(id, typ, payload)
	if err != nil {
		cancel()
		p.removeStreaming(id)
		return nil, fmt.Errorf("workerproxy: build %q envelope: %w", typ, err)
	}
	if err := p.writeEnvelope(env); err != nil {
		cancel()
		p.removeStreaming(id)
		return nil, fmt.Errorf("workerproxy: write %q: %w", typ, err)
	}

	go p.watchStream(watchCtx, id, entry)
	return sr, nil
}

func (p *Proxy) watchStream(ctx context.Context, id string, entry *streamEntry) {
	select {
	case <-ctx.Done():
	case <-entry.done:
		return
	}

	var failErr error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		failErr = fmt.Errorf("workerproxy: stream %s timed out: %w", id, coreerr.ErrTimeout)
	} else {
		failErr = fmt.Errorf("workerproxy: stream %s: %w", id, coreerr.ErrAbort)
	}

	finishStream(entry, func() {
		p.dispatchAbort(id)
		entry.req.Fail(failErr)
	})
	p.removeStreaming(id)
}

func finishStream(entry *streamEntry, fn func()) {
	entry.once.Do(func() {
		fn()
		entry.req.Finish()
		close(entry.done)
	})
}

// Terminate aborts every in-flight request, kills the worker process, and
// moves the proxy to the terminal dead state. Further Send/SendStream
// calls fail with ErrWorkerUnavailable.
func (p *Proxy) Terminate(context.Context) error {
	p.mu.Lock()
	p.state = stateDead
	proc := p.proc
	pending := p.pending
	streaming := p.streaming
	p.pending = make(map[string]*coremodel.PendingRequest)
	p.streaming = make(map[string]*streamEntry)
	p.mu.Unlock()

	terminated := fmt.Errorf("workerproxy: %w", coreerr.ErrWorkerUnavailable)
	for _, req := range pending {
		req.Fail(terminated)
	}
	for _, entry := range streaming {
		finishStream(entry, func() { entry.req.Fail(terminated) })
	}

	if proc != nil {
		return proc.Kill()
	}
	return nil
}

// readLoop decodes envelopes from dec until the transport closes, then
// triggers crash handling. One readLoop goroutine runs per worker
// incarnation.
func (p *Proxy) readLoop(dec *protocol.Decoder) {
	for {
		env, err := dec.Decode()
		if err != nil {
			p.handleCrash(err)
			return
		}
		p.dispatch(env)
	}
}

func (p *Proxy) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMCPToolsRequest, protocol.TypeExecuteMCPTool:
		go p.handleReverseCall(env)
		return
	case protocol.TypeError:
		p.log.Warn("workerproxy: out-of-band worker error", "id", env.ID, "error", env.Error)
		return
	}

	p.mu.Lock()
	entry, isStream := p.streaming[env.ID]
	req, isPending := p.pending[env.ID]
	p.mu.Unlock()

	switch {
	case isStream:
		p.dispatchStreamEnvelope(env, entry)
	case isPending:
		p.dispatchPendingEnvelope(env, req)
		p.removePending(env.ID)
	default:
		if !env.IsTerminal() {
			return // stray non-terminal chunk for an id we no longer track
		}
		p.log.Debug("workerproxy: envelope for unknown correlation id", "id", env.ID, "type", env.Type)
	}
}

func (p *Proxy) dispatchStreamEnvelope(env protocol.Envelope, entry *streamEntry) {
	if !env.IsTerminal() {
		chunk, err := env.DataString()
		if err != nil {
			p.log.Warn("workerproxy: malformed stream chunk", "id", env.ID, "error", err)
			return
		}
		entry.req.EmitChunk(chunk)
		return
	}

	if env.IsSuccess() {
		finishStream(entry, func() { entry.req.Resolve(env) })
	} else {
		finishStream(entry, func() { entry.req.Fail(errors.New(env.Error)) })
	}
	p.removeStreaming(env.ID)
}

func (p *Proxy) dispatchPendingEnvelope(env protocol.Envelope, req *coremodel.PendingRequest) {
	if env.IsSuccess() {
		req.Resolve(env)
		return
	}
	req.Fail(errors.New(env.Error))
}

func (p *Proxy) handleReverseCall(env protocol.Envelope) {
	if p.reverse == nil {
		resp := protocol.NewFailure(env.ID, responseTypeFor(env.Type), fmt.Errorf("workerproxy: no tool host configured"))
		if err := p.writeEnvelope(resp); err != nil {
			p.log.Warn("workerproxy: failed to answer reverse call", "id", env.ID, "error", err)
		}
		return
	}
	resp := p.reverse.HandleReverseCall(context.Background(), env)
	if err := p.writeEnvelope(resp); err != nil {
		p.log.Warn("workerproxy: failed to answer reverse call", "id", env.ID, "error", err)
	}
}

func responseTypeFor(typ protocol.Type) protocol.Type {
	if typ == protocol.TypeMCPToolsRequest {
		return protocol.TypeMCPToolsResponse
	}
	return protocol.TypeMCPToolExecutionResponse
}

// handleCrash fails every outstanding request, then restarts the worker
// after restartDelay if the restart budget is not exhausted, or moves the
// proxy to the terminal dead state otherwise.
func (p *Proxy) handleCrash(readErr error) {
	p.mu.Lock()
	if p.state == stateDead {
		p.mu.Unlock()
		return
	}
	pending := p.pending
	streaming := p.streaming
	p.pending = make(map[string]*coremodel.PendingRequest)
	p.streaming = make(map[string]*streamEntry)
	restarts := p.restarts
	p.mu.Unlock()

	crashed := fmt.Errorf("workerproxy: %w: %v", coreerr.ErrWorkerCrashed, readErr)
	for _, req := range pending {
		req.Fail(crashed)
	}
	for _, entry := range streaming {
		finishStream(entry, func() { entry.req.Fail(crashed) })
	}

	if restarts >= maxRestarts {
		p.mu.Lock()
		p.state = stateDead
		p.mu.Unlock()
		p.log.Error("workerproxy: worker exhausted restart budget, entering dead state", "attempts", restarts)
		return
	}

	p.mu.Lock()
	p.state = stateRestarting
	p.restarts++
	p.mu.Unlock()

	p.log.Warn("workerproxy: worker crashed, scheduling restart", "delay", restartDelay, "attempt", p.restarts)
	p.metrics.RecordWorkerRestart(context.Background())
	p.sleep(restartDelay)

	if err := p.launch(context.Background()); err != nil {
		p.mu.Lock()
		p.state = stateDead
		p.mu.Unlock()
		p.log.Error("workerproxy: restart failed, entering dead state", "error", err)
	}
}
