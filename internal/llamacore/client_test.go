package llamacore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/protocol"
	"github.com/MrWong99/llamacore/internal/workerproxy"
)

// pipeProcess is a minimal in-memory workerproxy.Process stand-in, mirroring
// internal/workerproxy's own test fixture so Client can be exercised
// end-to-end without a real worker subprocess.
type pipeProcess struct {
	controllerIn  io.Reader
	controllerOut io.WriteCloser
	workerOut     *io.PipeWriter
	workerIn      *io.PipeReader
	waitCh        chan error
}

func newPipeProcess() *pipeProcess {
	toController, fromWorker := io.Pipe()
	toWorker, fromController := io.Pipe()
	return &pipeProcess{
		controllerIn:  fromWorker,
		controllerOut: toWorker,
		workerOut:     toController,
		workerIn:      fromController,
		waitCh:        make(chan error, 1),
	}
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.controllerOut }
func (p *pipeProcess) Stdout() io.Reader     { return p.controllerIn }
func (p *pipeProcess) Wait() error           { return <-p.waitCh }
func (p *pipeProcess) Kill() error {
	p.workerOut.Close()
	p.waitCh <- errors.New("killed")
	return nil
}

type fakeLauncher struct {
	mu   sync.Mutex
	proc *pipeProcess
}

func (l *fakeLauncher) Launch(context.Context) (workerproxy.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proc = newPipeProcess()
	return l.proc, nil
}

func (l *fakeLauncher) last() *pipeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proc
}

func noSleep(time.Duration) {}

// newTestClient starts a Proxy against a fake worker and replies to every
// request with handle, echoing the request id.
func newTestClient(t *testing.T, handle func(protocol.Envelope, *protocol.Encoder)) *Client {
	t.Helper()
	launcher := &fakeLauncher{}
	proxy := workerproxy.New(launcher).WithSleeper(noSleep)
	if err := proxy.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := launcher.last()

	dec := protocol.NewDecoder(proc.workerIn)
	enc := protocol.NewEncoder(proc.workerOut)
	go func() {
		for {
			env, err := dec.Decode()
			if err != nil {
				return
			}
			handle(env, enc)
		}
	}()

	return New(proxy)
}

func TestClientLoadModel(t *testing.T) {
	client := newTestClient(t, func(env protocol.Envelope, enc *protocol.Encoder) {
		switch env.Type {
		case protocol.TypeInit:
			resp, _ := protocol.NewSuccess(env.ID, env.Type, nil)
			enc.Encode(resp)
		case protocol.TypeLoadModel:
			resp, _ := protocol.NewSuccess(env.ID, env.Type, RuntimeInfo{ModelID: "m1", GPULayers: 10})
			enc.Encode(resp)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}

	info, err := client.LoadModel(ctx, "m1", "")
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if info.ModelID != "m1" || info.GPULayers != 10 {
		t.Errorf("info = %+v, want ModelID=m1 GPULayers=10", info)
	}
}

func TestClientLoadModelFailure(t *testing.T) {
	client := newTestClient(t, func(env protocol.Envelope, enc *protocol.Encoder) {
		if env.Type == protocol.TypeLoadModel {
			enc.Encode(protocol.NewFailure(env.ID, env.Type, errors.New("model not found")))
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.LoadModel(ctx, "ghost", ""); err == nil {
		t.Fatal("expected LoadModel to fail")
	}
}

func TestClientGenerate(t *testing.T) {
	client := newTestClient(t, func(env protocol.Envelope, enc *protocol.Encoder) {
		if env.Type == protocol.TypeGenerateResponse {
			resp, _ := protocol.NewSuccess(env.ID, env.Type, GenerateResult{Content: "hello"})
			enc.Encode(resp)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.Generate(ctx, "m1", []coremodel.Message{{Role: coremodel.RoleUser, Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Content != "hello" {
		t.Errorf("Content = %q, want hello", result.Content)
	}
}

func TestClientAbortGenerationIsNoopOnUnknownID(t *testing.T) {
	client := newTestClient(t, func(env protocol.Envelope, enc *protocol.Encoder) {
		if env.Type == protocol.TypeAbortGeneration {
			resp, _ := protocol.NewSuccess(env.ID, env.Type, nil)
			enc.Encode(resp)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.AbortGeneration(ctx, "missing"); err != nil {
		t.Fatalf("AbortGeneration: %v", err)
	}
}

func TestClientListModels(t *testing.T) {
	client := newTestClient(t, func(env protocol.Envelope, enc *protocol.Encoder) {
		if env.Type == protocol.TypeListModels {
			resp, _ := protocol.NewSuccess(env.ID, env.Type, []ModelListEntry{{ID: "m1", Active: true}})
			enc.Encode(resp)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "m1" || !entries[0].Active {
		t.Errorf("entries = %+v, want one active m1 entry", entries)
	}
}
