package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/llamacore/internal/protocol"
)

type fakeSender struct {
	resp protocol.Envelope
	err  error

	lastReq protocol.Envelope
}

func (f *fakeSender) SendUpstream(_ context.Context, req protocol.Envelope) (protocol.Envelope, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestListTools(t *testing.T) {
	tools := []ToolDescriptor{{Name: "search", Description: "web search"}}
	data, _ := json.Marshal(tools)
	success := true
	sender := &fakeSender{resp: protocol.Envelope{ID: "1", Success: &success, Data: data}}

	var ids protocol.IDGenerator
	b := New(sender, &ids)

	got, err := b.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(got) != 1 || got[0].Name != "search" {
		t.Fatalf("got = %v", got)
	}
	if sender.lastReq.Type != protocol.TypeMCPToolsRequest {
		t.Fatalf("request type = %q", sender.lastReq.Type)
	}
}

func TestListToolsFailureEnvelope(t *testing.T) {
	failure := false
	sender := &fakeSender{resp: protocol.Envelope{ID: "1", Success: &failure, Error: "no controller connection"}}
	var ids protocol.IDGenerator
	b := New(sender, &ids)

	if _, err := b.ListTools(context.Background()); err == nil {
		t.Fatal("expected error from failure envelope")
	}
}

func TestListToolsTransportError(t *testing.T) {
	sender := &fakeSender{err: errors.New("pipe closed")}
	var ids protocol.IDGenerator
	b := New(sender, &ids)

	if _, err := b.ListTools(context.Background()); err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestExecuteTool(t *testing.T) {
	success := true
	sender := &fakeSender{resp: protocol.Envelope{ID: "2", Success: &success, Data: json.RawMessage(`{"ok":true}`)}}
	var ids protocol.IDGenerator
	b := New(sender, &ids)

	result, err := b.ExecuteTool(context.Background(), "search", json.RawMessage(`{"q":"go"}`))
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s", result)
	}
	if sender.lastReq.Type != protocol.TypeExecuteMCPTool {
		t.Fatalf("request type = %q", sender.lastReq.Type)
	}
}

func TestHandleToolCall(t *testing.T) {
	success := true
	sender := &fakeSender{resp: protocol.Envelope{ID: "3", Success: &success, Data: json.RawMessage(`"done"`)}}
	var ids protocol.IDGenerator
	b := New(sender, &ids)

	out, err := b.HandleToolCall(context.Background(), "search", `{"q":"go"}`)
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if out != `"done"` {
		t.Fatalf("out = %q", out)
	}
}

func TestExecuteToolFailureEnvelope(t *testing.T) {
	failure := false
	sender := &fakeSender{resp: protocol.Envelope{ID: "4", Success: &failure, Error: "tool not found"}}
	var ids protocol.IDGenerator
	b := New(sender, &ids)

	if _, err := b.ExecuteTool(context.Background(), "ghost", nil); err == nil {
		t.Fatal("expected error from failure envelope")
	}
}
