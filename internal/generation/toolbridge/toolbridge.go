// Package toolbridge implements the worker side of the reverse tool-call
// protocol: the worker is the initiator for mcpToolsRequest and
// executeMCPTool envelopes, and the controller is the obligated responder.
//
// Grounded on internal/mcp/bridge.Bridge.handleToolCall's
// context.WithTimeout wrapping and internal/mcp/mcphost.Host.ExecuteTool,
// adapted so the worker initiates and the controller responds — the
// reverse of the teacher's host-initiates-to-server direction.
package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/llamacore/internal/observe"
	"github.com/MrWong99/llamacore/internal/protocol"
)

const (
	listToolsTimeout   = 5 * time.Second
	executeToolTimeout = 30 * time.Second
)

// Sender is the minimal capability toolbridge needs from the worker
// transport: send an envelope upstream and await its matching terminal
// response. Satisfied by the worker's controller-connection wrapper.
type Sender interface {
	SendUpstream(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error)
}

// ToolDescriptor mirrors the controller's advertised tool shape.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Bridge is the worker-side handle the native backend's tool-calling
// machinery invokes when the model wants to list or call a tool.
type Bridge struct {
	sender  Sender
	ids     *protocol.IDGenerator
	metrics *observe.Metrics
}

// New creates a Bridge that sends reverse-call envelopes over sender, using
// ids to mint fresh correlation ids distinct from the envelope that
// triggered the generation in the first place.
func New(sender Sender, ids *protocol.IDGenerator) *Bridge {
	return &Bridge{sender: sender, ids: ids, metrics: observe.DefaultMetrics()}
}

// WithMetrics overrides the default package-level metrics instance.
func (b *Bridge) WithMetrics(m *observe.Metrics) *Bridge {
	b.metrics = m
	return b
}

// ListTools requests the controller's currently available tool set, waiting
// up to 5 seconds for a response.
func (b *Bridge) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()

	req, err := protocol.NewRequest(b.ids.Next(), protocol.TypeMCPToolsRequest, nil)
	if err != nil {
		return nil, fmt.Errorf("toolbridge: build mcpToolsRequest: %w", err)
	}

	resp, err := b.sender.SendUpstream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("toolbridge: list tools: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("toolbridge: list tools: %s", resp.Error)
	}

	var tools []ToolDescriptor
	if err := resp.DecodeData(&tools); err != nil {
		return nil, fmt.Errorf("toolbridge: decode tool list: %w", err)
	}
	return tools, nil
}

// executeToolPayload is the wire shape for an executeMCPTool request.
type executeToolPayload struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// ExecuteTool invokes the named tool with the given JSON params, waiting up
// to 30 seconds for the controller's mcpToolExecutionResponse. A timeout
// returns an error so the native backend's tool-calling loop can recover
// without hanging.
func (b *Bridge) ExecuteTool(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, executeToolTimeout)
	defer cancel()

	start := time.Now()
	req, err := protocol.NewRequest(b.ids.Next(), protocol.TypeExecuteMCPTool, executeToolPayload{Tool: tool, Params: params})
	if err != nil {
		return nil, fmt.Errorf("toolbridge: build executeMCPTool for %q: %w", tool, err)
	}

	resp, sendErr := b.sender.SendUpstream(ctx, req)
	b.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("tool", tool)))
	if sendErr != nil {
		b.metrics.RecordToolCall(ctx, tool, "error")
		return nil, fmt.Errorf("toolbridge: execute tool %q: %w", tool, sendErr)
	}
	if !resp.IsSuccess() {
		b.metrics.RecordToolCall(ctx, tool, "error")
		return nil, fmt.Errorf("toolbridge: execute tool %q: %s", tool, resp.Error)
	}
	b.metrics.RecordToolCall(ctx, tool, "success")
	return resp.Data, nil
}

// HandleToolCall adapts ExecuteTool to the (name, args string) -> (string,
// error) shape the native backend's function-calling hook expects,
// mirroring the bridge.Bridge.handleToolCall signature this package is
// grounded on.
func (b *Bridge) HandleToolCall(ctx context.Context, name, args string) (string, error) {
	result, err := b.ExecuteTool(ctx, name, json.RawMessage(args))
	if err != nil {
		return "", err
	}
	return string(result), nil
}
