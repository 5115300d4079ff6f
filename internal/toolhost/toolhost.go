// Package toolhost is the controller-side fulfiller of the worker's
// reverse tool-call protocol: it answers mcpToolsRequest and
// executeMCPTool envelopes dispatched by internal/workerproxy.Proxy's
// readLoop to a wired ReverseCallHandler.
//
// Grounded on internal/mcp/mcphost.Host's tool registry and
// ExecuteTool/AvailableTools shape, trimmed to a plain name-keyed map
// since our wire protocol is the flat {id,type,data} envelope rather
// than the official MCP SDK's JSON-RPC session the teacher's Host talks
// to — only the registry-and-dispatch idiom transfers.
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/llamacore/internal/protocol"
)

// Tool is one callable function the controller offers to the worker's
// model for tool-augmented generation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, argsJSON string) (string, error)
}

// Host is a name-keyed registry of Tools, exposed to the worker over the
// reverse tool-call protocol.
type Host struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *slog.Logger
}

// New creates an empty Host.
func New() *Host {
	return &Host{tools: make(map[string]Tool), log: slog.Default()}
}

// WithLogger overrides the default logger.
func (h *Host) WithLogger(log *slog.Logger) *Host {
	h.log = log
	return h
}

// Register adds or replaces a tool by name.
func (h *Host) Register(tool Tool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Name()] = tool
}

// Unregister removes a tool by name, if present.
func (h *Host) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tools, name)
}

// descriptor mirrors the wire shape toolbridge.ToolDescriptor expects on
// the worker side of mcpToolsRequest's response.
type descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ListTools returns the currently registered tool set in the wire shape
// the worker's toolbridge.Bridge.ListTools decodes.
func (h *Host) ListTools() []descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]descriptor, 0, len(h.tools))
	for _, t := range h.tools {
		out = append(out, descriptor{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return out
}

// ExecuteTool runs the named tool with the given JSON arguments.
func (h *Host) ExecuteTool(ctx context.Context, name, argsJSON string) (string, error) {
	h.mu.RLock()
	tool, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolhost: unknown tool %q", name)
	}
	return tool.Execute(ctx, argsJSON)
}

// executeToolPayload mirrors toolbridge's executeMCPTool wire shape.
type executeToolPayload struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// HandleReverseCall implements workerproxy.ReverseCallHandler: it answers
// mcpToolsRequest with the registered tool set and executeMCPTool by
// running the named tool, always returning a terminal envelope (success
// or failure) for the same correlation id.
func (h *Host) HandleReverseCall(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	switch req.Type {
	case protocol.TypeMCPToolsRequest:
		resp, err := protocol.NewSuccess(req.ID, protocol.TypeMCPToolsResponse, h.ListTools())
		if err != nil {
			return protocol.NewFailure(req.ID, protocol.TypeMCPToolsResponse, err)
		}
		return resp

	case protocol.TypeExecuteMCPTool:
		var payload executeToolPayload
		if err := req.DecodeData(&payload); err != nil {
			return protocol.NewFailure(req.ID, protocol.TypeMCPToolExecutionResponse, err)
		}
		result, err := h.ExecuteTool(ctx, payload.Tool, string(payload.Params))
		if err != nil {
			h.log.Warn("toolhost: tool execution failed", "tool", payload.Tool, "error", err)
			return protocol.NewFailure(req.ID, protocol.TypeMCPToolExecutionResponse, err)
		}
		// The worker's toolbridge.Bridge.ExecuteTool treats resp.Data as the
		// raw tool result bytes, not a JSON-encoded string, so Data is set
		// directly rather than through NewSuccess's json.Marshal.
		success := true
		return protocol.Envelope{
			ID:      req.ID,
			Type:    protocol.TypeMCPToolExecutionResponse,
			Data:    json.RawMessage(result),
			Success: &success,
		}

	default:
		return protocol.NewFailure(req.ID, req.Type, fmt.Errorf("toolhost: unsupported reverse call type %q", req.Type))
	}
}
