// Package llamacore is the controller-facing client over the worker
// envelope protocol: it encodes each operation as a typed request through
// workerproxy.Proxy and decodes the worker's response, so the rest of the
// controller (the external interface, slash-command handlers, and so on)
// never builds a protocol.Envelope by hand.
//
// The controller never touches native model code directly — every
// operation here is a message sent to the worker subprocess and a
// response decoded back. Grounded on internal/workerproxy.Proxy's own
// Send/SendStream pair, which this package wraps rather than reimplements.
package llamacore

import (
	"context"
	"fmt"

	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/protocol"
	"github.com/MrWong99/llamacore/internal/workerproxy"
)

// Client is a thin typed wrapper over a workerproxy.Proxy.
type Client struct {
	proxy *workerproxy.Proxy
}

// New wraps proxy.
func New(proxy *workerproxy.Proxy) *Client {
	return &Client{proxy: proxy}
}

// WaitUntilReady blocks until the worker subprocess (already started via
// the underlying Proxy's Start) acknowledges its init envelope.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	return c.proxy.WaitForInitialization(ctx)
}

// RuntimeInfo is the controller-visible projection of a loaded model,
// decoded from the worker's loadModel response.
type RuntimeInfo struct {
	ModelID     string   `json:"modelId"`
	ModelPath   string   `json:"modelPath"`
	ContextSize int      `json:"contextSize"`
	GPULayers   int      `json:"gpuLayers"`
	BatchSize   int      `json:"batchSize"`
	ThreadIDs   []string `json:"threadIds"`
}

// LoadModel asks the worker to load modelIDOrName, optionally associating
// it with threadID.
func (c *Client) LoadModel(ctx context.Context, modelIDOrName, threadID string) (RuntimeInfo, error) {
	env, err := c.proxy.Send(ctx, protocol.TypeLoadModel, map[string]string{
		"modelId":  modelIDOrName,
		"threadId": threadID,
	})
	if err != nil {
		return RuntimeInfo{}, err
	}
	var info RuntimeInfo
	if err := c.decodeTerminal(env, &info); err != nil {
		return RuntimeInfo{}, err
	}
	return info, nil
}

// UnloadModel asks the worker to unload modelID, freeing native resources
// but leaving it loadable again.
func (c *Client) UnloadModel(ctx context.Context, modelID string) error {
	env, err := c.proxy.Send(ctx, protocol.TypeUnloadModel, map[string]string{"modelId": modelID})
	if err != nil {
		return err
	}
	return c.decodeTerminal(env, nil)
}

// DeleteModel asks the worker to unload modelID (if active) and remove it
// from its catalogue, so it no longer appears in ListModels.
func (c *Client) DeleteModel(ctx context.Context, modelID string) error {
	env, err := c.proxy.Send(ctx, protocol.TypeDeleteModel, map[string]string{"modelId": modelID})
	if err != nil {
		return err
	}
	return c.decodeTerminal(env, nil)
}

// ModelListEntry is one catalogue entry as reported by ListModels.
type ModelListEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"sizeBytes"`
	Active      bool   `json:"active"`
}

// ListModels returns every catalogue entry the worker knows about.
func (c *Client) ListModels(ctx context.Context) ([]ModelListEntry, error) {
	env, err := c.proxy.Send(ctx, protocol.TypeListModels, nil)
	if err != nil {
		return nil, err
	}
	var entries []ModelListEntry
	if err := c.decodeTerminal(env, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GenerateOptions mirrors internal/generation.Options' wire shape, kept as
// its own type so the controller package never imports the worker-only
// generation package.
type GenerateOptions struct {
	Temperature        float64 `json:"temperature"`
	HasTemperature     bool    `json:"hasTemperature"`
	MaxTokens          int     `json:"maxTokens"`
	HasMaxTokens       bool    `json:"hasMaxTokens"`
	TopK               int     `json:"topK"`
	HasTopK            bool    `json:"hasTopK"`
	TopP               float64 `json:"topP"`
	HasTopP            bool    `json:"hasTopP"`
	Seed               int64   `json:"seed"`
	HasSeed            bool    `json:"hasSeed"`
	ThreadID           string  `json:"threadId,omitempty"`
	DisableFunctions   bool    `json:"disableFunctions,omitempty"`
	DisableChatHistory bool    `json:"disableChatHistory,omitempty"`
}

// GenerateResult mirrors internal/generation.Result's wire shape.
type GenerateResult struct {
	Content         string `json:"content"`
	TokensGenerated int    `json:"tokensGenerated"`
	StopReason      string `json:"stopReason,omitempty"`
}

type generatePayload struct {
	ModelID  string              `json:"modelId"`
	Messages []coremodel.Message `json:"messages"`
	Options  GenerateOptions     `json:"options"`
}

// Generate runs a non-streaming generation call against modelID.
func (c *Client) Generate(ctx context.Context, modelID string, messages []coremodel.Message, opts GenerateOptions) (GenerateResult, error) {
	env, err := c.proxy.Send(ctx, protocol.TypeGenerateResponse, generatePayload{ModelID: modelID, Messages: messages, Options: opts})
	if err != nil {
		return GenerateResult{}, err
	}
	var result GenerateResult
	if err := c.decodeTerminal(env, &result); err != nil {
		return GenerateResult{}, err
	}
	return result, nil
}

// GenerateStream starts a streaming generation call. The caller drains the
// returned request's Chunks() channel until it closes, then checks Wait
// for the terminal result or error.
func (c *Client) GenerateStream(ctx context.Context, modelID string, messages []coremodel.Message, opts GenerateOptions) (*coremodel.StreamingRequest, error) {
	return c.proxy.SendStream(ctx, protocol.TypeGenerateStreamResponse, generatePayload{ModelID: modelID, Messages: messages, Options: opts})
}

// AbortGeneration asks the worker to stop the generation identified by
// requestID. Idempotent — aborting an unknown or already-finished id
// succeeds as a no-op.
func (c *Client) AbortGeneration(ctx context.Context, requestID string) error {
	env, err := c.proxy.Send(ctx, protocol.TypeAbortGeneration, map[string]string{"requestId": requestID})
	if err != nil {
		return err
	}
	return c.decodeTerminal(env, nil)
}

type setSettingsPayload struct {
	ModelID  string                         `json:"modelId"`
	Settings coremodel.ModelLoadingSettings `json:"settings"`
}

// SetModelSettings persists modelID's user-overridable load settings.
func (c *Client) SetModelSettings(ctx context.Context, modelID string, settings coremodel.ModelLoadingSettings) error {
	env, err := c.proxy.Send(ctx, protocol.TypeSetModelSettings, setSettingsPayload{ModelID: modelID, Settings: settings})
	if err != nil {
		return err
	}
	return c.decodeTerminal(env, nil)
}

// GetModelSettings returns the effective settings for modelID: stored user
// overrides merged over the resource planner's computed defaults.
func (c *Client) GetModelSettings(ctx context.Context, modelID string) (coremodel.ModelLoadingSettings, error) {
	env, err := c.proxy.Send(ctx, protocol.TypeGetModelSettings, map[string]string{"modelId": modelID})
	if err != nil {
		return coremodel.ModelLoadingSettings{}, err
	}
	var result coremodel.ModelLoadingSettings
	if err := c.decodeTerminal(env, &result); err != nil {
		return coremodel.ModelLoadingSettings{}, err
	}
	return result, nil
}

// CalculateOptimalSettings returns the resource planner's computed
// defaults for modelID, ignoring any stored user overrides.
func (c *Client) CalculateOptimalSettings(ctx context.Context, modelID string) (coremodel.ModelLoadingSettings, error) {
	env, err := c.proxy.Send(ctx, protocol.TypeCalculateOptimalSettings, map[string]string{"modelId": modelID})
	if err != nil {
		return coremodel.ModelLoadingSettings{}, err
	}
	var result coremodel.ModelLoadingSettings
	if err := c.decodeTerminal(env, &result); err != nil {
		return coremodel.ModelLoadingSettings{}, err
	}
	return result, nil
}

// ModelRuntimeInfo is the controller-visible runtime snapshot for a loaded
// model, mirroring internal/settings.RuntimeInfo's wire shape.
type ModelRuntimeInfo struct {
	ModelID          string   `json:"modelId"`
	ModelPath        string   `json:"modelPath"`
	ContextSize      int      `json:"contextSize"`
	GPULayers        int      `json:"gpuLayers"`
	BatchSize        int      `json:"batchSize"`
	GPUType          string   `json:"gpuType"`
	LoadingTimeNanos int64    `json:"loadingTime"`
	ThreadIDs        []string `json:"threadIds"`
}

// GetModelRuntimeInfo returns modelID's live runtime snapshot. Fails with
// coreerr.ErrNotLoaded (wrapped across the wire as a plain error string) if
// the model is not currently loaded.
func (c *Client) GetModelRuntimeInfo(ctx context.Context, modelID string) (ModelRuntimeInfo, error) {
	env, err := c.proxy.Send(ctx, protocol.TypeGetModelRuntimeInfo, map[string]string{"modelId": modelID})
	if err != nil {
		return ModelRuntimeInfo{}, err
	}
	var result ModelRuntimeInfo
	if err := c.decodeTerminal(env, &result); err != nil {
		return ModelRuntimeInfo{}, err
	}
	return result, nil
}

func (c *Client) decodeTerminal(env protocol.Envelope, v any) error {
	if !env.IsSuccess() {
		return fmt.Errorf("llamacore: %s: %s", env.Type, env.Error)
	}
	if v == nil {
		return nil
	}
	return env.DecodeData(v)
}
