// Package protocol defines the wire envelope exchanged between the
// llamacore controller and its worker subprocess, and a newline-delimited
// JSON codec for framing envelopes over the worker's stdio pipes.
//
// Requests carry {id, type, data?}; responses add {success, data|error}.
// Stream chunks use type:"streamChunk" with data carrying the incremental
// text; the terminal stream marker is data:"STREAM_COMPLETE". This is
// deliberately not JSON-RPC — it mirrors the framed-envelope-over-a-pipe
// shape used elsewhere in this codebase for stdio MCP transport
// (github.com/modelcontextprotocol/go-sdk's CommandTransport), simplified to
// a single flat envelope struct instead of a JSON-RPC request/response pair.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
)

// Type enumerates the envelope's semantic classes.
type Type string

const (
	// Control envelopes.
	TypeInit        Type = "init"
	TypeLoadModel   Type = "loadModel"
	TypeUnloadModel Type = "unloadModel"
	TypeDeleteModel Type = "deleteModel"
	TypeListModels  Type = "listModels"

	// Generation envelopes.
	TypeGenerateResponse       Type = "generateResponse"
	TypeGenerateStreamResponse Type = "generateStreamResponse"
	TypeAbortGeneration        Type = "abortGeneration"

	// Stream chunk envelope.
	TypeStreamChunk Type = "streamChunk"

	// Progress envelope.
	TypeDownloadProgress Type = "downloadProgress"

	// Reverse (worker-initiated) tool envelopes.
	TypeMCPToolsRequest          Type = "mcpToolsRequest"
	TypeMCPToolsResponse         Type = "mcpToolsResponse"
	TypeExecuteMCPTool           Type = "executeMCPTool"
	TypeMCPToolExecutionResponse Type = "mcpToolExecutionResponse"

	// Settings envelopes.
	TypeSetModelSettings         Type = "setModelSettings"
	TypeGetModelSettings         Type = "getModelSettings"
	TypeCalculateOptimalSettings Type = "calculateOptimalSettings"
	TypeGetModelRuntimeInfo      Type = "getModelRuntimeInfo"

	// Out-of-band error notification (non-terminal for a specific request;
	// used when the worker needs to report a condition not tied to a single
	// pending correlation id).
	TypeError Type = "error"
)

// StreamComplete is the terminal stream marker value carried in a
// success:true terminal envelope's Data field for streaming requests.
const StreamComplete = "STREAM_COMPLETE"

// Envelope is the wire format exchanged in both directions. Request
// envelopes populate ID, Type, Data. Response/terminal envelopes also set
// Success and either Data or Error. Stream chunk envelopes set Type to
// TypeStreamChunk and Data to the incremental text.
type Envelope struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsTerminal reports whether e carries a terminal (success/failure) result,
// as opposed to a request or a non-terminal stream chunk.
func (e Envelope) IsTerminal() bool {
	return e.Success != nil
}

// IsSuccess reports whether e is a terminal envelope indicating success.
func (e Envelope) IsSuccess() bool {
	return e.Success != nil && *e.Success
}

// NewRequest builds a request envelope with the given correlation id, type,
// and payload (marshalled to JSON).
func NewRequest(id string, typ Type, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal payload for %q: %w", typ, err)
		}
		raw = b
	}
	return Envelope{ID: id, Type: typ, Data: raw}, nil
}

// NewSuccess builds a terminal success envelope carrying data.
func NewSuccess(id string, typ Type, data any) (Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal result for %q: %w", typ, err)
		}
		raw = b
	}
	t := true
	return Envelope{ID: id, Type: typ, Data: raw, Success: &t}, nil
}

// NewFailure builds a terminal failure envelope carrying an error message.
func NewFailure(id string, typ Type, err error) Envelope {
	f := false
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Envelope{ID: id, Type: typ, Success: &f, Error: msg}
}

// NewStreamChunk builds a non-terminal streamChunk envelope.
func NewStreamChunk(id string, text string) (Envelope, error) {
	b, err := json.Marshal(text)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal stream chunk: %w", err)
	}
	return Envelope{ID: id, Type: TypeStreamChunk, Data: b}, nil
}

// NewStreamComplete builds the terminal success envelope for a stream,
// carrying the STREAM_COMPLETE sentinel.
func NewStreamComplete(id string) (Envelope, error) {
	return NewSuccess(id, TypeStreamChunk, StreamComplete)
}

// DecodeData unmarshals e.Data into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode data for %q: %w", e.Type, err)
	}
	return nil
}

// DataString returns e.Data decoded as a plain JSON string, the shape used
// for streamChunk payloads and the STREAM_COMPLETE marker.
func (e Envelope) DataString() (string, error) {
	var s string
	if err := e.DecodeData(&s); err != nil {
		return "", err
	}
	return s, nil
}

// --- Codec -------------------------------------------------------------

// Encoder writes framed envelopes as newline-delimited JSON.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes one envelope followed by a newline. Safe to call
// concurrently only if the caller serializes writes to w itself; Encoder
// does not add its own locking, mirroring bufio.Writer's contract.
func (enc *Encoder) Encode(e Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	b = append(b, '\n')
	if _, err := enc.w.Write(b); err != nil {
		return fmt.Errorf("protocol: write envelope: %w", err)
	}
	return nil
}

// Decoder reads framed envelopes as newline-delimited JSON.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. The internal scanner buffer is sized generously
// because generation prompts/responses can be large.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode reads and parses the next envelope. Returns io.EOF when the
// underlying reader is exhausted.
func (dec *Decoder) Decode() (Envelope, error) {
	if !dec.scanner.Scan() {
		if err := dec.scanner.Err(); err != nil {
			return Envelope{}, fmt.Errorf("protocol: read envelope: %w", err)
		}
		return Envelope{}, io.EOF
	}
	line := dec.scanner.Bytes()
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	return e, nil
}

// --- Correlation ids -----------------------------------------------------

// IDGenerator produces monotonically increasing decimal-string correlation
// ids, unique within a single worker incarnation. A fresh IDGenerator must
// be created on every worker restart so that ids are not reused across
// incarnations.
type IDGenerator struct {
	counter atomic.Uint64
}

// Next returns the next correlation id.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return strconv.FormatUint(n, 10)
}
