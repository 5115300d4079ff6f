package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest("1", TypeLoadModel, map[string]string{"modelId": "model1"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(req); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != "1" || got.Type != TypeLoadModel {
		t.Fatalf("got %+v, want id=1 type=loadModel", got)
	}
	var payload map[string]string
	if err := got.DecodeData(&payload); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if payload["modelId"] != "model1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.Decode()
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestStreamChunkAndComplete(t *testing.T) {
	chunk, err := NewStreamChunk("5", "hel")
	if err != nil {
		t.Fatalf("NewStreamChunk: %v", err)
	}
	if chunk.IsTerminal() {
		t.Fatal("stream chunk must not be terminal")
	}
	s, err := chunk.DataString()
	if err != nil || s != "hel" {
		t.Fatalf("DataString = %q, %v", s, err)
	}

	term, err := NewStreamComplete("5")
	if err != nil {
		t.Fatalf("NewStreamComplete: %v", err)
	}
	if !term.IsTerminal() || !term.IsSuccess() {
		t.Fatal("terminal envelope must be success")
	}
	s, err = term.DataString()
	if err != nil || s != StreamComplete {
		t.Fatalf("DataString = %q, %v", s, err)
	}
}

func TestNewFailure(t *testing.T) {
	f := NewFailure("9", TypeGenerateResponse, errExample)
	if !f.IsTerminal() || f.IsSuccess() {
		t.Fatal("failure envelope must be terminal and not success")
	}
	if f.Error != errExample.Error() {
		t.Fatalf("Error = %q", f.Error)
	}
}

func TestIDGeneratorMonotonicAndUnique(t *testing.T) {
	var g IDGenerator
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate id %q at iteration %d", id, i)
		}
		seen[id] = true
		if id == prev {
			t.Fatalf("id did not advance: %q", id)
		}
		prev = id
	}
}

var errExample = errPlaceholder("boom")

type errPlaceholder string

func (e errPlaceholder) Error() string { return string(e) }
