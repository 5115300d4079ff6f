package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/llamacore/internal/config"
)

func TestValidate_DuplicateModelIDs(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
worker:
  command: /bin/worker
models:
  - id: dup
    path: /models/a.gguf
  - id: dup
    path: /models/b.gguf
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate model ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
worker:
  command: ""
models:
  - id: a
  - id: a
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
	if !strings.Contains(errStr, "listen_addr") {
		t.Errorf("error should mention listen_addr, got: %v", err)
	}
	if !strings.Contains(errStr, "path") {
		t.Errorf("error should mention path, got: %v", err)
	}
}

func TestValidate_ValidMultiModelConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_level: debug
worker:
  command: /usr/local/bin/llamacore-worker
models:
  - id: a
    path: /models/a.gguf
  - id: b
    path: /models/b.gguf
    default_settings:
      gpu_layers: 20
      threads: 4
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(cfg.Models))
	}
}
