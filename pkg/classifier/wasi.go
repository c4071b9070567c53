package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASISelector runs a selector compiled to WebAssembly inside a
// deny-by-default sandbox: no filesystem, no network, no environment.
// The module reads a JSON request on stdin and writes the selection JSON
// on stdout.
type WASISelector struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

type wasiRequest struct {
	Text         string  `json:"text"`
	CaptureError float64 `json:"capture_error"`
}

// NewWASISelector compiles the module once; each Select instantiates a
// fresh instance so module state never leaks between utterances.
func NewWASISelector(ctx context.Context, wasm []byte, memoryLimitBytes int64, timeout time.Duration) (*WASISelector, error) {
	cfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("classifier: compile selector module: %w", err)
	}
	return &WASISelector{runtime: r, compiled: compiled, timeout: timeout}, nil
}

func (s *WASISelector) Select(ctx context.Context, text string, captureError float64) (any, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	input, err := json.Marshal(wasiRequest{Text: text, CaptureError: captureError})
	if err != nil {
		return nil, fmt.Errorf("classifier: encode selector input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := s.runtime.InstantiateModule(ctx, s.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("classifier: selector timed out after %v", s.timeout)
		}
		return nil, fmt.Errorf("classifier: selector run failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("classifier: selector stderr: %s", stderr.String())
	}
	// Raw bytes; Interpret enforces the result shape.
	return stdout.Bytes(), nil
}

// Close releases the wazero runtime.
func (s *WASISelector) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
