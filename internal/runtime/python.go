package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gwerror"
)

// PythonRuntime executes python-wasm scripts. It runs in one of two modes,
// selected by whether cfg.Pyodide is set:
//
//   - native: spawns a local python3 subprocess against a scrubbed
//     environment, writing the script to a temp file per run (the default
//     path, grounded on original_source's NativePython executor).
//   - pyodide: POSTs the script and input to an external Pyodide HTTP host
//     that runs it inside a WASM sandbox, for hosts with no local python3
//     (grounded on original_source's PyodideHttp executor).
type PythonRuntime struct {
	cfg config.RuntimeConfig
}

// NewPythonRuntime constructs a PythonRuntime from cfg.
func NewPythonRuntime(cfg config.RuntimeConfig) *PythonRuntime {
	return &PythonRuntime{cfg: cfg}
}

func (r *PythonRuntime) Name() string                          { return r.cfg.Name }
func (r *PythonRuntime) Kind() config.RuntimeKind               { return config.RuntimePythonWasm }
func (r *PythonRuntime) ResourceLimits() config.ResourceLimits  { return r.cfg.ResourceLimits }

// Validate confirms the runtime can actually execute scripts: for native
// mode, that python3 resolves on PATH; for Pyodide mode, that the host
// responds to a lightweight health probe.
func (r *PythonRuntime) Validate(ctx context.Context) error {
	if r.cfg.Pyodide != nil {
		return r.validatePyodide(ctx)
	}
	if _, err := exec.LookPath("python3"); err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: python3 not found on PATH: %v", r.cfg.Name, err)
	}
	return nil
}

func (r *PythonRuntime) validatePyodide(ctx context.Context) error {
	req, err := newJSONRequest(ctx, "POST", r.cfg.Pyodide.ServerURL+"/health", nil)
	if err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: building health request: %v", r.cfg.Name, err)
	}
	resp, err := doHTTP(req)
	if err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: pyodide host unreachable: %v", r.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: pyodide host returned status %d", r.cfg.Name, resp.StatusCode)
	}
	return nil
}

// Execute writes script to a temp file and runs it, or (Pyodide mode) POSTs
// it to the configured host.
func (r *PythonRuntime) Execute(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error) {
	if r.cfg.Pyodide != nil {
		return r.executePyodide(ctx, script, input)
	}
	return r.executeNative(ctx, script, input)
}

// ExecuteFile reads path from disk and delegates to Execute.
func (r *PythonRuntime) ExecuteFile(ctx context.Context, path string, input json.RawMessage) (ExecutionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindIO, "runtime %q: reading script file %q: %v", r.cfg.Name, path, err)
	}
	return r.Execute(ctx, string(data), input)
}

func (r *PythonRuntime) executeNative(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error) {
	limits := effectiveLimits(r.cfg.ResourceLimits)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()

	dir := r.cfg.WorkingDir
	if dir == "" {
		dir = os.TempDir()
	}
	scriptPath := filepath.Join(dir, fmt.Sprintf("mcpfront-%s.py", uuid.NewString()))
	if err := os.WriteFile(scriptPath, []byte(script), 0o600); err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindIO, "runtime %q: writing temp script: %v", r.cfg.Name, err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, "python3", scriptPath)
	isolateProcessGroup(cmd)
	cmd.Env = scrubbedEnv(r.cfg.Env, limits)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := ExecutionResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, gwerror.Timeout(float64(limits.TimeoutSeconds), "runtime %q: execution exceeded %ds", r.cfg.Name, limits.TimeoutSeconds)
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		result.Success = false
		return result, gwerror.New(gwerror.KindExecutionError, "runtime %q: script exited %d: %s", r.cfg.Name, result.ExitCode, stderr.String())
	}
	if runErr != nil {
		return result, gwerror.New(gwerror.KindExecutionError, "runtime %q: %v", r.cfg.Name, runErr)
	}
	result.Success = true
	return result, nil
}

func (r *PythonRuntime) executePyodide(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error) {
	limits := effectiveLimits(r.cfg.ResourceLimits)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()

	payload := map[string]any{
		"script": script,
		"input":  input,
		"limits": limits,
	}
	req, err := newJSONRequest(ctx, "POST", r.cfg.Pyodide.ServerURL+"/execute", payload)
	if err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindIO, "runtime %q: building pyodide request: %v", r.cfg.Name, err)
	}
	resp, err := doHTTP(req)
	if err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindTransportError, "runtime %q: pyodide request failed: %v", r.cfg.Name, err)
	}
	defer resp.Body.Close()

	var body struct {
		Success         bool            `json:"success"`
		Stdout          string          `json:"stdout"`
		Stderr          string          `json:"stderr"`
		ExitCode        int             `json:"exit_code"`
		ExecutionTimeMs int64           `json:"execution_time_ms"`
		OutputValue     json.RawMessage `json:"output_value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindSerialization, "runtime %q: decoding pyodide response: %v", r.cfg.Name, err)
	}
	return ExecutionResult{
		Success:         body.Success,
		Stdout:          body.Stdout,
		Stderr:          body.Stderr,
		ExitCode:        body.ExitCode,
		ExecutionTimeMs: body.ExecutionTimeMs,
		OutputValue:     body.OutputValue,
	}, nil
}

var _ Runtime = (*PythonRuntime)(nil)
