package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gwerror"
)

// packageManagerBin maps a RuntimeKind to its package-manager executable,
// grounded on original_source's NodePackageManager enum (Pnpm/Npm/Bun).
var packageManagerBin = map[config.RuntimeKind]string{
	config.RuntimeNodePnpm: "pnpm",
	config.RuntimeNodeNpm:  "npm",
	config.RuntimeNodeBun:  "bun",
}

// NodeRuntime executes JavaScript scripts via an external Node.js process,
// installing cfg.Packages with the configured package manager on first
// Validate (lazily, exactly once) before any script runs.
type NodeRuntime struct {
	cfg config.RuntimeConfig

	installOnce sync.Once
	installErr  error
}

// NewNodeRuntime constructs a NodeRuntime from cfg.
func NewNodeRuntime(cfg config.RuntimeConfig) *NodeRuntime {
	return &NodeRuntime{cfg: cfg}
}

func (r *NodeRuntime) Name() string                         { return r.cfg.Name }
func (r *NodeRuntime) Kind() config.RuntimeKind              { return r.cfg.Kind }
func (r *NodeRuntime) ResourceLimits() config.ResourceLimits { return r.cfg.ResourceLimits }

// Validate confirms node and the configured package manager resolve on PATH,
// then installs cfg.Packages into cfg.WorkingDir if any are declared.
func (r *NodeRuntime) Validate(ctx context.Context) error {
	if _, err := exec.LookPath("node"); err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: node not found on PATH: %v", r.cfg.Name, err)
	}
	bin, ok := packageManagerBin[r.cfg.Kind]
	if !ok {
		return gwerror.New(gwerror.KindConfigError, "runtime %q: unrecognized node runtime kind %q", r.cfg.Name, r.cfg.Kind)
	}
	if _, err := exec.LookPath(bin); err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: %s not found on PATH: %v", r.cfg.Name, bin, err)
	}
	if len(r.cfg.Packages) == 0 {
		return nil
	}
	r.installOnce.Do(func() {
		r.installErr = r.installPackages(ctx, bin)
	})
	return r.installErr
}

func (r *NodeRuntime) installPackages(ctx context.Context, bin string) error {
	dir := r.cfg.WorkingDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "mcpfront-node-*")
		if err != nil {
			return gwerror.New(gwerror.KindIO, "runtime %q: creating install dir: %v", r.cfg.Name, err)
		}
		r.cfg.WorkingDir = dir
	}
	args := append([]string{"install"}, r.cfg.Packages...)
	cmd := exec.CommandContext(ctx, bin, args...)
	isolateProcessGroup(cmd)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(r.cfg.Env, effectiveLimits(r.cfg.ResourceLimits))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: %s install failed: %v: %s", r.cfg.Name, bin, err, stderr.String())
	}
	return nil
}

// Execute writes script to a temp .js file under the working dir (so
// installed node_modules resolve) and runs it with node.
func (r *NodeRuntime) Execute(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error) {
	limits := effectiveLimits(r.cfg.ResourceLimits)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()

	dir := r.cfg.WorkingDir
	if dir == "" {
		dir = os.TempDir()
	}
	scriptPath := filepath.Join(dir, "mcpfront-"+uuid.NewString()+".js")
	if err := os.WriteFile(scriptPath, []byte(script), 0o600); err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindIO, "runtime %q: writing temp script: %v", r.cfg.Name, err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, "node", scriptPath)
	isolateProcessGroup(cmd)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(r.cfg.Env, limits)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := ExecutionResult{Stdout: stdout.String(), Stderr: stderr.String(), ExecutionTimeMs: elapsed.Milliseconds()}
	if ctx.Err() == context.DeadlineExceeded {
		return result, gwerror.Timeout(float64(limits.TimeoutSeconds), "runtime %q: execution exceeded %ds", r.cfg.Name, limits.TimeoutSeconds)
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, gwerror.New(gwerror.KindExecutionError, "runtime %q: script exited %d: %s", r.cfg.Name, result.ExitCode, stderr.String())
	}
	if runErr != nil {
		return result, gwerror.New(gwerror.KindExecutionError, "runtime %q: %v", r.cfg.Name, runErr)
	}
	result.Success = true
	return result, nil
}

// ExecuteFile reads path from disk and delegates to Execute.
func (r *NodeRuntime) ExecuteFile(ctx context.Context, path string, input json.RawMessage) (ExecutionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindIO, "runtime %q: reading script file %q: %v", r.cfg.Name, path, err)
	}
	return r.Execute(ctx, string(data), input)
}

var _ Runtime = (*NodeRuntime)(nil)
