package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gwerror"
)

// GojaRuntime executes JavaScript scripts inside an embedded goja VM — the
// supplemented node-goja kind, for hosts that want script isolation without
// paying for an external node/pnpm/npm/bun process. esbuild transforms the
// script down to ES2015 syntax before goja evaluates it. `import`/`require`
// statements are neither resolved nor bundled, and goja has no module
// resolver of its own, so a script must be self-contained.
type GojaRuntime struct {
	cfg config.RuntimeConfig
}

// NewGojaRuntime constructs a GojaRuntime from cfg.
func NewGojaRuntime(cfg config.RuntimeConfig) *GojaRuntime {
	return &GojaRuntime{cfg: cfg}
}

func (r *GojaRuntime) Name() string                         { return r.cfg.Name }
func (r *GojaRuntime) Kind() config.RuntimeKind              { return config.RuntimeNodeGoja }
func (r *GojaRuntime) ResourceLimits() config.ResourceLimits { return r.cfg.ResourceLimits }

// Validate runs esbuild's transform over a trivial smoke-test script to
// confirm esbuild is usable in this process; goja itself is not exercised,
// and there is no external toolchain to probe.
func (r *GojaRuntime) Validate(ctx context.Context) error {
	_, err := r.bundle("export default 1;")
	if err != nil {
		return gwerror.New(gwerror.KindInstallError, "runtime %q: goja smoke bundle failed: %v", r.cfg.Name, err)
	}
	return nil
}

func (r *GojaRuntime) bundle(script string) (string, error) {
	result := api.Transform(script, api.TransformOptions{
		Loader: api.LoaderJS,
		Format: api.FormatDefault,
		Target: api.ES2015,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		loc := ""
		if msg.Location != nil {
			loc = fmt.Sprintf(" at line %d, column %d", msg.Location.Line, msg.Location.Column)
		}
		return "", gwerror.New(gwerror.KindExecutionError, "esbuild: %s%s", msg.Text, loc)
	}
	return string(result.Code), nil
}

// Execute bundles script with esbuild and runs it inside a fresh goja.Runtime,
// exposing the decoded input as a global `input` value and reading the
// script's assignment to a global `output` variable back as OutputValue —
// there is no process boundary, so stdout/stderr are not meaningful here.
func (r *GojaRuntime) Execute(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error) {
	limits := effectiveLimits(r.cfg.ResourceLimits)

	bundled, err := r.bundle(script)
	if err != nil {
		return ExecutionResult{}, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var inputVal any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputVal); err != nil {
			return ExecutionResult{}, gwerror.New(gwerror.KindInvalidRequest, "runtime %q: decoding input: %v", r.cfg.Name, err)
		}
	}
	if err := vm.Set("input", inputVal); err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindExecutionError, "runtime %q: binding input: %v", r.cfg.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()
	go func() {
		defer gwerror.Recover(func(*gwerror.Error) {})
		<-ctx.Done()
		vm.Interrupt("execution timeout exceeded")
	}()

	start := time.Now()
	_, runErr := vm.RunString(bundled)
	elapsed := time.Since(start)

	result := ExecutionResult{ExecutionTimeMs: elapsed.Milliseconds()}
	if runErr != nil {
		if _, ok := runErr.(*goja.InterruptedError); ok {
			return result, gwerror.Timeout(float64(limits.TimeoutSeconds), "runtime %q: execution exceeded %ds", r.cfg.Name, limits.TimeoutSeconds)
		}
		return result, gwerror.New(gwerror.KindExecutionError, "runtime %q: %v", r.cfg.Name, runErr)
	}

	if outputVal := vm.Get("output"); outputVal != nil && !goja.IsUndefined(outputVal) {
		raw, err := json.Marshal(outputVal.Export())
		if err != nil {
			return result, gwerror.New(gwerror.KindSerialization, "runtime %q: encoding output: %v", r.cfg.Name, err)
		}
		result.OutputValue = raw
	}
	result.Success = true
	return result, nil
}

// ExecuteFile reads path from disk and delegates to Execute.
func (r *GojaRuntime) ExecuteFile(ctx context.Context, path string, input json.RawMessage) (ExecutionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExecutionResult{}, gwerror.New(gwerror.KindIO, "runtime %q: reading script file %q: %v", r.cfg.Name, path, err)
	}
	return r.Execute(ctx, string(data), input)
}

var _ Runtime = (*GojaRuntime)(nil)
