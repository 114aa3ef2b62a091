// Package runtime implements the Script Runtime Manager: named sandboxed
// script executors, lazy validate-on-first-execute, and a default-runtime
// pointer, translated from original_source/src/runtime/{manager,types}.rs.
package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gwerror"
)

// ExecutionResult is the outcome of one script execution. OutputValue is
// populated only when the runtime can report a structured value distinct
// from raw stdout (the Pyodide-hosted Python path and the goja path).
type ExecutionResult struct {
	Success         bool
	Stdout          string
	Stderr          string
	ExitCode        int
	ExecutionTimeMs int64
	OutputValue     json.RawMessage
}

// Runtime is implemented by each concrete script executor kind.
type Runtime interface {
	Name() string
	Kind() config.RuntimeKind
	ResourceLimits() config.ResourceLimits
	Validate(ctx context.Context) error
	Execute(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error)
	ExecuteFile(ctx context.Context, path string, input json.RawMessage) (ExecutionResult, error)
}

// Instance wraps a Runtime with its configuration and a lazily-computed
// validation flag, mirroring original_source's RuntimeInstance.
type Instance struct {
	name      string
	cfg       config.RuntimeConfig
	runtime   Runtime
	validated atomic.Bool
}

// Name returns the instance's registered name.
func (i *Instance) Name() string { return i.name }

// Kind returns the instance's runtime kind.
func (i *Instance) Kind() config.RuntimeKind { return i.cfg.Kind }

// Config returns the instance's configuration.
func (i *Instance) Config() config.RuntimeConfig { return i.cfg }

// IsValidated reports whether Validate has succeeded since the instance was
// registered or last invalidated.
func (i *Instance) IsValidated() bool { return i.validated.Load() }

// Manager coordinates every registered script runtime, matching
// original_source's RuntimeManager: register/register_auto/remove/get/
// list/set_default/default/validate_all/execute/execute_default/
// execute_file/info.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*Instance

	defaultName atomic.Pointer[string]
	audit       *AuditSink
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{runtimes: make(map[string]*Instance)}
}

// SetAuditSink attaches an execution-audit sink. Pass nil to disable
// auditing; this is the default.
func (m *Manager) SetAuditSink(sink *AuditSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = sink
}

// Close disconnects the audit sink, if one is attached.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	sink := m.audit
	m.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.Close(ctx)
}

// Register adds a runtime instance. The first registered runtime becomes the
// default, matching the Rust original's "set as default if first" rule.
func (m *Manager) Register(cfg config.RuntimeConfig, rt Runtime) {
	inst := &Instance{name: cfg.Name, cfg: cfg, runtime: rt}
	m.mu.Lock()
	m.runtimes[cfg.Name] = inst
	isFirst := len(m.runtimes) == 1
	m.mu.Unlock()
	if isFirst {
		name := cfg.Name
		m.defaultName.Store(&name)
	}
}

// RegisterAuto constructs the concrete Runtime for cfg.Kind via NewForKind
// and registers it.
func (m *Manager) RegisterAuto(cfg config.RuntimeConfig) error {
	rt, err := NewForKind(cfg)
	if err != nil {
		return err
	}
	m.Register(cfg, rt)
	return nil
}

// Remove unregisters a runtime by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runtimes[name]; !ok {
		return false
	}
	delete(m.runtimes, name)
	return true
}

// Get returns the named runtime instance.
func (m *Manager) Get(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.runtimes[name]
	return inst, ok
}

// Default returns the current default runtime instance, if one is set.
func (m *Manager) Default() (*Instance, bool) {
	namePtr := m.defaultName.Load()
	if namePtr == nil {
		return nil, false
	}
	return m.Get(*namePtr)
}

// SetDefault designates name as the default runtime. Returns false if name
// is not registered.
func (m *Manager) SetDefault(name string) bool {
	if _, ok := m.Get(name); !ok {
		return false
	}
	m.defaultName.Store(&name)
	return true
}

// List returns the names of every registered runtime.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.runtimes))
	for name := range m.runtimes {
		names = append(names, name)
	}
	return names
}

// ValidateResult pairs a runtime name with the outcome of validating it.
type ValidateResult struct {
	Name string
	Err  error
}

// ValidateAll validates every registered runtime in parallel and records
// each one's validated flag, returning one result per runtime. Grounded on
// the same errgroup fan-out pattern as registry.Manager.ReconcileAll.
func (m *Manager) ValidateAll(ctx context.Context) []ValidateResult {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.runtimes))
	for _, inst := range m.runtimes {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	results := make([]ValidateResult, len(instances))
	g, ctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			err := inst.runtime.Validate(ctx)
			inst.validated.Store(err == nil)
			results[i] = ValidateResult{Name: inst.name, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs script on the named runtime, validating it first if it has
// not yet been validated (lazy validate-on-first-execute, per the Rust
// original).
func (m *Manager) Execute(ctx context.Context, name, script string, input json.RawMessage) (ExecutionResult, error) {
	inst, ok := m.Get(name)
	if !ok {
		return ExecutionResult{}, gwerror.New(gwerror.KindRuntimeNotFound, "runtime %q is not registered", name)
	}
	if !inst.IsValidated() {
		if err := inst.runtime.Validate(ctx); err != nil {
			return ExecutionResult{}, err
		}
		inst.validated.Store(true)
	}

	started := time.Now()
	result, err := inst.runtime.Execute(ctx, script, input)
	m.recordAudit(ctx, inst, script, result, time.Since(started))
	return result, err
}

// recordAudit appends an audit entry if a sink is attached. Audit failures
// are swallowed (beyond being no-ops) so a sink outage never fails the
// execution it was describing.
func (m *Manager) recordAudit(ctx context.Context, inst *Instance, script string, result ExecutionResult, elapsed time.Duration) {
	m.mu.RLock()
	sink := m.audit
	m.mu.RUnlock()
	if sink == nil {
		return
	}
	_ = sink.Record(ctx, inst.name, string(inst.cfg.Kind), script, result, elapsed)
}

// ExecuteDefault runs script on the default runtime.
func (m *Manager) ExecuteDefault(ctx context.Context, script string, input json.RawMessage) (ExecutionResult, error) {
	inst, ok := m.Default()
	if !ok {
		return ExecutionResult{}, gwerror.New(gwerror.KindRuntimeNotFound, "no default runtime is set")
	}
	return m.Execute(ctx, inst.name, script, input)
}

// ExecuteFile runs the script stored at path on the named runtime.
func (m *Manager) ExecuteFile(ctx context.Context, name, path string, input json.RawMessage) (ExecutionResult, error) {
	inst, ok := m.Get(name)
	if !ok {
		return ExecutionResult{}, gwerror.New(gwerror.KindRuntimeNotFound, "runtime %q is not registered", name)
	}
	return inst.runtime.ExecuteFile(ctx, path, input)
}

// Info is a read-only projection of a runtime instance for status reporting.
type Info struct {
	Name           string
	Kind           config.RuntimeKind
	Packages       []string
	Enabled        bool
	ResourceLimits config.ResourceLimits
}

// Info returns the named runtime's Info, if registered.
func (m *Manager) Info(name string) (Info, bool) {
	inst, ok := m.Get(name)
	if !ok {
		return Info{}, false
	}
	return Info{
		Name:           inst.name,
		Kind:           inst.cfg.Kind,
		Packages:       inst.cfg.Packages,
		Enabled:        inst.cfg.Enabled,
		ResourceLimits: inst.cfg.ResourceLimits,
	}, true
}

// NewForKind constructs the concrete Runtime implementation for cfg.Kind.
func NewForKind(cfg config.RuntimeConfig) (Runtime, error) {
	switch cfg.Kind {
	case config.RuntimePythonWasm:
		return NewPythonRuntime(cfg), nil
	case config.RuntimeNodePnpm, config.RuntimeNodeNpm, config.RuntimeNodeBun:
		return NewNodeRuntime(cfg), nil
	case config.RuntimeNodeGoja:
		return NewGojaRuntime(cfg), nil
	default:
		return nil, gwerror.New(gwerror.KindConfigError, "unrecognized runtime kind %q", cfg.Kind)
	}
}
