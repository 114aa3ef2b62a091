// Package registry implements the Provider Registry: the canonical tool
// namespace merging every configured upstream's tools/list catalog,
// qualified-name dispatch with ambiguity detection, per-provider
// reconciliation, and a tool-listing cache invalidated by
// notifications/tools/list_changed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/protocol"
	"github.com/mcpfront/gateway/internal/telemetry"
	"github.com/mcpfront/gateway/internal/transport"
)

// Tool describes one tool advertised by a provider's tools/list response.
type Tool struct {
	// Name is the provider-local tool name (unqualified).
	Name string
	// Description is the tool's human-readable summary.
	Description string
	// InputSchema is the tool's JSON Schema for its arguments, if any.
	InputSchema json.RawMessage
}

// QualifiedName returns "<provider>.<name>", the canonical cross-provider
// identifier for this tool.
func (t Tool) QualifiedName(provider string) string {
	return provider + "." + t.Name
}

// Provider is one registered upstream MCP server: its transport plus its
// last known tool catalog.
type Provider struct {
	Name      string
	Transport transport.Transport

	mu    sync.RWMutex
	tools []Tool

	cancelSupervisor context.CancelFunc
}

// reopener is implemented by transport kinds that can re-establish a
// dropped connection without a full restart (currently only
// *transport.SSETransport). Providers whose transport does not implement it
// are simply never supervised for reconnection — a dropped stdio child or a
// per-call http-request transport has no persistent connection to reopen.
type reopener interface {
	Reopen(ctx context.Context) error
}

func (p *Provider) setTools(tools []Tool) {
	p.mu.Lock()
	p.tools = tools
	p.mu.Unlock()
}

// Tools returns a snapshot of the provider's current tool catalog.
func (p *Provider) Tools() []Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tool, len(p.tools))
	copy(out, p.tools)
	return out
}

// Manager is the Provider Registry. It owns the canonical tool namespace:
// registering/removing providers, resolving a possibly-unqualified tool name
// to exactly one provider+tool (or an AmbiguousTool error), dispatching
// tools/call, and reconciling each provider's catalog on registration, after
// a reopen, or on demand after a list_changed notification.
type Manager struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	forwardListChanged bool
	listChanged        func(provider string)

	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string

	compiledSchemas sync.Map // qualified name -> *jsonschema.Schema

	cache ToolCache
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithTelemetry attaches a logger/metrics/tracer triple. Defaults to no-ops.
func WithTelemetry(p telemetry.Provider) Option {
	return func(m *Manager) {
		if p.Logger != nil {
			m.logger = p.Logger
		}
		if p.Metrics != nil {
			m.metrics = p.Metrics
		}
		if p.Tracer != nil {
			m.tracer = p.Tracer
		}
	}
}

// WithForwardListChanged controls whether list_changed notifications are
// re-broadcast downstream after cache invalidation (resolves spec.md's open
// question; default false — see DESIGN.md).
func WithForwardListChanged(forward bool) Option {
	return func(m *Manager) { m.forwardListChanged = forward }
}

// WithListChangedHandler registers a callback invoked after a provider's
// catalog is invalidated and reconciled, only when WithForwardListChanged is
// set.
func WithListChangedHandler(fn func(provider string)) Option {
	return func(m *Manager) { m.listChanged = fn }
}

// WithToolCache attaches an optional shared tool-listing cache (e.g.
// RedisToolCache). When set, Reconcile consults it before calling the
// provider and refreshes it after a live reconcile.
func WithToolCache(cache ToolCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// NewManager constructs an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		providers: make(map[string]*Provider),
		logger:    telemetry.NoopLogger{},
		metrics:   telemetry.NoopMetrics{},
		tracer:    telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider to the registry. The transport must already be
// Start()ed; Register immediately reconciles its tool catalog. Re-registering
// an existing name is an idempotent overwrite: the previous provider's
// transport is closed so it never leaks an orphaned subprocess or
// connection, and the new provider takes its place at the same position in
// insertion order.
func (m *Manager) Register(ctx context.Context, name string, t transport.Transport) (*Provider, error) {
	p := &Provider{Name: name, Transport: t}
	if ro, ok := t.(reopener); ok {
		sctx, cancel := context.WithCancel(context.Background())
		p.cancelSupervisor = cancel
		go m.superviseReconnect(sctx, p, ro)
	}
	m.mu.Lock()
	prev, existed := m.providers[name]
	m.providers[name] = p
	if !existed {
		m.order = append(m.order, name)
	}
	m.mu.Unlock()
	if existed {
		if prev.cancelSupervisor != nil {
			prev.cancelSupervisor()
		}
		if prev.Transport != nil {
			_ = prev.Transport.Close()
		}
	}
	if err := m.Reconcile(ctx, name); err != nil {
		return p, err
	}
	return p, nil
}

// superviseReconnect watches an SSE provider's transport and calls Reopen
// with a capped exponential backoff whenever it goes Unhealthy. Per
// spec.md section 4.2, the transport itself never retries — "the Provider
// Registry schedules a re-open at a capped backoff" — so that
// responsibility lives here, not inside transport.SSETransport.
func (m *Manager) superviseReconnect(ctx context.Context, p *Provider, ro reopener) {
	defer gwerror.Recover(func(err *gwerror.Error) {
		m.logger.Error(ctx, "provider reconnect supervisor panicked", "provider", p.Name, "error", err.Error())
	})

	const pollInterval = 500 * time.Millisecond
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		if p.Transport.State() != transport.StateUnhealthy {
			attempt = 0
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(transport.ReconnectBackoff(attempt)):
		}
		reopenCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ro.Reopen(reopenCtx)
		cancel()
		if err != nil {
			m.logger.Warn(ctx, "provider reopen failed", "provider", p.Name, "error", err.Error())
			attempt++
			continue
		}
		attempt = 0
		if err := m.Reconcile(ctx, p.Name); err != nil {
			m.logger.Warn(ctx, "reconcile after reopen failed", "provider", p.Name, "error", err.Error())
		}
	}
}

// Remove unregisters a provider and closes its transport.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	p, ok := m.providers[name]
	if ok {
		delete(m.providers, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if ok && p.cancelSupervisor != nil {
		p.cancelSupervisor()
	}
	if ok && p.Transport != nil {
		_ = p.Transport.Close()
	}
	return ok
}

// Get returns the named provider, if registered.
func (m *Manager) Get(name string) (*Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// List returns every registered provider's name, in registration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// ListAllTools returns every tool from every registered provider, qualified
// as "<provider>.<tool>", iterating providers in insertion order.
func (m *Manager) ListAllTools() []string {
	m.mu.RLock()
	providers := make([]*Provider, 0, len(m.order))
	for _, name := range m.order {
		providers = append(providers, m.providers[name])
	}
	m.mu.RUnlock()

	var out []string
	for _, p := range providers {
		for _, tool := range p.Tools() {
			out = append(out, tool.QualifiedName(p.Name))
		}
	}
	return out
}

// Reconcile refreshes one provider's catalog: it takes the listing from the
// attached ToolCache when that holds an entry for the provider, and otherwise
// re-fetches tools/list and replaces the cached catalog, clearing any
// compiled schemas so a changed inputSchema recompiles on next use.
func (m *Manager) Reconcile(ctx context.Context, providerName string) error {
	return m.reconcile(ctx, providerName, true)
}

func (m *Manager) reconcile(ctx context.Context, providerName string, useCache bool) error {
	p, ok := m.Get(providerName)
	if !ok {
		return gwerror.New(gwerror.KindServerNotFound, "provider %q is not registered", providerName)
	}
	ctx, span := m.tracer.Start(ctx, "registry.reconcile")
	defer span.End()

	if useCache && m.cache != nil {
		if cached, ok := m.cache.Get(ctx, providerName); ok {
			p.setTools(cached)
			return nil
		}
	}

	raw, err := p.Transport.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		m.logger.Warn(ctx, "reconcile failed", "provider", providerName, "error", err.Error())
		return err
	}
	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return gwerror.New(gwerror.KindSerialization, "provider %q: decode tools/list: %v", providerName, err)
	}
	tools := make([]Tool, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		m.compiledSchemas.Delete(p.Name + "." + t.Name)
	}
	p.setTools(tools)
	if m.cache != nil {
		if err := m.cache.Set(ctx, providerName, tools); err != nil {
			m.logger.Warn(ctx, "tool cache set failed", "provider", providerName, "error", err.Error())
		}
	}
	m.metrics.IncCounter("registry.reconcile", 1, "provider", providerName)
	return nil
}

// OnListChanged handles a notifications/tools/list_changed event from a
// provider: it always invalidates and reconciles that provider's cache
// (required for correctness), and additionally notifies listChanged only
// when forwardListChanged is enabled.
func (m *Manager) OnListChanged(ctx context.Context, providerName string) {
	if err := m.reconcile(ctx, providerName, false); err != nil {
		m.logger.Warn(ctx, "list_changed reconcile failed", "provider", providerName, "error", err.Error())
	}
	if m.forwardListChanged && m.listChanged != nil {
		m.listChanged(providerName)
	}
}

// FindTool resolves name to exactly one (provider, tool). name may be
// qualified ("provider.tool") or bare ("tool"); a bare name matching tools
// from more than one provider returns gwerror.KindAmbiguousTool.
func (m *Manager) FindTool(name string) (*Provider, Tool, error) {
	if provider, local, ok := strings.Cut(name, "."); ok {
		p, exists := m.Get(provider)
		if !exists {
			return nil, Tool{}, gwerror.New(gwerror.KindServerNotFound, "provider %q is not registered", provider)
		}
		for _, t := range p.Tools() {
			if t.Name == local {
				return p, t, nil
			}
		}
		return nil, Tool{}, gwerror.New(gwerror.KindServerNotFound, "tool %q not found on provider %q", local, provider)
	}

	m.mu.RLock()
	providers := make([]*Provider, 0, len(m.order))
	for _, n := range m.order {
		providers = append(providers, m.providers[n])
	}
	m.mu.RUnlock()

	var matchProvider *Provider
	var matchTool Tool
	var candidates []string
	for _, p := range providers {
		for _, t := range p.Tools() {
			if t.Name == name {
				matchProvider = p
				matchTool = t
				candidates = append(candidates, t.QualifiedName(p.Name))
			}
		}
	}
	switch len(candidates) {
	case 0:
		return nil, Tool{}, gwerror.New(gwerror.KindServerNotFound, "tool %q not found", name)
	case 1:
		return matchProvider, matchTool, nil
	default:
		return nil, Tool{}, gwerror.Ambiguous(name, candidates)
	}
}

// Call validates arguments against the resolved tool's inputSchema (when
// present) and dispatches tools/call to its provider.
func (m *Manager) Call(ctx context.Context, name string, arguments json.RawMessage) (protocol.ToolResult, error) {
	p, tool, err := m.FindTool(name)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	if len(tool.InputSchema) > 0 {
		if err := m.validateArguments(p.Name, tool, arguments); err != nil {
			return protocol.ToolResult{}, err
		}
	}
	ctx, span := m.tracer.Start(ctx, "registry.call")
	defer span.End()

	raw, err := p.Transport.Call(ctx, "tools/call", map[string]any{
		"name":      tool.Name,
		"arguments": arguments,
	})
	if err != nil {
		m.metrics.IncCounter("registry.call.error", 1, "provider", p.Name, "tool", tool.Name)
		if rpcErr, ok := transport.UpstreamRPCError(err); ok {
			return protocol.ErrorResult(rpcErr.Message), nil
		}
		return protocol.ToolResult{}, err
	}
	result, err := protocol.DecodeToolsCallResult(raw)
	if err != nil {
		return protocol.ToolResult{}, gwerror.New(gwerror.KindSerialization, "%v", err)
	}
	m.metrics.IncCounter("registry.call.ok", 1, "provider", p.Name, "tool", tool.Name)
	return result, nil
}

func (m *Manager) validateArguments(providerName string, tool Tool, arguments json.RawMessage) error {
	key := providerName + "." + tool.Name
	compiled, ok := m.compiledSchemas.Load(key)
	if !ok {
		schema, err := compileSchema(key, tool.InputSchema)
		if err != nil {
			return gwerror.New(gwerror.KindConfigError, "tool %q: invalid inputSchema: %v", key, err)
		}
		compiled, _ = m.compiledSchemas.LoadOrStore(key, schema)
	}
	schema := compiled.(*jsonschema.Schema)

	var doc any
	if err := json.Unmarshal(arguments, &doc); err != nil {
		return gwerror.New(gwerror.KindInvalidRequest, "tool %q: arguments are not valid JSON: %v", key, err)
	}
	if err := schema.Validate(doc); err != nil {
		return gwerror.New(gwerror.KindInvalidRequest, "tool %q: arguments failed schema validation: %v", key, err)
	}
	return nil
}

func compileSchema(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resourceName := fmt.Sprintf("mem://%s.json", key)
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}
