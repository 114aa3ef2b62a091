package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/protocol"
	"github.com/mcpfront/gateway/internal/registry"
	"github.com/mcpfront/gateway/internal/runtime"
	"github.com/mcpfront/gateway/internal/telemetry"
	"github.com/mcpfront/gateway/internal/transport"
)

// Error and Kind alias the shared error taxonomy so gateway's own callers
// (cmd/mcpfrontd, tests) can keep writing gateway.Error / gateway.Kind* — the
// type itself lives in gwerror, which transport/registry/runtime also import,
// so that none of them need to import this package and create a cycle.
type Error = gwerror.Error
type Kind = gwerror.Kind

const (
	KindServerNotFound     = gwerror.KindServerNotFound
	KindAuthError          = gwerror.KindAuthError
	KindAuthorizationError = gwerror.KindAuthorizationError
	KindInvalidRequest     = gwerror.KindInvalidRequest
	KindTimeout            = gwerror.KindTimeout
	KindTransportError     = gwerror.KindTransportError
	KindTransportClosed    = gwerror.KindTransportClosed
	KindTransportUnavail   = gwerror.KindTransportUnavail
	KindAmbiguousTool      = gwerror.KindAmbiguousTool
	KindConfigError        = gwerror.KindConfigError
	KindRuntimeNotFound    = gwerror.KindRuntimeNotFound
	KindValidationError    = gwerror.KindValidationError
	KindExecutionError     = gwerror.KindExecutionError
	KindResourceLimit      = gwerror.KindResourceLimit
	KindInstallError       = gwerror.KindInstallError
	KindIO                 = gwerror.KindIO
	KindSerialization      = gwerror.KindSerialization
	KindInternal           = gwerror.KindInternal
)

// New, WithData (via *Error), Timeout, Ambiguous, StatusHintFor, and Recover
// all forward to gwerror.
var (
	New           = gwerror.New
	Timeout       = gwerror.Timeout
	Ambiguous     = gwerror.Ambiguous
	StatusHintFor = gwerror.StatusHintFor
	Recover       = gwerror.Recover
)

// Gateway is the top-level facade: it owns the live config Source, the
// Provider Registry, and the Script Runtime Manager, and exposes the
// handful of operations a front door (HTTP server, CLI, test) needs —
// calling a tool by qualified or bare name, and running a script on a named
// or default runtime. It subscribes to config reloads and reconciles the
// registry's provider set whenever the snapshot changes.
type Gateway struct {
	telemetry telemetry.Provider
	source    *config.Source
	registry  *registry.Manager
	runtimes  *runtime.Manager

	providerConfigs map[string]config.ProviderConfig

	stop context.CancelFunc
}

// Option configures a Gateway at construction time.
type Option func(*options)

type options struct {
	telemetry telemetry.Provider
	toolCache registry.ToolCache
}

// WithTelemetry attaches a telemetry.Provider used by every component.
func WithTelemetry(p telemetry.Provider) Option {
	return func(o *options) { o.telemetry = p }
}

// WithToolCache attaches a shared tool-listing cache to the registry.
func WithToolCache(cache registry.ToolCache) Option {
	return func(o *options) { o.toolCache = cache }
}

// NewGateway constructs a Gateway from a loaded config Source, starts a
// transport per configured provider, registers each with the Provider
// Registry, and registers every configured script runtime. It does not
// start watching the source for reloads; call Watch for that.
func NewGateway(ctx context.Context, source *config.Source, opts ...Option) (*Gateway, error) {
	o := &options{telemetry: telemetry.NewNoopProvider()}
	for _, opt := range opts {
		opt(o)
	}

	snapshot := source.Current()

	var toolCache registry.ToolCache
	if o.toolCache != nil {
		toolCache = o.toolCache
	} else if snapshot.RegistryIndex != nil && snapshot.RegistryIndex.RedisURL != "" {
		if cache, err := registry.NewRedisToolCacheFromURL(snapshot.RegistryIndex.RedisURL, snapshot.RegistryIndex.TTL); err != nil {
			o.telemetry.Logger.Warn(ctx, "registry index cache unavailable", "error", err.Error())
		} else {
			toolCache = cache
		}
	}

	reg := registry.NewManager(
		registry.WithTelemetry(o.telemetry),
		registry.WithForwardListChanged(snapshot.ForwardListChanged),
		registry.WithToolCache(toolCache),
	)

	g := &Gateway{
		telemetry:       o.telemetry,
		source:          source,
		registry:        reg,
		runtimes:        runtime.NewManager(),
		providerConfigs: make(map[string]config.ProviderConfig),
	}

	if err := g.applyProviders(ctx, snapshot.Providers); err != nil {
		return nil, err
	}
	if err := g.applyRuntimes(snapshot.Runtimes); err != nil {
		return nil, err
	}
	g.applyAudit(ctx, snapshot.Audit)
	return g, nil
}

// applyAudit connects the optional Mongo execution-audit sink. A connect
// failure is logged and otherwise ignored: auditing is additive, never a
// precondition for serving tool calls.
func (g *Gateway) applyAudit(ctx context.Context, cfg *config.AuditConfig) {
	if cfg == nil || cfg.MongoURI == "" {
		return
	}
	sink, err := runtime.NewAuditSink(ctx, cfg.MongoURI, cfg.Database, cfg.Collection)
	if err != nil {
		g.telemetry.Logger.Error(ctx, "audit sink unavailable", "error", err)
		return
	}
	g.runtimes.SetAuditSink(sink)
}

// applyProviders reconciles the registry's provider set against the given
// snapshot: providers that are new or whose config changed are (re)started
// and registered (Register closes the stale transport, if any); providers
// present before but absent from providers are removed and their transport
// closed; providers whose config is unchanged are left running untouched.
func (g *Gateway) applyProviders(ctx context.Context, providers []config.ProviderConfig) error {
	wanted := make(map[string]config.ProviderConfig, len(providers))
	for _, p := range providers {
		wanted[p.Name] = p
	}

	for name := range g.providerConfigs {
		if _, ok := wanted[name]; !ok {
			g.registry.Remove(name)
			delete(g.providerConfigs, name)
		}
	}

	for _, p := range providers {
		if prev, ok := g.providerConfigs[p.Name]; ok && reflect.DeepEqual(prev, p) {
			continue
		}

		t, err := buildTransport(p, g.telemetry.Logger, func(method string, params json.RawMessage) {
			if method == "notifications/tools/list_changed" {
				g.registry.OnListChanged(context.Background(), p.Name)
			}
		})
		if err != nil {
			return New(KindConfigError, "provider %q: %v", p.Name, err)
		}
		initTimeout := time.Duration(p.InitTimeoutSeconds) * time.Second
		if initTimeout <= 0 {
			initTimeout = 10 * time.Second
		}
		startCtx, cancel := context.WithTimeout(ctx, initTimeout)
		err = t.Start(startCtx)
		cancel()
		if err != nil {
			return New(KindTransportError, "provider %q: start: %v", p.Name, err)
		}
		if _, err := g.registry.Register(ctx, p.Name, t); err != nil {
			return err
		}
		g.providerConfigs[p.Name] = p
	}
	return nil
}

func (g *Gateway) applyRuntimes(runtimes []config.RuntimeConfig) error {
	for _, r := range runtimes {
		if !r.Enabled {
			continue
		}
		if err := g.runtimes.RegisterAuto(r); err != nil {
			return err
		}
	}
	return nil
}

func buildTransport(p config.ProviderConfig, logger telemetry.Logger, notify func(method string, params json.RawMessage)) (transport.Transport, error) {
	callTimeout := time.Duration(p.CallTimeoutSeconds) * time.Second
	switch p.Transport {
	case config.TransportStdio:
		env := make([]string, 0, len(p.Env))
		for k, v := range p.Env {
			env = append(env, k+"="+v)
		}
		return transport.NewStdioTransport(transport.StdioOptions{
			Command:         p.Command,
			Args:            p.Args,
			Env:             env,
			ProtocolVersion: protocol.ProtocolVersion,
			ClientName:      "mcpfront-gateway",
			ClientVersion:   "0.1.0",
			CallTimeout:     callTimeout,
			Logger:          logger,
		}), nil
	case config.TransportHTTP:
		return transport.NewHTTPTransport(transport.HTTPOptions{
			Endpoint:        p.URL,
			Headers:         p.Headers,
			ProtocolVersion: protocol.ProtocolVersion,
			ClientName:      "mcpfront-gateway",
			ClientVersion:   "0.1.0",
			CallTimeout:     callTimeout,
			Logger:          logger,
		}), nil
	case config.TransportSSE:
		return transport.NewSSETransport(transport.SSEOptions{
			StreamURL:       p.URL,
			PostURL:         p.URL,
			Headers:         p.Headers,
			ProtocolVersion: protocol.ProtocolVersion,
			ClientName:      "mcpfront-gateway",
			ClientVersion:   "0.1.0",
			CallTimeout:     callTimeout,
			Logger:          logger,
		}, notify), nil
	default:
		return nil, fmt.Errorf("unrecognized transport kind %q", p.Transport)
	}
}

// CallTool resolves name (qualified "provider.tool" or bare "tool") and
// dispatches tools/call to its provider.
func (g *Gateway) CallTool(ctx context.Context, name string, arguments json.RawMessage) (protocol.ToolResult, error) {
	return g.registry.Call(ctx, name, arguments)
}

// ListTools returns every qualified tool name across every registered
// provider.
func (g *Gateway) ListTools() []string {
	return g.registry.ListAllTools()
}

// Registry exposes the underlying Provider Registry, primarily for tests
// that need to inspect a provider's transport state directly.
func (g *Gateway) Registry() *registry.Manager {
	return g.registry
}

// RunScript executes script on the named runtime (or the default runtime
// when name is empty).
func (g *Gateway) RunScript(ctx context.Context, name, script string, input json.RawMessage) (runtime.ExecutionResult, error) {
	if name == "" {
		return g.runtimes.ExecuteDefault(ctx, script, input)
	}
	return g.runtimes.Execute(ctx, name, script, input)
}

// Watch subscribes to the config Source and re-applies the provider and
// runtime sets whenever a new Snapshot is published, until ctx is canceled.
func (g *Gateway) Watch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.stop = cancel
	sub := g.source.Subscribe(ctx)
	go func() {
		for snapshot := range sub {
			g.applyReloadedSnapshot(ctx, *snapshot)
		}
	}()
}

// applyReloadedSnapshot applies one reloaded config.Snapshot, recovering a
// panic so a single bad snapshot degrades that one reload instead of killing
// the watch loop for every reload after it.
func (g *Gateway) applyReloadedSnapshot(ctx context.Context, snapshot config.Snapshot) {
	defer Recover(func(err *Error) {
		g.telemetry.Logger.Error(ctx, "reload: applying snapshot panicked", "error", err.Error())
	})
	if err := g.applyProviders(ctx, snapshot.Providers); err != nil {
		g.telemetry.Logger.Warn(ctx, "reload: applying providers failed", "error", err.Error())
	}
	if err := g.applyRuntimes(snapshot.Runtimes); err != nil {
		g.telemetry.Logger.Warn(ctx, "reload: applying runtimes failed", "error", err.Error())
	}
}

// Close stops the reload watcher (if running) and removes every registered
// provider, closing its transport.
func (g *Gateway) Close() error {
	if g.stop != nil {
		g.stop()
	}
	for _, name := range g.registry.List() {
		g.registry.Remove(name)
	}
	return g.runtimes.Close(context.Background())
}
