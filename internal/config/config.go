// Package config implements the TOML-backed Configuration Core: decoding,
// validation, an immutable Snapshot type, filesystem-watch-driven hot
// reload, and a bounded-drop pub/sub subscribe facility.
package config

import (
	"fmt"
	"time"
)

// TransportKind identifies one of the three upstream transport kinds.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// RuntimeKind identifies one of the script runtime kinds.
type RuntimeKind string

const (
	RuntimePythonWasm RuntimeKind = "python-wasm"
	RuntimeNodePnpm    RuntimeKind = "node-pnpm"
	RuntimeNodeNpm     RuntimeKind = "node-npm"
	RuntimeNodeBun     RuntimeKind = "node-bun"
	RuntimeNodeGoja    RuntimeKind = "node-goja"
)

// FilesystemAccess describes the runtime's view of the host filesystem. Mode
// is "none", "read_only", or "read_write"; when Mode is "read_write" or
// "read_only" and Paths is non-empty, access is additionally restricted to
// those paths — the supplemented `filesystem = { paths = [...] }` form from
// original_source's Paths(Vec<String>) variant.
type FilesystemAccess struct {
	Mode  string   `toml:"mode"`
	Paths []string `toml:"paths"`
}

// UnmarshalTOML implements toml.Unmarshaler so a `filesystem` key accepts
// either the bare string form (`filesystem = "read_only"`) or the table form
// (`filesystem = { mode = "read_only", paths = [...] }`), matching spec.md's
// canonical example config and the `Paths(Vec<String>)` variant it was
// distilled from.
func (f *FilesystemAccess) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		f.Mode = v
		f.Paths = nil
		return nil
	case map[string]any:
		if mode, ok := v["mode"].(string); ok {
			f.Mode = mode
		}
		if paths, ok := v["paths"].([]any); ok {
			f.Paths = make([]string, 0, len(paths))
			for _, p := range paths {
				if s, ok := p.(string); ok {
					f.Paths = append(f.Paths, s)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("filesystem: unsupported TOML value of type %T", data)
	}
}

// ResourceLimits bounds what a runtime instance may consume. Defaults match
// original_source/src/runtime/types.rs's ResourceLimits::default() exactly.
type ResourceLimits struct {
	MaxMemoryMB    int64            `toml:"max_memory_mb"`
	MaxCPUPercent  int              `toml:"max_cpu_percent"`
	TimeoutSeconds int64            `toml:"timeout_seconds"`
	NetworkAccess  bool             `toml:"network_access"`
	Filesystem     FilesystemAccess `toml:"filesystem"`
}

// DefaultResourceLimits returns the spec-mandated defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:    512,
		MaxCPUPercent:  50,
		TimeoutSeconds: 30,
		NetworkAccess:  false,
		Filesystem:     FilesystemAccess{Mode: "read_only"},
	}
}

// ProviderSandbox carries the optional `[servers.sandbox]` constraints for a
// provider's own subprocess/connection, mirroring the network/filesystem
// axes of a script runtime's ResourceLimits — the two concepts bound the
// same kind of OS-level exposure, just for different kinds of child.
type ProviderSandbox struct {
	NetworkAccess bool             `toml:"network_access"`
	Filesystem    FilesystemAccess `toml:"filesystem"`
}

// ProviderConfig describes one upstream MCP server entry from
// `[[servers]]`.
type ProviderConfig struct {
	Name               string            `toml:"name"`
	Transport          TransportKind     `toml:"transport"`
	Command            string            `toml:"command"`
	Args               []string          `toml:"args"`
	Env                map[string]string `toml:"env"`
	URL                string            `toml:"url"`
	Headers            map[string]string `toml:"headers"`
	Tags               []string          `toml:"tags"`
	Description        string            `toml:"description"`
	Sandbox            *ProviderSandbox  `toml:"sandbox"`
	InitTimeoutSeconds int               `toml:"init_timeout_seconds"`
	// CallTimeoutSeconds bounds every tools/call and tools/list round trip to
	// this provider; 0 means DefaultCallTimeout (30s). The http transport
	// additionally caps it at 60s; stdio and sse do not.
	CallTimeoutSeconds int `toml:"call_timeout_seconds"`
}

// PresetConfig names a tag-set that selects a subset of providers, from
// `[[presets]]`.
type PresetConfig struct {
	Name string   `toml:"name"`
	Tags []string `toml:"tags"`
}

// ServerConfig carries the client-facing bind info consumed by the (out of
// core scope) HTTP front end. The Config Core validates it even though
// nothing in this module binds a socket itself.
type ServerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
}

// DefaultServerConfig returns the bind info used when `[server]` is absent.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Host: "127.0.0.1", Port: 3000}
}

// PyodideConfig names an external Pyodide HTTP host used for WASM-sandboxed
// Python execution instead of a native python3 subprocess.
type PyodideConfig struct {
	ServerURL string `toml:"server_url"`
}

// RuntimeConfig describes one named script runtime from `[[runtimes]]`.
type RuntimeConfig struct {
	Name           string            `toml:"name"`
	Kind           RuntimeKind       `toml:"kind"`
	Packages       []string          `toml:"packages"`
	WorkingDir     string            `toml:"working_dir"`
	Env            map[string]string `toml:"env"`
	Enabled        bool              `toml:"enabled"`
	ResourceLimits ResourceLimits    `toml:"resource_limits"`
	Pyodide        *PyodideConfig    `toml:"pyodide"`
}

// RegistryIndexConfig configures the optional shared tool-listing cache.
type RegistryIndexConfig struct {
	RedisURL string `toml:"redis_url"`
	TTL      time.Duration `toml:"ttl"`
}

// AuditConfig configures the optional Mongo execution-audit sink.
type AuditConfig struct {
	MongoURI   string `toml:"mongo_uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// Document is the root of config.toml, decoded directly by BurntSushi/toml.
type Document struct {
	Server             ServerConfig         `toml:"server"`
	ForwardListChanged bool                 `toml:"forward_list_changed"`
	Providers          []ProviderConfig     `toml:"servers"`
	Presets            []PresetConfig       `toml:"presets"`
	Runtimes           []RuntimeConfig      `toml:"runtimes"`
	RegistryIndex      *RegistryIndexConfig `toml:"registry_index"`
	Audit              *AuditConfig         `toml:"audit"`
}

// Snapshot is the validated, immutable configuration in force at a point in
// time. A Source never mutates a Snapshot once built; reload() produces a new
// Snapshot and atomically swaps it in.
type Snapshot struct {
	Server             ServerConfig
	ForwardListChanged bool
	Providers          []ProviderConfig
	Presets            []PresetConfig
	Runtimes           []RuntimeConfig
	RegistryIndex      *RegistryIndexConfig
	Audit              *AuditConfig
	LoadedAt           time.Time
}

// Validate checks a Document for structural and semantic errors, returning a
// Snapshot on success. Rules: provider/runtime names must be unique and
// non-empty; stdio providers require Command; http/sse providers require URL;
// every transport kind must be one of the three recognized kinds; every
// runtime kind must be one of the five recognized kinds.
func Validate(doc Document, loadedAt time.Time) (Snapshot, error) {
	server := doc.Server
	if server.Port == 0 {
		server.Port = DefaultServerConfig().Port
	}
	if server.Port < 1 || server.Port > 65535 {
		return Snapshot{}, fmt.Errorf("server: port %d out of range [1, 65535]", server.Port)
	}
	if server.Host == "" {
		server.Host = DefaultServerConfig().Host
	}

	seenProviders := make(map[string]bool, len(doc.Providers))
	for i, p := range doc.Providers {
		if p.Name == "" {
			return Snapshot{}, fmt.Errorf("providers[%d]: name is required", i)
		}
		if seenProviders[p.Name] {
			return Snapshot{}, fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seenProviders[p.Name] = true
		switch p.Transport {
		case TransportStdio:
			if p.Command == "" {
				return Snapshot{}, fmt.Errorf("provider %q: stdio transport requires command", p.Name)
			}
		case TransportHTTP, TransportSSE:
			if p.URL == "" {
				return Snapshot{}, fmt.Errorf("provider %q: %s transport requires url", p.Name, p.Transport)
			}
		default:
			return Snapshot{}, fmt.Errorf("provider %q: unrecognized transport %q", p.Name, p.Transport)
		}
	}

	seenPresets := make(map[string]bool, len(doc.Presets))
	for i, pr := range doc.Presets {
		if pr.Name == "" {
			return Snapshot{}, fmt.Errorf("presets[%d]: name is required", i)
		}
		if seenPresets[pr.Name] {
			return Snapshot{}, fmt.Errorf("presets[%d]: duplicate preset name %q", i, pr.Name)
		}
		seenPresets[pr.Name] = true
		if len(pr.Tags) == 0 {
			return Snapshot{}, fmt.Errorf("preset %q: tags must be non-empty", pr.Name)
		}
	}

	seenRuntimes := make(map[string]bool, len(doc.Runtimes))
	runtimes := make([]RuntimeConfig, len(doc.Runtimes))
	for i, r := range doc.Runtimes {
		if r.Name == "" {
			return Snapshot{}, fmt.Errorf("runtimes[%d]: name is required", i)
		}
		if seenRuntimes[r.Name] {
			return Snapshot{}, fmt.Errorf("runtimes[%d]: duplicate runtime name %q", i, r.Name)
		}
		seenRuntimes[r.Name] = true
		switch r.Kind {
		case RuntimePythonWasm, RuntimeNodePnpm, RuntimeNodeNpm, RuntimeNodeBun, RuntimeNodeGoja:
		default:
			return Snapshot{}, fmt.Errorf("runtime %q: unrecognized kind %q", r.Name, r.Kind)
		}
		if r.ResourceLimits.TimeoutSeconds == 0 && r.ResourceLimits.MaxMemoryMB == 0 {
			r.ResourceLimits = DefaultResourceLimits()
		}
		runtimes[i] = r
	}

	return Snapshot{
		Server:             server,
		ForwardListChanged: doc.ForwardListChanged,
		Providers:          doc.Providers,
		Presets:            doc.Presets,
		Runtimes:           runtimes,
		RegistryIndex:      doc.RegistryIndex,
		Audit:              doc.Audit,
		LoadedAt:           loadedAt,
	}, nil
}

// ProvidersForPreset returns the subset of snap.Providers whose Tags
// intersect the named preset's Tags. An unknown preset name yields an empty
// slice and false.
func (snap Snapshot) ProvidersForPreset(name string) ([]ProviderConfig, bool) {
	var preset *PresetConfig
	for i := range snap.Presets {
		if snap.Presets[i].Name == name {
			preset = &snap.Presets[i]
			break
		}
	}
	if preset == nil {
		return nil, false
	}
	wanted := make(map[string]bool, len(preset.Tags))
	for _, t := range preset.Tags {
		wanted[t] = true
	}
	var out []ProviderConfig
	for _, p := range snap.Providers {
		for _, t := range p.Tags {
			if wanted[t] {
				out = append(out, p)
				break
			}
		}
	}
	return out, true
}
