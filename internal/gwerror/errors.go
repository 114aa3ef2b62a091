// Package gwerror defines the error taxonomy shared by every gateway
// component: transports, the provider registry, the runtime manager, and the
// top-level facade. It is a leaf package — it imports nothing else under
// internal/ — precisely so that those components can all depend on it
// without creating an import cycle back through the facade package that
// wires them together.
package gwerror

import "fmt"

// Kind identifies a stable, language-neutral error category. Kinds drive both
// the HTTP status suggestion (StatusHint) and client-side retry behavior.
type Kind string

// Error kinds. Names and meanings come from spec.md section 4.5 unchanged.
const (
	KindServerNotFound     Kind = "server_not_found"
	KindAuthError          Kind = "auth_error"
	KindAuthorizationError Kind = "authorization_error"
	KindInvalidRequest     Kind = "invalid_request"
	KindTimeout            Kind = "timeout"
	KindTransportError     Kind = "transport_error"
	KindTransportClosed    Kind = "transport_closed"
	KindTransportUnavail   Kind = "transport_unavailable"
	KindAmbiguousTool      Kind = "ambiguous_tool"
	KindConfigError        Kind = "config_error"
	KindRuntimeNotFound    Kind = "runtime_not_found"
	KindValidationError    Kind = "validation_error"
	KindExecutionError     Kind = "execution_error"
	KindResourceLimit      Kind = "resource_limit_exceeded"
	KindInstallError       Kind = "install_error"
	KindIO                 Kind = "io"
	KindSerialization      Kind = "serialization"
	KindInternal           Kind = "internal"
)

// statusHints maps each Kind to the HTTP status code a front-end surfacing
// this error to a client should return, per spec.md section 6.
var statusHints = map[Kind]int{
	KindServerNotFound:     404,
	KindAuthError:          401,
	KindAuthorizationError: 403,
	KindInvalidRequest:     400,
	KindTimeout:            504,
	KindTransportError:     502,
	KindTransportClosed:    502,
	KindTransportUnavail:   503,
	KindAmbiguousTool:      409,
	KindConfigError:        500,
	KindRuntimeNotFound:    404,
	KindValidationError:    400,
	KindExecutionError:     500,
	KindResourceLimit:      429,
	KindInstallError:       500,
	KindIO:                 500,
	KindSerialization:      500,
	KindInternal:           500,
}

// Error is the single concrete error type used across the gateway. Kind
// carries the taxonomy; Message is a human-readable description; Data carries
// optional structured detail (e.g. the timeout duration, the ambiguous
// candidates); StatusHint is pre-resolved at construction time so callers
// never need the statusHints table directly.
type Error struct {
	Kind       Kind
	Message    string
	Data       any
	StatusHint int
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error for the given kind, resolving its StatusHint from the
// standard table.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), StatusHint: statusHints[kind]}
}

// WithData attaches structured detail to an Error and returns it for chaining.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Timeout constructs a KindTimeout error carrying the elapsed seconds, per
// spec.md's Timeout(secs) variant.
func Timeout(seconds float64, format string, args ...any) *Error {
	return New(KindTimeout, format, args...).WithData(map[string]any{"seconds": seconds})
}

// Ambiguous constructs a KindAmbiguousTool error carrying the list of
// qualified names the unqualified lookup matched.
func Ambiguous(name string, candidates []string) *Error {
	return New(KindAmbiguousTool, "tool name %q is ambiguous across providers", name).
		WithData(map[string]any{"name": name, "candidates": candidates})
}

// StatusHintFor returns the HTTP status suggestion for kind, or 500 if the
// kind is unrecognized.
func StatusHintFor(kind Kind) int {
	if hint, ok := statusHints[kind]; ok {
		return hint
	}
	return 500
}

// Recover recovers a panic, if any, converts it into a KindInternal *Error,
// and hands it to onPanic. Deferred at the entry point of a goroutine or
// other task boundary (the provider reconnect supervisor, a transport's
// background read loop, the config watch loop, one gateway reload) that must
// degrade to one failed task instead of taking down the whole process.
func Recover(onPanic func(err *Error)) {
	if r := recover(); r != nil {
		onPanic(New(KindInternal, "recovered panic: %v", r))
	}
}
