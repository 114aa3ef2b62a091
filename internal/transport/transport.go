// Package transport implements the unified Transport abstraction fronting
// stdio-subprocess, http-request, and sse-stream upstream MCP servers, plus
// the state machine and retry/backoff policy shared by all three kinds.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/protocol"
)

// DefaultCallTimeout is the deadline applied to an outbound JSON-RPC call
// when neither the caller's context nor the transport's configured
// CallTimeout already supplies a tighter one, per spec.md section 5 ("every
// outbound JSON-RPC call has a deadline (default 30s, configurable per
// provider)").
const DefaultCallTimeout = 30 * time.Second

// withCallTimeout bounds ctx by timeout, unless ctx already carries an
// earlier deadline. A non-positive timeout leaves ctx untouched.
func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// State is one of the transport lifecycle states from spec.md section 4.2:
// Init -> Starting -> Ready <-> Unhealthy -> Closed.
type State int32

const (
	StateInit State = iota
	StateStarting
	StateReady
	StateUnhealthy
	StateClosed
)

// String renders the state for logs and errors.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the contract every upstream transport kind implements. The
// generalized shape of the teacher's per-kind Caller interface, widened from
// "invoke one tool" to the full lifecycle spec.md requires: start the
// session, issue a call expecting a response, send a fire-and-forget
// notification, close, and report health.
type Transport interface {
	// Start performs the initialize handshake and moves the transport from
	// Init to Ready (or Starting, then Ready).
	Start(ctx context.Context) error
	// Call issues a JSON-RPC request and blocks for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
	// Close tears down the transport, releasing any underlying process or
	// connection.
	Close() error
	// IsHealthy reports whether the transport is currently Ready.
	IsHealthy() bool
	// State returns the current lifecycle state.
	State() State
}

// stateHolder is embedded by every transport implementation to share the
// atomic state machine and its transition rules.
type stateHolder struct {
	state atomic.Int32
}

func (h *stateHolder) State() State { return State(h.state.Load()) }

func (h *stateHolder) IsHealthy() bool { return h.State() == StateReady }

func (h *stateHolder) setState(s State) { h.state.Store(int32(s)) }

// transition moves the state machine to `to` from whatever state it is in,
// refusing to move out of Closed (a closed transport stays closed).
func (h *stateHolder) transition(to State) {
	for {
		cur := State(h.state.Load())
		if cur == StateClosed {
			return
		}
		if h.state.CompareAndSwap(int32(cur), int32(to)) {
			return
		}
	}
}

// pendingCalls is the waiter table shared by the stdio and (optionally) SSE
// transports: requests are keyed by numeric id so multiple calls can be
// in flight concurrently on one underlying connection.
type pendingCalls struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]chan rpcOutcome
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{waiters: make(map[uint64]chan rpcOutcome)}
}

func (p *pendingCalls) register() (uint64, chan rpcOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	ch := make(chan rpcOutcome, 1)
	p.waiters[id] = ch
	return id, ch
}

func (p *pendingCalls) remove(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *pendingCalls) resolve(id uint64, outcome rpcOutcome) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- outcome
		close(ch)
	}
}

// failAll resolves every outstanding waiter with err, used when the
// underlying connection dies.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]chan rpcOutcome)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- rpcOutcome{err: err}
		close(ch)
	}
}

// rpcErrorToGatewayError wraps an upstream JSON-RPC error object as a
// gwerror.Error, attaching the original RPCError as Data so callers that
// need to tell an upstream-reported error apart from a genuine transport
// failure (registry.Manager.Call does, per spec.md section 8) can recover
// it with UpstreamRPCError.
func rpcErrorToGatewayError(e *protocol.RPCError) *gwerror.Error {
	if e == nil {
		return nil
	}
	var gerr *gwerror.Error
	switch e.Code {
	case protocol.InvalidParams, protocol.InvalidRequest:
		gerr = gwerror.New(gwerror.KindInvalidRequest, "%s", e.Message)
	case protocol.MethodNotFound:
		gerr = gwerror.New(gwerror.KindServerNotFound, "%s", e.Message)
	default:
		gerr = gwerror.New(gwerror.KindTransportError, "%s", e.Message)
	}
	return gerr.WithData(e)
}

// UpstreamRPCError reports whether err wraps a JSON-RPC error object
// returned by the upstream server itself, as opposed to a transport- or
// network-level failure. Registry callers use this to translate upstream
// errors into a failed ToolResult instead of a Go error.
func UpstreamRPCError(err error) (*protocol.RPCError, bool) {
	gerr, ok := err.(*gwerror.Error)
	if !ok {
		return nil, false
	}
	rpcErr, ok := gerr.Data.(*protocol.RPCError)
	return rpcErr, ok
}

func wrapClosed(err error) error {
	if err == nil {
		return gwerror.New(gwerror.KindTransportClosed, "transport closed")
	}
	return gwerror.New(gwerror.KindTransportClosed, "transport closed: %v", err)
}

func requireReady(t interface{ State() State }) error {
	if t.State() != StateReady {
		return gwerror.New(gwerror.KindTransportUnavail, "transport is %s, not ready", t.State())
	}
	return nil
}
