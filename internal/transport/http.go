package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/protocol"
	"github.com/mcpfront/gateway/internal/telemetry"
)

// HTTPOptions configures an http-request transport.
type HTTPOptions struct {
	Endpoint        string
	Headers         map[string]string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
	// CallTimeout bounds every Call's deadline, capped at 60s per spec.md
	// section 4.2 ("per-call HTTP timeout = min(configured call timeout,
	// 60s)"). Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      telemetry.Logger
}

// maxHTTPCallTimeout is the hard ceiling on a single HTTP call's deadline,
// regardless of configuration, per spec.md section 4.2.
const maxHTTPCallTimeout = 60 * time.Second

// HTTPTransport issues one HTTP POST per JSON-RPC call. Idempotent methods
// (initialize, */list) are retried with the IdempotentHTTPRetry backoff;
// tools/call is never retried automatically since it may not be idempotent.
type HTTPTransport struct {
	stateHolder

	opts     HTTPOptions
	endpoint string
	client   *http.Client
	logger   telemetry.Logger
	idSeq    uint64
}

// NewHTTPTransport constructs a transport bound to opts.Endpoint. The
// connection is not verified until Start is called.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{opts: opts, endpoint: opts.Endpoint, client: client, logger: opts.Logger}
}

// Start performs the MCP initialize handshake, retrying per IdempotentHTTPRetry
// since initialize is idempotent.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.transition(StateStarting)
	protocolVersion := t.opts.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = protocol.ProtocolVersion
	}
	clientName := t.opts.ClientName
	if clientName == "" {
		clientName = "mcpfront"
	}
	clientVersion := t.opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}
	initCtx := ctx
	if t.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, t.opts.InitTimeout)
		defer cancel()
	}
	if _, err := t.callWithRetry(initCtx, "initialize", payload); err != nil {
		t.transition(StateClosed)
		return err
	}
	if err := t.doNotify(ctx, "notifications/initialized", nil); err != nil {
		t.logger.Warn(ctx, "http transport: initialized notification failed", "error", err.Error())
	}
	t.transition(StateReady)
	return nil
}

func (t *HTTPTransport) nextID() uint64 {
	return atomic.AddUint64(&t.idSeq, 1)
}

// Call performs one JSON-RPC request/response round trip over HTTP,
// automatically retrying idempotent methods per IdempotentHTTPRetry. Only
// Ready accepts new calls; any other state fails immediately with
// TransportUnavailable.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := requireReady(t); err != nil {
		return nil, err
	}
	timeout := t.opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if timeout > maxHTTPCallTimeout {
		timeout = maxHTTPCallTimeout
	}
	ctx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()
	return t.callWithRetry(ctx, method, params)
}

func (t *HTTPTransport) callWithRetry(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var lastErr error
	attempts := 1
	if IdempotentMethod(method) {
		attempts = len(IdempotentHTTPRetry) + 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := IdempotentHTTPRetry.Sleep(ctx, attempt-1); err != nil {
				return nil, gwerror.New(gwerror.KindTimeout, "http transport: %v", err)
			}
		}
		result, err := t.doCall(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IdempotentMethod(method) {
			break
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) doCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID()
	body, err := json.Marshal(protocol.Request{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		return nil, gwerror.New(gwerror.KindSerialization, "http transport: marshal request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, gwerror.New(gwerror.KindInvalidRequest, "http transport: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, gwerror.New(gwerror.KindTransportError, "http transport: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, gwerror.New(gwerror.KindTransportError, "http transport: upstream returned status %d", resp.StatusCode)
	}
	var rpcResp protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, gwerror.New(gwerror.KindSerialization, "http transport: decode response: %v", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcErrorToGatewayError(rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// Notify sends a JSON-RPC notification over HTTP. The response body, if any,
// is discarded. Only Ready accepts new calls; any other state fails
// immediately with TransportUnavailable.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if err := requireReady(t); err != nil {
		return err
	}
	return t.doNotify(ctx, method, params)
}

func (t *HTTPTransport) doNotify(ctx context.Context, method string, params any) error {
	body, err := json.Marshal(protocol.Notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return gwerror.New(gwerror.KindSerialization, "http transport: marshal notification: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return gwerror.New(gwerror.KindInvalidRequest, "http transport: build notification: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return gwerror.New(gwerror.KindTransportError, "http transport: notify: %v", err)
	}
	_ = resp.Body.Close()
	return nil
}

// Close is a no-op for HTTP since there is no persistent connection to tear
// down; it only marks the transport Closed so further calls are rejected.
func (t *HTTPTransport) Close() error {
	t.transition(StateClosed)
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
