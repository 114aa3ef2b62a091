package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/protocol"
	"github.com/mcpfront/gateway/internal/telemetry"
)

// SSEOptions configures an sse-stream transport: a persistent GET that
// receives server-initiated events plus a companion POST endpoint used to
// issue requests (the shape real-world streamable-HTTP MCP servers use).
type SSEOptions struct {
	StreamURL       string
	PostURL         string
	Headers         map[string]string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
	// CallTimeout bounds every Call's deadline when the caller's own context
	// doesn't already supply a tighter one. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      telemetry.Logger
}

// SSETransport keeps a long-lived GET connection open for server-sent
// events and posts requests on a companion connection. A request's response
// may arrive either synchronously in the POST's own body or asynchronously
// as a `message` event on the GET stream; both are routed through the same
// id-keyed waiter table the stdio transport uses, matching spec.md's
// "message events are JSON-RPC responses routed by id like the stdio
// reader".
type SSETransport struct {
	stateHolder

	opts     SSEOptions
	client   *http.Client
	logger   telemetry.Logger
	idSeq    uint64
	idMu     sync.Mutex
	pending  *pendingCalls
	limiter  *rate.Limiter

	mu           sync.Mutex
	streamCancel context.CancelFunc
	notifyFn     func(method string, params json.RawMessage)
}

// NewSSETransport constructs a transport. notifyFn, if non-nil, is invoked
// for every server-initiated notification observed on the stream (e.g.
// notifications/tools/list_changed).
func NewSSETransport(opts SSEOptions, notifyFn func(method string, params json.RawMessage)) *SSETransport {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SSETransport{
		opts:     opts,
		client:   client,
		logger:   opts.Logger,
		pending:  newPendingCalls(),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		notifyFn: notifyFn,
	}
}

// Start opens the persistent event stream and performs the initialize
// handshake over the companion POST endpoint.
func (t *SSETransport) Start(ctx context.Context) error {
	t.transition(StateStarting)
	if err := t.open(ctx); err != nil {
		t.transition(StateClosed)
		return err
	}
	return nil
}

// Reopen re-establishes the stream connection after the transport has gone
// Unhealthy, without redoing the full Init->Starting transition (the
// provider itself never stopped existing; only its stream dropped). Per
// spec.md section 4.2, the transport itself never retries on its own — this
// is called by the Provider Registry's supervisor on a capped backoff.
// Reopen is a no-op if the transport is already Ready or Closed.
func (t *SSETransport) Reopen(ctx context.Context) error {
	switch t.State() {
	case StateReady, StateClosed:
		return nil
	}
	// Pace reopen attempts independently of the caller's own backoff, so a
	// misbehaving supervisor can never hammer the upstream faster than the
	// configured rate.
	if err := t.limiter.Wait(ctx); err != nil {
		return gwerror.New(gwerror.KindTimeout, "sse transport: %v", err)
	}
	return t.open(ctx)
}

// open performs one connection attempt: it opens the persistent GET stream,
// waits for the first byte of response (or failure), runs the initialize
// handshake over the companion POST, and transitions to Ready. On any
// failure it leaves the transport Unhealthy (not Closed) since the caller
// (Start or Reopen) may retry later at the Provider Registry's discretion.
func (t *SSETransport) open(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.streamCancel != nil {
		t.streamCancel()
	}
	t.streamCancel = cancel
	t.mu.Unlock()

	connected := make(chan error, 1)
	go t.runStream(streamCtx, connected)
	select {
	case err := <-connected:
		if err != nil {
			cancel()
			t.transition(StateUnhealthy)
			return gwerror.New(gwerror.KindTransportError, "sse transport: %v", err)
		}
	case <-ctx.Done():
		cancel()
		t.transition(StateUnhealthy)
		return gwerror.New(gwerror.KindTimeout, "sse transport: %v", ctx.Err())
	}

	if err := t.initialize(ctx); err != nil {
		cancel()
		t.transition(StateUnhealthy)
		return err
	}
	t.transition(StateReady)
	return nil
}

func (t *SSETransport) initialize(ctx context.Context) error {
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
	if _, err := t.doCall(initCtx, "initialize", payload); err != nil {
		return err
	}
	return t.doNotify(ctx, "notifications/initialized", nil)
}

func (t *SSETransport) nextID() uint64 {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	t.idSeq++
	return t.idSeq
}

// Call posts a JSON-RPC request to the companion endpoint and waits for its
// response, whether that arrives synchronously in the POST body or later as
// a `message` event on the stream. Only Ready accepts new calls; any other
// state fails immediately with TransportUnavailable.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := requireReady(t); err != nil {
		return nil, err
	}
	timeout := t.opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()
	return t.doCall(ctx, method, params)
}

func (t *SSETransport) doCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, waiter := t.pending.register()
	req := protocol.Request{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindSerialization, "sse transport: marshal request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.PostURL, bytes.NewReader(body))
	if err != nil {
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindInvalidRequest, "sse transport: build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindTransportError, "sse transport: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindTransportError, "sse transport: post returned status %d", resp.StatusCode)
	}

	// Some streamable-HTTP servers answer synchronously in the POST body;
	// others ack with 202 and deliver the real response as a `message` event
	// on the GET stream, resolved by connectOnce into the same waiter.
	if resp.StatusCode == http.StatusOK {
		var rpcResp protocol.Response
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err == nil && rpcResp.ID == id {
			t.pending.remove(id)
			if rpcResp.Error != nil {
				return nil, rpcErrorToGatewayError(rpcResp.Error)
			}
			return rpcResp.Result, nil
		}
	}

	select {
	case outcome := <-waiter:
		return outcome.result, outcome.err
	case <-ctx.Done():
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindTimeout, "sse transport: %v", ctx.Err())
	}
}

// Notify sends a JSON-RPC notification over the companion POST endpoint.
// Only Ready accepts new calls; any other state fails immediately with
// TransportUnavailable.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if err := requireReady(t); err != nil {
		return err
	}
	return t.doNotify(ctx, method, params)
}

func (t *SSETransport) doNotify(ctx context.Context, method string, params any) error {
	body, err := json.Marshal(protocol.Notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return gwerror.New(gwerror.KindSerialization, "sse transport: marshal notification: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.PostURL, bytes.NewReader(body))
	if err != nil {
		return gwerror.New(gwerror.KindInvalidRequest, "sse transport: build notification: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return gwerror.New(gwerror.KindTransportError, "sse transport: notify: %v", err)
	}
	_ = resp.Body.Close()
	return nil
}

// Close stops the stream, fails any outstanding waiters, and marks the
// transport Closed.
func (t *SSETransport) Close() error {
	t.transition(StateClosed)
	t.mu.Lock()
	cancel := t.streamCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.pending.failAll(wrapClosed(nil))
	return nil
}

// runStream holds the GET connection open for exactly one connection
// attempt and dispatches both server-initiated notifications and id-routed
// responses until it drops or ctx is canceled. connected receives the
// outcome of the connection attempt so open() can report a failure to
// establish the stream at all. Per spec.md section 4.2, "no automatic
// reconnect inside the transport — the Provider Registry schedules a
// re-open at a capped backoff": runStream never loops to retry itself: on
// disconnect it fails every outstanding waiter and marks the transport
// Unhealthy, then returns, leaving reconnection entirely to whoever calls
// Reopen (see registry.Manager's health supervisor).
func (t *SSETransport) runStream(ctx context.Context, connected chan<- error) {
	first := true
	var err error
	defer func() {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Warn(ctx, "sse transport: stream failed", "error", err.Error())
		} else {
			t.logger.Warn(ctx, "sse transport: stream disconnected")
		}
		t.pending.failAll(wrapClosed(err))
		t.transition(StateUnhealthy)
	}()
	defer gwerror.Recover(func(gerr *gwerror.Error) {
		err = gerr
		// connectOnce may have panicked before ever reporting the connection
		// outcome, in which case open() would otherwise block forever on
		// connected.
		t.reportConnect(connected, &first, gerr)
		t.logger.Error(ctx, "sse transport: stream panicked", "error", gerr.Error())
	})

	err = t.connectOnce(ctx, connected, &first)
}

func (t *SSETransport) connectOnce(ctx context.Context, connected chan<- error, first *bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.StreamURL, nil)
	if err != nil {
		t.reportConnect(connected, first, err)
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.reportConnect(connected, first, err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := gwerror.New(gwerror.KindTransportError, "sse transport: stream status %d", resp.StatusCode)
		t.reportConnect(connected, first, err)
		return err
	}
	t.reportConnect(connected, first, nil)

	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch event {
		case "notification":
			var note protocol.Notification
			if err := json.Unmarshal(data, &note); err != nil {
				continue
			}
			if t.notifyFn != nil {
				var raw json.RawMessage
				if b, err := json.Marshal(note.Params); err == nil {
					raw = b
				}
				t.notifyFn(note.Method, raw)
			}
		case "message":
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			if resp.Error != nil {
				t.pending.resolve(resp.ID, rpcOutcome{err: rpcErrorToGatewayError(resp.Error)})
			} else {
				t.pending.resolve(resp.ID, rpcOutcome{result: resp.Result})
			}
		default:
			// unrecognized event kinds are ignored.
		}
	}
}

// reportConnect sends the outcome of the first connection attempt once to
// connected; later reconnects are silent on this channel since Start has
// already returned.
func (t *SSETransport) reportConnect(connected chan<- error, first *bool, err error) {
	if !*first {
		return
	}
	*first = false
	connected <- err
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, bytes.TrimPrefix([]byte(after), []byte(" "))...)
			continue
		}
	}
}

var _ Transport = (*SSETransport)(nil)
