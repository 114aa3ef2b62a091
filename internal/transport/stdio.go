package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/protocol"
	"github.com/mcpfront/gateway/internal/telemetry"
)

// StdioOptions configures a stdio-subprocess transport.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
	// CallTimeout bounds every Call's deadline when the caller's own context
	// doesn't already supply a tighter one. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      telemetry.Logger
}

// StdioTransport speaks MCP over a child process's stdin/stdout using
// newline-delimited JSON (one JSON-RPC message per line), per spec.md
// section 4.2. Framing differs from the teacher's Content-Length-prefixed
// LSP-style transport; everything else — the waiter table, the read loop,
// the initialize handshake — follows it closely.
type StdioTransport struct {
	stateHolder

	opts   StdioOptions
	logger telemetry.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	pending *pendingCalls

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStdioTransport constructs a transport for the given child command. The
// process is not started until Start is called.
func NewStdioTransport(opts StdioOptions) *StdioTransport {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &StdioTransport{
		opts:    opts,
		logger:  opts.Logger,
		pending: newPendingCalls(),
		closed:  make(chan struct{}),
	}
}

// Start launches the child process and performs the MCP initialize handshake.
// ctx bounds the handshake only; the child keeps running until Close or
// until it exits on its own.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.transition(StateStarting)
	if t.opts.Command == "" {
		t.transition(StateClosed)
		return gwerror.New(gwerror.KindConfigError, "stdio transport: command is required")
	}
	cmd := exec.Command(t.opts.Command, t.opts.Args...)
	if t.opts.Dir != "" {
		cmd.Dir = t.opts.Dir
	}
	if len(t.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), t.opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.transition(StateClosed)
		return gwerror.New(gwerror.KindIO, "stdio transport: stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.transition(StateClosed)
		return gwerror.New(gwerror.KindIO, "stdio transport: stdout pipe: %v", err)
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		t.transition(StateClosed)
		return gwerror.New(gwerror.KindTransportError, "stdio transport: spawn %s: %v", t.opts.Command, err)
	}
	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr) //nolint:errcheck // best-effort stderr drain
	}

	if err := t.initialize(ctx); err != nil {
		_ = t.Close()
		return err
	}
	t.transition(StateReady)
	return nil
}

func (t *StdioTransport) initialize(ctx context.Context) error {
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

// Call issues a JSON-RPC request over stdin and waits for its matching
// response on stdout. Only Ready accepts new calls; any other state fails
// immediately with TransportUnavailable.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

func (t *StdioTransport) doCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.State() == StateClosed {
		return nil, wrapClosed(t.closeError())
	}
	id, waiter := t.pending.register()
	req := protocol.Request{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := t.writeLine(req); err != nil {
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindTransportError, "stdio transport: write: %v", err)
	}
	select {
	case outcome := <-waiter:
		return outcome.result, outcome.err
	case <-ctx.Done():
		t.pending.remove(id)
		return nil, gwerror.New(gwerror.KindTimeout, "stdio transport: %v", ctx.Err()).WithData(ctx.Err())
	case <-t.closed:
		return nil, wrapClosed(t.closeError())
	}
}

// Notify sends a fire-and-forget JSON-RPC notification (no id, no response).
// Only Ready accepts new calls; any other state fails immediately with
// TransportUnavailable.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if err := requireReady(t); err != nil {
		return err
	}
	return t.doNotify(ctx, method, params)
}

func (t *StdioTransport) doNotify(_ context.Context, method string, params any) error {
	if t.State() == StateClosed {
		return wrapClosed(t.closeError())
	}
	note := protocol.Notification{JSONRPC: "2.0", Method: method, Params: params}
	if err := t.writeLine(note); err != nil {
		return gwerror.New(gwerror.KindTransportError, "stdio transport: notify: %v", err)
	}
	return nil
}

func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(t.stdin, "\n")
	return err
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	var loopErr error
	defer func() {
		if loopErr == nil {
			loopErr = io.EOF
		}
		t.pending.failAll(wrapClosed(loopErr))
		t.setCloseError(loopErr)
		t.transition(StateClosed)
		select {
		case <-t.closed:
		default:
			close(t.closed)
		}
	}()
	defer gwerror.Recover(func(err *gwerror.Error) {
		loopErr = err
		t.logger.Error(context.Background(), "stdio transport: read loop panicked", "error", err.Error())
	})

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn(context.Background(), "stdio transport: malformed line", "error", err.Error())
			continue
		}
		if resp.ID == 0 {
			continue // server-initiated notification: dropped, not surfaced to any caller
		}
		if resp.Error != nil {
			t.pending.resolve(resp.ID, rpcOutcome{err: rpcErrorToGatewayError(resp.Error)})
			continue
		}
		t.pending.resolve(resp.ID, rpcOutcome{result: resp.Result})
	}
	loopErr = scanner.Err()
}

func (t *StdioTransport) setCloseError(err error) {
	if t.closeErr == nil {
		t.closeErr = err
	}
}

func (t *StdioTransport) closeError() error {
	return t.closeErr
}

// Close terminates the child process and releases resources.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.transition(StateClosed)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.ProcessState == nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		if t.cmd != nil {
			_ = t.cmd.Wait()
		}
		select {
		case <-t.closed:
		default:
			close(t.closed)
		}
	})
	return nil
}

var _ Transport = (*StdioTransport)(nil)
