package transport

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServerScript is a trivial NDJSON server used to exercise StdioTransport
// without spawning a real MCP upstream: it reads lines from stdin and writes a
// canned initialize response plus a canned tools/call result.
const fakeServerScript = `
import sys, json
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    req = json.loads(line)
    if req.get("method") == "initialize":
        resp = {"jsonrpc": "2.0", "id": req["id"], "result": {"protocolVersion": "2024-11-05"}}
    elif req.get("method") == "tools/call":
        resp = {"jsonrpc": "2.0", "id": req["id"], "result": {"content": [{"type": "text", "text": "{\"ok\":true}"}]}}
    else:
        continue
    sys.stdout.write(json.dumps(resp) + "\n")
    sys.stdout.flush()
`

func TestStdioTransportLifecycle(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := NewStdioTransport(StdioOptions{
		Command: "python3",
		Args:    []string{"-c", fakeServerScript},
	})
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	assert.True(t, tr.IsHealthy())
	assert.Equal(t, StateReady, tr.State())

	result, err := tr.Call(ctx, "tools/call", map[string]any{"name": "echo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"{\"ok\":true}"}]}`, string(result))
}

func TestStdioTransportMissingCommand(t *testing.T) {
	tr := NewStdioTransport(StdioOptions{})
	err := tr.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateClosed, tr.State())
}

func TestStdioTransportCallRejectedBeforeReady(t *testing.T) {
	tr := NewStdioTransport(StdioOptions{Command: "python3"})
	_, err := tr.Call(context.Background(), "tools/call", nil)
	require.Error(t, err)
	assert.Equal(t, StateInit, tr.State())

	err = tr.Notify(context.Background(), "notifications/initialized", nil)
	require.Error(t, err)
}
