package gateway_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gateway"
	"github.com/mcpfront/gateway/internal/transport"
)

const fakeServerScript = `
import sys, json

def send(obj):
    sys.stdout.write(json.dumps(obj) + "\n")
    sys.stdout.flush()

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    req = json.loads(line)
    method = req.get("method")
    if method == "initialize":
        send({"jsonrpc": "2.0", "id": req["id"], "result": {"protocolVersion": "2024-11-05", "capabilities": {}, "serverInfo": {"name": "fake", "version": "0"}}})
    elif method == "notifications/initialized":
        continue
    elif method == "tools/list":
        send({"jsonrpc": "2.0", "id": req["id"], "result": {"tools": [{"name": "echo", "description": "echoes input"}]}})
    elif method == "tools/call":
        send({"jsonrpc": "2.0", "id": req["id"], "result": {"content": [{"type": "text", "text": "ok"}]}})
`

func writeFakeServer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available on PATH")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_server.py")
	require.NoError(t, os.WriteFile(path, []byte(fakeServerScript), 0o755))
	return path
}

func writeConfig(t *testing.T, scriptPath string) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	contents := `
forward_list_changed = false

[[servers]]
name = "fake"
transport = "stdio"
command = "python3"
args = ["` + scriptPath + `"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0o644))
	return configPath
}

func TestGatewayRegistersProvidersAndListsTools(t *testing.T) {
	scriptPath := writeFakeServer(t)
	configPath := writeConfig(t, scriptPath)

	source, err := config.NewSource(configPath, nil)
	require.NoError(t, err)
	defer source.Close()

	gw, err := gateway.NewGateway(context.Background(), source)
	require.NoError(t, err)
	defer gw.Close()

	tools := gw.ListTools()
	assert.Contains(t, tools, "fake.echo")
}

// TestGatewayReloadReconcilesProviders covers spec.md's reload scenario: an
// unchanged provider keeps running across a reload, a removed provider is
// closed, and a newly added provider is started.
func TestGatewayReloadReconcilesProviders(t *testing.T) {
	scriptPath := writeFakeServer(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	initial := `
forward_list_changed = false

[[servers]]
name = "x"
transport = "stdio"
command = "python3"
args = ["` + scriptPath + `"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o644))

	source, err := config.NewSource(configPath, nil)
	require.NoError(t, err)
	defer source.Close()

	gw, err := gateway.NewGateway(context.Background(), source)
	require.NoError(t, err)
	defer gw.Close()

	assert.Contains(t, gw.ListTools(), "x.echo")

	xTransport, ok := gw.Registry().Get("x")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Watch(ctx)

	updated := `
forward_list_changed = false

[[servers]]
name = "y"
transport = "stdio"
command = "python3"
args = ["` + scriptPath + `"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0o644))
	_, err = source.Reload()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tools := gw.ListTools()
		return len(tools) == 1 && tools[0] == "y.echo"
	}, 5*time.Second, 20*time.Millisecond)

	_, stillThere := gw.Registry().Get("x")
	assert.False(t, stillThere)
	assert.Equal(t, transport.StateClosed, xTransport.Transport.State())
}

func TestGatewayReloadLeavesUnchangedProviderRunning(t *testing.T) {
	scriptPath := writeFakeServer(t)
	configPath := writeConfig(t, scriptPath)

	source, err := config.NewSource(configPath, nil)
	require.NoError(t, err)
	defer source.Close()

	gw, err := gateway.NewGateway(context.Background(), source)
	require.NoError(t, err)
	defer gw.Close()

	before, ok := gw.Registry().Get("fake")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Watch(ctx)

	_, err = source.Reload()
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	after, ok := gw.Registry().Get("fake")
	require.True(t, ok)
	assert.Same(t, before.Transport, after.Transport)
	assert.Equal(t, transport.StateReady, after.Transport.State())
}

func TestGatewayCallToolDispatches(t *testing.T) {
	scriptPath := writeFakeServer(t)
	configPath := writeConfig(t, scriptPath)

	source, err := config.NewSource(configPath, nil)
	require.NoError(t, err)
	defer source.Close()

	gw, err := gateway.NewGateway(context.Background(), source)
	require.NoError(t, err)
	defer gw.Close()

	result, err := gw.CallTool(context.Background(), "fake.echo", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, `"ok"`, string(result.Data))
}
