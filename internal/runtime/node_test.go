package runtime

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfront/gateway/internal/config"
)

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available on PATH")
	}
	if _, err := exec.LookPath("npm"); err != nil {
		t.Skip("npm not available on PATH")
	}
}

func TestNodeRuntimeExecuteNoPackages(t *testing.T) {
	requireNode(t)

	rt := NewNodeRuntime(config.RuntimeConfig{
		Name:           "node",
		Kind:           config.RuntimeNodeNpm,
		ResourceLimits: config.ResourceLimits{TimeoutSeconds: 10},
	})
	require.NoError(t, rt.Validate(context.Background()))

	result, err := rt.Execute(context.Background(), `console.log("hi from node")`, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Stdout, "hi from node")
}

func TestNodeRuntimeValidateRejectsUnknownKind(t *testing.T) {
	rt := NewNodeRuntime(config.RuntimeConfig{Name: "node", Kind: "node-deno"})
	require.Error(t, rt.Validate(context.Background()))
}
