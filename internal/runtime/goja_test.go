package runtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfront/gateway/internal/config"
)

func TestGojaRuntimeExecuteSetsOutput(t *testing.T) {
	rt := NewGojaRuntime(config.RuntimeConfig{
		Name: "scripts",
		Kind: config.RuntimeNodeGoja,
		ResourceLimits: config.ResourceLimits{
			TimeoutSeconds: 5,
		},
	})

	require.NoError(t, rt.Validate(context.Background()))

	input, _ := json.Marshal(map[string]any{"x": 2, "y": 3})
	result, err := rt.Execute(context.Background(), `var output = input.x + input.y;`, input)
	require.NoError(t, err)
	assert.True(t, result.Success)

	var got float64
	require.NoError(t, json.Unmarshal(result.OutputValue, &got))
	assert.Equal(t, float64(5), got)
}

func TestGojaRuntimeExecuteSyntaxErrorFails(t *testing.T) {
	rt := NewGojaRuntime(config.RuntimeConfig{Name: "scripts", ResourceLimits: config.ResourceLimits{TimeoutSeconds: 5}})
	_, err := rt.Execute(context.Background(), `var output = (((`, nil)
	require.Error(t, err)
}

func TestGojaRuntimeExecuteRuntimeErrorFails(t *testing.T) {
	rt := NewGojaRuntime(config.RuntimeConfig{Name: "scripts", ResourceLimits: config.ResourceLimits{TimeoutSeconds: 5}})
	_, err := rt.Execute(context.Background(), `throw new Error("boom");`, nil)
	require.Error(t, err)
}

func TestGojaRuntimeExecuteTimesOut(t *testing.T) {
	rt := NewGojaRuntime(config.RuntimeConfig{Name: "scripts", ResourceLimits: config.ResourceLimits{TimeoutSeconds: 1}})
	_, err := rt.Execute(context.Background(), `while (true) {}`, nil)
	require.Error(t, err)
}
