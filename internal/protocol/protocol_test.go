package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeToolResultJSONText(t *testing.T) {
	text := `{"ok":true}`
	result, err := NormalizeToolResult(ToolsCallResult{Content: []ContentItem{{Type: "text", Text: &text}}})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Error)
	assert.JSONEq(t, text, string(result.Data))
	assert.Equal(t, text, result.Text())
}

func TestNormalizeToolResultPlainText(t *testing.T) {
	text := "hello world"
	result, err := NormalizeToolResult(ToolsCallResult{Content: []ContentItem{{Type: "text", Text: &text}}})
	require.NoError(t, err)
	var decoded string
	require.NoError(t, json.Unmarshal(result.Data, &decoded))
	assert.Equal(t, text, decoded)
	assert.Equal(t, text, result.Text())
}

func TestNormalizeToolResultMultiBlockTextConcatenates(t *testing.T) {
	a, b, c := "hello ", "cruel ", "world"
	result, err := NormalizeToolResult(ToolsCallResult{Content: []ContentItem{
		{Type: "text", Text: &a},
		{Type: "text", Text: &b},
		{Type: "text", Text: &c},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hello cruel world", result.Text())
}

func TestNormalizeToolResultStructuredContentOnly(t *testing.T) {
	structured := json.RawMessage(`{"count":3}`)
	result, err := NormalizeToolResult(ToolsCallResult{StructuredContent: structured})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, string(structured), string(result.Data))
	assert.Equal(t, "", result.Text())
}

func TestNormalizeToolResultEmpty(t *testing.T) {
	_, err := NormalizeToolResult(ToolsCallResult{})
	assert.Error(t, err)
}

func TestNormalizeToolResultIsErrorPreserved(t *testing.T) {
	text := "boom"
	result, err := NormalizeToolResult(ToolsCallResult{IsError: true, Content: []ContentItem{{Type: "text", Text: &text}}})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "boom", *result.Error)
}

func TestDecodeToolsCallResultRoundTrip(t *testing.T) {
	text := `[1,2,3]`
	raw, err := json.Marshal(ToolsCallResult{Content: []ContentItem{{Type: "text", Text: &text}}})
	require.NoError(t, err)
	result, err := DecodeToolsCallResult(raw)
	require.NoError(t, err)
	assert.JSONEq(t, text, string(result.Data))
}

func TestSuccessResultTextConcatenatesContent(t *testing.T) {
	a, b := "foo", "bar"
	result := SuccessResult(nil, []ContentItem{{Type: "text", Text: &a}, {Type: "text", Text: &b}})
	assert.True(t, result.Success)
	assert.Nil(t, result.Error)
	assert.Equal(t, "foobar", result.Text())
}

func TestErrorResultSetsErrorAndClearsSuccess(t *testing.T) {
	result := ErrorResult("nope")
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "nope", *result.Error)
}

func TestRPCErrorMessage(t *testing.T) {
	e := &RPCError{Code: MethodNotFound, Message: "no such method"}
	assert.Contains(t, e.Error(), "no such method")
	assert.Contains(t, e.Error(), "-32601")
}
