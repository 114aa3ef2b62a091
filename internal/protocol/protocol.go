// Package protocol defines the JSON-RPC 2.0 wire types shared by every
// transport kind (stdio, http, sse) and the normalization logic that turns a
// raw tools/call response into the gateway's ToolResult shape.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP protocol version this gateway speaks during the
// initialize handshake.
const ProtocolVersion = "2024-11-05"

// Canonical JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a single JSON-RPC 2.0 request. ID is omitted for notifications.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id,omitempty"`
	Params  any    `json:"params,omitempty"`
}

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 message with no id, used both for outbound
// client notifications (notifications/initialized) and inbound server
// notifications (notifications/tools/list_changed).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements error.
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// ToolsCallResult is the `result` payload of a tools/call response.
type ToolsCallResult struct {
	Content           []ContentItem   `json:"content"`
	IsError           bool            `json:"isError"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// ContentItem is one element of a tools/call result's content array.
type ContentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text,omitempty"`
	MimeType *string `json:"mimeType,omitempty"`
}

func (c ContentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// ToolResult is the gateway-facing, normalized shape of a tool invocation
// outcome, per spec.md section 3: Success is the discriminant, Data carries
// a structured return value, Content is the ordered list of content blocks
// the upstream returned, and Error carries a human-readable message.
// Invariant: Success == false implies Error is set, and Success == true
// implies Error is nil.
type ToolResult struct {
	Success bool
	Data    json.RawMessage
	Content []ContentItem
	Error   *string
}

// Text projects Content by concatenating every block's text field in order,
// matching spec.md's round-trip law for ToolResult.text().
func (r ToolResult) Text() string {
	var sb strings.Builder
	for _, item := range r.Content {
		sb.WriteString(item.text())
	}
	return sb.String()
}

// SuccessResult builds a successful ToolResult.
func SuccessResult(data json.RawMessage, content []ContentItem) ToolResult {
	return ToolResult{Success: true, Data: data, Content: content}
}

// ErrorResult builds a failed ToolResult carrying message, satisfying the
// success=false ⇒ error-set invariant.
func ErrorResult(message string) ToolResult {
	return ToolResult{Success: false, Error: &message}
}

// DecodeToolsCallResult unmarshals and normalizes a raw tools/call result.
func DecodeToolsCallResult(raw json.RawMessage) (ToolResult, error) {
	var result ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolResult{}, err
	}
	return NormalizeToolResult(result)
}

// NormalizeToolResult turns a tools/call result into the gateway's
// ToolResult: a content array populates Content and, when no
// structuredContent was provided, Data falls back to the concatenated
// content text (parsed as JSON when valid, otherwise wrapped as a JSON
// string); a bare structuredContent with no content populates Data alone.
// isError on the upstream result maps to Success = false with Error set to
// the concatenated content text.
func NormalizeToolResult(result ToolsCallResult) (ToolResult, error) {
	if len(result.Content) == 0 && len(result.StructuredContent) == 0 {
		return ToolResult{}, errors.New("mcp: empty tools/call result")
	}

	tr := ToolResult{
		Success: !result.IsError,
		Content: result.Content,
		Data:    result.StructuredContent,
	}

	if len(tr.Data) == 0 && len(result.Content) > 0 {
		text := tr.Text()
		if json.Valid([]byte(text)) {
			tr.Data = append(json.RawMessage(nil), []byte(text)...)
		} else if marshaled, err := json.Marshal(text); err == nil {
			tr.Data = marshaled
		}
	}

	if result.IsError {
		msg := tr.Text()
		if msg == "" {
			msg = "tool call reported an error"
		}
		tr.Error = &msg
	}

	return tr, nil
}
