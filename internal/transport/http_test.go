package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T, onCall func(method string) (json.RawMessage, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		method, _ := req["method"].(string)
		result, status := onCall(method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": json.RawMessage(result)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPTransportStartAndCall(t *testing.T) {
	srv := newEchoServer(t, func(method string) (json.RawMessage, int) {
		return json.RawMessage(`{"ok":true}`), http.StatusOK
	})
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	assert.True(t, tr.IsHealthy())

	result, err := tr.Call(ctx, "tools/call", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestHTTPTransportRetriesIdempotentMethod(t *testing.T) {
	attempts := 0
	srv := newEchoServer(t, func(method string) (json.RawMessage, int) {
		if method != "tools/list" {
			return json.RawMessage(`{}`), http.StatusOK
		}
		attempts++
		if attempts < 2 {
			return nil, http.StatusInternalServerError
		}
		return json.RawMessage(`{}`), http.StatusOK
	})
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, tr.Start(context.Background()))
	_, err := tr.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestHTTPTransportDoesNotRetryToolsCall(t *testing.T) {
	attempts := 0
	srv := newEchoServer(t, func(method string) (json.RawMessage, int) {
		if method != "tools/call" {
			return json.RawMessage(`{}`), http.StatusOK
		}
		attempts++
		return nil, http.StatusInternalServerError
	})
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, tr.Start(context.Background()))
	_, err := tr.Call(context.Background(), "tools/call", map[string]any{"name": "x"})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestHTTPTransportClose(t *testing.T) {
	tr := NewHTTPTransport(HTTPOptions{Endpoint: "http://127.0.0.1:0"})
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
	assert.False(t, tr.IsHealthy())
}

func TestHTTPTransportCallRejectedAfterClose(t *testing.T) {
	srv := newEchoServer(t, func(method string) (json.RawMessage, int) {
		return json.RawMessage(`{}`), http.StatusOK
	})
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Close())

	_, err := tr.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)

	err = tr.Notify(context.Background(), "notifications/initialized", nil)
	require.Error(t, err)
}

func TestHTTPTransportCallRejectedBeforeStart(t *testing.T) {
	tr := NewHTTPTransport(HTTPOptions{Endpoint: "http://127.0.0.1:0"})
	_, err := tr.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
}
