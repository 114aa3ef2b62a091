package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSETransportForwardsNotifications(t *testing.T) {
	postSrv := newEchoServer(t, func(method string) (json.RawMessage, int) {
		return json.RawMessage(`{}`), http.StatusOK
	})
	defer postSrv.Close()

	streamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: notification\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer streamSrv.Close()

	var mu sync.Mutex
	var seen []string
	tr := NewSSETransport(SSEOptions{StreamURL: streamSrv.URL, PostURL: postSrv.URL}, func(method string, _ json.RawMessage) {
		mu.Lock()
		seen = append(seen, method)
		mu.Unlock()
	})
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, seen, "notifications/tools/list_changed")
	mu.Unlock()
}

// TestSSETransportDeliversResponseViaStream exercises the path where the
// companion POST only acks the request (202, empty body) and the real
// JSON-RPC response arrives later as a `message` event on the GET stream,
// routed back to the waiting Call by id.
func TestSSETransportDeliversResponseViaStream(t *testing.T) {
	type pendingMessage struct {
		id   uint64
		body string
	}
	messages := make(chan pendingMessage, 4)

	postSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		method, _ := req["method"].(string)
		idFloat, _ := req["id"].(float64)
		id := uint64(idFloat)

		if method == "initialize" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}})
			return
		}

		messages <- pendingMessage{id: id, body: `{"foo":"bar"}`}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer postSrv.Close()

	streamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-messages:
				fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":%s}\n\n", msg.id, msg.body)
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}))
	defer streamSrv.Close()

	tr := NewSSETransport(SSEOptions{StreamURL: streamSrv.URL, PostURL: postSrv.URL}, nil)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	result, err := tr.Call(ctx, "tools/call", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":"bar"}`, string(result))
}

func TestSSETransportCallRejectedBeforeStart(t *testing.T) {
	tr := NewSSETransport(SSEOptions{StreamURL: "http://127.0.0.1:0", PostURL: "http://127.0.0.1:0"}, nil)
	_, err := tr.Call(context.Background(), "tools/call", nil)
	require.Error(t, err)
}
