package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotentHTTPRetrySequence(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, IdempotentHTTPRetry.At(0))
	assert.Equal(t, 500*time.Millisecond, IdempotentHTTPRetry.At(1))
	assert.Equal(t, 2500*time.Millisecond, IdempotentHTTPRetry.At(2))
	assert.Equal(t, 2500*time.Millisecond, IdempotentHTTPRetry.At(99), "clamps to the last entry")
}

func TestReconnectBackoffCaps(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, ReconnectBackoff(0))
	assert.Equal(t, 200*time.Millisecond, ReconnectBackoff(1))
	assert.Equal(t, 400*time.Millisecond, ReconnectBackoff(2))
	assert.Equal(t, 30*time.Second, ReconnectBackoff(20), "caps at 30s")
}

func TestIdempotentMethod(t *testing.T) {
	assert.True(t, IdempotentMethod("initialize"))
	assert.True(t, IdempotentMethod("tools/list"))
	assert.False(t, IdempotentMethod("tools/call"))
	assert.False(t, IdempotentMethod("notifications/initialized"))
}
