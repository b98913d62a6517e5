package ratelimit

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToMaxThenBlocksWithinWindow(t *testing.T) {
	l := New(2, time.Minute)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestLimiterResetsAfterWindow(t *testing.T) {
	l := New(1, 5*time.Millisecond)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	time.Sleep(10 * time.Millisecond)
	assert.True(t, l.Allow("k"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
}

func TestDisposeFreesBucket(t *testing.T) {
	l := New(1, time.Minute)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	l.Dispose("k")
	assert.True(t, l.Allow("k"))
}

func TestCheckWrites429WhenExceeded(t *testing.T) {
	l := New(0, time.Minute)
	w := httptest.NewRecorder()
	ok := l.Check("k", w)
	assert.False(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestBearerTokenValidator(t *testing.T) {
	v := NewBearerTokenValidator("secret-token")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	assert.True(t, v(req))

	req.Header.Set("Authorization", "Bearer wrong")
	assert.False(t, v(req))
}

func TestAPIKeyValidator(t *testing.T) {
	v := NewAPIKeyValidator("X-API-Key", "abc123")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "abc123")
	assert.True(t, v(req))
	req.Header.Set("X-API-Key", "wrong")
	assert.False(t, v(req))
}

func TestBasicAuthValidator(t *testing.T) {
	v := NewBasicAuthValidator("alice", "hunter2")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	creds := base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))
	req.Header.Set("Authorization", "Basic "+creds)
	assert.True(t, v(req))

	badCreds := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	req.Header.Set("Authorization", "Basic "+badCreds)
	assert.False(t, v(req))
}
