package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyCache_HitAndExpiry(t *testing.T) {
	now := time.Now()
	c := NewIdempotencyCache(60 * time.Second)
	c.now = func() time.Time { return now }

	_, ok := c.Get("key-1")
	assert.False(t, ok)

	c.Put("key-1", []byte(`{"success":true}`))

	got, ok := c.Get("key-1")
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"success":true}`), got)

	// Past the TTL the entry is gone
	now = now.Add(61 * time.Second)
	_, ok = c.Get("key-1")
	assert.False(t, ok)
}

func TestIdempotencyCache_EmptyKeyIgnored(t *testing.T) {
	c := NewIdempotencyCache(time.Minute)
	c.Put("", []byte("x"))
	_, ok := c.Get("")
	assert.False(t, ok)
}

func TestIdempotencyCache_Sweep(t *testing.T) {
	now := time.Now()
	c := NewIdempotencyCache(time.Second)
	c.now = func() time.Time { return now }

	c.Put("a", nil)
	c.Put("b", nil)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Sweep())
}

func TestCooldownTracker_BlocksRepeatsWithinWindow(t *testing.T) {
	now := time.Now()
	tr := NewCooldownTracker(5 * time.Minute)
	tr.now = func() time.Time { return now }

	assert.True(t, tr.Allow("sub-1", "BTCUSDT"))
	assert.False(t, tr.Allow("sub-1", "BTCUSDT"))

	// Different symbol and subscription are independent
	assert.True(t, tr.Allow("sub-1", "ETHUSDT"))
	assert.True(t, tr.Allow("sub-2", "BTCUSDT"))

	// Rejection does not refresh the window
	now = now.Add(4 * time.Minute)
	assert.False(t, tr.Allow("sub-1", "BTCUSDT"))
	now = now.Add(time.Minute + time.Second)
	assert.True(t, tr.Allow("sub-1", "BTCUSDT"))
}

func TestCooldownTracker_Clear(t *testing.T) {
	tr := NewCooldownTracker(5 * time.Minute)

	assert.True(t, tr.Allow("sub-1", "BTCUSDT"))
	assert.False(t, tr.Allow("sub-1", "BTCUSDT"))

	tr.Clear("sub-1", "BTCUSDT")
	assert.True(t, tr.Allow("sub-1", "BTCUSDT"))
}
