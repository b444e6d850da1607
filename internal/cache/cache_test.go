package cache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c := New(10, time.Hour, nil)

	c.Put("abc", json.RawMessage(`{"answer":42}`))

	resp, ok := c.Get("abc")
	require.True(t, ok)
	assert.JSONEq(t, `{"answer":42}`, string(resp))
}

func TestGet_Miss(t *testing.T) {
	c := New(10, time.Hour, nil)

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestGet_TTLBoundary(t *testing.T) {
	c := New(10, time.Hour, nil)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("abc", json.RawMessage(`{}`))

	// Just inside the TTL
	c.now = func() time.Time { return base.Add(time.Hour - time.Millisecond) }
	_, ok := c.Get("abc")
	assert.True(t, ok)

	// Just past the TTL
	c.now = func() time.Time { return base.Add(time.Hour + time.Millisecond) }
	_, ok = c.Get("abc")
	assert.False(t, ok)

	// The expired entry was deleted, not just skipped
	assert.Equal(t, 0, c.Len())
}

func TestPut_EvictsOldestAtCapacity(t *testing.T) {
	c := New(3, time.Hour, nil)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("key-%d", i), json.RawMessage(`{}`))
	}
	c.Put("key-3", json.RawMessage(`{}`))

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("key-0")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("key-3")
	assert.True(t, ok)
}

func TestPut_RefreshExisting(t *testing.T) {
	c := New(2, time.Hour, nil)

	c.Put("a", json.RawMessage(`{"v":1}`))
	c.Put("b", json.RawMessage(`{}`))
	c.Put("a", json.RawMessage(`{"v":2}`))

	// Refreshing "a" moved it to the back, so "b" is now the oldest
	c.Put("c", json.RawMessage(`{}`))

	resp, ok := c.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(resp))
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	c := New(10, time.Hour, nil)
	c.Put("a", json.RawMessage(`{}`))
	c.Put("b", json.RawMessage(`{}`))

	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}
