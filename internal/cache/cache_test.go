package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c := New[string](10, time.Minute, 0)
	defer c.Close()

	c.Put("a", "one")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	c.Put("a", "two")
	v, _ = c.Get("a")
	assert.Equal(t, "two", v)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New[int](10, 20*time.Millisecond, 0)
	defer c.Close()

	c.Put("k", 42)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must read as a miss without a sweeper")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")
}

func TestCapacityClearsWholeCache(t *testing.T) {
	c := New[int](3, time.Minute, 0)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	require.Equal(t, 3, c.Len())

	c.Put("overflow", 99)
	assert.Equal(t, 1, c.Len(), "admission under pressure clears everything first")
	_, ok := c.Get("overflow")
	assert.True(t, ok)
	_, ok = c.Get("k0")
	assert.False(t, ok)
}

func TestRemoveConsumesOnce(t *testing.T) {
	c := New[string](10, time.Minute, 0)
	defer c.Close()

	c.Put("once", "v")
	v, ok := c.Remove("once")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Remove("once")
	assert.False(t, ok, "second consume must miss")
	assert.Equal(t, 0, c.Len())
}

func TestSweeper(t *testing.T) {
	c := New[int](10, 10*time.Millisecond, 5*time.Millisecond)
	defer c.Close()

	c.Put("k", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseIdempotent(t *testing.T) {
	c := New[int](10, time.Minute, time.Millisecond)
	c.Close()
	c.Close()
}
