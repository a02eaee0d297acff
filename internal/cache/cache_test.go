package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }

func TestTTLCacheExpires(t *testing.T) {
	clk := &fakeNow{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTLCache[string, int](WithNow(clk.now))

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.t = clk.t.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheBoundedSize(t *testing.T) {
	c := NewTTLCache[int, int](WithMaxSize(2))
	c.Set(1, 1, time.Hour)
	c.Set(2, 2, time.Hour)
	c.Set(3, 3, time.Hour)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(3)
	assert.True(t, ok)
}

func TestDeviceAuthCache(t *testing.T) {
	c := NewDeviceAuthCache(time.Minute)

	_, ok := c.Verified("abcdef12", "secret")
	assert.False(t, ok)

	c.Remember("abcdef12", "secret", "free")
	tier, ok := c.Verified("abcdef12", "secret")
	assert.True(t, ok)
	assert.Equal(t, "free", tier)

	_, ok = c.Verified("abcdef12", "other")
	assert.False(t, ok)

	c.Remember("abcdef12", "rotated", "free")
	c.Remember("99999999", "secret", "pro")

	c.Forget("ABCDEF12")
	_, ok = c.Verified("abcdef12", "secret")
	assert.False(t, ok)
	_, ok = c.Verified("abcdef12", "rotated")
	assert.False(t, ok)

	tier, ok = c.Verified("99999999", "secret")
	assert.True(t, ok)
	assert.Equal(t, "pro", tier)
}

func TestTTLCacheDeleteFunc(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Hour)
	c.Set("b", 2, time.Hour)
	c.Set("c", 3, time.Hour)

	removed := c.DeleteFunc(func(v int) bool { return v%2 == 1 })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}
