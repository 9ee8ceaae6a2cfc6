package cache

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/keks/framefs"
	"github.com/stretchr/testify/require"
)

const testFrameSize = 64

func frameOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, testFrameSize)
}

func newCache(t *testing.T, capacity int) *Cache {
	c := New()
	require.NoError(t, c.SetCapacity(capacity))
	require.NoError(t, c.Init(testFrameSize))
	return c
}

func ages(c *Cache) map[framefs.FrameID]uint32 {
	m := make(map[framefs.FrameID]uint32)
	for _, s := range c.slots {
		m[s.frame] = s.age
	}
	return m
}

func TestPutGet(t *testing.T) {
	r := require.New(t)
	c := newCache(t, 4)

	_, ok := c.Get(1)
	r.False(ok)

	r.NoError(c.Put(1, frameOf(1)))
	data, ok := c.Get(1)
	r.True(ok)
	r.Equal(frameOf(1), data)

	// the cache keeps its own copy
	buf := frameOf(2)
	r.NoError(c.Put(2, buf))
	buf[0] = 0xff
	data, _ = c.Get(2)
	r.Equal(frameOf(2), data)

	r.NoError(c.Put(1, frameOf(3)))
	data, _ = c.Get(1)
	r.Equal(frameOf(3), data)
	r.Equal(2, c.Len())

	r.Equal(Stats{Hits: 3, Misses: 1, Inserts: 2, Overwrites: 1}, c.Stats())
}

func TestAging(t *testing.T) {
	r := require.New(t)
	c := newCache(t, 4)

	r.NoError(c.Put(1, frameOf(1)))
	r.NoError(c.Put(2, frameOf(2)))
	r.NoError(c.Put(3, frameOf(3)))
	r.Equal(map[framefs.FrameID]uint32{1: 2, 2: 1, 3: 0}, ages(c))

	// lookups do not touch ages
	c.Get(1)
	c.Get(2)
	c.Get(9)
	r.Equal(map[framefs.FrameID]uint32{1: 2, 2: 1, 3: 0}, ages(c))

	// a hit resets the frame and ages the rest
	r.NoError(c.Put(1, frameOf(1)))
	r.Equal(map[framefs.FrameID]uint32{1: 0, 2: 2, 3: 1}, ages(c))
}

func TestEviction(t *testing.T) {
	r := require.New(t)
	const capacity = 3
	c := newCache(t, capacity)

	for i := 1; i <= capacity; i++ {
		r.NoError(c.Put(framefs.FrameID(i), frameOf(byte(i))))
	}
	r.NoError(c.Put(1, frameOf(1)))

	// frame 2 is now the oldest
	r.NoError(c.Put(4, frameOf(4)))
	r.Equal(capacity, c.Len())

	_, ok := c.Get(2)
	r.False(ok)
	for _, id := range []framefs.FrameID{1, 3, 4} {
		data, ok := c.Get(id)
		r.True(ok, "frame %d", id)
		r.Equal(frameOf(byte(id)), data)
	}
	r.Equal(uint64(1), c.Stats().Evictions)
}

func TestEvictionTieBreak(t *testing.T) {
	r := require.New(t)
	c := newCache(t, 3)

	for i := 1; i <= 3; i++ {
		r.NoError(c.Put(framefs.FrameID(i), frameOf(byte(i))))
	}
	for i := range c.slots {
		c.slots[i].age = 5
	}

	r.NoError(c.Put(7, frameOf(7)))
	r.Equal(framefs.FrameID(7), c.slots[0].frame, "first of equally old slots is replaced")
	_, ok := c.Get(1)
	r.False(ok)
}

func TestZeroCapacity(t *testing.T) {
	r := require.New(t)
	c := newCache(t, 0)

	r.NoError(c.Put(1, frameOf(1)))
	_, ok := c.Get(1)
	r.False(ok)
	r.Zero(c.Len())
}

func TestLifecycle(t *testing.T) {
	r := require.New(t)
	c := New()
	r.Equal(DefaultCapacity, c.Capacity())

	r.ErrorIs(c.Put(1, frameOf(1)), framefs.ErrCacheClosed)
	r.ErrorIs(c.Close(), framefs.ErrCacheClosed)

	r.NoError(c.SetCapacity(2))
	r.NoError(c.Init(testFrameSize))
	r.ErrorIs(c.SetCapacity(8), framefs.ErrCacheInitialized)
	r.ErrorIs(c.Init(testFrameSize), framefs.ErrCacheInitialized)
	r.Equal(2, c.Capacity())

	r.Error(c.Put(1, make([]byte, testFrameSize+1)))
	r.NoError(c.Put(1, frameOf(1)))

	r.NoError(c.Close())
	_, ok := c.Get(1)
	r.False(ok)
	r.ErrorIs(c.Put(1, frameOf(1)), framefs.ErrCacheClosed)

	r.NoError(c.SetCapacity(8))
	r.NoError(c.Init(testFrameSize))
	_, ok = c.Get(1)
	r.False(ok, "a reinitialized cache starts empty")
}

func TestRandomPutGet(t *testing.T) {
	const (
		frames = 20
		loops  = 10000
	)

	r := require.New(t)
	c := newCache(t, frames/2)
	rng := rand.New(rand.NewPCG(1, 2))
	shadow := make(map[framefs.FrameID][]byte)

	for i := 0; i < loops; i++ {
		id := framefs.FrameID(rng.IntN(frames))
		buf := make([]byte, testFrameSize)
		for j := range buf {
			buf[j] = byte(33 + rng.IntN(94))
		}
		shadow[id] = buf

		r.NoError(c.Put(id, buf))
		data, ok := c.Get(id)
		r.True(ok)
		r.Equal(shadow[id], data)
		r.LessOrEqual(c.Len(), frames/2)
	}

	for id, data := range shadow {
		if got, ok := c.Get(id); ok {
			r.Equal(data, got, "frame %d", id)
		}
	}
}
