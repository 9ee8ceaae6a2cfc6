// Package cache implements a fixed capacity frame cache with
// age based eviction.
//
// Ages are only advanced by Put: every Put ages all other resident
// entries by one, and a hit or insert resets the touched entry to
// zero. Get is a pure lookup. Callers that want a read to count as a
// use have to Put the frame afterwards.
package cache

import (
	"fmt"

	"github.com/keks/framefs"
)

// DefaultCapacity is the number of frames cached when no capacity is set.
const DefaultCapacity = 1024

type slot struct {
	frame framefs.FrameID
	age   uint32
	data  []byte
}

// Stats counts cache activity.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Inserts    uint64
	Evictions  uint64
	Overwrites uint64
}

// Cache maps frame ids to the last contents put for them.
type Cache struct {
	capacity  int
	frameSize int
	init      bool

	slots []slot
	index map[framefs.FrameID]int

	stats Stats
}

// New returns an uninitialized cache with DefaultCapacity.
func New() *Cache {
	return &Cache{capacity: DefaultCapacity}
}

// SetCapacity sets the maximum number of cached frames. It must be
// called before Init.
func (c *Cache) SetCapacity(n int) error {
	if c.init {
		return framefs.ErrCacheInitialized
	}
	if n < 0 {
		return fmt.Errorf("cache: negative capacity %d", n)
	}

	c.capacity = n
	return nil
}

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Len returns the number of resident frames.
func (c *Cache) Len() int {
	return len(c.slots)
}

// Stats returns the activity counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Init prepares the cache for frames of frameSize bytes.
func (c *Cache) Init(frameSize int) error {
	if c.init {
		return framefs.ErrCacheInitialized
	}
	if frameSize <= 0 {
		return fmt.Errorf("cache: frame size must be positive, got %d", frameSize)
	}

	c.frameSize = frameSize
	c.slots = make([]slot, 0, c.capacity)
	c.index = make(map[framefs.FrameID]int, c.capacity)
	c.stats = Stats{}
	c.init = true
	return nil
}

// Close drops all entries. The cache can be initialized again afterwards.
func (c *Cache) Close() error {
	if !c.init {
		return framefs.ErrCacheClosed
	}

	c.slots = nil
	c.index = nil
	c.init = false
	return nil
}

// Get returns the cached contents of frame. The returned slice is
// owned by the cache and is only valid until the next Put.
func (c *Cache) Get(frame framefs.FrameID) ([]byte, bool) {
	if !c.init {
		return nil, false
	}

	i, ok := c.index[frame]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return c.slots[i].data, true
}

// Put stores a copy of data as the contents of frame, evicting the
// oldest entry if the cache is full.
func (c *Cache) Put(frame framefs.FrameID, data []byte) error {
	if !c.init {
		return framefs.ErrCacheClosed
	}
	if len(data) != c.frameSize {
		return fmt.Errorf("cache: frame is %d bytes, want %d", len(data), c.frameSize)
	}
	if c.capacity == 0 {
		return nil
	}

	hit, ok := c.index[frame]
	for i := range c.slots {
		if !ok || i != hit {
			c.slots[i].age++
		}
	}

	if ok {
		c.stats.Overwrites++
		c.fill(hit, frame, data)
		return nil
	}

	if len(c.slots) < c.capacity {
		c.slots = append(c.slots, slot{data: make([]byte, c.frameSize)})
		c.stats.Inserts++
		c.fill(len(c.slots)-1, frame, data)
		return nil
	}

	victim := 0
	for i := range c.slots {
		if c.slots[i].age > c.slots[victim].age {
			victim = i
		}
	}

	delete(c.index, c.slots[victim].frame)
	c.stats.Evictions++
	c.fill(victim, frame, data)
	return nil
}

func (c *Cache) fill(i int, frame framefs.FrameID, data []byte) {
	s := &c.slots[i]
	s.frame = frame
	s.age = 0
	copy(s.data, data)
	c.index[frame] = i
}
