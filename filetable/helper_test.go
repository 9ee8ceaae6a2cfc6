package filetable

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/keks/framefs"
	"github.com/keks/framefs/cache"
	"github.com/stretchr/testify/require"
)

// testPathLength is the path length used unless a test sets its own.
const testPathLength = 8

// memFrames is a FrameIO that keeps frames in a map and counts transfers.
type memFrames struct {
	frameSize int
	frames    map[framefs.FrameID][]byte

	reads, writes int

	// failAt makes the transfer with this sequence number fail. Zero
	// disables failures.
	failAt int
	calls  int
}

func newMemFrames(frameSize int) *memFrames {
	return &memFrames{
		frameSize: frameSize,
		frames:    make(map[framefs.FrameID][]byte),
	}
}

func (m *memFrames) transfer(id framefs.FrameID, buf []byte) error {
	m.calls++
	if m.failAt != 0 && m.calls == m.failAt {
		return fmt.Errorf("frame %d: %w", id, framefs.ErrDeviceFailure)
	}
	if len(buf) != m.frameSize {
		return fmt.Errorf("frame %d: buffer is %d bytes", id, len(buf))
	}
	if id == framefs.MetaFrame {
		return fmt.Errorf("frame %d is reserved", id)
	}
	return nil
}

func (m *memFrames) ReadFrame(_ context.Context, id framefs.FrameID, buf []byte) error {
	if err := m.transfer(id, buf); err != nil {
		return err
	}

	m.reads++
	if data, ok := m.frames[id]; ok {
		copy(buf, data)
	} else {
		clear(buf)
	}
	return nil
}

func (m *memFrames) WriteFrame(_ context.Context, id framefs.FrameID, buf []byte) error {
	if err := m.transfer(id, buf); err != nil {
		return err
	}

	m.writes++
	m.frames[id] = append([]byte(nil), buf...)
	return nil
}

type testEnv struct {
	table   *Table
	mem     *memFrames
	cache   *cache.Cache
	handles map[string]framefs.Handle
}

func newTestEnv(t *testing.T, cacheCapacity int, cfg Config) *testEnv {
	if cfg.FrameSize == 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = testPathLength
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(7, 11))
	}

	c := cache.New()
	require.NoError(t, c.SetCapacity(cacheCapacity))
	require.NoError(t, c.Init(cfg.FrameSize))

	mem := newMemFrames(cfg.FrameSize)
	table, err := New(mem, c, cfg)
	require.NoError(t, err)

	return &testEnv{
		table:   table,
		mem:     mem,
		cache:   c,
		handles: make(map[string]framefs.Handle),
	}
}

func fill(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func cat(parts ...[]byte) []byte {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}
