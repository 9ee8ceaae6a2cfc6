// Package session ties a bus, the transfer protocol, the frame cache
// and the file table together and persists the table across power
// cycles in the metadata frame.
//
// A Session is safe for concurrent use. Every operation holds one lock
// for its whole duration.
package session

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/keks/framefs"
	"github.com/keks/framefs/cache"
	"github.com/keks/framefs/checksum"
	"github.com/keks/framefs/filetable"
	"github.com/keks/framefs/xfer"
)

// Options configures a Session.
type Options struct {
	// Table holds the file table limits, including the frame size.
	Table filetable.Config

	// CacheCapacity is the number of cached frames. Zero disables
	// the cache.
	CacheCapacity int

	// MaxRetries bounds repeated attempts per transfer. Zero retries
	// until the checksum verifies.
	MaxRetries int

	// Checksum must match the device. Defaults to checksum.Blake3.
	Checksum framefs.ChecksumFunc

	Logger *slog.Logger
}

// Stats combines the counters of the layers of a running session.
type Stats struct {
	Transfer xfer.Stats
	Cache    cache.Stats
	Files    int
	Frames   int
}

// Session is one power-on window of a device.
type Session struct {
	mu sync.Mutex

	bus    framefs.Bus
	opts   Options
	logger *slog.Logger

	// set between PowerOn and PowerOff
	transport *xfer.Transport
	cache     *cache.Cache
	table     *filetable.Table
}

// New returns a powered off session on bus.
func New(bus framefs.Bus, opts Options) (*Session, error) {
	if opts.Table.FrameSize == 0 {
		opts.Table.FrameSize = filetable.DefaultFrameSize
	}
	if err := opts.Table.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.CacheCapacity < 0 {
		return nil, fmt.Errorf("session: negative cache capacity %d", opts.CacheCapacity)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("session: negative retry budget %d", opts.MaxRetries)
	}
	if opts.Checksum == nil {
		opts.Checksum = checksum.Blake3
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Session{
		bus:    bus,
		opts:   opts,
		logger: logger.With("component", "session"),
	}, nil
}

// PowerOn initializes the device, the cache and an empty file table.
// If the bus reports state from an earlier session, the table is
// restored from the metadata frame with every file closed.
func (s *Session) PowerOn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table != nil {
		return framefs.ErrAlreadyPoweredOn
	}

	restore := false
	if prober, ok := s.bus.(framefs.StateProber); ok {
		restore = prober.HasState()
	}

	transport := xfer.New(s.bus, s.opts.Checksum, s.opts.Table.FrameSize)
	transport.MaxRetries = s.opts.MaxRetries

	if err := transport.Command(ctx, xfer.OpInit); err != nil {
		return fmt.Errorf("initializing device: %w", err)
	}

	c, table, err := s.setup(transport)
	if err == nil && restore {
		err = s.restore(ctx, transport, table)
	}
	if err != nil {
		if c != nil {
			c.Close()
		}
		if offErr := transport.Command(ctx, xfer.OpPowerOff); offErr != nil {
			s.logger.Warn("powering off after failed start", "error", offErr)
		}
		return err
	}

	s.transport, s.cache, s.table = transport, c, table
	s.logger.Info("powered on",
		"restored", restore,
		"files", table.Len(),
		"frame_size", table.FrameSize(),
		"cache_capacity", c.Capacity(),
	)
	return nil
}

func (s *Session) setup(transport *xfer.Transport) (*cache.Cache, *filetable.Table, error) {
	c := cache.New()
	if err := c.SetCapacity(s.opts.CacheCapacity); err != nil {
		return nil, nil, err
	}
	if err := c.Init(s.opts.Table.FrameSize); err != nil {
		return nil, nil, err
	}

	table, err := filetable.New(transport, c, s.opts.Table)
	if err != nil {
		return c, nil, err
	}
	return c, table, nil
}

func (s *Session) restore(ctx context.Context, transport *xfer.Transport, table *filetable.Table) error {
	buf := make([]byte, table.FrameSize())
	if err := transport.ReadFrame(ctx, framefs.MetaFrame, buf); err != nil {
		return fmt.Errorf("reading metadata frame: %w", err)
	}
	if err := table.DecodeMeta(buf); err != nil {
		return fmt.Errorf("restoring file table: %w", err)
	}
	return nil
}

// PowerOff writes the file table to the metadata frame, powers the
// device off and releases the cache. If the table cannot be written
// the session stays powered on.
func (s *Session) PowerOff(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return framefs.ErrNotPoweredOn
	}

	buf := make([]byte, s.table.FrameSize())
	if err := s.table.EncodeMeta(buf); err != nil {
		return err
	}
	if err := s.transport.WriteFrame(ctx, framefs.MetaFrame, buf); err != nil {
		return fmt.Errorf("writing metadata frame: %w", err)
	}
	if err := s.transport.Command(ctx, xfer.OpPowerOff); err != nil {
		return fmt.Errorf("powering off device: %w", err)
	}

	stats := s.stats()
	if err := s.cache.Close(); err != nil {
		return err
	}
	s.transport, s.cache, s.table = nil, nil, nil

	s.logger.Info("powered off",
		"files", stats.Files,
		"frames", stats.Frames,
		"transfers", stats.Transfer.Transfers,
		"retries", stats.Transfer.Retries,
		"cache_hits", stats.Cache.Hits,
	)
	return nil
}

// Format zeroes every frame of the device and empties the file table.
func (s *Session) Format(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return framefs.ErrNotPoweredOn
	}

	if err := s.transport.Command(ctx, xfer.OpZero); err != nil {
		return fmt.Errorf("zeroing device: %w", err)
	}

	// the old cache contents are stale now
	if err := s.cache.Close(); err != nil {
		return err
	}
	c, table, err := s.setup(s.transport)
	if err != nil {
		return err
	}
	s.cache, s.table = c, table

	s.logger.Info("formatted device")
	return nil
}

// PoweredOn reports whether the session is between PowerOn and PowerOff.
func (s *Session) PoweredOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table != nil
}

// FrameSize returns the configured frame size.
func (s *Session) FrameSize() int {
	return s.opts.Table.FrameSize
}

// Stats returns the counters of the running session.
func (s *Session) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return Stats{}, framefs.ErrNotPoweredOn
	}
	return s.stats(), nil
}

func (s *Session) stats() Stats {
	return Stats{
		Transfer: s.transport.Stats(),
		Cache:    s.cache.Stats(),
		Files:    s.table.Len(),
		Frames:   s.table.FramesUsed(),
	}
}

// do runs fn with the table while holding the lock.
func (s *Session) do(fn func(*filetable.Table) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return framefs.ErrNotPoweredOn
	}
	return fn(s.table)
}

// Open returns the handle of path, creating the file if needed.
func (s *Session) Open(path string) (h framefs.Handle, err error) {
	err = s.do(func(t *filetable.Table) error {
		h, err = t.Open(path)
		return err
	})
	return h, err
}

// Close closes the file.
func (s *Session) Close(h framefs.Handle) error {
	return s.do(func(t *filetable.Table) error {
		return t.Close(h)
	})
}

// Read reads from the cursor of the file.
func (s *Session) Read(ctx context.Context, h framefs.Handle, p []byte) (n int, err error) {
	err = s.do(func(t *filetable.Table) error {
		n, err = t.Read(ctx, h, p)
		return err
	})
	return n, err
}

// Write writes at the cursor of the file.
func (s *Session) Write(ctx context.Context, h framefs.Handle, p []byte) (n int, err error) {
	err = s.do(func(t *filetable.Table) error {
		n, err = t.Write(ctx, h, p)
		return err
	})
	return n, err
}

// ReadAt reads from off without moving the cursor.
func (s *Session) ReadAt(ctx context.Context, h framefs.Handle, p []byte, off uint32) (n int, err error) {
	err = s.do(func(t *filetable.Table) error {
		n, err = t.ReadAt(ctx, h, p, off)
		return err
	})
	return n, err
}

// WriteAt writes at off without moving the cursor.
func (s *Session) WriteAt(ctx context.Context, h framefs.Handle, p []byte, off uint32) (n int, err error) {
	err = s.do(func(t *filetable.Table) error {
		n, err = t.WriteAt(ctx, h, p, off)
		return err
	})
	return n, err
}

// Seek moves the cursor of the file.
func (s *Session) Seek(h framefs.Handle, off uint32) error {
	return s.do(func(t *filetable.Table) error {
		return t.Seek(h, off)
	})
}

// Tell returns the cursor and length of the file.
func (s *Session) Tell(h framefs.Handle) (pos, length uint32, err error) {
	err = s.do(func(t *filetable.Table) error {
		pos, length, err = t.Tell(h)
		return err
	})
	return pos, length, err
}

// Stat returns the entry of path. Unknown paths yield fs.ErrNotExist.
func (s *Session) Stat(path string) (e filetable.Entry, err error) {
	err = s.do(func(t *filetable.Table) error {
		var ok bool
		if e, ok = t.Stat(path); !ok {
			return fmt.Errorf("%w: %s", fs.ErrNotExist, path)
		}
		return nil
	})
	return e, err
}

// Entries returns every file in creation order.
func (s *Session) Entries() (entries []filetable.Entry, err error) {
	err = s.do(func(t *filetable.Table) error {
		entries = t.Entries()
		return nil
	})
	return entries, err
}
