// Package filetable maps flat file paths to ordered lists of frames and
// implements open, close, read, write and seek on top of a frame
// transport and a frame cache.
//
// The table is not safe for concurrent use.
package filetable

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/keks/framefs"
	"github.com/keks/framefs/cache"
)

// Default limits.
const (
	DefaultFrameSize     = 1024
	DefaultMaxFiles      = 1024
	DefaultMaxPathLength = 128
	DefaultMaxFrames     = int(framefs.MaxFrameID)
)

// FrameIO moves whole frames to and from the device.
type FrameIO interface {
	ReadFrame(ctx context.Context, id framefs.FrameID, buf []byte) error
	WriteFrame(ctx context.Context, id framefs.FrameID, buf []byte) error
}

// Config holds the table limits. Zero values are replaced by the defaults.
type Config struct {
	FrameSize     int
	MaxFiles      int
	MaxPathLength int

	// MaxFrames is the highest frame id handed out to files.
	MaxFrames int

	// FillOnRead puts frames fetched from the device by Read into the cache.
	FillOnRead bool

	// Rand rolls file handles. Defaults to a randomly seeded source.
	Rand *rand.Rand
}

func (cfg *Config) setDefaults() {
	if cfg.FrameSize == 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = DefaultMaxPathLength
	}
	if cfg.MaxFrames == 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
}

// Validate reports whether cfg, with the defaults applied, describes a
// usable table. One file of one frame must fit into the metadata frame.
func (cfg Config) Validate() error {
	cfg.setDefaults()
	return cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.FrameSize <= 0 {
		return fmt.Errorf("filetable: frame size must be positive, got %d", cfg.FrameSize)
	}
	if cfg.MaxFiles < 1 || cfg.MaxFiles > math.MaxUint16 {
		return fmt.Errorf("filetable: max files must be in [1, %d], got %d", math.MaxUint16, cfg.MaxFiles)
	}
	if cfg.MaxPathLength < 1 {
		return fmt.Errorf("filetable: max path length must be positive, got %d", cfg.MaxPathLength)
	}
	if cfg.MaxFrames < 1 || cfg.MaxFrames > int(framefs.MaxFrameID) {
		return fmt.Errorf("filetable: max frames must be in [1, %d], got %d", framefs.MaxFrameID, cfg.MaxFrames)
	}
	if need := metaCountSize + metaEntrySize(cfg.MaxPathLength, 1); need > cfg.FrameSize {
		return fmt.Errorf("filetable: frame size %d cannot hold the metadata of one file with max path length %d (%d bytes)",
			cfg.FrameSize, cfg.MaxPathLength, need)
	}
	return nil
}

// Entry is the state kept for one file.
type Entry struct {
	Path   string
	Handle framefs.Handle
	Length uint32
	Status framefs.Status
	Seek   uint32
	Frames []framefs.FrameID
}

func (e *Entry) clone() Entry {
	c := *e
	c.Frames = append([]framefs.FrameID(nil), e.Frames...)
	return c
}

// Table is the file table of one session.
type Table struct {
	cfg   Config
	io    FrameIO
	cache *cache.Cache

	entries []*Entry
	frames  frameAllocator

	// scratch receives frames read from the device, splice assembles
	// frames before they are written.
	scratch []byte
	splice  []byte
}

// New returns an empty table that transfers frames through io and
// caches them in c. c must be initialized with the same frame size.
func New(io FrameIO, c *cache.Cache, cfg Config) (*Table, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Table{
		cfg:     cfg,
		io:      io,
		cache:   c,
		frames:  newFrameAllocator(cfg.MaxFrames),
		scratch: make([]byte, cfg.FrameSize),
		splice:  make([]byte, cfg.FrameSize),
	}, nil
}

// FrameSize returns the frame size the table was configured with.
func (t *Table) FrameSize() int {
	return t.cfg.FrameSize
}

// Len returns the number of tracked files.
func (t *Table) Len() int {
	return len(t.entries)
}

// FramesUsed returns the number of frames handed out to files.
func (t *Table) FramesUsed() int {
	return t.frames.used()
}

// Entries returns a copy of every tracked entry in creation order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.clone()
	}
	return out
}

// Stat returns a copy of the entry for path.
func (t *Table) Stat(path string) (Entry, bool) {
	e := t.byPath(path)
	if e == nil {
		return Entry{}, false
	}
	return e.clone(), true
}

// Open returns the handle of path, creating the file if it is not
// tracked yet. Reopening a closed file resets its cursor to zero.
func (t *Table) Open(path string) (framefs.Handle, error) {
	if err := t.checkPath(path); err != nil {
		return 0, err
	}

	if e := t.byPath(path); e != nil {
		if e.Status == framefs.StatusClosed {
			e.Status = framefs.StatusOpen
			e.Seek = 0
		}
		return e.Handle, nil
	}

	if len(t.entries) >= t.cfg.MaxFiles {
		return 0, framefs.ErrTooManyFiles
	}
	if err := t.checkMeta(metaEntrySize(t.cfg.MaxPathLength, 1)); err != nil {
		return 0, err
	}

	frame, err := t.frames.allocate()
	if err != nil {
		return 0, err
	}

	e := &Entry{
		Path:   path,
		Handle: t.newHandle(),
		Status: framefs.StatusOpen,
		Frames: []framefs.FrameID{frame},
	}
	t.entries = append(t.entries, e)

	return e.Handle, nil
}

// Close marks the file as closed.
func (t *Table) Close(h framefs.Handle) error {
	e, err := t.open(h)
	if err != nil {
		return err
	}

	e.Status = framefs.StatusClosed
	return nil
}

// Seek moves the cursor to off, which may equal but not exceed the length.
func (t *Table) Seek(h framefs.Handle, off uint32) error {
	e, err := t.open(h)
	if err != nil {
		return err
	}
	if off > e.Length {
		return framefs.ErrSeekRange
	}

	e.Seek = off
	return nil
}

// Tell returns the cursor and length of the file.
func (t *Table) Tell(h framefs.Handle) (pos, length uint32, err error) {
	e, err := t.open(h)
	if err != nil {
		return 0, 0, err
	}
	return e.Seek, e.Length, nil
}

// Read reads up to len(p) bytes from the cursor and advances it. At
// the end of the file it returns 0 and no error. If the device fails
// part way, the bytes read so far are returned with the error.
func (t *Table) Read(ctx context.Context, h framefs.Handle, p []byte) (int, error) {
	e, err := t.open(h)
	if err != nil {
		return 0, err
	}

	count := len(p)
	if rest := int(e.Length - e.Seek); count > rest {
		count = rest
	}

	fs := t.cfg.FrameSize
	idx, off := int(e.Seek)/fs, int(e.Seek)%fs

	n := 0
	for n < count {
		var data []byte
		data, err = t.load(ctx, e.Frames[idx], t.cfg.FillOnRead)
		if err != nil {
			break
		}

		n += copy(p[n:count], data[off:])
		off = 0
		idx++
	}

	e.Seek += uint32(n)
	return n, err
}

// Write writes p at the cursor, extending the file as needed, and
// advances the cursor. Every touched frame is written through to the
// device and then to the cache. If the device fails part way, the
// bytes written so far are returned with the error. New frames are
// only added to the file once their transfer succeeded.
func (t *Table) Write(ctx context.Context, h framefs.Handle, p []byte) (int, error) {
	e, err := t.open(h)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := uint64(e.Seek) + uint64(len(p))
	if end > math.MaxUint32 {
		return 0, framefs.ErrFileTooLarge
	}
	if err := t.reserve(e, end); err != nil {
		return 0, err
	}

	fs := t.cfg.FrameSize
	idx, off := int(e.Seek)/fs, int(e.Seek)%fs

	n := 0
	for n < len(p) {
		var id framefs.FrameID
		if idx < len(e.Frames) {
			id = e.Frames[idx]
		} else if id, err = t.frames.allocate(); err != nil {
			break
		}
		chunk := min(fs-off, len(p)-n)

		if chunk < fs {
			// partial frame, keep the bytes around the written range
			var data []byte
			data, err = t.load(ctx, id, false)
			if err != nil {
				break
			}
			copy(t.splice, data)
		}
		copy(t.splice[off:], p[n:n+chunk])

		if err = t.io.WriteFrame(ctx, id, t.splice); err != nil {
			break
		}
		if idx == len(e.Frames) {
			e.Frames = append(e.Frames, id)
		}

		n += chunk
		e.Seek += uint32(chunk)
		if e.Seek > e.Length {
			e.Length = e.Seek
		}
		if err = t.cache.Put(id, t.splice); err != nil {
			break
		}
		off = 0
		idx++
	}

	return n, err
}

// ReadAt reads from off without moving the cursor. A short count
// without error means the end of the file was reached.
func (t *Table) ReadAt(ctx context.Context, h framefs.Handle, p []byte, off uint32) (int, error) {
	e, err := t.open(h)
	if err != nil {
		return 0, err
	}
	if off > e.Length {
		return 0, framefs.ErrSeekRange
	}

	pos := e.Seek
	e.Seek = off
	defer func() { e.Seek = pos }()

	return t.Read(ctx, h, p)
}

// WriteAt writes p at off without moving the cursor. Writing may
// extend the file but not leave a gap, so off must not exceed the
// length.
func (t *Table) WriteAt(ctx context.Context, h framefs.Handle, p []byte, off uint32) (int, error) {
	e, err := t.open(h)
	if err != nil {
		return 0, err
	}
	if off > e.Length {
		return 0, framefs.ErrSeekRange
	}

	pos := e.Seek
	e.Seek = off
	defer func() { e.Seek = pos }()

	return t.Write(ctx, h, p)
}

// load returns the contents of frame id, from the cache if possible.
// The result is only valid until the next load or cache update.
func (t *Table) load(ctx context.Context, id framefs.FrameID, fill bool) ([]byte, error) {
	if data, ok := t.cache.Get(id); ok {
		return data, nil
	}

	if err := t.io.ReadFrame(ctx, id, t.scratch); err != nil {
		return nil, err
	}
	if fill {
		if err := t.cache.Put(id, t.scratch); err != nil {
			return nil, err
		}
	}

	return t.scratch, nil
}

// reserve checks that e can grow to span end bytes: the frames must be
// available and the grown table must still fit into the metadata frame.
func (t *Table) reserve(e *Entry, end uint64) error {
	fs := uint64(t.cfg.FrameSize)
	need := int((end+fs-1)/fs) - len(e.Frames)
	if need <= 0 {
		return nil
	}

	if t.frames.available() < need {
		return framefs.ErrFramesExhausted
	}
	return t.checkMeta(need * metaFrameSize)
}

// checkMeta fails with ErrMetadataOverflow if the table would no longer
// fit into the metadata frame after growing by extra bytes.
func (t *Table) checkMeta(extra int) error {
	if size := t.MetaSize() + extra; size > t.cfg.FrameSize {
		return fmt.Errorf("%w: need %d bytes, frame has %d", framefs.ErrMetadataOverflow, size, t.cfg.FrameSize)
	}
	return nil
}

func (t *Table) open(h framefs.Handle) (*Entry, error) {
	e := t.byHandle(h)
	if e == nil {
		return nil, framefs.ErrUnknownHandle
	}
	if e.Status != framefs.StatusOpen {
		return nil, framefs.ErrFileClosed
	}
	return e, nil
}

func (t *Table) byPath(path string) *Entry {
	for _, e := range t.entries {
		if e.Path == path {
			return e
		}
	}
	return nil
}

func (t *Table) byHandle(h framefs.Handle) *Entry {
	for _, e := range t.entries {
		if e.Handle == h {
			return e
		}
	}
	return nil
}

func (t *Table) newHandle() framefs.Handle {
	for {
		h := framefs.Handle(t.cfg.Rand.Uint32())
		if t.byHandle(h) == nil {
			return h
		}
	}
}

func (t *Table) checkPath(path string) error {
	if path == "" || len(path) > t.cfg.MaxPathLength {
		return fmt.Errorf("%w: %q", framefs.ErrInvalidPath, path)
	}
	for i := 0; i < len(path); i++ {
		if path[i] == 0 {
			return fmt.Errorf("%w: %q contains NUL", framefs.ErrInvalidPath, path)
		}
	}
	return nil
}
