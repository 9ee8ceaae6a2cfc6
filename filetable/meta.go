package filetable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/keks/framefs"
)

// Metadata frame layout, little endian:
//
//	count:2
//	count times: path:P handle:2 length:4 frames:2 ids:2*frames
//
// P is the configured maximum path length. Paths are NUL padded and
// the rest of the frame is zero filled.
const (
	metaCountSize  = 2
	metaHandleSize = 2
	metaLengthSize = 4
	metaFramesSize = 2
	metaFrameSize  = 2
)

func metaEntrySize(pathSize, frames int) int {
	return pathSize + metaHandleSize + metaLengthSize + metaFramesSize + frames*metaFrameSize
}

// MetaSize returns the number of bytes the table occupies in the metadata frame.
func (t *Table) MetaSize() int {
	n := metaCountSize
	for _, e := range t.entries {
		n += metaEntrySize(t.cfg.MaxPathLength, len(e.Frames))
	}
	return n
}

// EncodeMeta serializes the table into buf, which must be exactly one
// frame long. Status and cursor are not recorded.
func (t *Table) EncodeMeta(buf []byte) error {
	if len(buf) != t.cfg.FrameSize {
		return fmt.Errorf("filetable: metadata buffer is %d bytes, want %d", len(buf), t.cfg.FrameSize)
	}
	if size := t.MetaSize(); size > len(buf) {
		return fmt.Errorf("%w: need %d bytes, frame has %d", framefs.ErrMetadataOverflow, size, len(buf))
	}

	ps := t.cfg.MaxPathLength
	binary.LittleEndian.PutUint16(buf, uint16(len(t.entries)))
	off := metaCountSize

	for _, e := range t.entries {
		field := buf[off : off+ps]
		clear(field)
		copy(field, e.Path)
		off += ps

		binary.LittleEndian.PutUint16(buf[off:], uint16(e.Handle))
		off += metaHandleSize

		binary.LittleEndian.PutUint32(buf[off:], e.Length)
		off += metaLengthSize

		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Frames)))
		off += metaFramesSize

		for _, id := range e.Frames {
			binary.LittleEndian.PutUint16(buf[off:], uint16(id))
			off += metaFrameSize
		}
	}

	clear(buf[off:])
	return nil
}

// DecodeMeta replaces the contents of an empty table with the entries
// stored in buf. Every restored file is closed with its cursor at zero,
// and frame allocation resumes after the highest restored frame id.
func (t *Table) DecodeMeta(buf []byte) error {
	if len(t.entries) != 0 {
		return fmt.Errorf("filetable: cannot restore into a table with %d files", len(t.entries))
	}

	entries, err := decodeMeta(buf, t.cfg.MaxPathLength)
	if err != nil {
		return err
	}
	if len(entries) > t.cfg.MaxFiles {
		return fmt.Errorf("%w: %d files, limit is %d", framefs.ErrCorruptMetadata, len(entries), t.cfg.MaxFiles)
	}

	var (
		paths   = make(map[string]bool, len(entries))
		handles = make(map[framefs.Handle]bool, len(entries))
		frames  = make(map[framefs.FrameID]bool)
		highest framefs.FrameID
	)

	for _, e := range entries {
		if err := t.checkPath(e.Path); err != nil {
			return fmt.Errorf("%w: %v", framefs.ErrCorruptMetadata, err)
		}
		if paths[e.Path] || handles[e.Handle] {
			return fmt.Errorf("%w: duplicate file %q", framefs.ErrCorruptMetadata, e.Path)
		}
		paths[e.Path], handles[e.Handle] = true, true

		if uint64(len(e.Frames))*uint64(t.cfg.FrameSize) < uint64(e.Length) {
			return fmt.Errorf("%w: %q has %d bytes in %d frames", framefs.ErrCorruptMetadata, e.Path, e.Length, len(e.Frames))
		}
		for _, id := range e.Frames {
			if id == framefs.MetaFrame || int(id) > t.cfg.MaxFrames || frames[id] {
				return fmt.Errorf("%w: %q uses frame %d", framefs.ErrCorruptMetadata, e.Path, id)
			}
			frames[id] = true
			highest = max(highest, id)
		}
	}

	for i := range entries {
		t.entries = append(t.entries, &entries[i])
	}
	t.frames.resume(highest)

	return nil
}

func decodeMeta(buf []byte, pathSize int) ([]Entry, error) {
	if len(buf) < metaCountSize {
		return nil, fmt.Errorf("%w: frame is %d bytes", framefs.ErrCorruptMetadata, len(buf))
	}

	count := int(binary.LittleEndian.Uint16(buf))
	off := metaCountSize
	entries := make([]Entry, 0, count)

	for i := 0; i < count; i++ {
		if off+metaEntrySize(pathSize, 0) > len(buf) {
			return nil, fmt.Errorf("%w: entry %d truncated", framefs.ErrCorruptMetadata, i)
		}

		field := buf[off : off+pathSize]
		if n := bytes.IndexByte(field, 0); n >= 0 {
			field = field[:n]
		}
		off += pathSize

		e := Entry{
			Path:   string(field),
			Status: framefs.StatusClosed,
		}

		e.Handle = framefs.Handle(binary.LittleEndian.Uint16(buf[off:]))
		off += metaHandleSize

		e.Length = binary.LittleEndian.Uint32(buf[off:])
		off += metaLengthSize

		frames := int(binary.LittleEndian.Uint16(buf[off:]))
		off += metaFramesSize

		if off+frames*metaFrameSize > len(buf) {
			return nil, fmt.Errorf("%w: frame list of entry %d truncated", framefs.ErrCorruptMetadata, i)
		}
		e.Frames = make([]framefs.FrameID, frames)
		for j := range e.Frames {
			e.Frames[j] = framefs.FrameID(binary.LittleEndian.Uint16(buf[off:]))
			off += metaFrameSize
		}

		entries = append(entries, e)
	}

	return entries, nil
}
