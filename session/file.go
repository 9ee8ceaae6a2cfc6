package session

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/keks/framefs"
)

// File is an open file of a session with positional io. The cursor of
// the underlying handle is left alone.
type File struct {
	ctx  context.Context
	s    *Session
	path string
	h    framefs.Handle
}

var _ framefs.ReadWriterAt = (*File)(nil)

// OpenFile opens path, creating it if needed. ctx is used for every
// transfer made through the file.
func (s *Session) OpenFile(ctx context.Context, path string) (*File, error) {
	h, err := s.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{ctx: ctx, s: s, path: path, h: h}, nil
}

// Name returns the path of the file.
func (f *File) Name() string {
	return f.path
}

// Size returns the length of the file.
func (f *File) Size() (int64, error) {
	_, length, err := f.s.Tell(f.h)
	return int64(length), err
}

// Close closes the handle.
func (f *File) Close() error {
	return f.s.Close(f.h)
}

func (f *File) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, io.EOF
	}

	n, err := f.s.ReadAt(f.ctx, f.h, dst, uint32(off))
	if errors.Is(err, framefs.ErrSeekRange) {
		return 0, io.EOF
	}
	if err != nil {
		return n, err
	}
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(data []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, framefs.ErrSeekRange
	}
	return f.s.WriteAt(f.ctx, f.h, data, uint32(off))
}
