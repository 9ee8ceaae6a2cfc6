package filetable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/keks/framefs"
)

// File binds a handle to its table and implements the io interfaces.
// ReadAt and WriteAt leave the cursor where it was.
type File struct {
	ctx   context.Context
	table *Table
	path  string
	h     framefs.Handle
}

var _ framefs.ReadWriterAt = (*File)(nil)
var _ io.ReadWriteSeeker = (*File)(nil)

// OpenFile opens path and wraps the handle. ctx is used for every
// transfer made through the file.
func (t *Table) OpenFile(ctx context.Context, path string) (*File, error) {
	h, err := t.Open(path)
	if err != nil {
		return nil, err
	}

	return &File{
		ctx:   ctx,
		table: t,
		path:  path,
		h:     h,
	}, nil
}

// Name returns the path of the file.
func (f *File) Name() string {
	return f.path
}

// Handle returns the table handle of the file.
func (f *File) Handle() framefs.Handle {
	return f.h
}

// Size returns the length of the file.
func (f *File) Size() int64 {
	_, length, err := f.table.Tell(f.h)
	if err != nil {
		return 0
	}
	return int64(length)
}

// Close closes the handle.
func (f *File) Close() error {
	return f.table.Close(f.h)
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.table.Read(f.ctx, f.h, p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	return f.table.Write(f.ctx, f.h, p)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	pos, length, err := f.table.Tell(f.h)
	if err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += int64(pos)
	case io.SeekEnd:
		offset += int64(length)
	default:
		return 0, fmt.Errorf("filetable: invalid whence %d", whence)
	}

	if offset < 0 || offset > math.MaxUint32 {
		return 0, framefs.ErrSeekRange
	}
	if err := f.table.Seek(f.h, uint32(offset)); err != nil {
		return 0, err
	}

	return offset, nil
}

func (f *File) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, io.EOF
	}

	n, err := f.table.ReadAt(f.ctx, f.h, dst, uint32(off))
	if errors.Is(err, framefs.ErrSeekRange) {
		return 0, io.EOF
	}
	if err != nil {
		return n, err
	}

	// return EOF if the caller wanted to read beyond the end of the file
	if n < len(dst) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes data at off. Writing may extend the file but not
// leave a gap, so off must not exceed the current size.
func (f *File) WriteAt(data []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, framefs.ErrSeekRange
	}
	return f.table.WriteAt(f.ctx, f.h, data, uint32(off))
}
