package filetable

import "io"

// Reader reads sequentially from a positional reader, such as a File
// or a session file, without touching its cursor.
type Reader struct {
	ra  io.ReaderAt
	off int64
}

// NewReader returns a Reader that starts at off.
func NewReader(ra io.ReaderAt, off int64) *Reader {
	return &Reader{ra: ra, off: off}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ra.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

// Offset returns the position of the next read.
func (r *Reader) Offset() int64 { return r.off }

// Writer is the write side of Reader.
type Writer struct {
	wa  io.WriterAt
	off int64
}

// NewWriter returns a Writer that starts at off.
func NewWriter(wa io.WriterAt, off int64) *Writer {
	return &Writer{wa: wa, off: off}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.wa.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// Offset returns the position of the next write.
func (w *Writer) Offset() int64 { return w.off }
