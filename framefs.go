package framefs // import "github.com/keks/framefs"

import (
	"io"
)

// Basic Types

// ReadWriterAt is both a ReaderAt and a WriterAt.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Bus Layer

// Register is the packed control word exchanged with the bus.
type Register uint64

// Bus is the only I/O primitive of the device. Transfer submits a
// request register together with a frame buffer and returns the
// response register. For reads the device fills frame; for writes it
// consumes it. A non-nil error means the transport itself failed.
type Bus interface {
	Transfer(reg Register, frame []byte) (Register, error)
}

// StateProber is implemented by buses that can tell whether a previous
// session left persisted state behind.
type StateProber interface {
	HasState() bool
}

// ChecksumFunc computes the checksum of a whole frame.
type ChecksumFunc func(frame []byte) uint32

// Frame Layer

// FrameID identifies frames on the device.
type FrameID uint16

// MetaFrame holds the persisted file table. It is never handed out to a file.
const MetaFrame FrameID = 0

// MaxFrameID is the largest frame id the control word can address.
const MaxFrameID = FrameID(^uint16(0))

// File Layer

// Handle identifies an open or previously opened file for the
// duration of a session.
type Handle uint16

// Status is the open state of a file.
type Status uint8

const (
	// StatusClosed means the file is tracked but not open.
	StatusClosed Status = iota
	// StatusOpen means the file accepts reads, writes and seeks.
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
