package xfer

import (
	"context"
	"fmt"

	"github.com/keks/framefs"
)

// TransferError describes a transfer that could not be completed.
type TransferError struct {
	Op     Op
	Frame  framefs.FrameID
	Status Status
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s frame %d: %v (status %s)", e.Op, e.Frame, e.Err, e.Status)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Stats counts bus traffic.
type Stats struct {
	Transfers uint64 // bus calls, retries included
	Retries   uint64 // repeated calls after a checksum mismatch or rejection
	Failures  uint64 // hard failures
}

// Transport runs the verified transfer protocol over a bus.
type Transport struct {
	bus       framefs.Bus
	checksum  framefs.ChecksumFunc
	frameSize int

	// MaxRetries bounds the number of repeated attempts per transfer.
	// Zero means retry until the checksum verifies.
	MaxRetries int

	stats Stats
}

// New returns a transport for frames of frameSize bytes.
func New(bus framefs.Bus, checksum framefs.ChecksumFunc, frameSize int) *Transport {
	return &Transport{
		bus:       bus,
		checksum:  checksum,
		frameSize: frameSize,
	}
}

// FrameSize returns the size of the frames moved by t.
func (t *Transport) FrameSize() int {
	return t.frameSize
}

// Stats returns the traffic counters.
func (t *Transport) Stats() Stats {
	return t.stats
}

// Transfer moves one frame between buf and the device. Reads whose
// payload does not match the checksum in the response, and writes the
// device rejects for a bad checksum, are repeated until they succeed.
// ctx is checked between attempts.
func (t *Transport) Transfer(ctx context.Context, op Op, frame framefs.FrameID, buf []byte) error {
	if op != OpReadFrame && op != OpWriteFrame {
		return fmt.Errorf("xfer: %s is not a frame transfer", op)
	}
	if len(buf) != t.frameSize {
		return fmt.Errorf("xfer: frame buffer is %d bytes, want %d", len(buf), t.frameSize)
	}

	req := ControlWord{Op: op, Frame: frame}
	if op == OpWriteFrame {
		req.Arg = t.checksum(buf)
	}
	reg := Encode(req)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.MaxRetries > 0 && attempt > t.MaxRetries {
			return &TransferError{Op: op, Frame: frame, Status: StatusChecksumRejected, Err: framefs.ErrRetryBudget}
		}
		if attempt > 0 {
			t.stats.Retries++
		}

		resp, err := t.call(op, frame, reg, buf)
		if err != nil {
			return err
		}

		switch {
		case op == OpWriteFrame && resp.Status == StatusChecksumRejected:
			continue
		case resp.Status != StatusOK:
			t.stats.Failures++
			return &TransferError{Op: op, Frame: frame, Status: resp.Status, Err: framefs.ErrDeviceFailure}
		case op == OpReadFrame && resp.Arg != t.checksum(buf):
			continue
		}

		return nil
	}
}

// Command issues an operation that carries no frame payload.
func (t *Transport) Command(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := t.call(op, 0, Encode(ControlWord{Op: op}), nil)
	if err != nil {
		return err
	}
	if resp.Status != StatusOK {
		t.stats.Failures++
		return &TransferError{Op: op, Status: resp.Status, Err: framefs.ErrDeviceFailure}
	}

	return nil
}

// ReadFrame reads frame id into buf.
func (t *Transport) ReadFrame(ctx context.Context, id framefs.FrameID, buf []byte) error {
	return t.Transfer(ctx, OpReadFrame, id, buf)
}

// WriteFrame writes buf to frame id.
func (t *Transport) WriteFrame(ctx context.Context, id framefs.FrameID, buf []byte) error {
	return t.Transfer(ctx, OpWriteFrame, id, buf)
}

func (t *Transport) call(op Op, frame framefs.FrameID, reg framefs.Register, buf []byte) (ControlWord, error) {
	t.stats.Transfers++

	out, err := t.bus.Transfer(reg, buf)
	if err != nil {
		t.stats.Failures++
		return ControlWord{}, &TransferError{
			Op:     op,
			Frame:  frame,
			Status: StatusFailed,
			Err:    fmt.Errorf("%w: %w", framefs.ErrDeviceFailure, err),
		}
	}

	return Decode(out), nil
}
