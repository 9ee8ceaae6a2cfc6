// Package simbus implements a simulated frame storage device that
// speaks the control word protocol. Frames live in memory and can be
// persisted to an image file on power off. Faults can be injected to
// exercise the retry paths of a transport.
package simbus

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/keks/framefs"
	"github.com/keks/framefs/checksum"
	"github.com/keks/framefs/xfer"
)

var (
	// ErrImageLocked is returned when another device holds the image.
	ErrImageLocked = errors.New("simbus: image is locked")

	// ErrBadImage is returned when an image file cannot be parsed.
	ErrBadImage = errors.New("simbus: bad image")
)

// Options configures a Device.
type Options struct {
	FrameSize int

	// MaxFrames is the highest addressable frame id.
	MaxFrames int

	// Checksum must match the checksum used by the transport.
	// Defaults to checksum.Blake3.
	Checksum framefs.ChecksumFunc

	// Image is the path of the backing image. Empty keeps the frames
	// in memory only.
	Image       string
	Compression Compression

	// ReadCorruptRate is the probability that a read payload is
	// damaged after its checksum was computed.
	ReadCorruptRate float64

	// WriteRejectRate is the probability that a write is rejected
	// with a checksum status even though its checksum is valid.
	WriteRejectRate float64

	// Seed seeds the fault generator.
	Seed uint64

	Logger *slog.Logger
}

// Stats counts the requests a device served.
type Stats struct {
	Reads          uint64
	Writes         uint64
	CorruptedReads uint64
	RejectedWrites uint64
	Failures       uint64
}

// Device is a simulated frame storage device. It is safe for
// concurrent use.
type Device struct {
	mu sync.Mutex

	opts   Options
	logger *slog.Logger
	rng    *rand.Rand

	frames    map[framefs.FrameID][]byte
	powered   bool
	persisted bool
	failNext  int
	lock      *imageLock

	stats Stats
}

var (
	_ framefs.Bus         = (*Device)(nil)
	_ framefs.StateProber = (*Device)(nil)
)

// New returns a powered off device.
func New(opts Options) (*Device, error) {
	if opts.FrameSize <= 0 {
		return nil, fmt.Errorf("simbus: frame size must be positive, got %d", opts.FrameSize)
	}
	if opts.MaxFrames == 0 {
		opts.MaxFrames = int(framefs.MaxFrameID)
	}
	if opts.MaxFrames < 1 || opts.MaxFrames > int(framefs.MaxFrameID) {
		return nil, fmt.Errorf("simbus: max frames must be in [1, %d], got %d", framefs.MaxFrameID, opts.MaxFrames)
	}
	if opts.ReadCorruptRate < 0 || opts.ReadCorruptRate >= 1 {
		return nil, fmt.Errorf("simbus: read corrupt rate must be in [0, 1), got %v", opts.ReadCorruptRate)
	}
	if opts.WriteRejectRate < 0 || opts.WriteRejectRate >= 1 {
		return nil, fmt.Errorf("simbus: write reject rate must be in [0, 1), got %v", opts.WriteRejectRate)
	}
	if opts.Checksum == nil {
		opts.Checksum = checksum.Blake3
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Device{
		opts:   opts,
		logger: logger.With("component", "simbus"),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		frames: make(map[framefs.FrameID][]byte),
	}, nil
}

// HasState reports whether the device holds state from an earlier
// session: an image file exists, or the in-memory frames survived a
// power off.
func (d *Device) HasState() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.Image == "" {
		return d.persisted
	}
	_, err := os.Stat(d.opts.Image)
	return err == nil
}

// FailNext makes the next n transfers fail hard.
func (d *Device) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Stats returns the request counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Len returns the number of frames that were ever written.
func (d *Device) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

// Peek returns a copy of the stored contents of frame id.
func (d *Device) Peek(id framefs.FrameID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, d.opts.FrameSize)
	copy(out, d.frames[id])
	return out
}

// Transfer serves one request. Protocol level failures are reported
// in the status of the response; the error is only set when the
// backing image could not be loaded or stored.
func (d *Device) Transfer(reg framefs.Register, frame []byte) (framefs.Register, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := xfer.Decode(reg)
	resp := xfer.ControlWord{Op: req.Op, Frame: req.Frame}

	status, err := d.serve(req, frame, &resp)
	if status == xfer.StatusFailed {
		d.stats.Failures++
	}
	resp.Status = status
	return xfer.Encode(resp), err
}

func (d *Device) serve(req xfer.ControlWord, frame []byte, resp *xfer.ControlWord) (xfer.Status, error) {
	if d.failNext > 0 {
		d.failNext--
		return xfer.StatusFailed, nil
	}

	switch req.Op {
	case xfer.OpInit:
		if d.powered {
			return xfer.StatusFailed, nil
		}
		if err := d.powerOn(); err != nil {
			return xfer.StatusFailed, err
		}
		return xfer.StatusOK, nil

	case xfer.OpPowerOff:
		if !d.powered {
			return xfer.StatusFailed, nil
		}
		if err := d.powerOff(); err != nil {
			return xfer.StatusFailed, err
		}
		return xfer.StatusOK, nil

	case xfer.OpZero:
		if !d.powered {
			return xfer.StatusFailed, nil
		}
		clear(d.frames)
		d.logger.Info("device zeroed")
		return xfer.StatusOK, nil

	case xfer.OpReadFrame:
		if !d.frameRequest(req, frame) {
			return xfer.StatusFailed, nil
		}
		d.stats.Reads++

		if data, ok := d.frames[req.Frame]; ok {
			copy(frame, data)
		} else {
			clear(frame)
		}
		resp.Arg = d.opts.Checksum(frame)

		if d.roll(d.opts.ReadCorruptRate) {
			frame[d.rng.IntN(len(frame))] ^= 1 << d.rng.IntN(8)
			d.stats.CorruptedReads++
			d.logger.Debug("corrupted read", "frame", req.Frame)
		}
		return xfer.StatusOK, nil

	case xfer.OpWriteFrame:
		if !d.frameRequest(req, frame) {
			return xfer.StatusFailed, nil
		}
		d.stats.Writes++

		if d.opts.Checksum(frame) != req.Arg || d.roll(d.opts.WriteRejectRate) {
			d.stats.RejectedWrites++
			d.logger.Debug("rejected write", "frame", req.Frame)
			return xfer.StatusChecksumRejected, nil
		}
		d.frames[req.Frame] = bytes.Clone(frame)
		return xfer.StatusOK, nil

	default:
		return xfer.StatusFailed, nil
	}
}

func (d *Device) frameRequest(req xfer.ControlWord, frame []byte) bool {
	return d.powered &&
		int(req.Frame) <= d.opts.MaxFrames &&
		len(frame) == d.opts.FrameSize
}

func (d *Device) roll(rate float64) bool {
	return rate > 0 && d.rng.Float64() < rate
}

func (d *Device) powerOn() error {
	if d.opts.Image == "" {
		d.powered = true
		d.logger.Info("device powered on", "frames", len(d.frames))
		return nil
	}

	lock, err := lockImage(d.opts.Image)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(d.opts.Image)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		clear(d.frames)
	case err != nil:
		lock.release()
		return fmt.Errorf("reading image: %w", err)
	default:
		frames, err := decodeImage(data, d.opts.FrameSize, d.opts.MaxFrames)
		if err != nil {
			lock.release()
			return fmt.Errorf("loading %s: %w", d.opts.Image, err)
		}
		d.frames = frames
	}

	d.lock = lock
	d.powered = true
	d.logger.Info("device powered on", "image", d.opts.Image, "frames", len(d.frames))
	return nil
}

func (d *Device) powerOff() error {
	if d.opts.Image != "" {
		data, err := encodeImage(d.frames, d.opts.FrameSize, d.opts.Compression)
		if err != nil {
			return err
		}
		if err := writeImage(d.opts.Image, data); err != nil {
			return err
		}
		if err := d.lock.release(); err != nil {
			return err
		}
		d.lock = nil
	}

	d.powered = false
	d.persisted = true
	d.logger.Info("device powered off", "image", d.opts.Image, "frames", len(d.frames))
	return nil
}
