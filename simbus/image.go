package simbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/keks/framefs"
)

// Image file layout:
//
//	magic "FFSI" | header length:4 (LE) | CBOR header | payload
//
// The payload is the (optionally compressed) concatenation of
// id:2 (LE) data:frame_size records, sorted by id.
const (
	imageMagic   = "FFSI"
	imageVersion = 1
)

type imageHeader struct {
	Version     int         `cbor:"version"`
	FrameSize   int         `cbor:"frame_size"`
	FrameCount  int         `cbor:"frame_count"`
	Compression Compression `cbor:"compression"`
	RawSize     int         `cbor:"raw_size"`
}

var (
	headerEncMode cbor.EncMode
	headerDecMode cbor.DecMode
)

func init() {
	var err error

	headerEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("simbus: CBOR encoder initialization failed: " + err.Error())
	}

	headerDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("simbus: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeImage serializes frames. If c does not shrink the payload it
// is stored uncompressed.
func encodeImage(frames map[framefs.FrameID][]byte, frameSize int, c Compression) ([]byte, error) {
	ids := make([]framefs.FrameID, 0, len(frames))
	for id := range frames {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	raw := make([]byte, 0, len(ids)*(2+frameSize))
	for _, id := range ids {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(id))
		raw = append(raw, frames[id]...)
	}

	payload, err := compress(raw, c)
	if errors.Is(err, errIncompressible) {
		payload, c = raw, CompressionNone
	} else if err != nil {
		return nil, err
	}

	header, err := headerEncMode.Marshal(imageHeader{
		Version:     imageVersion,
		FrameSize:   frameSize,
		FrameCount:  len(ids),
		Compression: c,
		RawSize:     len(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding image header: %w", err)
	}

	out := make([]byte, 0, len(imageMagic)+4+len(header)+len(payload))
	out = append(out, imageMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	return out, nil
}

// decodeImage parses an image written for frames of frameSize bytes
// with ids up to maxFrames.
func decodeImage(data []byte, frameSize, maxFrames int) (map[framefs.FrameID][]byte, error) {
	if len(data) < len(imageMagic)+4 || !bytes.Equal(data[:len(imageMagic)], []byte(imageMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrBadImage)
	}
	data = data[len(imageMagic):]

	headerLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if headerLen > len(data) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrBadImage, headerLen)
	}

	var header imageHeader
	if err := headerDecMode.Unmarshal(data[:headerLen], &header); err != nil {
		return nil, fmt.Errorf("%w: decoding header: %v", ErrBadImage, err)
	}
	if header.Version != imageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadImage, header.Version)
	}
	if header.FrameSize != frameSize {
		return nil, fmt.Errorf("%w: image has %d byte frames, device uses %d", ErrBadImage, header.FrameSize, frameSize)
	}
	// frame 0 is stored as well
	if header.FrameCount < 0 || header.FrameCount > maxFrames+1 {
		return nil, fmt.Errorf("%w: frame count %d out of range", ErrBadImage, header.FrameCount)
	}
	if header.RawSize != header.FrameCount*(2+frameSize) {
		return nil, fmt.Errorf("%w: %d frames in %d bytes", ErrBadImage, header.FrameCount, header.RawSize)
	}

	raw, err := decompress(data[headerLen:], header.Compression, header.RawSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	frames := make(map[framefs.FrameID][]byte, header.FrameCount)
	for len(raw) > 0 {
		id := framefs.FrameID(binary.LittleEndian.Uint16(raw))
		if int(id) > maxFrames {
			return nil, fmt.Errorf("%w: frame %d beyond device size", ErrBadImage, id)
		}
		if _, dup := frames[id]; dup {
			return nil, fmt.Errorf("%w: frame %d stored twice", ErrBadImage, id)
		}
		frames[id] = bytes.Clone(raw[2 : 2+frameSize])
		raw = raw[2+frameSize:]
	}

	return frames, nil
}

// writeImage replaces the file at path atomically.
func writeImage(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing image: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming image: %w", err)
	}
	return nil
}
