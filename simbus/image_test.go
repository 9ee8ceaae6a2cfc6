package simbus

import (
	"bytes"
	"testing"

	"github.com/keks/framefs"
	"github.com/stretchr/testify/require"
)

func TestImageCompression(t *testing.T) {
	frames := map[framefs.FrameID][]byte{
		1: bytes.Repeat([]byte{0xaa}, 256),
		9: bytes.Repeat([]byte("framefs!"), 32),
		4: make([]byte, 256),
	}

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			r := require.New(t)
			data, err := encodeImage(frames, 256, c)
			r.NoError(err)

			if c != CompressionNone {
				r.Less(len(data), 3*(2+256), "repetitive frames shrink")
			}

			got, err := decodeImage(data, 256, 16)
			r.NoError(err)
			r.Equal(frames, got)
		})
	}
}

func TestImageIncompressible(t *testing.T) {
	r := require.New(t)

	// a single short frame cannot shrink below its raw size
	frames := map[framefs.FrameID][]byte{2: {0x01, 0x7f, 0x33, 0xc4}}
	data, err := encodeImage(frames, 4, CompressionZstd)
	r.NoError(err)

	got, err := decodeImage(data, 4, 16)
	r.NoError(err)
	r.Equal(frames, got)
}

func craftImage(t *testing.T, header imageHeader, payload []byte) []byte {
	t.Helper()
	enc, err := headerEncMode.Marshal(header)
	require.NoError(t, err)

	out := append([]byte(imageMagic), byte(len(enc)), 0, 0, 0)
	out = append(out, enc...)
	return append(out, payload...)
}

func TestImageCorrupt(t *testing.T) {
	good, err := encodeImage(map[framefs.FrameID][]byte{1: make([]byte, 16)}, 16, CompressionNone)
	require.NoError(t, err)

	header := func(count, rawSize int, c Compression) imageHeader {
		return imageHeader{Version: imageVersion, FrameSize: 16, FrameCount: count, Compression: c, RawSize: rawSize}
	}
	farFrame := append([]byte{200, 0}, make([]byte, 16)...)

	for name, data := range map[string][]byte{
		"empty":          nil,
		"magic":          append([]byte("XXXX"), good[4:]...),
		"truncated":      good[:len(good)-1],
		"header":         append(append([]byte(nil), good[:4]...), 0xff, 0xff, 0xff, 0x00),
		"negative count": craftImage(t, header(-1, -18, CompressionLZ4), nil),
		"huge count":     craftImage(t, header(1<<40, (1<<40)*18, CompressionZstd), nil),
		"frame too far":  craftImage(t, header(1, 18, CompressionNone), farFrame),
		"version":        craftImage(t, imageHeader{Version: 7, FrameSize: 16}, nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeImage(data, 16, 16)
			require.ErrorIs(t, err, ErrBadImage)
		})
	}
}

func TestParseCompression(t *testing.T) {
	r := require.New(t)
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		got, err := ParseCompression(c.String())
		r.NoError(err)
		r.Equal(c, got)
	}
	_, err := ParseCompression("gzip")
	r.Error(err)
}
