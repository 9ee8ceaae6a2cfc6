package xfer

import (
	"testing"

	"github.com/keks/framefs"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	type testcase struct {
		name string
		word ControlWord
		reg  framefs.Register
	}

	var tcs = []testcase{
		{
			name: "zero",
			reg:  0,
		},
		{
			name: "read request",
			word: ControlWord{Op: OpReadFrame, Frame: 7},
			reg:  0x0200070000000000,
		},
		{
			name: "write request with checksum",
			word: ControlWord{Op: OpWriteFrame, Frame: 0x1234, Arg: 0xdeadbeef},
			reg:  0x031234deadbeef00,
		},
		{
			name: "checksum rejected response",
			word: ControlWord{Op: OpWriteFrame, Frame: 0xffff, Arg: 1, Status: StatusChecksumRejected},
			reg:  0x03ffff0000000102,
		},
		{
			name: "failed response",
			word: ControlWord{Op: OpPowerOff, Status: StatusFailed},
			reg:  0x04000000000000ff,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			r := require.New(t)
			r.Equal(tc.reg, Encode(tc.word), "encode %#x", uint64(Encode(tc.word)))
			r.Equal(tc.word, Decode(tc.reg))
		})
	}
}

func TestDecodeIgnoresNothing(t *testing.T) {
	// every bit of the register belongs to exactly one field
	reg := framefs.Register(^uint64(0))
	w := Decode(reg)

	require.Equal(t, Op(0xff), w.Op)
	require.Equal(t, framefs.MaxFrameID, w.Frame)
	require.Equal(t, ^uint32(0), w.Arg)
	require.Equal(t, StatusFailed, w.Status)
	require.Equal(t, reg, Encode(w))
}
