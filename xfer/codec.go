// Package xfer implements the control word codec and the verified
// frame transfer protocol spoken over a framefs.Bus.
//
// A control word is packed into a 64 bit register:
//
//	63..56  op code
//	55..40  frame id
//	39..8   checksum or argument
//	7..0    status (signed)
//
// The same layout is used for requests and responses. Requests leave
// the status zero, responses fill it in.
package xfer

import (
	"fmt"

	"github.com/keks/framefs"
)

// Op is a bus operation code.
type Op uint8

// Bus operations.
const (
	OpInit       Op = 0 // bring the device up
	OpZero       Op = 1 // zero every frame
	OpReadFrame  Op = 2 // read one frame
	OpWriteFrame Op = 3 // write one frame
	OpPowerOff   Op = 4 // persist and shut down
)

func (op Op) String() string {
	switch op {
	case OpInit:
		return "init"
	case OpZero:
		return "zero"
	case OpReadFrame:
		return "read"
	case OpWriteFrame:
		return "write"
	case OpPowerOff:
		return "poweroff"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Status is the return code carried in a response.
type Status int8

// Status codes.
const (
	StatusOK               Status = 0
	StatusChecksumRejected Status = 2
	StatusFailed           Status = -1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusChecksumRejected:
		return "checksum rejected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int8(s))
	}
}

// ControlWord is the unpacked form of a register.
type ControlWord struct {
	Op     Op
	Frame  framefs.FrameID
	Arg    uint32
	Status Status
}

const (
	opShift    = 56
	frameShift = 40
	argShift   = 8
)

// Encode packs w into a register.
func Encode(w ControlWord) framefs.Register {
	return framefs.Register(uint64(w.Op)<<opShift |
		uint64(w.Frame)<<frameShift |
		uint64(w.Arg)<<argShift |
		uint64(uint8(w.Status)))
}

// Decode unpacks a register. Decode(Encode(w)) == w for every w.
func Decode(reg framefs.Register) ControlWord {
	return ControlWord{
		Op:     Op(reg >> opShift),
		Frame:  framefs.FrameID(reg >> frameShift),
		Arg:    uint32(reg >> argShift),
		Status: Status(int8(uint8(reg))),
	}
}
