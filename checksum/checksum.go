// Package checksum provides frame checksums for the transfer protocol.
package checksum

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/keks/framefs"
	"github.com/zeebo/blake3"
)

// Blake3 returns the first four bytes of the BLAKE3 digest of frame,
// read as a little endian integer.
func Blake3(frame []byte) uint32 {
	sum := blake3.Sum256(frame)
	return binary.LittleEndian.Uint32(sum[:4])
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli CRC of frame.
func CRC32C(frame []byte) uint32 {
	return crc32.Checksum(frame, castagnoli)
}

// ByName returns the checksum function called name.
func ByName(name string) (framefs.ChecksumFunc, bool) {
	switch name {
	case "", "blake3":
		return Blake3, true
	case "crc32c":
		return CRC32C, true
	default:
		return nil, false
	}
}
