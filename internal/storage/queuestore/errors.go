package queuestore

import (
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	// ErrCorruptedRecord indicates a record file that cannot be parsed
	ErrCorruptedRecord = errors.New("queuestore: record is corrupted")

	// ErrIncompatibleVersion indicates a record written with another schema version
	ErrIncompatibleVersion = errors.New("queuestore: record schema version is incompatible")
)

// ChecksumError is returned when the stored CRC32 does not match the payload.
type ChecksumError struct {
	Path     string
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("queuestore: checksum mismatch in %s (expected=0x%08x, got=0x%08x)", e.Path, e.Expected, e.Actual)
}

// Unwrap lets errors.Is(err, ErrCorruptedRecord) match checksum failures.
func (e *ChecksumError) Unwrap() error {
	return ErrCorruptedRecord
}

// checksum is CRC32-IEEE over the serialized item.
func checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
