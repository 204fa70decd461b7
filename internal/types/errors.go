package types

import (
	"errors"
	"fmt"
)

// Error kinds shared by every stage of the boot pipeline. Components wrap
// these so callers can test with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlignment       = errors.New("flash access not 4-byte aligned")
	ErrImageInvalid    = errors.New("image invalid")
	ErrConfiguration   = errors.New("configuration error")
	ErrMappingConflict = errors.New("flash mapping already active")
	ErrStaleMapping    = errors.New("flash mapping no longer active")
	ErrTimeout         = errors.New("flash operation timed out")
	ErrFlashOp         = errors.New("flash operation failed")
	ErrNoBootableImage = errors.New("no bootable app partition")
	ErrPartitionTable  = errors.New("invalid partition table")
)

// AlignmentError reports which parameter of a flash access was unaligned.
type AlignmentError struct {
	Op    string
	Field string
	Value uint64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s: %s 0x%x not 4-byte aligned", e.Op, e.Field, e.Value)
}

func (e *AlignmentError) Unwrap() error { return ErrAlignment }

// ChecksumMismatchError indicates the image checksum byte did not match the
// value computed over the segment payloads.
type ChecksumMismatchError struct {
	Expected byte
	Actual   byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: image has 0x%02x, calculated 0x%02x", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrImageInvalid }

// SegmentError identifies the image segment that failed validation.
type SegmentError struct {
	Index  int
	Addr   uint32
	Reason string
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d at 0x%08x: %s", e.Index, e.Addr, e.Reason)
}

func (e *SegmentError) Unwrap() error { return ErrImageInvalid }

// ShortBufferError indicates a decode was handed fewer bytes than the
// structure occupies.
type ShortBufferError struct {
	Need int
	Have int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("short buffer: need %d bytes, have %d", e.Need, e.Have)
}

func (e *ShortBufferError) Unwrap() error { return ErrInvalidArgument }
