package interfaces

import (
	"time"

	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Memory is the CPU address space the image loader copies segments into.
type Memory interface {
	// WriteAt stores data at the CPU address addr
	WriteAt(addr uint32, data []byte) error

	// ReadAt fills buf from the CPU address addr
	ReadAt(addr uint32, buf []byte) error
}

// StackPointer reports the bootloader's current stack pointer.
type StackPointer interface {
	SP() uint32
}

// Starter transfers control to a loaded application. On hardware the call
// does not return.
type Starter interface {
	Start(entryAddr, arg uint32)
}

// SignatureVerifier is the secure boot integration point. It receives the
// digest of an image that has already passed structural verification.
type SignatureVerifier interface {
	VerifyImageDigest(part types.PartitionPos, digest []byte) error
}

// HoldState is the outcome of sampling a boot button.
type HoldState int

const (
	NotHold HoldState = iota
	ShortHold
	LongHold
)

// HoldDetector samples a GPIO held low at reset.
type HoldDetector interface {
	CheckLongHold(pin uint32, delay time.Duration) HoldState
}
