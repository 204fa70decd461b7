package types

// Application image format
// An image is an ImageHeader followed by SegmentCount segments, each a
// SegmentHeader and DataLen payload bytes. After the last segment the image
// is padded so that one checksum byte ends on a 16-byte boundary. Images
// built for secure boot append a SHA-256 digest after the checksum block.

// ImageHeader is the 8-byte header at the start of every app image.
type ImageHeader struct {
	Magic        uint8  // Offset 0
	SegmentCount uint8  // Offset 1
	SPIMode      uint8  // Offset 2
	SPISpeedSize uint8  // Offset 3: speed in the low nibble, size in the high nibble
	EntryAddr    uint32 // Offset 4
}

// SPISpeed returns the flash clock field.
func (h *ImageHeader) SPISpeed() uint8 {
	return h.SPISpeedSize & 0x0F
}

// SPISize returns the flash size field.
func (h *ImageHeader) SPISize() uint8 {
	return h.SPISpeedSize >> 4
}

// SetSPI packs the speed and size fields.
func (h *ImageHeader) SetSPI(speed, size uint8) {
	h.SPISpeedSize = (size << 4) | (speed & 0x0F)
}

// SegmentHeader precedes each segment payload.
type SegmentHeader struct {
	LoadAddr uint32
	DataLen  uint32
}

const (
	// ImageHeaderMagic is the first byte of every app image.
	ImageHeaderMagic uint8 = 0xE9
	// ImageHeaderSize is the encoded size of ImageHeader.
	ImageHeaderSize = 8
	// SegmentHeaderSize is the encoded size of SegmentHeader.
	SegmentHeaderSize = 8
	// ImageMaxSegments bounds the segment loop and the metadata arrays.
	ImageMaxSegments = 16
	// ImageMaxPartitionSize is the largest partition an image may be loaded from.
	ImageMaxPartitionSize uint32 = 0x1000000
	// ChecksumInitial seeds the payload checksum.
	ChecksumInitial uint32 = 0xEF
	// ChecksumAlign is the alignment of the block ending in the checksum byte.
	ChecksumAlign = 16
	// DigestLen is the length of the appended SHA-256 digest.
	DigestLen = 32
	// StackLoadHeadroom is kept free between loaded data and the bootloader stack.
	StackLoadHeadroom uint32 = 32768
	// StackCheckLimit is the address below which loaded data may collide with the stack.
	StackCheckLimit uint32 = 0x40000000
)

// SPI flash modes.
const (
	SPIModeQIO uint8 = iota
	SPIModeQOUT
	SPIModeDIO
	SPIModeDOUT
	SPIModeFastRead
	SPIModeSlowRead
)

// SPI flash clock settings.
const (
	SPISpeed40M uint8 = 0x0
	SPISpeed26M uint8 = 0x1
	SPISpeed20M uint8 = 0x2
	SPISpeed80M uint8 = 0xF
)

// Flash size settings.
const (
	FlashSize512KB uint8 = iota
	FlashSize256KB
	FlashSize1MB
	FlashSize2MB
	FlashSize4MB
	FlashSize2MBC1
	FlashSize4MBC1
	_
	FlashSize8MB
	FlashSize16MB
	FlashSizeMax
)

// LoadMode selects what Load does with an image.
type LoadMode int

const (
	// ModeLoad verifies the image and copies its RAM segments into memory.
	ModeLoad LoadMode = iota
	// ModeVerify verifies the image structure and logs problems.
	ModeVerify
	// ModeVerifySilent verifies the image structure without logging.
	ModeVerifySilent
)

func (m LoadMode) String() string {
	switch m {
	case ModeLoad:
		return "load"
	case ModeVerify:
		return "verify"
	case ModeVerifySilent:
		return "verify-silent"
	default:
		return "unknown"
	}
}

// ImageMetadata describes a verified image. It is zeroed on every failure.
type ImageMetadata struct {
	StartAddr uint32
	ImageLen  uint32
	Image     ImageHeader
	Segments  [ImageMaxSegments]SegmentHeader
	// SegmentData holds the flash address of each segment's payload.
	SegmentData [ImageMaxSegments]uint32
	// Mapped marks segments executed through the flash cache window.
	Mapped [ImageMaxSegments]bool
	// Digest is the SHA-256 of the image when secure boot is enabled.
	Digest [DigestLen]byte
}

// IsZero reports whether every field of the metadata is zero.
func (m *ImageMetadata) IsZero() bool {
	return *m == ImageMetadata{}
}
