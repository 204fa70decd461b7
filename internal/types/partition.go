// Package types implements the on-flash data structures read by the second
// stage bootloader: the partition table, the OTA select records and the
// application image format.
package types

// Partition table layout
// The partition table lives at a fixed flash offset and holds an array of
// 32-byte entries. The array ends at the first slot whose magic is neither
// PartitionMagic nor PartitionMagicMD5.

// PartitionPos is a byte range in flash.
type PartitionPos struct {
	// Offset of the first byte of the partition in flash.
	Offset uint32
	// Size of the partition in bytes.
	Size uint32
}

// IsZero reports whether the position is absent from the table.
func (p PartitionPos) IsZero() bool {
	return p.Offset == 0 && p.Size == 0
}

// End returns the first byte after the partition.
func (p PartitionPos) End() uint64 {
	return uint64(p.Offset) + uint64(p.Size)
}

// PartitionInfo is one 32-byte slot of the partition table, little endian.
type PartitionInfo struct {
	Magic   uint16       // Offset 0
	Type    uint8        // Offset 2
	Subtype uint8        // Offset 3
	Pos     PartitionPos // Offset 4
	Label   [16]byte     // Offset 12, NUL padded
	Flags   uint32       // Offset 28
}

// LabelString returns the label with NUL padding removed.
func (p *PartitionInfo) LabelString() string {
	for i, b := range p.Label {
		if b == 0 {
			return string(p.Label[:i])
		}
	}
	return string(p.Label[:])
}

const (
	// PartitionMagic marks a populated partition entry.
	PartitionMagic uint16 = 0x50AA
	// PartitionMagicMD5 marks the checksum entry holding the MD5 of every
	// preceding entry in bytes 16..31.
	PartitionMagicMD5 uint16 = 0xEBEB
	// PartitionMagicErased is the value read from an unprogrammed slot.
	PartitionMagicErased uint16 = 0xFFFF

	// PartitionEntrySize is the size of one table slot in bytes.
	PartitionEntrySize = 32
	// PartitionMD5Offset is where the digest starts inside the checksum entry.
	PartitionMD5Offset = 16

	// DefaultPartitionTableOffset is where the table is flashed by default.
	DefaultPartitionTableOffset uint32 = 0x8000
	// PartitionTableMaxLen bounds the table region.
	PartitionTableMaxLen uint32 = 0xC00
	// PartitionTableMaxEntries is the number of slots that fit in the region.
	PartitionTableMaxEntries = int(PartitionTableMaxLen / PartitionEntrySize)

	// BootloaderOffset is where the second stage bootloader image is flashed.
	BootloaderOffset uint32 = 0x0
)

// Partition types.
const (
	PartTypeApp  uint8 = 0x00
	PartTypeData uint8 = 0x01
)

// App partition subtypes. OTA slots occupy 0x10..0x1F with the slot index in
// the low nibble.
const (
	PartSubtypeFactory  uint8 = 0x00
	PartSubtypeOTAFlag  uint8 = 0x10
	PartSubtypeOTAMask  uint8 = 0x0F
	PartSubtypeTest     uint8 = 0x20
	PartSubtypeDataOTA  uint8 = 0x00
	PartSubtypeDataRF   uint8 = 0x01
	PartSubtypeDataWiFi uint8 = 0x02
)

// MaxOTASlots is the number of OTA app slots addressable by a subtype.
const MaxOTASlots = 16

// Special partition indices used by slot selection and the fallback search.
const (
	FactoryIndex = -1
	TestAppIndex = -2
	InvalidIndex = -99
)

// BootloaderState is the aggregated view of the partition table consumed by
// slot selection and the fallback search.
type BootloaderState struct {
	Factory PartitionPos
	Test    PartitionPos
	OtaInfo PartitionPos
	// Ota is indexed by the slot number encoded in the subtype.
	Ota [MaxOTASlots]PartitionPos
	// AppCount is the number of OTA app partitions present in the table.
	AppCount int
	// RF holds RF calibration data when loading it is enabled.
	RF PartitionPos
}

// PartitionAt returns the position for a partition index, or a zero
// position when the index does not name a present partition.
func (s *BootloaderState) PartitionAt(index int) PartitionPos {
	switch {
	case index == FactoryIndex:
		return s.Factory
	case index == TestAppIndex:
		return s.Test
	case index >= 0 && index < MaxOTASlots && index < s.AppCount:
		return s.Ota[index]
	}
	return PartitionPos{}
}
