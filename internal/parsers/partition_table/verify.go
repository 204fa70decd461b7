package partitiontable

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/types"
)

// VerifyTable performs the basic structural check of a raw partition table
// and returns the number of partition entries, not counting the MD5 entry.
//
// Every slot up to the terminator must carry the partition magic, at most
// one MD5 entry may appear and its digest must cover all slots before it.
// When flashSize is non-zero each partition must also fit inside the chip.
func VerifyTable(raw []byte, flashSize uint32) (int, error) {
	slots := len(raw) / types.PartitionEntrySize
	if slots > types.PartitionTableMaxEntries {
		slots = types.PartitionTableMaxEntries
	}

	md5Found := 0
	for i := 0; i < slots; i++ {
		entry := raw[i*types.PartitionEntrySize : (i+1)*types.PartitionEntrySize]
		magic := binary.LittleEndian.Uint16(entry[0:2])

		switch magic {
		case types.PartitionMagic:
			offset := binary.LittleEndian.Uint32(entry[4:8])
			size := binary.LittleEndian.Uint32(entry[8:12])
			if flashSize != 0 && uint64(offset)+uint64(size) > uint64(flashSize) {
				return 0, fmt.Errorf("partition %d offset 0x%x size 0x%x exceeds flash size 0x%x: %w",
					i, offset, size, flashSize, types.ErrPartitionTable)
			}
		case types.PartitionMagicMD5:
			if md5Found != 0 {
				return 0, fmt.Errorf("partition %d: only one MD5 checksum entry is allowed: %w", i, types.ErrPartitionTable)
			}
			md5Found = 1
			sum := md5.Sum(raw[:i*types.PartitionEntrySize])
			if !bytes.Equal(sum[:], entry[types.PartitionMD5Offset:types.PartitionMD5Offset+md5.Size]) {
				return 0, fmt.Errorf("partition table MD5 checksum mismatch: %w", types.ErrPartitionTable)
			}
		case types.PartitionMagicErased:
			return i - md5Found, nil
		default:
			return 0, fmt.Errorf("partition %d has invalid magic 0x%04x: %w", i, magic, types.ErrPartitionTable)
		}
	}
	return 0, fmt.Errorf("partition table has no terminating entry: %w", types.ErrPartitionTable)
}

// decodeEntry reads one 32-byte table slot.
func decodeEntry(b []byte) (types.PartitionInfo, error) {
	var info types.PartitionInfo
	if len(b) < types.PartitionEntrySize {
		return info, &types.ShortBufferError{Need: types.PartitionEntrySize, Have: len(b)}
	}
	if err := binary.Read(bytes.NewReader(b[:types.PartitionEntrySize]), binary.LittleEndian, &info); err != nil {
		return info, fmt.Errorf("failed to decode partition entry: %w", err)
	}
	return info, nil
}

// EncodeEntry serializes a partition entry as stored in flash.
func EncodeEntry(info types.PartitionInfo) []byte {
	var buf bytes.Buffer
	buf.Grow(types.PartitionEntrySize)
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, info)
	return buf.Bytes()
}
