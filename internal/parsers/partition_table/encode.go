package partitiontable

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/types"
)

// NewEntry builds a populated partition entry.
func NewEntry(label string, partType, subtype uint8, offset, size uint32) types.PartitionInfo {
	info := types.PartitionInfo{
		Magic:   types.PartitionMagic,
		Type:    partType,
		Subtype: subtype,
		Pos:     types.PartitionPos{Offset: offset, Size: size},
	}
	copy(info.Label[:len(info.Label)-1], label)
	return info
}

// EncodeTable lays out entries as a full erased table region, optionally
// followed by an MD5 checksum entry.
func EncodeTable(entries []types.PartitionInfo, withMD5 bool) ([]byte, error) {
	slots := len(entries)
	if withMD5 {
		slots++
	}
	// One slot is always left erased as the terminator.
	if slots >= types.PartitionTableMaxEntries {
		return nil, fmt.Errorf("%d partition entries do not fit in the table: %w", len(entries), types.ErrInvalidArgument)
	}

	raw := make([]byte, types.PartitionTableMaxLen)
	for i := range raw {
		raw[i] = 0xFF
	}
	for i, e := range entries {
		copy(raw[i*types.PartitionEntrySize:], EncodeEntry(e))
	}
	if withMD5 {
		end := len(entries) * types.PartitionEntrySize
		slot := raw[end : end+types.PartitionEntrySize]
		binary.LittleEndian.PutUint16(slot[0:2], types.PartitionMagicMD5)
		sum := md5.Sum(raw[:end])
		copy(slot[types.PartitionMD5Offset:], sum[:])
	}
	return raw, nil
}
