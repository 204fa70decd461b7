package types

import (
	"encoding/binary"
	"hash/crc32"
)

// OTA data partition
// The OTA data partition is two flash sectors. Each sector starts with an
// OtaSelectEntry; the two copies protect against power loss while one of
// them is being rewritten.

// OtaSelectEntry is the 8-byte record at the start of each OTA data sector.
type OtaSelectEntry struct {
	// OtaSeq is a 1-based write counter. The erased value selects nothing.
	OtaSeq uint32
	// CRC is the CRC-32 of the little-endian OtaSeq bytes.
	CRC uint32
}

const (
	// OtaSelectEntrySize is the encoded size of an OtaSelectEntry.
	OtaSelectEntrySize = 8
	// OtaSeqErased is the sequence value of a never-written sector.
	OtaSeqErased uint32 = 0xFFFFFFFF
	// otaCRCSeed matches the ROM crc32_le(UINT32_MAX, ...) call.
	otaCRCSeed uint32 = 0xFFFFFFFF
)

// OtaSelectCRC computes the CRC stored alongside a sequence number.
func OtaSelectCRC(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.Update(otaCRCSeed, crc32.IEEETable, b[:])
}

// NewOtaSelectEntry builds a valid record for a sequence number.
func NewOtaSelectEntry(seq uint32) OtaSelectEntry {
	return OtaSelectEntry{OtaSeq: seq, CRC: OtaSelectCRC(seq)}
}

// IsErased reports whether the sector holding the record was never written.
func (e OtaSelectEntry) IsErased() bool {
	return e.OtaSeq == OtaSeqErased
}

// IsValid reports whether the record may be used for slot selection.
func (e OtaSelectEntry) IsValid() bool {
	return e.OtaSeq != OtaSeqErased && e.CRC == OtaSelectCRC(e.OtaSeq)
}

// MarshalBinary encodes the record as stored in flash.
func (e OtaSelectEntry) MarshalBinary() ([]byte, error) {
	b := make([]byte, OtaSelectEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.OtaSeq)
	binary.LittleEndian.PutUint32(b[4:8], e.CRC)
	return b, nil
}

// UnmarshalBinary decodes a record read from flash.
func (e *OtaSelectEntry) UnmarshalBinary(b []byte) error {
	if len(b) < OtaSelectEntrySize {
		return &ShortBufferError{Need: OtaSelectEntrySize, Have: len(b)}
	}
	e.OtaSeq = binary.LittleEndian.Uint32(b[0:4])
	e.CRC = binary.LittleEndian.Uint32(b[4:8])
	return nil
}
