package appimage

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Segment is one payload of an image being built.
type Segment struct {
	LoadAddr uint32
	Data     []byte
}

// Image describes an app image to encode.
type Image struct {
	EntryAddr uint32
	SPIMode   uint8
	SPISpeed  uint8
	SPISize   uint8
	Segments  []Segment
	// AppendDigest adds the SHA-256 digest used with secure boot.
	AppendDigest bool
}

// Build encodes img in the flash image format: header, segments, checksum
// padding and the optional digest.
func Build(img Image) ([]byte, error) {
	if len(img.Segments) > types.ImageMaxSegments {
		return nil, fmt.Errorf("%d segments exceed the maximum of %d: %w", len(img.Segments), types.ImageMaxSegments, types.ErrInvalidArgument)
	}

	header := types.ImageHeader{
		Magic:        types.ImageHeaderMagic,
		SegmentCount: uint8(len(img.Segments)),
		SPIMode:      img.SPIMode,
		EntryAddr:    img.EntryAddr,
	}
	header.SetSPI(img.SPISpeed, img.SPISize)

	out := make([]byte, types.ImageHeaderSize, 4096)
	out[0] = header.Magic
	out[1] = header.SegmentCount
	out[2] = header.SPIMode
	out[3] = header.SPISpeedSize
	binary.LittleEndian.PutUint32(out[4:8], header.EntryAddr)

	checksum := types.ChecksumInitial
	for i, seg := range img.Segments {
		if len(seg.Data)%4 != 0 {
			return nil, fmt.Errorf("segment %d length 0x%x is not a multiple of 4: %w", i, len(seg.Data), types.ErrInvalidArgument)
		}
		out = binary.LittleEndian.AppendUint32(out, seg.LoadAddr)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(seg.Data)))
		out = append(out, seg.Data...)
		for j := 0; j < len(seg.Data); j += 4 {
			checksum ^= binary.LittleEndian.Uint32(seg.Data[j:])
		}
	}

	padded := (len(out) + 1 + types.ChecksumAlign - 1) &^ (types.ChecksumAlign - 1)
	out = append(out, make([]byte, padded-len(out))...)
	out[padded-1] = foldChecksum(checksum)

	if img.AppendDigest {
		sum := sha256.Sum256(out)
		out = append(out, sum[:]...)
	}
	return out, nil
}
