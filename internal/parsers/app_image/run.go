package appimage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/flash"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// checksumReadSize bounds each flash read of segment payload.
const checksumReadSize = 0x1000

// imageRun holds the state of one Load call.
type imageRun struct {
	loader *Loader
	mode   types.LoadMode
	part   types.PartitionPos
	log    logrus.FieldLogger
	meta   *types.ImageMetadata

	checksum uint32
	sha      hash.Hash
	obfs     [2]uint32
}

func (r *imageRun) doLoad() bool {
	return r.mode == types.ModeLoad
}

func (r *imageRun) obfuscating() bool {
	return r.doLoad() && r.loader.obfuscate
}

func (r *imageRun) execute() error {
	l := r.loader
	if r.part.Size > types.ImageMaxPartitionSize {
		r.log.Errorf("partition size 0x%x invalid, larger than 16MB", r.part.Size)
		return fmt.Errorf("partition size 0x%x larger than 16MB: %w", r.part.Size, types.ErrInvalidArgument)
	}
	if r.doLoad() && l.mem == nil {
		return fmt.Errorf("loading an image needs a memory target: %w", types.ErrInvalidArgument)
	}

	r.checksum = types.ChecksumInitial
	if l.secure {
		r.sha = sha256.New()
	}
	if r.obfuscating() {
		var key [8]byte
		if _, err := io.ReadFull(l.entropy, key[:]); err != nil {
			return fmt.Errorf("failed to read RAM obfuscation key: %w", err)
		}
		r.obfs[0] = binary.LittleEndian.Uint32(key[0:4])
		r.obfs[1] = binary.LittleEndian.Uint32(key[4:8])
	}

	start := r.part.Offset
	r.meta.StartAddr = start
	if err := r.readHeader(); err != nil {
		return err
	}

	if int(r.meta.Image.SegmentCount) > types.ImageMaxSegments {
		r.log.Errorf("image at 0x%x segment count %d exceeds max %d", start, r.meta.Image.SegmentCount, types.ImageMaxSegments)
		return fmt.Errorf("segment count %d exceeds %d: %w", r.meta.Image.SegmentCount, types.ImageMaxSegments, types.ErrImageInvalid)
	}

	next := uint64(start) + types.ImageHeaderSize
	for i := 0; i < int(r.meta.Image.SegmentCount); i++ {
		if next > uint64(^uint32(0)) {
			break
		}
		r.log.Debugf("loading segment header %d at offset 0x%x", i, next)
		if err := r.processSegment(i, uint32(next)); err != nil {
			return err
		}
		next += types.SegmentHeaderSize
		r.meta.SegmentData[i] = uint32(next)
		next += uint64(r.meta.Segments[i].DataLen)
	}

	if next > uint64(^uint32(0)) {
		r.log.Error("image offset has wrapped")
		return fmt.Errorf("image at 0x%x wraps the address space: %w", start, types.ErrImageInvalid)
	}
	r.meta.ImageLen = uint32(next) - start
	r.log.Debugf("image start 0x%08x end of last section 0x%08x", start, next)

	if err := r.verifyChecksum(); err != nil {
		return err
	}
	if r.meta.ImageLen > r.part.Size {
		r.log.Errorf("Image length %d doesn't fit in partition length %d", r.meta.ImageLen, r.part.Size)
		return fmt.Errorf("image length 0x%x exceeds partition size 0x%x: %w", r.meta.ImageLen, r.part.Size, types.ErrImageInvalid)
	}

	if r.obfuscating() {
		return r.deobfuscate()
	}
	return nil
}

func (r *imageRun) readHeader() error {
	start := r.meta.StartAddr
	r.log.Debugf("reading image header @ 0x%x", start)

	raw := flash.AlignedBuffer(types.ImageHeaderSize)
	if err := r.loader.flash.Read(start, raw); err != nil {
		return fmt.Errorf("failed to read image header at 0x%x: %w", start, err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r.meta.Image); err != nil {
		return fmt.Errorf("failed to decode image header: %w", err)
	}
	r.hash(raw)

	h := &r.meta.Image
	r.log.Debugf("image header: 0x%02x 0x%02x 0x%02x 0x%02x %08x",
		h.Magic, h.SegmentCount, h.SPIMode, h.SPISize(), h.EntryAddr)

	var err error
	if h.Magic != types.ImageHeaderMagic {
		r.log.Errorf("image at 0x%x has invalid magic byte", start)
		err = fmt.Errorf("image at 0x%x has magic 0x%02x: %w", start, h.Magic, types.ErrImageInvalid)
	}
	if h.SPIMode > types.SPIModeSlowRead {
		r.log.Warnf("image at 0x%x has invalid SPI mode %d", start, h.SPIMode)
	}
	switch h.SPISpeed() {
	case types.SPISpeed40M, types.SPISpeed26M, types.SPISpeed20M, types.SPISpeed80M:
	default:
		r.log.Warnf("image at 0x%x has invalid SPI speed %d", start, h.SPISpeed())
	}
	if h.SPISize() >= types.FlashSizeMax {
		r.log.Warnf("image at 0x%x has invalid SPI size %d", start, h.SPISize())
	}
	return err
}

func (r *imageRun) processSegment(index int, flashAddr uint32) error {
	l := r.loader
	raw := flash.AlignedBuffer(types.SegmentHeaderSize)
	if err := l.flash.Read(flashAddr, raw); err != nil {
		r.log.Errorf("bootloader_flash_read failed at 0x%08x", flashAddr)
		return fmt.Errorf("failed to read segment %d header: %w", index, err)
	}
	r.hash(raw)

	header := &r.meta.Segments[index]
	header.LoadAddr = binary.LittleEndian.Uint32(raw[0:4])
	header.DataLen = binary.LittleEndian.Uint32(raw[4:8])
	dataAddr := flashAddr + types.SegmentHeaderSize
	r.log.Debugf("segment data length 0x%x data starts 0x%x", header.DataLen, dataAddr)

	if header.DataLen%4 != 0 {
		r.log.Errorf("unaligned segment length 0x%x", header.DataLen)
		return &types.SegmentError{
			Index:  index,
			Addr:   header.LoadAddr,
			Reason: fmt.Sprintf("unaligned segment length 0x%x", header.DataLen),
		}
	}

	placement := l.addrMap.Classify(header.LoadAddr)
	load := r.doLoad() && placement == types.PlacementLoad
	r.meta.Mapped[index] = placement == types.PlacementMap

	action := ""
	if load {
		action = "load"
	} else if placement == types.PlacementMap {
		action = "map"
	}
	r.log.Infof("segment %d: paddr=0x%08x vaddr=0x%08x size=0x%05x (%6d) %s",
		index, dataAddr, header.LoadAddr, header.DataLen, header.DataLen, action)

	if load && l.sp != nil {
		end := uint64(header.LoadAddr) + uint64(header.DataLen)
		if end < uint64(types.StackCheckLimit) {
			sp := int64(l.sp.SP())
			limit := sp - int64(types.StackLoadHeadroom)
			if int64(end) > limit {
				r.log.Errorf("Segment %d end address 0x%08x too high (bootloader stack 0x%08x limit 0x%08x)",
					index, end, sp, limit)
				return &types.SegmentError{
					Index:  index,
					Addr:   header.LoadAddr,
					Reason: fmt.Sprintf("end address 0x%08x collides with bootloader stack 0x%08x", end, sp),
				}
			}
		}
	}

	return r.processSegmentData(index, header.LoadAddr, dataAddr, header.DataLen, load)
}

func (r *imageRun) processSegmentData(index int, loadAddr, dataAddr, dataLen uint32, load bool) error {
	l := r.loader
	buf := flash.AlignedBuffer(checksumReadSize)
	word := 0
	for off := uint32(0); off < dataLen; {
		n := min(uint32(checksumReadSize), dataLen-off)
		chunk := buf[:n]
		if err := l.flash.Read(dataAddr+off, chunk); err != nil {
			return fmt.Errorf("failed to read segment %d data at 0x%08x: %w", index, dataAddr+off, err)
		}
		r.hash(chunk)

		for j := 0; j < len(chunk); j += 4 {
			w := binary.LittleEndian.Uint32(chunk[j:])
			r.checksum ^= w
			if load && r.obfuscating() {
				binary.LittleEndian.PutUint32(chunk[j:], w^r.obfsWord(word))
			}
			word++
		}

		if load {
			if err := l.mem.WriteAt(loadAddr+off, chunk); err != nil {
				r.log.Errorf("segment %d load to 0x%08x failed", index, loadAddr+off)
				return &types.SegmentError{Index: index, Addr: loadAddr, Reason: err.Error()}
			}
		}
		off += n
	}
	return nil
}

func (r *imageRun) verifyChecksum() error {
	l := r.loader
	start := r.meta.StartAddr
	unpadded := r.meta.ImageLen
	// One checksum byte ends a 16-byte block.
	length := (unpadded + 1 + types.ChecksumAlign - 1) &^ (types.ChecksumAlign - 1)

	tail := flash.AlignedBuffer(int(length - unpadded))
	if err := l.flash.Read(start+unpadded, tail); err != nil {
		return fmt.Errorf("failed to read image checksum: %w", err)
	}
	stored := tail[len(tail)-1]
	calc := foldChecksum(r.checksum)
	if calc != stored {
		r.log.Errorf("Checksum failed. Calculated 0x%x read 0x%x", calc, stored)
		return &types.ChecksumMismatchError{Expected: stored, Actual: calc}
	}
	r.hash(tail)
	r.meta.ImageLen = length

	if r.sha == nil {
		return nil
	}
	sum := r.sha.Sum(nil)
	appended := flash.AlignedBuffer(types.DigestLen)
	if err := l.flash.Read(start+length, appended); err != nil {
		return fmt.Errorf("failed to read image digest: %w", err)
	}
	if !bytes.Equal(sum, appended) {
		r.log.Error("Image hash failed - image is corrupt")
		return fmt.Errorf("image at 0x%x digest mismatch: %w", start, types.ErrImageInvalid)
	}
	r.meta.ImageLen += types.DigestLen
	copy(r.meta.Digest[:], sum)

	if l.verifier != nil {
		if err := l.verifier.VerifyImageDigest(r.part, sum); err != nil {
			r.log.WithError(err).Error("secure boot signature verification failed")
			return fmt.Errorf("signature verification failed: %w", err)
		}
	}
	return nil
}

// deobfuscate restores the loaded RAM segments once the image has verified.
func (r *imageRun) deobfuscate() error {
	l := r.loader
	for i := 0; i < int(r.meta.Image.SegmentCount); i++ {
		seg := r.meta.Segments[i]
		if l.addrMap.Classify(seg.LoadAddr) != types.PlacementLoad {
			continue
		}
		loaded := make([]byte, seg.DataLen)
		if err := l.mem.ReadAt(seg.LoadAddr, loaded); err != nil {
			return fmt.Errorf("failed to read back segment %d: %w", i, err)
		}
		for j := 0; j < len(loaded)/4; j++ {
			w := binary.LittleEndian.Uint32(loaded[j*4:])
			binary.LittleEndian.PutUint32(loaded[j*4:], w^r.obfsWord(j))
		}
		if err := l.mem.WriteAt(seg.LoadAddr, loaded); err != nil {
			return fmt.Errorf("failed to restore segment %d: %w", i, err)
		}
	}
	return nil
}

func (r *imageRun) obfsWord(j int) uint32 {
	if j&1 != 0 {
		return r.obfs[0]
	}
	return r.obfs[1]
}

func (r *imageRun) hash(b []byte) {
	if r.sha != nil {
		r.sha.Write(b)
	}
}

// foldChecksum reduces the running checksum word to the stored byte.
func foldChecksum(w uint32) byte {
	return byte(w>>24) ^ byte(w>>16) ^ byte(w>>8) ^ byte(w)
}
