package otaselect

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/flash"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// SetBootSlot writes a new select record so that the next boot picks the
// given OTA slot. The record goes into the sector that does not hold the
// newest valid record, so a power loss mid-write leaves the old choice intact.
func (s *Selector) SetBootSlot(state *types.BootloaderState, slot int) (types.OtaSelectEntry, error) {
	if state.OtaInfo.Offset == 0 {
		return types.OtaSelectEntry{}, fmt.Errorf("partition table has no OTA data partition: %w", types.ErrConfiguration)
	}
	if slot < 0 || slot >= state.AppCount {
		return types.OtaSelectEntry{}, fmt.Errorf("OTA slot %d out of range 0..%d: %w", slot, state.AppCount-1, types.ErrInvalidArgument)
	}

	a, b, err := s.ReadEntries(state.OtaInfo)
	if err != nil {
		return types.OtaSelectEntry{}, err
	}

	var newest uint32
	target := 0
	switch {
	case a.IsValid() && b.IsValid():
		newest = max(a.OtaSeq, b.OtaSeq)
		if a.OtaSeq >= b.OtaSeq {
			target = 1
		}
	case a.IsValid():
		newest, target = a.OtaSeq, 1
	case b.IsValid():
		newest, target = b.OtaSeq, 0
	}

	n := uint32(state.AppCount)
	seq := newest + 1
	for (seq-1)%n != uint32(slot) {
		seq++
	}
	if seq == types.OtaSeqErased || seq <= newest {
		return types.OtaSelectEntry{}, fmt.Errorf("OTA sequence counter exhausted: %w", types.ErrConfiguration)
	}

	entry := types.NewOtaSelectEntry(seq)
	if err := s.writeEntry(state.OtaInfo, target, entry); err != nil {
		return types.OtaSelectEntry{}, err
	}
	s.log.WithFields(logrus.Fields{
		"slot":   slot,
		"seq":    seq,
		"sector": target,
	}).Info("OTA boot slot updated")
	return entry, nil
}

// Erase clears both select records, returning the device to factory boot.
func (s *Selector) Erase(state *types.BootloaderState) error {
	sector := s.flash.SectorSize()
	if state.OtaInfo.Offset == 0 || state.OtaInfo.Size < 2*sector {
		return fmt.Errorf("no usable OTA data partition: %w", types.ErrConfiguration)
	}
	if state.OtaInfo.Offset%sector != 0 {
		return fmt.Errorf("OTA data offset 0x%x not sector aligned: %w", state.OtaInfo.Offset, types.ErrConfiguration)
	}
	first := state.OtaInfo.Offset / sector
	for i := uint32(0); i < 2; i++ {
		if err := s.flash.EraseSector(first + i); err != nil {
			return fmt.Errorf("failed to erase OTA data sector %d: %w", i, err)
		}
	}
	s.log.Info("OTA data erased")
	return nil
}

func (s *Selector) writeEntry(otaInfo types.PartitionPos, index int, entry types.OtaSelectEntry) error {
	sector := s.flash.SectorSize()
	if otaInfo.Offset%sector != 0 {
		return fmt.Errorf("OTA data offset 0x%x not sector aligned: %w", otaInfo.Offset, types.ErrConfiguration)
	}
	addr := otaInfo.Offset + uint32(index)*sector
	if err := s.flash.EraseSector(addr / sector); err != nil {
		return fmt.Errorf("failed to erase OTA data sector %d: %w", index, err)
	}

	raw, err := entry.MarshalBinary()
	if err != nil {
		return err
	}
	buf := flash.AlignedBuffer(len(raw))
	copy(buf, raw)
	if err := s.flash.Write(addr, buf); err != nil {
		return fmt.Errorf("failed to write OTA select entry %d: %w", index, err)
	}
	return nil
}
