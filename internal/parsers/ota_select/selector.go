// Package otaselect reads and writes the two redundant OTA select records and
// turns them into the index of the app partition to boot.
package otaselect

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/logging"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Selector decides which app partition to boot from the OTA data partition.
type Selector struct {
	flash interfaces.FlashAccessor
	log   logrus.FieldLogger
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger used for selection diagnostics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Selector) { s.log = logging.Component(logger, "ota") }
}

// NewSelector creates a selector reading OTA data through flash.
func NewSelector(flash interfaces.FlashAccessor, opts ...Option) (*Selector, error) {
	if flash == nil {
		return nil, fmt.Errorf("flash accessor cannot be nil: %w", types.ErrInvalidArgument)
	}
	s := &Selector{flash: flash, log: logging.Component(nil, "ota")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ReadEntries maps the OTA data partition and copies out the records at the
// start of its two sectors. The mapping is released before returning.
func (s *Selector) ReadEntries(otaInfo types.PartitionPos) (a, b types.OtaSelectEntry, err error) {
	sector := s.flash.SectorSize()
	if otaInfo.Size < 2*sector {
		return a, b, fmt.Errorf("ota_info partition size 0x%x is too small (minimum 0x%x bytes): %w",
			otaInfo.Size, 2*sector, types.ErrConfiguration)
	}

	m, err := s.flash.Map(otaInfo.Offset, otaInfo.Size)
	if err != nil {
		return a, b, fmt.Errorf("failed to map ota data 0x%x+0x%x: %w", otaInfo.Offset, otaInfo.Size, err)
	}
	defer s.flash.Unmap(m)

	buf := make([]byte, types.OtaSelectEntrySize)
	for i, e := range []*types.OtaSelectEntry{&a, &b} {
		if _, err := m.ReadAt(buf, int64(uint32(i)*sector)); err != nil {
			return types.OtaSelectEntry{}, types.OtaSelectEntry{}, fmt.Errorf("failed to read ota select entry %d: %w", i, err)
		}
		if err := e.UnmarshalBinary(buf); err != nil {
			return types.OtaSelectEntry{}, types.OtaSelectEntry{}, err
		}
	}
	return a, b, nil
}

// SelectBootIndex returns the partition index to start the fallback search
// from: an OTA slot, types.FactoryIndex, or types.InvalidIndex when the OTA
// data cannot be used at all.
func (s *Selector) SelectBootIndex(state *types.BootloaderState) int {
	if state.OtaInfo.Offset == 0 {
		return types.FactoryIndex
	}

	s.log.Debugf("OTA data offset 0x%x", state.OtaInfo.Offset)
	a, b, err := s.ReadEntries(state.OtaInfo)
	if err != nil {
		s.log.WithError(err).Error("cannot read OTA data")
		return types.InvalidIndex
	}
	s.log.Debugf("OTA sequence values A 0x%08x B 0x%08x", a.OtaSeq, b.OtaSeq)

	if a.IsErased() && b.IsErased() {
		s.log.Debug("OTA sequence numbers both empty (all-0xFF)")
		if state.Factory.Offset != 0 {
			s.log.Info("Defaulting to factory image")
			return types.FactoryIndex
		}
		s.log.Info("No factory image, trying OTA 0")
		return 0
	}

	seq, source, ok := adoptSequence(a, b)
	if !ok {
		if state.Factory.Offset != 0 {
			s.log.Error("ota data partition invalid, falling back to factory")
		} else {
			s.log.Error("ota data partition invalid and no factory, will try all partitions")
		}
		return types.FactoryIndex
	}
	if seq == 0 || state.AppCount == 0 {
		s.log.Errorf("%s valid but seq %d selects no OTA app partition, falling back to factory", source, seq)
		return types.FactoryIndex
	}

	// Sequence numbers are 1-based write counters that grow forever while
	// the slots cycle.
	slot := int((seq - 1) % uint32(state.AppCount))
	s.log.Debugf("%s valid. Mapping seq %d -> OTA slot %d", source, seq, slot)
	return slot
}

// adoptSequence picks the sequence number to boot from. The newer record
// wins when both are valid.
func adoptSequence(a, b types.OtaSelectEntry) (seq uint32, source string, ok bool) {
	switch {
	case a.IsValid() && b.IsValid():
		return max(a.OtaSeq, b.OtaSeq), "Both OTA values", true
	case a.IsValid():
		return a.OtaSeq, "Only OTA sequence A is", true
	case b.IsValid():
		return b.OtaSeq, "Only OTA sequence B is", true
	}
	return 0, "", false
}
