// Package partitiontable reads the flash partition table and reduces it to
// the bootloader state used for slot selection.
package partitiontable

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/logging"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Entry is one verified partition table slot together with its role.
type Entry struct {
	Index int
	Info  types.PartitionInfo
	Usage Usage
}

// Reader loads the partition table through the flash mapping window.
type Reader struct {
	flash  interfaces.FlashAccessor
	offset uint32
	loadRF bool
	log    logrus.FieldLogger
}

// Option configures a Reader.
type Option func(*Reader)

// WithTableOffset overrides the flash offset of the partition table.
func WithTableOffset(offset uint32) Option {
	return func(r *Reader) { r.offset = offset }
}

// WithRFData records the RF calibration partition in the bootloader state.
func WithRFData(enabled bool) Option {
	return func(r *Reader) { r.loadRF = enabled }
}

// WithLogger sets the logger used for the table listing.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reader) { r.log = logging.Component(logger, "partitions") }
}

// NewReader creates a partition table reader.
func NewReader(flash interfaces.FlashAccessor, opts ...Option) (*Reader, error) {
	if flash == nil {
		return nil, fmt.Errorf("flash accessor cannot be nil: %w", types.ErrInvalidArgument)
	}
	r := &Reader{
		flash:  flash,
		offset: types.DefaultPartitionTableOffset,
		log:    logging.Component(nil, "partitions"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Offset returns the flash offset the table is read from.
func (r *Reader) Offset() uint32 {
	return r.offset
}

// Load maps the table, verifies it and classifies every entry. The mapping
// is always released before Load returns.
func (r *Reader) Load() (*types.BootloaderState, []Entry, error) {
	m, err := r.flash.Map(r.offset, types.PartitionTableMaxLen)
	if err != nil {
		r.log.WithError(err).Errorf("bootloader_mmap(0x%x, 0x%x) failed", r.offset, types.PartitionTableMaxLen)
		return nil, nil, fmt.Errorf("failed to map partition table: %w", err)
	}
	defer r.flash.Unmap(m)
	r.log.Debugf("mapped partition table 0x%x at 0x%x", r.offset, m.VirtualAddr())

	raw := make([]byte, types.PartitionTableMaxLen)
	if _, err := m.ReadAt(raw, 0); err != nil {
		return nil, nil, fmt.Errorf("failed to read partition table: %w", err)
	}
	count, err := VerifyTable(raw, r.flash.Size())
	if err != nil {
		r.log.WithError(err).Error("failed to verify partition table")
		return nil, nil, err
	}

	r.log.Info("Partition Table:")
	r.log.Info("## Label            Usage          Type ST Offset   Length")

	state := &types.BootloaderState{}
	entries := make([]Entry, 0, count)
	slot := make([]byte, types.PartitionEntrySize)
	for i := 0; i < count; i++ {
		// Entries are copied out of the window one at a time; the mapped
		// region may not be directly addressable at byte granularity.
		if _, err := m.ReadAt(slot, int64(i*types.PartitionEntrySize)); err != nil {
			return nil, nil, fmt.Errorf("failed to read partition entry %d: %w", i, err)
		}
		info, err := decodeEntry(slot)
		if err != nil {
			return nil, nil, err
		}

		usage := Classify(info.Type, info.Subtype)
		r.log.WithFields(logrus.Fields{"type": info.Type, "subtype": info.Subtype}).Debug("load partition table entry")
		r.apply(state, info, usage)
		entries = append(entries, Entry{Index: i, Info: info, Usage: usage})

		r.log.Infof("%2d %-16s %-16s %02x %02x %08x %08x", i, info.LabelString(), usage,
			info.Type, info.Subtype, info.Pos.Offset, info.Pos.Size)
	}
	return state, entries, nil
}

func (r *Reader) apply(state *types.BootloaderState, info types.PartitionInfo, usage Usage) {
	switch usage.Kind {
	case UsageFactory:
		state.Factory = info.Pos
	case UsageTest:
		state.Test = info.Pos
	case UsageOtaSlot:
		state.Ota[usage.Slot] = info.Pos
		state.AppCount++
	case UsageOtaInfo:
		state.OtaInfo = info.Pos
	case UsageRFData:
		if r.loadRF {
			state.RF = info.Pos
		}
	}
}
