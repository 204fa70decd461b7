package flash

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/logging"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

const alignment = 4

// Adapter is the flash access adapter. It enforces 4-byte alignment, keeps
// the cache coherent around direct flash reads and owns the single mapping
// window.
type Adapter struct {
	chip   interfaces.FlashChip
	cache  interfaces.CacheController
	mapper interfaces.FlashMapper
	log    logrus.FieldLogger

	current *mapping
}

var _ interfaces.FlashAccessor = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used for mapping diagnostics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Adapter) {
		a.log = logging.Component(logger, "flash")
	}
}

// NewAdapter wraps a chip, its cache controller and a mapping strategy.
func NewAdapter(chip interfaces.FlashChip, cache interfaces.CacheController, mapper interfaces.FlashMapper, opts ...Option) (*Adapter, error) {
	if chip == nil || cache == nil || mapper == nil {
		return nil, fmt.Errorf("flash adapter needs a chip, cache and mapper: %w", types.ErrInvalidArgument)
	}
	a := &Adapter{
		chip:   chip,
		cache:  cache,
		mapper: mapper,
		log:    logging.Component(nil, "flash"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Size returns the flash size in bytes.
func (a *Adapter) Size() uint32 {
	return a.chip.Size()
}

// SectorSize returns the erase unit in bytes.
func (a *Adapter) SectorSize() uint32 {
	return a.chip.SectorSize()
}

// Read copies flash into buf with the cache disabled and flushed so that no
// stale line of a live code mapping survives the access.
func (a *Adapter) Read(addr uint32, buf []byte) error {
	if err := checkAlignment("flash read", addr, buf); err != nil {
		a.log.WithError(err).Error("rejecting flash read")
		return err
	}
	a.cache.Disable()
	a.cache.Flush()
	err := a.chip.Read(addr, buf)
	a.cache.Enable()
	if err != nil {
		return fmt.Errorf("flash read 0x%08x len 0x%x: %w", addr, len(buf), err)
	}
	return nil
}

// Write programs data after lifting write protection.
func (a *Adapter) Write(addr uint32, data []byte) error {
	if err := checkAlignment("flash write", addr, data); err != nil {
		a.log.WithError(err).Error("rejecting flash write")
		return err
	}
	if err := a.chip.Unlock(); err != nil {
		return fmt.Errorf("flash unlock: %w", err)
	}
	if err := a.chip.Write(addr, data); err != nil {
		return fmt.Errorf("flash write 0x%08x len 0x%x: %w", addr, len(data), err)
	}
	return nil
}

// EraseSector erases one sector by index.
func (a *Adapter) EraseSector(sector uint32) error {
	if uint64(sector)*uint64(a.chip.SectorSize()) >= uint64(a.chip.Size()) {
		return fmt.Errorf("sector %d beyond flash end: %w", sector, types.ErrInvalidArgument)
	}
	if err := a.chip.Unlock(); err != nil {
		return fmt.Errorf("flash unlock: %w", err)
	}
	if err := a.chip.EraseSector(sector); err != nil {
		return fmt.Errorf("flash erase sector %d: %w", sector, err)
	}
	return nil
}

// Map exposes size bytes at addr through the mapping window. Only one
// mapping may be active; a second request fails without touching the MMU.
func (a *Adapter) Map(addr, size uint32) (interfaces.FlashMapping, error) {
	if a.current != nil {
		a.log.WithFields(logrus.Fields{
			"addr":   fmt.Sprintf("0x%08x", addr),
			"active": fmt.Sprintf("0x%08x", a.current.flashAddr),
		}).Error("tried to map flash twice")
		return nil, types.ErrMappingConflict
	}
	if size == 0 || uint64(addr)+uint64(size) > uint64(a.chip.Size()) {
		return nil, fmt.Errorf("map 0x%08x+0x%x outside flash: %w", addr, size, types.ErrInvalidArgument)
	}
	window, err := a.mapper.Window(addr, size)
	if err != nil {
		a.log.WithError(err).Error("flash map rejected")
		return nil, err
	}

	a.cache.Disable()
	a.cache.Flush()
	a.log.WithFields(logrus.Fields{
		"paddr": fmt.Sprintf("0x%08x", window.PagePAddr),
		"count": window.PageCount,
	}).Debug("mmu set")
	if err := a.cache.SetMapping(window.PageVAddr/window.PageSize, window.PagePAddr/window.PageSize, window.PageCount); err != nil {
		a.cache.Enable()
		return nil, fmt.Errorf("mmu set for 0x%08x: %w", addr, err)
	}
	a.cache.Enable()

	a.current = &mapping{
		owner:     a,
		flashAddr: addr,
		vaddr:     window.VirtualAddr,
		size:      size,
	}
	return a.current, nil
}

// Unmap fully resets the mapping hardware. Every mapping handed out before
// becomes unreadable. Calling it with nothing mapped is a no-op.
func (a *Adapter) Unmap(interfaces.FlashMapping) {
	if a.current == nil {
		return
	}
	a.cache.Disable()
	a.cache.Flush()
	a.cache.ResetMMU()
	a.cache.Enable()
	a.current = nil
}

// Mapped reports whether the mapping window is in use.
func (a *Adapter) Mapped() bool {
	return a.current != nil
}

func checkAlignment(op string, addr uint32, buf []byte) error {
	if addr%alignment != 0 {
		return &types.AlignmentError{Op: op, Field: "address", Value: uint64(addr)}
	}
	if len(buf)%alignment != 0 {
		return &types.AlignmentError{Op: op, Field: "length", Value: uint64(len(buf))}
	}
	if len(buf) > 0 {
		if p := uintptr(unsafe.Pointer(unsafe.SliceData(buf))); p%alignment != 0 {
			return &types.AlignmentError{Op: op, Field: "buffer", Value: uint64(p)}
		}
	}
	return nil
}

// mapping is the handle returned by Map.
type mapping struct {
	owner     *Adapter
	flashAddr uint32
	vaddr     uint32
	size      uint32
}

var _ interfaces.FlashMapping = (*mapping)(nil)

func (m *mapping) VirtualAddr() uint32 { return m.vaddr }
func (m *mapping) FlashAddr() uint32   { return m.flashAddr }
func (m *mapping) Len() uint32         { return m.size }

// ReadAt copies mapped bytes. Reads go through the cache, so there is no
// alignment requirement, but the mapping must still be the active one.
func (m *mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.owner.current != m {
		return 0, types.ErrStaleMapping
	}
	if off < 0 || off+int64(len(p)) > int64(m.size) {
		return 0, fmt.Errorf("mapped read 0x%x+0x%x outside 0x%x bytes: %w", off, len(p), m.size, types.ErrInvalidArgument)
	}
	if err := m.owner.chip.Read(m.flashAddr+uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// AlignedBuffer returns a zeroed n-byte buffer whose start satisfies the
// adapter's alignment rule. n is rounded up to a multiple of four.
func AlignedBuffer(n int) []byte {
	words := make([]uint32, (n+alignment-1)/alignment)
	if len(words) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*alignment)
}
