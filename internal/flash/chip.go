// Package flash implements the flash access adapter used by the boot
// pipeline together with an emulated SPI flash chip and cache controller.
package flash

import (
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// DefaultSectorSize is the SPI flash erase unit.
const DefaultSectorSize uint32 = 0x1000

// Fault lets tests make a chip operation fail. Returning nil lets the
// operation proceed.
type Fault func(op string, addr uint32) error

// MemoryChip emulates a NOR flash chip backed by a byte slice. Programming
// can only clear bits; erasing a sector sets it back to 0xFF.
type MemoryChip struct {
	data       []byte
	sectorSize uint32
	locked     bool
	fault      Fault
}

var _ interfaces.FlashChip = (*MemoryChip)(nil)

// NewMemoryChip wraps data as flash contents. The chip starts write protected.
func NewMemoryChip(data []byte, sectorSize uint32) (*MemoryChip, error) {
	if sectorSize == 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, fmt.Errorf("sector size 0x%x must be a power of two: %w", sectorSize, types.ErrInvalidArgument)
	}
	if len(data) == 0 || uint32(len(data))%sectorSize != 0 {
		return nil, fmt.Errorf("flash size 0x%x must be a non-zero multiple of the sector size: %w", len(data), types.ErrInvalidArgument)
	}
	return &MemoryChip{data: data, sectorSize: sectorSize, locked: true}, nil
}

// NewErasedChip returns a chip of the given size with every byte erased.
func NewErasedChip(size, sectorSize uint32) (*MemoryChip, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return NewMemoryChip(data, sectorSize)
}

// SetFault installs a fault hook; nil removes it.
func (c *MemoryChip) SetFault(f Fault) {
	c.fault = f
}

// Bytes returns the backing storage.
func (c *MemoryChip) Bytes() []byte {
	return c.data
}

// Size returns the flash size in bytes.
func (c *MemoryChip) Size() uint32 {
	return uint32(len(c.data))
}

// SectorSize returns the erase unit in bytes.
func (c *MemoryChip) SectorSize() uint32 {
	return c.sectorSize
}

// Read copies flash contents into buf.
func (c *MemoryChip) Read(addr uint32, buf []byte) error {
	if err := c.check("read", addr, len(buf)); err != nil {
		return err
	}
	copy(buf, c.data[addr:])
	return nil
}

// Write programs data at addr. The chip must have been unlocked.
func (c *MemoryChip) Write(addr uint32, data []byte) error {
	if err := c.check("write", addr, len(data)); err != nil {
		return err
	}
	if c.locked {
		return fmt.Errorf("write at 0x%x: chip is write protected: %w", addr, types.ErrFlashOp)
	}
	dst := c.data[addr : addr+uint32(len(data))]
	for i, b := range data {
		dst[i] &= b
	}
	return nil
}

// EraseSector sets every byte of the sector to 0xFF.
func (c *MemoryChip) EraseSector(sector uint32) error {
	addr := uint64(sector) * uint64(c.sectorSize)
	if addr >= uint64(len(c.data)) {
		return fmt.Errorf("erase sector %d beyond flash end: %w", sector, types.ErrFlashOp)
	}
	if err := c.check("erase", uint32(addr), int(c.sectorSize)); err != nil {
		return err
	}
	if c.locked {
		return fmt.Errorf("erase sector %d: chip is write protected: %w", sector, types.ErrFlashOp)
	}
	s := c.data[addr : addr+uint64(c.sectorSize)]
	for i := range s {
		s[i] = 0xFF
	}
	return nil
}

// Unlock clears write protection.
func (c *MemoryChip) Unlock() error {
	if c.fault != nil {
		if err := c.fault("unlock", 0); err != nil {
			return err
		}
	}
	c.locked = false
	return nil
}

func (c *MemoryChip) check(op string, addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(c.data)) {
		return fmt.Errorf("%s 0x%x+0x%x beyond flash end 0x%x: %w", op, addr, n, len(c.data), types.ErrFlashOp)
	}
	if c.fault != nil {
		return c.fault(op, addr)
	}
	return nil
}
