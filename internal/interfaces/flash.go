package interfaces

import (
	"io"
)

// FlashChip is the raw SPI flash as exposed by the platform ROM routines.
// Implementations perform no alignment or cache handling of their own.
type FlashChip interface {
	// Read copies len(buf) bytes starting at addr into buf
	Read(addr uint32, buf []byte) error

	// Write programs data starting at addr
	Write(addr uint32, data []byte) error

	// EraseSector resets one sector to the erased state
	EraseSector(sector uint32) error

	// Unlock clears the write-protect bits ahead of a write
	Unlock() error

	// Size returns the flash size in bytes
	Size() uint32

	// SectorSize returns the erase unit in bytes
	SectorSize() uint32
}

// CacheController drives the flash cache and MMU that back memory mapping.
type CacheController interface {
	// Disable stops cache reads so flash can be accessed directly
	Disable()

	// Flush invalidates every cached line
	Flush()

	// Enable resumes cache reads
	Enable()

	// SetMapping programs count MMU entries so that the flash page number
	// paddr onwards appears at the virtual page number vaddr onwards
	SetMapping(vaddr, paddr, count uint32) error

	// ResetMMU clears every MMU entry
	ResetMMU()
}

// FlashMapping is a read-only view of flash established by FlashAccessor.Map.
// Reads fail once the mapping has been released.
type FlashMapping interface {
	io.ReaderAt

	// VirtualAddr returns the CPU address of the first mapped byte
	VirtualAddr() uint32

	// FlashAddr returns the flash address of the first mapped byte
	FlashAddr() uint32

	// Len returns the number of mapped bytes
	Len() uint32
}

// FlashAccessor is the capability the boot pipeline uses for every flash access.
type FlashAccessor interface {
	// Read copies flash into buf; addr, len(buf) and buf must be 4-byte aligned
	Read(addr uint32, buf []byte) error

	// Write programs data; addr, len(data) and data must be 4-byte aligned
	Write(addr uint32, data []byte) error

	// EraseSector erases one sector by index
	EraseSector(sector uint32) error

	// Map exposes a flash range through the single mapping window
	Map(addr, size uint32) (FlashMapping, error)

	// Unmap releases the mapping window; it is safe to call repeatedly
	Unmap(mapping FlashMapping)

	// SectorSize returns the erase unit in bytes
	SectorSize() uint32

	// Size returns the flash size in bytes
	Size() uint32
}

// MapWindow is the MMU programming a FlashMapper computes for a request.
type MapWindow struct {
	// VirtualAddr is the CPU address of the requested flash address
	VirtualAddr uint32

	// PageVAddr is the CPU address of the first mapped page
	PageVAddr uint32

	// PagePAddr is the flash address of the first mapped page
	PagePAddr uint32

	// PageCount is the number of MMU pages to program
	PageCount uint32

	// PageSize is the size of one MMU page in bytes
	PageSize uint32
}

// FlashMapper computes the mapping window layout of one chip family.
type FlashMapper interface {
	// Window returns the MMU programming for mapping size bytes at addr
	Window(addr, size uint32) (MapWindow, error)

	// Name identifies the mapping scheme in logs
	Name() string
}
