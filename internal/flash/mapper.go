package flash

import (
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// ESP32 maps flash through 64 KiB MMU pages. The bootloader may use the
// first 50 of the 51 data pages; the last one is reserved for reads.
const (
	esp32MMUPageSize  uint32 = 0x10000
	esp32MMUFlashMask uint32 = 0xFFFF0000
	esp32MapVAddr     uint32 = 0x3F400000
	esp32MaxMapSize   uint32 = 0x320000
	esp32MaxMapPages         = esp32MaxMapSize / esp32MMUPageSize
)

// ESP8266 exposes one 1 MiB window at 0x40200000 selected from 2 MiB
// regions of the first 8 MiB of flash.
const (
	esp8266MapVAddr     uint32 = 0x40200000
	esp8266RegionSize   uint32 = 0x200000
	esp8266SubRegion    uint32 = 0x100000
	esp8266MappableSize uint32 = 0x800000
)

// ESP32Mapper computes page-granular mappings.
type ESP32Mapper struct{}

var _ interfaces.FlashMapper = ESP32Mapper{}

// Name identifies the scheme.
func (ESP32Mapper) Name() string { return "esp32-mmu" }

// Window returns the MMU programming for addr/size.
func (ESP32Mapper) Window(addr, size uint32) (interfaces.MapWindow, error) {
	if size > esp32MaxMapSize {
		return interfaces.MapWindow{}, fmt.Errorf("map size 0x%x exceeds 0x%x: %w", size, esp32MaxMapSize, types.ErrInvalidArgument)
	}
	aligned := addr & esp32MMUFlashMask
	count := (size + (addr - aligned) + esp32MMUPageSize - 1) / esp32MMUPageSize
	if count == 0 {
		count = 1
	}
	return interfaces.MapWindow{
		VirtualAddr: esp32MapVAddr + (addr - aligned),
		PageVAddr:   esp32MapVAddr,
		PagePAddr:   aligned,
		PageCount:   count,
		PageSize:    esp32MMUPageSize,
	}, nil
}

// ESP8266Mapper selects one 1 MiB sub-region.
type ESP8266Mapper struct{}

var _ interfaces.FlashMapper = ESP8266Mapper{}

// Name identifies the scheme.
func (ESP8266Mapper) Name() string { return "esp8266-region" }

// Window returns the region programming for addr/size.
func (ESP8266Mapper) Window(addr, size uint32) (interfaces.MapWindow, error) {
	if addr >= esp8266MappableSize {
		return interfaces.MapWindow{}, fmt.Errorf("flash address 0x%x is not mappable: %w", addr, types.ErrInvalidArgument)
	}
	region := addr / esp8266RegionSize
	offset := addr % esp8266RegionSize
	sub := uint32(0)
	if offset >= esp8266SubRegion {
		sub = 1
		offset -= esp8266SubRegion
	}
	if uint64(offset)+uint64(size) > uint64(esp8266SubRegion) {
		return interfaces.MapWindow{}, fmt.Errorf("map 0x%x+0x%x crosses the 1 MiB window: %w", addr, size, types.ErrInvalidArgument)
	}
	return interfaces.MapWindow{
		VirtualAddr: esp8266MapVAddr + offset,
		PageVAddr:   esp8266MapVAddr,
		PagePAddr:   region*esp8266RegionSize + sub*esp8266SubRegion,
		PageCount:   1,
		PageSize:    esp8266SubRegion,
	}, nil
}

// NewMapper returns the mapping strategy for a chip target.
func NewMapper(chip types.ChipTarget) interfaces.FlashMapper {
	if chip == types.ChipESP32 {
		return ESP32Mapper{}
	}
	return ESP8266Mapper{}
}

// MaxMapPages returns the MMU capacity of a chip target. An unaligned
// ESP32 request may spill into one extra page.
func MaxMapPages(chip types.ChipTarget) uint32 {
	if chip == types.ChipESP32 {
		return esp32MaxMapPages + 1
	}
	return 1
}
