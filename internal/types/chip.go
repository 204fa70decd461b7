package types

import (
	"fmt"
	"strings"
)

// ChipTarget selects the flash mapping scheme and address map.
type ChipTarget string

const (
	ChipESP8266 ChipTarget = "esp8266"
	ChipESP32   ChipTarget = "esp32"
)

// ParseChipTarget accepts a target name case-insensitively.
func ParseChipTarget(s string) (ChipTarget, error) {
	switch ChipTarget(strings.ToLower(strings.TrimSpace(s))) {
	case ChipESP8266:
		return ChipESP8266, nil
	case ChipESP32:
		return ChipESP32, nil
	}
	return "", fmt.Errorf("unknown chip target %q: %w", s, ErrInvalidArgument)
}

// AddressRange is a half-open range of CPU addresses.
type AddressRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether addr lies inside the range.
func (r AddressRange) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// AddressMap tells the image loader where each segment belongs.
type AddressMap struct {
	// MapWindows are executed in place through the flash cache.
	MapWindows []AddressRange
	// LoadRegions are copied into RAM by the bootloader.
	LoadRegions []AddressRange
}

// SegmentPlacement is the outcome of classifying a load address.
type SegmentPlacement int

const (
	PlacementSkip SegmentPlacement = iota
	PlacementMap
	PlacementLoad
)

func (p SegmentPlacement) String() string {
	switch p {
	case PlacementMap:
		return "map"
	case PlacementLoad:
		return "load"
	default:
		return ""
	}
}

// Classify places a segment load address. Map windows win over load regions.
func (m AddressMap) Classify(addr uint32) SegmentPlacement {
	for _, r := range m.MapWindows {
		if r.Contains(addr) {
			return PlacementMap
		}
	}
	for _, r := range m.LoadRegions {
		if r.Contains(addr) {
			return PlacementLoad
		}
	}
	return PlacementSkip
}

// DefaultAddressMap returns the address map of a chip target.
func DefaultAddressMap(chip ChipTarget) AddressMap {
	switch chip {
	case ChipESP32:
		return AddressMap{
			MapWindows: []AddressRange{
				{Start: 0x3F400000, End: 0x3F800000}, // DROM
				{Start: 0x400D0000, End: 0x40400000}, // IROM
			},
			LoadRegions: []AddressRange{
				{Start: 0x3FFAE000, End: 0x40000000}, // DRAM
				{Start: 0x40070000, End: 0x400A0000}, // IRAM
				{Start: 0x400C0000, End: 0x400C2000}, // RTC fast
				{Start: 0x50000000, End: 0x50002000}, // RTC slow
			},
		}
	default:
		return AddressMap{
			MapWindows: []AddressRange{
				{Start: 0x40200000, End: 0x40300000}, // IROM
			},
			LoadRegions: []AddressRange{
				{Start: 0x3FFE8000, End: 0x40000000}, // DRAM
				{Start: 0x40100000, End: 0x40110000}, // IRAM
				{Start: 0x60001000, End: 0x60001200}, // RTC data
			},
		}
	}
}
