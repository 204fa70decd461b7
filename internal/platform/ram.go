package platform

import (
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// RAM emulates the CPU address space as a set of independent regions.
type RAM struct {
	regions []ramRegion
}

type ramRegion struct {
	r    types.AddressRange
	data []byte
}

var _ interfaces.Memory = (*RAM)(nil)

// NewRAM allocates zeroed memory for each region.
func NewRAM(regions ...types.AddressRange) *RAM {
	ram := &RAM{}
	for _, r := range regions {
		ram.regions = append(ram.regions, ramRegion{r: r, data: make([]byte, r.End-r.Start)})
	}
	return ram
}

// WriteAt stores data at addr. The whole write must fall in one region.
func (m *RAM) WriteAt(addr uint32, data []byte) error {
	buf, err := m.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// ReadAt fills buf from addr.
func (m *RAM) ReadAt(addr uint32, buf []byte) error {
	src, err := m.slice(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (m *RAM) slice(addr uint32, n int) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	for _, reg := range m.regions {
		if addr >= reg.r.Start && end <= uint64(reg.r.End) {
			off := addr - reg.r.Start
			return reg.data[off : off+uint32(n)], nil
		}
	}
	return nil, fmt.Errorf("ram access 0x%08x+0x%x outside any region: %w", addr, n, types.ErrInvalidArgument)
}
