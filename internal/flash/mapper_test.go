package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

func TestESP32Mapper_Window(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		size uint32
		want interfaces.MapWindow
	}{
		{
			name: "PageAligned",
			addr: 0x10000,
			size: 0x20000,
			want: interfaces.MapWindow{VirtualAddr: 0x3F400000, PageVAddr: 0x3F400000, PagePAddr: 0x10000, PageCount: 2, PageSize: 0x10000},
		},
		{
			name: "OffsetInsidePage",
			addr: 0x18000,
			size: 0x10000,
			want: interfaces.MapWindow{VirtualAddr: 0x3F408000, PageVAddr: 0x3F400000, PagePAddr: 0x10000, PageCount: 2, PageSize: 0x10000},
		},
		{
			name: "PartitionTable",
			addr: 0x8000,
			size: 0xC00,
			want: interfaces.MapWindow{VirtualAddr: 0x3F408000, PageVAddr: 0x3F400000, PagePAddr: 0, PageCount: 1, PageSize: 0x10000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ESP32Mapper{}.Window(tt.addr, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("TooLarge", func(t *testing.T) {
		_, err := ESP32Mapper{}.Window(0, 0x320001)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestESP8266Mapper_Window(t *testing.T) {
	tests := []struct {
		name      string
		addr      uint32
		size      uint32
		wantVAddr uint32
		wantPAddr uint32
	}{
		{"FirstRegion", 0x10000, 0x1000, 0x40210000, 0x000000},
		{"SecondSubRegion", 0x180000, 0x1000, 0x40280000, 0x100000},
		{"ThirdRegion", 0x410000, 0x1000, 0x40210000, 0x400000},
		{"UpperSubOfSecondRegion", 0x300000, 0x100000, 0x40200000, 0x300000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ESP8266Mapper{}.Window(tt.addr, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVAddr, got.VirtualAddr)
			assert.Equal(t, tt.wantPAddr, got.PagePAddr)
			assert.Equal(t, uint32(1), got.PageCount)
			assert.Equal(t, uint32(0x100000), got.PageSize)
		})
	}

	t.Run("BeyondMappableFlash", func(t *testing.T) {
		_, err := ESP8266Mapper{}.Window(0x800000, 0x100)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
	t.Run("CrossesSubRegion", func(t *testing.T) {
		_, err := ESP8266Mapper{}.Window(0x1FF000, 0x2000)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestNewMapper(t *testing.T) {
	assert.Equal(t, "esp32-mmu", NewMapper(types.ChipESP32).Name())
	assert.Equal(t, "esp8266-region", NewMapper(types.ChipESP8266).Name())
	assert.Equal(t, uint32(51), MaxMapPages(types.ChipESP32))
	assert.Equal(t, uint32(1), MaxMapPages(types.ChipESP8266))
}

func TestCache_SetMapping(t *testing.T) {
	c := NewCache(2)
	t.Run("RequiresDisabledCache", func(t *testing.T) {
		assert.ErrorIs(t, c.SetMapping(0, 0, 1), types.ErrFlashOp)
	})
	t.Run("PageLimit", func(t *testing.T) {
		c.Disable()
		defer c.Enable()
		assert.ErrorIs(t, c.SetMapping(0, 0, 3), types.ErrInvalidArgument)
		assert.ErrorIs(t, c.SetMapping(0, 0, 0), types.ErrInvalidArgument)
		require.NoError(t, c.SetMapping(0x3F4, 0, 2))
		assert.Equal(t, 2, c.MappedPages())
	})
}

func TestMemoryChip_New(t *testing.T) {
	_, err := NewMemoryChip(make([]byte, 0x1000), 0x300)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = NewMemoryChip(make([]byte, 0x1800), 0x1000)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = NewMemoryChip(nil, 0x1000)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	chip, err := NewErasedChip(0x2000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000), chip.Size())
	assert.Equal(t, byte(0xFF), chip.Bytes()[0x1FFF])
}
