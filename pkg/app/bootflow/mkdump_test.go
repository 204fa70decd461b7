package bootflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-espboot/internal/types"
	"github.com/deploymenttheory/go-espboot/pkg/app"
)

const standardLayout = `
md5: true
ota_slot: 1
bootloader:
  entry: 0x40100004
  segments:
    - {load_addr: 0x40100000, file: iram.bin}
partitions:
  - {label: otadata, type: data, subtype: ota, offset: 0xD000, size: 0x2000}
  - {label: phy_init, type: data, subtype: phy, offset: 0xF000, size: 0x1000}
  - label: factory
    type: app
    subtype: factory
    offset: 0x10000
    size: 0x40000
    image:
      entry: 0x40100010
      spi_mode: 2
      spi_size: 2
      segments:
        - {load_addr: 0x40100000, file: iram.bin}
        - {load_addr: 0x3FFE8000, fill: 0xA5, size: 16}
  - {label: ota_0, type: app, subtype: ota_0, offset: 0x50000, size: 0x40000}
  - label: ota_1
    type: app
    subtype: ota_1
    offset: 0x90000
    size: 0x40000
    image:
      entry: 0x40100010
      segments:
        - {load_addr: 0x40100000, file: iram.bin}
`

// writeLayout stores a layout and the segment data it refers to.
func writeLayout(t *testing.T, layout string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	iram := make([]byte, 64)
	for i := range iram {
		iram[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iram.bin"), iram, 0o644))
	path := filepath.Join(dir, "layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(layout), 0o644))
	return path, dir
}

func TestHandleMkdump(t *testing.T) {
	t.Run("BuildsBootableDump", func(t *testing.T) {
		layout, dir := writeLayout(t, standardLayout)
		out := filepath.Join(dir, "flash.bin")

		resp, err := HandleMkdump(testContext(testConfig()), &MkdumpRequest{Layout: layout, Output: out})
		require.NoError(t, err)
		assert.Equal(t, 5, resp.Partitions)
		assert.Equal(t, uint32(dumpSize), resp.FlashSize)
		assert.Equal(t, types.DefaultPartitionTableOffset, resp.TableOffset)
		assert.Equal(t, "ota_1", resp.Selected)
		require.Len(t, resp.Images, 3)
		assert.Equal(t, "bootloader", resp.Images[0].Name)
		assert.Equal(t, "factory", resp.Images[1].Name)
		assert.Equal(t, uint32(0x90000), resp.Images[2].Offset)

		info, err := os.Stat(out)
		require.NoError(t, err)
		assert.Equal(t, int64(dumpSize), info.Size())

		booted, err := HandleBoot(testContext(testConfig()), &BootRequest{Dump: app.DumpTarget{Path: out}})
		require.NoError(t, err)
		assert.Equal(t, 1, booted.BootIndex)
		assert.Equal(t, "ota_1", booted.Partition)

		verified, err := HandleVerify(testContext(testConfig()), &VerifyRequest{Dump: app.DumpTarget{Path: out}, Bootloader: true})
		require.NoError(t, err)
		assert.Equal(t, 3, verified.Valid)
		assert.Equal(t, 1, verified.Invalid)
	})

	t.Run("IntelHexOutput", func(t *testing.T) {
		layout, dir := writeLayout(t, standardLayout)
		out := filepath.Join(dir, "flash.hex")

		_, err := HandleMkdump(testContext(testConfig()), &MkdumpRequest{Layout: layout, Output: out})
		require.NoError(t, err)

		parts, err := HandlePartitions(testContext(testConfig()), &PartitionsRequest{Dump: app.DumpTarget{Path: out}})
		require.NoError(t, err)
		require.Len(t, parts.Partitions, 5)
		assert.Equal(t, "RF data", parts.Partitions[1].Usage)
	})

	t.Run("UnmappableSlotFallsBackToFactory", func(t *testing.T) {
		// ota_0 starts 64 KiB below the 1 MiB boundary and its image is
		// longer than that, so the ESP8266 window cannot hold it.
		layout, dir := writeLayout(t, `
ota_slot: 0
partitions:
  - {label: otadata, type: data, subtype: ota, offset: 0xD000, size: 0x2000}
  - label: factory
    type: app
    subtype: factory
    offset: 0x10000
    size: 0x40000
    image:
      entry: 0x40100010
      segments:
        - {load_addr: 0x40100000, file: iram.bin}
  - label: ota_0
    type: app
    subtype: ota_0
    offset: 0xF0000
    size: 0x20000
    image:
      entry: 0x40100010
      segments:
        - {load_addr: 0x40200010, fill: 0x11, size: 0x14000}
        - {load_addr: 0x40100000, file: iram.bin}
`)
		cfg := testConfig()
		cfg.Flash.Size = 0x200000
		out := filepath.Join(dir, "flash.bin")

		built, err := HandleMkdump(testContext(cfg), &MkdumpRequest{Layout: layout, Output: out})
		require.NoError(t, err)
		assert.Equal(t, "ota_0", built.Selected)

		verified, err := HandleVerify(testContext(cfg), &VerifyRequest{Dump: app.DumpTarget{Path: out}, Offset: 0xF0000})
		require.NoError(t, err)
		require.Len(t, verified.Results, 1)
		assert.True(t, verified.Results[0].Valid)
		assert.Greater(t, verified.Results[0].ImageLen, uint32(0x10000))

		booted, err := HandleBoot(testContext(cfg), &BootRequest{Dump: app.DumpTarget{Path: out}})
		require.NoError(t, err)
		assert.Equal(t, "STARTED", booted.State)
		assert.Equal(t, 0, booted.StartIndex)
		assert.Equal(t, types.FactoryIndex, booted.BootIndex)
		require.Len(t, booted.Attempts, 2)
		assert.Equal(t, "ota_0", booted.Attempts[0].Name)
		assert.Contains(t, booted.Attempts[0].Error, "cannot be mapped")
		assert.Empty(t, booted.Attempts[1].Error)
	})

	t.Run("TableOffsetOverride", func(t *testing.T) {
		layout, dir := writeLayout(t, strings.Replace(standardLayout, "md5: true", "md5: true\ntable_offset: 0x9000", 1))
		out := filepath.Join(dir, "flash.bin")

		resp, err := HandleMkdump(testContext(testConfig()), &MkdumpRequest{Layout: layout, Output: out})
		require.NoError(t, err)
		assert.Equal(t, uint32(0x9000), resp.TableOffset)

		cfg := testConfig()
		cfg.Flash.TableOffset = 0x9000
		parts, err := HandlePartitions(testContext(cfg), &PartitionsRequest{Dump: app.DumpTarget{Path: out}})
		require.NoError(t, err)
		assert.Len(t, parts.Partitions, 5)
	})
}

func TestHandleMkdump_Errors(t *testing.T) {
	tests := []struct {
		name     string
		layout   string
		wantCode string
		message  string
	}{
		{
			name:     "UnknownField",
			layout:   "partitions: []\nflash: 1\n",
			wantCode: app.ErrCodeInvalidInput,
			message:  "failed to load layout",
		},
		{
			name:     "NoPartitions",
			layout:   "md5: true\n",
			wantCode: app.ErrCodeInvalidInput,
			message:  "has no partitions",
		},
		{
			name:     "UnknownSubtype",
			layout:   "partitions:\n  - {label: x, type: app, subtype: ota_99, offset: 0x10000, size: 0x1000}\n",
			wantCode: app.ErrCodeInvalidInput,
			message:  "invalid OTA subtype",
		},
		{
			name:     "LabelTooLong",
			layout:   "partitions:\n  - {label: a_very_long_label, type: data, subtype: 0x40, offset: 0x10000, size: 0x1000}\n",
			wantCode: app.ErrCodeInvalidInput,
			message:  "longer than 15 bytes",
		},
		{
			name: "ImageLargerThanPartition",
			layout: `
partitions:
  - label: factory
    type: app
    subtype: factory
    offset: 0x10000
    size: 0x1000
    image:
      segments:
        - {load_addr: 0x40100000, size: 0x2000}
`,
			wantCode: app.ErrCodeInvalidInput,
			message:  "does not fit",
		},
		{
			name: "SlotBeyondTable",
			layout: `
ota_slot: 3
partitions:
  - {label: otadata, type: data, subtype: ota, offset: 0xD000, size: 0x2000}
  - {label: ota_0, type: app, subtype: ota_0, offset: 0x10000, size: 0x10000}
`,
			wantCode: app.ErrCodeInvalidInput,
			message:  "failed to set boot slot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout, dir := writeLayout(t, tt.layout)
			out := filepath.Join(dir, "flash.bin")
			_, err := HandleMkdump(testContext(testConfig()), &MkdumpRequest{Layout: layout, Output: out})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errorCode(t, err))
			assert.Contains(t, err.Error(), tt.message)
			assert.NoFileExists(t, out)
		})
	}

	t.Run("Validation", func(t *testing.T) {
		for name, req := range map[string]MkdumpRequest{
			"NoLayout": {Output: "flash.bin"},
			"NoOutput": {Layout: "layout.yaml"},
			"S3Output": {Layout: "layout.yaml", Output: "s3://bucket/flash.bin"},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := HandleMkdump(testContext(testConfig()), &req)
				require.Error(t, err)
				assert.Equal(t, app.ErrCodeInvalidInput, errorCode(t, err))
			})
		}
	})
}
