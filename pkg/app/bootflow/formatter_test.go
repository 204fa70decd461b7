package bootflow

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-espboot/internal/journal"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

func sampleBootResponse() *BootResponse {
	return &BootResponse{
		BootID:     "3f2c9a1e-8d4b-4c8e-a1f2-0b9c7d6e5a43",
		Chip:       "esp8266",
		State:      "STARTED",
		StartIndex: 1,
		BootIndex:  types.FactoryIndex,
		Partition:  "factory",
		Offset:     0x10000,
		ImageLen:   0xB0,
		EntryAddr:  0x40100010,
		Attempts: []Attempt{
			{Index: 1, Name: "ota_1", Offset: 0x90000, Size: 0x40000, Error: "image invalid"},
			{Index: 0, Name: "ota_0", Offset: 0x50000, Size: 0x40000, Error: "image invalid"},
			{Index: types.FactoryIndex, Name: "factory", Offset: 0x10000, Size: 0x40000},
		},
	}
}

func TestFormatOutput(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		wantErr  bool
		validate func(*testing.T, string)
	}{
		{
			name:   "table format",
			format: "table",
			validate: func(t *testing.T, output string) {
				assert.Contains(t, output, "INDEX")
				assert.Contains(t, output, "ota_1")
				assert.Contains(t, output, "0x00090000")
				assert.Contains(t, output, "Boot 3f2c9a1e-8d4b-4c8e-a1f2-0b9c7d6e5a43: STARTED")
				assert.Contains(t, output, "Started factory (factory) at offset 0x10000, entry 0x40100010")
			},
		},
		{
			name:   "json format",
			format: "json",
			validate: func(t *testing.T, output string) {
				var decoded BootResponse
				require.NoError(t, json.Unmarshal([]byte(output), &decoded))
				assert.Equal(t, "STARTED", decoded.State)
				assert.Len(t, decoded.Attempts, 3)
				assert.Equal(t, uint32(0x40100010), decoded.EntryAddr)
			},
		},
		{
			name:   "yaml format",
			format: "yaml",
			validate: func(t *testing.T, output string) {
				var decoded map[string]any
				require.NoError(t, yaml.Unmarshal([]byte(output), &decoded))
				assert.Equal(t, "esp8266", decoded["chip"])
				assert.Equal(t, -1, decoded["boot_index"])
			},
		},
		{
			name:    "unsupported format",
			format:  "xml",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := FormatOutput(&buf, sampleBootResponse(), tt.format)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported output format")
				return
			}
			require.NoError(t, err)
			tt.validate(t, buf.String())
		})
	}
}

func TestFormatTable(t *testing.T) {
	render := func(t *testing.T, response any) string {
		t.Helper()
		var buf bytes.Buffer
		require.NoError(t, FormatOutput(&buf, response, "table"))
		return buf.String()
	}

	t.Run("FailedBoot", func(t *testing.T) {
		r := sampleBootResponse()
		r.State = "FAILED"
		r.Error = "no bootable app partition"
		out := render(t, r)
		assert.Contains(t, out, "Error: no bootable app partition")
		assert.NotContains(t, out, "Started")
	})

	t.Run("Partitions", func(t *testing.T) {
		out := render(t, &PartitionsResponse{
			TableOffset: 0x8000,
			AppCount:    2,
			Partitions: []PartitionRow{
				{Index: 0, Label: "otadata", Usage: "OTA data", Type: 1, Subtype: 0, Offset: 0xD000, Size: 0x2000},
				{Index: 1, Label: "factory", Usage: "factory app", Offset: 0x10000, Size: 0x40000},
			},
		})
		assert.Contains(t, out, "otadata")
		assert.Contains(t, out, "factory app")
		assert.Contains(t, out, "0x0000d000")
		assert.Contains(t, out, "Table at 0x8000, 2 OTA app partition(s)")
	})

	t.Run("EmptyPartitions", func(t *testing.T) {
		assert.Contains(t, render(t, &PartitionsResponse{}), "Partition table is empty.")
	})

	t.Run("OtaData", func(t *testing.T) {
		out := render(t, &OtaResponse{
			Action:   OtaSet,
			Offset:   0xD000,
			A:        OtaRecord{Seq: 2, CRC: 0x12345678, State: "valid"},
			B:        OtaRecord{Seq: 0xFFFFFFFF, CRC: 0xFFFFFFFF, State: "erased"},
			Selected: "ota_1",
			Saved:    true,
		})
		assert.Contains(t, out, "0x00000002")
		assert.Contains(t, out, "erased")
		assert.Contains(t, out, "OTA data at 0xd000 selects ota_1")
		assert.Contains(t, out, "Flash dump updated")
	})

	t.Run("Verify", func(t *testing.T) {
		out := render(t, &VerifyResponse{
			Results: []VerifyResult{
				{Name: "factory", Offset: 0x10000, Valid: true, ImageLen: 0xB0, EntryAddr: 0x40100010, Segments: 2},
				{Name: "ota_0", Offset: 0x50000, Error: "image invalid"},
			},
			Valid:   1,
			Invalid: 1,
		})
		assert.Contains(t, out, "valid")
		assert.Contains(t, out, "image invalid")
		assert.Contains(t, out, "1 valid, 1 invalid")
	})

	t.Run("EmptyVerify", func(t *testing.T) {
		assert.Contains(t, render(t, &VerifyResponse{}), "No app images to verify.")
	})

	t.Run("History", func(t *testing.T) {
		out := render(t, &HistoryResponse{Entries: []journal.Entry{{
			BootID:    "abc",
			StartedAt: time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC),
			Chip:      "esp32",
			State:     "STARTED",
			BootIndex: 1,
			Offset:    0x110000,
			Attempts:  2,
		}}})
		assert.Contains(t, out, "2024-03-09 10:30:00")
		assert.Contains(t, out, "ota_1")
		assert.Contains(t, out, "0x00110000")
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		assert.Contains(t, render(t, &HistoryResponse{}), "No boot attempts recorded.")
	})

	t.Run("Mkdump", func(t *testing.T) {
		out := render(t, &MkdumpResponse{
			Output:      "flash.bin",
			FlashSize:   0x100000,
			TableOffset: 0x8000,
			Partitions:  3,
			Images:      []BuiltImage{{Name: "factory", Offset: 0x10000, Len: 0xB0, Room: 0x40000}},
			Selected:    "factory",
		})
		assert.Contains(t, out, "IMAGE")
		assert.Contains(t, out, "0x00010000")
		assert.Contains(t, out, "Wrote flash.bin: 0x100000 bytes, 3 partition(s), table at 0x8000")
		assert.Contains(t, out, "Next boot selects factory")
	})

	t.Run("UnknownResponse", func(t *testing.T) {
		err := FormatOutput(&bytes.Buffer{}, struct{}{}, "table")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no table layout")
	})
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "factory", IndexName(types.FactoryIndex))
	assert.Equal(t, "test", IndexName(types.TestAppIndex))
	assert.Equal(t, "none", IndexName(types.InvalidIndex))
	assert.Equal(t, "ota_3", IndexName(3))
}
