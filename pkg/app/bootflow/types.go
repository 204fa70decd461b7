package bootflow

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-espboot/internal/journal"
	"github.com/deploymenttheory/go-espboot/internal/types"
	"github.com/deploymenttheory/go-espboot/pkg/app"
)

// BootRequest runs the boot pipeline against a flash dump
type BootRequest struct {
	Dump app.DumpTarget
	// HoldTestButton emulates holding the test app GPIO during reset
	HoldTestButton bool
}

// PartitionsRequest lists the partition table of a flash dump
type PartitionsRequest struct {
	Dump app.DumpTarget
}

// OtaAction is what an OTA data request does
type OtaAction string

const (
	OtaShow  OtaAction = "show"
	OtaSet   OtaAction = "set"
	OtaErase OtaAction = "erase"
)

// OtaRequest reads or modifies the OTA data partition
type OtaRequest struct {
	Dump   app.DumpTarget
	Action OtaAction
	// Slot is the OTA app slot selected by OtaSet
	Slot int
}

// VerifyRequest verifies app images without loading them
type VerifyRequest struct {
	Dump app.DumpTarget
	// Offset limits verification to the app partition at this offset
	Offset uint32
	// Bootloader also verifies the bootloader image at the start of flash
	Bootloader bool
}

// HistoryRequest lists recorded boot attempts
type HistoryRequest struct {
	Limit int
}

// MkdumpRequest builds a flash dump from a layout file
type MkdumpRequest struct {
	Layout string
	Output string
}

// Attempt is one partition tried during a boot
type Attempt struct {
	Index  int    `json:"index" yaml:"index"`
	Name   string `json:"name" yaml:"name"`
	Offset uint32 `json:"offset" yaml:"offset"`
	Size   uint32 `json:"size" yaml:"size"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// BootResponse reports a boot attempt
type BootResponse struct {
	BootID     string        `json:"boot_id" yaml:"boot_id"`
	Chip       string        `json:"chip" yaml:"chip"`
	State      string        `json:"state" yaml:"state"`
	StartIndex int           `json:"start_index" yaml:"start_index"`
	BootIndex  int           `json:"boot_index" yaml:"boot_index"`
	Partition  string        `json:"partition,omitempty" yaml:"partition,omitempty"`
	Offset     uint32        `json:"offset" yaml:"offset"`
	ImageLen   uint32        `json:"image_len" yaml:"image_len"`
	EntryAddr  uint32        `json:"entry_addr" yaml:"entry_addr"`
	TestForced bool          `json:"test_forced" yaml:"test_forced"`
	Attempts   []Attempt     `json:"attempts" yaml:"attempts"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// Started reports whether the application was started
func (r *BootResponse) Started() bool {
	return r.Error == ""
}

// PartitionRow is one partition table entry
type PartitionRow struct {
	Index   int    `json:"index" yaml:"index"`
	Label   string `json:"label" yaml:"label"`
	Usage   string `json:"usage" yaml:"usage"`
	Type    uint8  `json:"type" yaml:"type"`
	Subtype uint8  `json:"subtype" yaml:"subtype"`
	Offset  uint32 `json:"offset" yaml:"offset"`
	Size    uint32 `json:"size" yaml:"size"`
	Flags   uint32 `json:"flags" yaml:"flags"`
}

// PartitionsResponse lists a partition table
type PartitionsResponse struct {
	TableOffset uint32         `json:"table_offset" yaml:"table_offset"`
	AppCount    int            `json:"ota_app_count" yaml:"ota_app_count"`
	Partitions  []PartitionRow `json:"partitions" yaml:"partitions"`
}

// OtaRecord is one OTA select entry
type OtaRecord struct {
	Seq   uint32 `json:"seq" yaml:"seq"`
	CRC   uint32 `json:"crc" yaml:"crc"`
	State string `json:"state" yaml:"state"`
}

func newOtaRecord(e types.OtaSelectEntry) OtaRecord {
	state := "invalid"
	switch {
	case e.IsErased():
		state = "erased"
	case e.IsValid():
		state = "valid"
	}
	return OtaRecord{Seq: e.OtaSeq, CRC: e.CRC, State: state}
}

// OtaResponse reports the OTA data after an action
type OtaResponse struct {
	Action        OtaAction `json:"action" yaml:"action"`
	Offset        uint32    `json:"offset" yaml:"offset"`
	A             OtaRecord `json:"a" yaml:"a"`
	B             OtaRecord `json:"b" yaml:"b"`
	SelectedIndex int       `json:"selected_index" yaml:"selected_index"`
	Selected      string    `json:"selected" yaml:"selected"`
	Saved         bool      `json:"saved" yaml:"saved"`
}

// VerifyResult is the outcome for one image
type VerifyResult struct {
	Name      string `json:"name" yaml:"name"`
	Offset    uint32 `json:"offset" yaml:"offset"`
	Size      uint32 `json:"size" yaml:"size"`
	Valid     bool   `json:"valid" yaml:"valid"`
	ImageLen  uint32 `json:"image_len,omitempty" yaml:"image_len,omitempty"`
	EntryAddr uint32 `json:"entry_addr,omitempty" yaml:"entry_addr,omitempty"`
	Segments  int    `json:"segments,omitempty" yaml:"segments,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// VerifyResponse reports image verification
type VerifyResponse struct {
	Results []VerifyResult `json:"results" yaml:"results"`
	Valid   int            `json:"valid" yaml:"valid"`
	Invalid int            `json:"invalid" yaml:"invalid"`
}

// HistoryResponse lists recorded boot attempts
type HistoryResponse struct {
	Entries []journal.Entry `json:"entries" yaml:"entries"`
}

// BuiltImage is one image written by mkdump
type BuiltImage struct {
	Name   string `json:"name" yaml:"name"`
	Offset uint32 `json:"offset" yaml:"offset"`
	Len    uint32 `json:"len" yaml:"len"`
	Room   uint32 `json:"room" yaml:"room"`
}

// MkdumpResponse reports a built flash dump
type MkdumpResponse struct {
	Output      string       `json:"output" yaml:"output"`
	FlashSize   uint32       `json:"flash_size" yaml:"flash_size"`
	TableOffset uint32       `json:"table_offset" yaml:"table_offset"`
	Partitions  int          `json:"partitions" yaml:"partitions"`
	Images      []BuiltImage `json:"images" yaml:"images"`
	Selected    string       `json:"selected" yaml:"selected"`
}

// IndexName names a boot partition index the way the boot log does
func IndexName(index int) string {
	switch index {
	case types.FactoryIndex:
		return "factory"
	case types.TestAppIndex:
		return "test"
	case types.InvalidIndex:
		return "none"
	default:
		return fmt.Sprintf("ota_%d", index)
	}
}
