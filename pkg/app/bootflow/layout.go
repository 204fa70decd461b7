package bootflow

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	appimage "github.com/deploymenttheory/go-espboot/internal/parsers/app_image"
	partitiontable "github.com/deploymenttheory/go-espboot/internal/parsers/partition_table"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Layout describes a flash dump to build.
type Layout struct {
	// TableOffset overrides the configured partition table offset
	TableOffset uint32          `yaml:"table_offset"`
	MD5         bool            `yaml:"md5"`
	Bootloader  *ImageSpec      `yaml:"bootloader"`
	Partitions  []PartitionSpec `yaml:"partitions"`
	// OtaSlot writes an OTA select record choosing this slot
	OtaSlot     *int            `yaml:"ota_slot"`
}

// PartitionSpec is one partition table entry, optionally with its image
type PartitionSpec struct {
	Label   string     `yaml:"label"`
	Type    string     `yaml:"type"`
	Subtype string     `yaml:"subtype"`
	Offset  uint32     `yaml:"offset"`
	Size    uint32     `yaml:"size"`
	Image   *ImageSpec `yaml:"image"`
}

// ImageSpec describes an image in the flash image format
type ImageSpec struct {
	Entry    uint32        `yaml:"entry"`
	SPIMode  uint8         `yaml:"spi_mode"`
	SPISpeed uint8         `yaml:"spi_speed"`
	SPISize  uint8         `yaml:"spi_size"`
	Digest   bool          `yaml:"digest"`
	Segments []SegmentSpec `yaml:"segments"`
}

// SegmentSpec is one image segment. Data comes from File, is padded with
// Fill up to Size and then to a multiple of four bytes.
type SegmentSpec struct {
	LoadAddr uint32 `yaml:"load_addr"`
	File     string `yaml:"file"`
	Fill     uint8  `yaml:"fill"`
	Size     uint32 `yaml:"size"`
}

// ReadLayout parses a layout file. Segment files are resolved relative to
// the directory holding the layout.
func ReadLayout(path string) (*Layout, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read layout: %w", err)
	}
	var layout Layout
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&layout); err != nil {
		return nil, "", fmt.Errorf("failed to parse layout %s: %w", path, err)
	}
	if len(layout.Partitions) == 0 {
		return nil, "", fmt.Errorf("layout %s has no partitions: %w", path, types.ErrInvalidArgument)
	}
	return &layout, filepath.Dir(path), nil
}

// entry converts the spec to a partition table entry.
func (p PartitionSpec) entry() (types.PartitionInfo, error) {
	if len(p.Label) >= len(types.PartitionInfo{}.Label) {
		return types.PartitionInfo{}, fmt.Errorf("label %q is longer than 15 bytes: %w", p.Label, types.ErrInvalidArgument)
	}
	partType, err := parsePartitionType(p.Type)
	if err != nil {
		return types.PartitionInfo{}, err
	}
	subtype, err := parseSubtype(partType, p.Subtype)
	if err != nil {
		return types.PartitionInfo{}, err
	}
	if p.Size == 0 {
		return types.PartitionInfo{}, fmt.Errorf("partition %s has no size: %w", p.Label, types.ErrInvalidArgument)
	}
	return partitiontable.NewEntry(p.Label, partType, subtype, p.Offset, p.Size), nil
}

func parsePartitionType(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "app":
		return types.PartTypeApp, nil
	case "data":
		return types.PartTypeData, nil
	}
	return parseByte("type", s)
}

func parseSubtype(partType uint8, s string) (uint8, error) {
	name := strings.ToLower(s)
	if partType == types.PartTypeApp {
		switch {
		case name == "factory":
			return types.PartSubtypeFactory, nil
		case name == "test":
			return types.PartSubtypeTest, nil
		case strings.HasPrefix(name, "ota_"):
			slot, err := strconv.Atoi(strings.TrimPrefix(name, "ota_"))
			if err != nil || slot < 0 || slot >= types.MaxOTASlots {
				return 0, fmt.Errorf("invalid OTA subtype %q: %w", s, types.ErrInvalidArgument)
			}
			return types.PartSubtypeOTAFlag | uint8(slot), nil
		}
	}
	if partType == types.PartTypeData {
		switch name {
		case "ota":
			return types.PartSubtypeDataOTA, nil
		case "phy", "rf":
			return types.PartSubtypeDataRF, nil
		case "nvs", "wifi":
			return types.PartSubtypeDataWiFi, nil
		}
	}
	return parseByte("subtype", s)
}

func parseByte(field, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid partition %s %q: %w", field, s, types.ErrInvalidArgument)
	}
	return uint8(v), nil
}

// build encodes the image, reading segment files from dir.
func (s ImageSpec) build(dir string) ([]byte, error) {
	img := appimage.Image{
		EntryAddr:    s.Entry,
		SPIMode:      s.SPIMode,
		SPISpeed:     s.SPISpeed,
		SPISize:      s.SPISize,
		AppendDigest: s.Digest,
	}
	for i, seg := range s.Segments {
		data, err := seg.data(dir)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		img.Segments = append(img.Segments, appimage.Segment{LoadAddr: seg.LoadAddr, Data: data})
	}
	return appimage.Build(img)
}

func (s SegmentSpec) data(dir string) ([]byte, error) {
	var data []byte
	if s.File != "" {
		path := s.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment data: %w", err)
		}
		data = raw
	}
	for uint32(len(data)) < s.Size || len(data)%4 != 0 {
		data = append(data, s.Fill)
	}
	return data, nil
}
