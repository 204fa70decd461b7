package partitiontable

import (
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/types"
)

// UsageKind is the role a partition plays during boot.
type UsageKind int

const (
	UsageUnknown UsageKind = iota
	UsageFactory
	UsageTest
	UsageOtaSlot
	UsageOtaInfo
	UsageRFData
	UsageWifiData
	UsageUnknownApp
	UsageUnknownData
)

// Usage is the classification of one partition table entry. Slot is only
// meaningful for UsageOtaSlot.
type Usage struct {
	Kind UsageKind
	Slot int
}

// Classify maps a partition type/subtype pair to its boot role.
func Classify(partType, subtype uint8) Usage {
	switch partType {
	case types.PartTypeApp:
		switch subtype {
		case types.PartSubtypeFactory:
			return Usage{Kind: UsageFactory}
		case types.PartSubtypeTest:
			return Usage{Kind: UsageTest}
		}
		if subtype&^types.PartSubtypeOTAMask == types.PartSubtypeOTAFlag {
			return Usage{Kind: UsageOtaSlot, Slot: int(subtype & types.PartSubtypeOTAMask)}
		}
		return Usage{Kind: UsageUnknownApp}
	case types.PartTypeData:
		switch subtype {
		case types.PartSubtypeDataOTA:
			return Usage{Kind: UsageOtaInfo}
		case types.PartSubtypeDataRF:
			return Usage{Kind: UsageRFData}
		case types.PartSubtypeDataWiFi:
			return Usage{Kind: UsageWifiData}
		}
		return Usage{Kind: UsageUnknownData}
	}
	return Usage{Kind: UsageUnknown}
}

// IsApp reports whether the partition holds a bootable image.
func (u Usage) IsApp() bool {
	return u.Kind == UsageFactory || u.Kind == UsageTest || u.Kind == UsageOtaSlot
}

func (u Usage) String() string {
	switch u.Kind {
	case UsageFactory:
		return "factory app"
	case UsageTest:
		return "test app"
	case UsageOtaSlot:
		return fmt.Sprintf("OTA app %d", u.Slot)
	case UsageOtaInfo:
		return "OTA data"
	case UsageRFData:
		return "RF data"
	case UsageWifiData:
		return "WiFi data"
	case UsageUnknownApp:
		return "Unknown app"
	case UsageUnknownData:
		return "Unknown data"
	default:
		return "unknown"
	}
}

// MarshalText renders the usage in JSON and YAML reports.
func (u Usage) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}
