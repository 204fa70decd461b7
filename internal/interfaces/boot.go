package interfaces

import "github.com/deploymenttheory/go-espboot/internal/types"

// ImageLoader verifies an app image in a partition and, in load mode,
// copies it into RAM. Failures return zeroed metadata.
type ImageLoader interface {
	Load(mode types.LoadMode, part types.PartitionPos) (*types.ImageMetadata, error)
}

// BootSlotSelector decides which partition index the fallback search
// starts from.
type BootSlotSelector interface {
	SelectBootIndex(state *types.BootloaderState) int
}
