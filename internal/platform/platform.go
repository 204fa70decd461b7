// Package platform provides an emulated target for the boot pipeline: flash
// with its cache and mapping scheme, RAM regions, a stack pointer and a
// starter that records the final jump instead of performing it.
package platform

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/flash"
	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Config describes the emulated target.
type Config struct {
	Chip         types.ChipTarget
	SectorSize   uint32
	StackPointer uint32
	Logger       logrus.FieldLogger
}

// Platform bundles every capability the boot pipeline consumes.
type Platform struct {
	Chip    *flash.MemoryChip
	Cache   *flash.Cache
	Flash   *flash.Adapter
	RAM     *RAM
	Stack   FixedStack
	Starter *RecordingStarter
	Map     types.AddressMap
}

// New builds an emulated platform around flash contents.
func New(cfg Config, contents []byte) (*Platform, error) {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = flash.DefaultSectorSize
	}
	chip, err := flash.NewMemoryChip(contents, cfg.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash chip: %w", err)
	}
	cache := flash.NewCache(flash.MaxMapPages(cfg.Chip))
	adapter, err := flash.NewAdapter(chip, cache, flash.NewMapper(cfg.Chip), flash.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	addrMap := types.DefaultAddressMap(cfg.Chip)
	return &Platform{
		Chip:    chip,
		Cache:   cache,
		Flash:   adapter,
		RAM:     NewRAM(addrMap.LoadRegions...),
		Stack:   FixedStack(cfg.StackPointer),
		Starter: &RecordingStarter{},
		Map:     addrMap,
	}, nil
}

// FixedStack reports a constant stack pointer.
type FixedStack uint32

var _ interfaces.StackPointer = FixedStack(0)

// SP returns the stack pointer.
func (s FixedStack) SP() uint32 { return uint32(s) }

// RecordingStarter remembers the jump the bootloader would have taken.
type RecordingStarter struct {
	Started   bool
	EntryAddr uint32
	Arg       uint32
}

var _ interfaces.Starter = (*RecordingStarter)(nil)

// Start records the transfer of control.
func (s *RecordingStarter) Start(entryAddr, arg uint32) {
	s.Started = true
	s.EntryAddr = entryAddr
	s.Arg = arg
}

// StaticHold reports a fixed button state, standing in for a GPIO sampler.
type StaticHold map[uint32]interfaces.HoldState

var _ interfaces.HoldDetector = StaticHold(nil)

// CheckLongHold returns the configured state for pin.
func (h StaticHold) CheckLongHold(pin uint32, _ time.Duration) interfaces.HoldState {
	return h[pin]
}
