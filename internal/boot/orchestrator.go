package boot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/logging"
	partitiontable "github.com/deploymenttheory/go-espboot/internal/parsers/partition_table"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// TableLoader produces the bootloader state from the partition table.
type TableLoader interface {
	Load() (*types.BootloaderState, []partitiontable.Entry, error)
}

// Candidate is one partition tried by the fallback search.
type Candidate struct {
	Index     int
	Partition types.PartitionPos
	Err       error
}

// Target is the outcome of the fallback search.
type Target struct {
	Index int
	Image *types.ImageMetadata
	Tried []Candidate
}

// Result describes a complete boot attempt.
type Result struct {
	BootID     uuid.UUID
	State      State
	StartIndex int
	// TestForced is set when a held test button overrode slot selection.
	TestForced bool
	Target     Target
	Entries    []partitiontable.Entry
	Boot       *types.BootloaderState
}

// Orchestrator runs the boot state machine.
type Orchestrator struct {
	flash    interfaces.FlashAccessor
	table    TableLoader
	selector interfaces.BootSlotSelector
	loader   interfaces.ImageLoader
	starter  interfaces.Starter

	hold      interfaces.HoldDetector
	holdPin   uint32
	holdDelay time.Duration

	log     logrus.FieldLogger
	state   State
	newID   func() uuid.UUID
	mapping interfaces.FlashMapping
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger; every entry of a run carries its boot ID.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = logging.Component(logger, "boot") }
}

// WithTestAppButton boots the test app when pin is held low for delay.
func WithTestAppButton(detector interfaces.HoldDetector, pin uint32, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.hold = detector
		o.holdPin = pin
		o.holdDelay = delay
	}
}

// WithIDGenerator overrides how boot IDs are generated.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// NewOrchestrator wires the boot pipeline stages together.
func NewOrchestrator(flash interfaces.FlashAccessor, table TableLoader, selector interfaces.BootSlotSelector,
	loader interfaces.ImageLoader, starter interfaces.Starter, opts ...Option) (*Orchestrator, error) {
	switch {
	case flash == nil:
		return nil, fmt.Errorf("flash accessor cannot be nil: %w", types.ErrInvalidArgument)
	case table == nil:
		return nil, fmt.Errorf("partition table loader cannot be nil: %w", types.ErrInvalidArgument)
	case selector == nil:
		return nil, fmt.Errorf("boot slot selector cannot be nil: %w", types.ErrInvalidArgument)
	case loader == nil:
		return nil, fmt.Errorf("image loader cannot be nil: %w", types.ErrInvalidArgument)
	case starter == nil:
		return nil, fmt.Errorf("starter cannot be nil: %w", types.ErrInvalidArgument)
	}
	o := &Orchestrator{
		flash:    flash,
		table:    table,
		selector: selector,
		loader:   loader,
		starter:  starter,
		log:      logging.Component(nil, "boot"),
		state:    StateInit,
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the state reached by the last run.
func (o *Orchestrator) State() State {
	return o.state
}

// Run performs one boot attempt. On success the image window is left mapped
// and the starter has been called with the entry point and image start.
// The window is released by Release or by the next Run.
func (o *Orchestrator) Run() (*Result, error) {
	if o.state.Terminal() {
		o.Release()
	}
	res := &Result{BootID: o.newID(), StartIndex: types.InvalidIndex}
	log := o.log.WithField("boot_id", res.BootID.String())
	o.state = StateInit
	fail := func(err error) (*Result, error) {
		o.state = StateFailed
		res.State = o.state
		log.WithError(err).Error("boot failed")
		return res, err
	}

	bs, entries, err := o.table.Load()
	if err != nil {
		return fail(fmt.Errorf("failed to load partition table: %w", err))
	}
	res.Boot, res.Entries = bs, entries
	o.state = StateTableLoaded

	start := o.selector.SelectBootIndex(bs)
	if o.hold != nil && o.hold.CheckLongHold(o.holdPin, o.holdDelay) == interfaces.LongHold {
		log.Info("Detect a boot condition of the test firmware")
		res.TestForced = true
		if bs.Test.Offset != 0 {
			start = types.TestAppIndex
		} else {
			log.Error("Test firmware is not found in partition table")
			start = types.InvalidIndex
		}
	}
	res.StartIndex = start
	if start == types.InvalidIndex {
		return fail(fmt.Errorf("cannot determine boot target: %w", types.ErrConfiguration))
	}
	o.state = StateSlotSelected
	log.WithField("index", start).Debug("boot slot selected")

	target, err := o.search(log, bs, start)
	res.Target = target
	if err != nil {
		return fail(err)
	}
	o.state = StateImageValid

	image := target.Image
	m, err := o.flash.Map(image.StartAddr, image.ImageLen)
	if err != nil {
		return fail(fmt.Errorf("failed to map image 0x%x+0x%x: %w", image.StartAddr, image.ImageLen, err))
	}
	o.mapping = m
	log.WithFields(logrus.Fields{
		"entry": fmt.Sprintf("0x%08x", image.Image.EntryAddr),
		"start": fmt.Sprintf("0x%08x", image.StartAddr),
	}).Info("starting application")
	o.starter.Start(image.Image.EntryAddr, image.StartAddr)

	o.state = StateStarted
	res.State = o.state
	return res, nil
}

// Release unmaps the image window held since the last successful run.
func (o *Orchestrator) Release() {
	if o.mapping == nil {
		return
	}
	o.flash.Unmap(o.mapping)
	o.mapping = nil
}

// LoadBootImage finds the first bootable partition starting from
// startIndex: backwards down to the factory app, then forwards through the
// remaining OTA slots, then the test app.
func (o *Orchestrator) LoadBootImage(state *types.BootloaderState, startIndex int) (Target, error) {
	return o.search(o.log, state, startIndex)
}

func (o *Orchestrator) search(log logrus.FieldLogger, state *types.BootloaderState, startIndex int) (Target, error) {
	target := Target{Index: types.InvalidIndex, Image: &types.ImageMetadata{}}

	try := func(index int, part types.PartitionPos) bool {
		if part.Size == 0 {
			log.Debug("Can't boot from zero-length partition")
			return false
		}
		meta, err := o.loader.Load(types.ModeLoad, part)
		if err == nil {
			err = o.checkWindow(meta)
		}
		target.Tried = append(target.Tried, Candidate{Index: index, Partition: part, Err: err})
		if err != nil {
			return false
		}
		log.Infof("Loaded app from partition at offset 0x%x", part.Offset)
		target.Index = index
		target.Image = meta
		return true
	}

	if startIndex == types.TestAppIndex {
		if try(types.TestAppIndex, state.Test) {
			return target, nil
		}
		log.Error("No bootable test partition in the partition table")
		return target, fmt.Errorf("test partition: %w", types.ErrNoBootableImage)
	}

	for index := startIndex; index >= types.FactoryIndex; index-- {
		part := state.PartitionAt(index)
		if part.Size == 0 {
			continue
		}
		log.Debugf("Trying partition index %d offs 0x%x size 0x%x", index, part.Offset, part.Size)
		if try(index, part) {
			return target, nil
		}
		logInvalidPartition(log, index)
	}

	for index := startIndex + 1; index < state.AppCount; index++ {
		part := state.PartitionAt(index)
		if part.Size == 0 {
			continue
		}
		log.Debugf("Trying partition index %d offs 0x%x size 0x%x", index, part.Offset, part.Size)
		if try(index, part) {
			return target, nil
		}
		logInvalidPartition(log, index)
	}

	if try(types.TestAppIndex, state.Test) {
		log.Warn("Falling back to test app as only bootable partition")
		return target, nil
	}

	log.Error("No bootable app partitions in the partition table")
	target.Image = &types.ImageMetadata{}
	return target, types.ErrNoBootableImage
}

// checkWindow reports whether a verified image can be mapped for execution.
func (o *Orchestrator) checkWindow(meta *types.ImageMetadata) error {
	m, err := o.flash.Map(meta.StartAddr, meta.ImageLen)
	if err != nil {
		return fmt.Errorf("image 0x%x+0x%x cannot be mapped: %w", meta.StartAddr, meta.ImageLen, err)
	}
	o.flash.Unmap(m)
	return nil
}

func logInvalidPartition(log logrus.FieldLogger, index int) {
	switch index {
	case types.FactoryIndex:
		log.Error("Factory app partition is not bootable")
	case types.TestAppIndex:
		log.Error("Factory test app partition is not bootable")
	default:
		log.Errorf("OTA app partition slot %d is not bootable", index)
	}
}

// Errors joins the load errors of every rejected candidate.
func (t Target) Errors() error {
	var errs []error
	for _, c := range t.Tried {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("index %d: %w", c.Index, c.Err))
		}
	}
	return errors.Join(errs...)
}
