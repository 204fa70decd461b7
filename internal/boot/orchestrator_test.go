package boot

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	appimage "github.com/deploymenttheory/go-espboot/internal/parsers/app_image"
	otaselect "github.com/deploymenttheory/go-espboot/internal/parsers/ota_select"
	partitiontable "github.com/deploymenttheory/go-espboot/internal/parsers/partition_table"
	"github.com/deploymenttheory/go-espboot/internal/platform"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// --- Mocks ---

type mockTable struct {
	state *types.BootloaderState
	err   error
}

func (m *mockTable) Load() (*types.BootloaderState, []partitiontable.Entry, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	return m.state, nil, nil
}

type mockSelector struct {
	index int
}

func (m *mockSelector) SelectBootIndex(*types.BootloaderState) int { return m.index }

// mockLoader fails every partition offset listed in bad and records the
// order in which partitions were tried. Images are 0x100 bytes unless lens
// overrides the length for an offset.
type mockLoader struct {
	bad   map[uint32]bool
	lens  map[uint32]uint32
	tried []uint32
	modes []types.LoadMode
}

const testEntry uint32 = 0x40100004

func (m *mockLoader) Load(mode types.LoadMode, part types.PartitionPos) (*types.ImageMetadata, error) {
	m.tried = append(m.tried, part.Offset)
	m.modes = append(m.modes, mode)
	if m.bad[part.Offset] {
		return &types.ImageMetadata{}, types.ErrImageInvalid
	}
	meta := &types.ImageMetadata{StartAddr: part.Offset, ImageLen: 0x100}
	if n, ok := m.lens[part.Offset]; ok {
		meta.ImageLen = n
	}
	meta.Image.EntryAddr = testEntry
	return meta, nil
}

const (
	factoryOffset uint32 = 0x10000
	testOffset    uint32 = 0x70000
)

func otaOffset(slot int) uint32 { return 0x20000 + uint32(slot)*0x10000 }

func testState(appCount int) *types.BootloaderState {
	s := &types.BootloaderState{
		Factory:  types.PartitionPos{Offset: factoryOffset, Size: 0x10000},
		Test:     types.PartitionPos{Offset: testOffset, Size: 0x10000},
		OtaInfo:  types.PartitionPos{Offset: 0xD000, Size: 0x2000},
		AppCount: appCount,
	}
	for i := 0; i < appCount; i++ {
		s.Ota[i] = types.PartitionPos{Offset: otaOffset(i), Size: 0x10000}
	}
	return s
}

func badSet(offsets ...uint32) map[uint32]bool {
	m := make(map[uint32]bool, len(offsets))
	for _, o := range offsets {
		m[o] = true
	}
	return m
}

func newTestPlatform(t *testing.T) *platform.Platform {
	t.Helper()
	p, err := platform.New(platform.Config{Chip: types.ChipESP8266, StackPointer: 0x3FFFFFF0},
		bytes.Repeat([]byte{0xFF}, 0x100000))
	require.NoError(t, err)
	return p
}

func newMockOrchestrator(t *testing.T, p *platform.Platform, state *types.BootloaderState, index int, loader *mockLoader, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(p.Flash, &mockTable{state: state}, &mockSelector{index: index}, loader, p.Starter, opts...)
	require.NoError(t, err)
	return o
}

func TestNewOrchestrator(t *testing.T) {
	p := newTestPlatform(t)
	table := &mockTable{state: testState(2)}
	sel := &mockSelector{}
	loader := &mockLoader{}

	t.Run("Success", func(t *testing.T) {
		o, err := NewOrchestrator(p.Flash, table, sel, loader, p.Starter)
		require.NoError(t, err)
		assert.Equal(t, StateInit, o.State())
	})

	tests := []struct {
		name    string
		build   func() (*Orchestrator, error)
		message string
	}{
		{"NilFlash", func() (*Orchestrator, error) { return NewOrchestrator(nil, table, sel, loader, p.Starter) }, "flash accessor cannot be nil"},
		{"NilTable", func() (*Orchestrator, error) { return NewOrchestrator(p.Flash, nil, sel, loader, p.Starter) }, "partition table loader cannot be nil"},
		{"NilSelector", func() (*Orchestrator, error) { return NewOrchestrator(p.Flash, table, nil, loader, p.Starter) }, "boot slot selector cannot be nil"},
		{"NilLoader", func() (*Orchestrator, error) { return NewOrchestrator(p.Flash, table, sel, nil, p.Starter) }, "image loader cannot be nil"},
		{"NilStarter", func() (*Orchestrator, error) { return NewOrchestrator(p.Flash, table, sel, loader, nil) }, "starter cannot be nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, o)
			assert.ErrorIs(t, err, types.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadBootImage_SearchOrder(t *testing.T) {
	tests := []struct {
		name      string
		appCount  int
		start     int
		bad       map[uint32]bool
		wantTried []uint32
		wantIndex int
		wantErr   bool
	}{
		{
			name:      "FactoryBootable",
			appCount:  2,
			start:     types.FactoryIndex,
			wantTried: []uint32{factoryOffset},
			wantIndex: types.FactoryIndex,
		},
		{
			name:      "SelectedSlotBootable",
			appCount:  4,
			start:     2,
			wantTried: []uint32{otaOffset(2)},
			wantIndex: 2,
		},
		{
			name:      "FallsBackToLowerSlot",
			appCount:  4,
			start:     2,
			bad:       badSet(otaOffset(2)),
			wantTried: []uint32{otaOffset(2), otaOffset(1)},
			wantIndex: 1,
		},
		{
			name:      "FallsBackToFactory",
			appCount:  4,
			start:     2,
			bad:       badSet(otaOffset(2), otaOffset(1), otaOffset(0)),
			wantTried: []uint32{otaOffset(2), otaOffset(1), otaOffset(0), factoryOffset},
			wantIndex: types.FactoryIndex,
		},
		{
			name:      "SearchesForwardAfterFactory",
			appCount:  4,
			start:     1,
			bad:       badSet(otaOffset(1), otaOffset(0), factoryOffset, otaOffset(2)),
			wantTried: []uint32{otaOffset(1), otaOffset(0), factoryOffset, otaOffset(2), otaOffset(3)},
			wantIndex: 3,
		},
		{
			name:      "FallsBackToTestApp",
			appCount:  2,
			start:     1,
			bad:       badSet(otaOffset(1), otaOffset(0), factoryOffset),
			wantTried: []uint32{otaOffset(1), otaOffset(0), factoryOffset, testOffset},
			wantIndex: types.TestAppIndex,
		},
		{
			name:      "NothingBootable",
			appCount:  2,
			start:     0,
			bad:       badSet(otaOffset(0), otaOffset(1), factoryOffset, testOffset),
			wantTried: []uint32{otaOffset(0), factoryOffset, otaOffset(1), testOffset},
			wantIndex: types.InvalidIndex,
			wantErr:   true,
		},
		{
			name:      "TestIndexTriesOnlyTestApp",
			appCount:  2,
			start:     types.TestAppIndex,
			wantTried: []uint32{testOffset},
			wantIndex: types.TestAppIndex,
		},
		{
			name:      "TestIndexNotBootable",
			appCount:  2,
			start:     types.TestAppIndex,
			bad:       badSet(testOffset),
			wantTried: []uint32{testOffset},
			wantIndex: types.InvalidIndex,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlatform(t)
			loader := &mockLoader{bad: tt.bad}
			o := newMockOrchestrator(t, p, testState(tt.appCount), tt.start, loader)

			target, err := o.LoadBootImage(testState(tt.appCount), tt.start)
			assert.Equal(t, tt.wantTried, loader.tried)
			assert.Equal(t, tt.wantIndex, target.Index)
			require.Len(t, target.Tried, len(tt.wantTried))
			for _, mode := range loader.modes {
				assert.Equal(t, types.ModeLoad, mode)
			}
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, types.ErrNoBootableImage)
				assert.True(t, target.Image.IsZero())
				assert.ErrorIs(t, target.Errors(), types.ErrImageInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, target.Tried[len(target.Tried)-1].Partition.Offset, target.Image.StartAddr)
		})
	}
}

func TestLoadBootImage_SkipsEmptyPartitions(t *testing.T) {
	p := newTestPlatform(t)
	state := testState(3)
	state.Ota[1] = types.PartitionPos{}
	state.Factory = types.PartitionPos{}
	loader := &mockLoader{bad: badSet(otaOffset(2), otaOffset(0))}
	o := newMockOrchestrator(t, p, state, 2, loader)

	target, err := o.LoadBootImage(state, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{otaOffset(2), otaOffset(0), testOffset}, loader.tried)
	assert.Equal(t, types.TestAppIndex, target.Index)
}

func TestLoadBootImage_Logging(t *testing.T) {
	p := newTestPlatform(t)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	loader := &mockLoader{bad: badSet(otaOffset(1), otaOffset(0), factoryOffset)}
	o := newMockOrchestrator(t, p, testState(2), 1, loader, WithLogger(logger))

	_, err := o.LoadBootImage(testState(2), 1)
	require.NoError(t, err)

	var messages []string
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			messages = append(messages, e.Message)
		}
	}
	assert.Equal(t, []string{
		"OTA app partition slot 1 is not bootable",
		"OTA app partition slot 0 is not bootable",
		"Factory app partition is not bootable",
		"Falling back to test app as only bootable partition",
	}, messages)
	assert.Equal(t, "boot", hook.LastEntry().Data["component"])
}

func TestOrchestrator_Run(t *testing.T) {
	t.Run("StartsSelectedImage", func(t *testing.T) {
		p := newTestPlatform(t)
		loader := &mockLoader{}
		o := newMockOrchestrator(t, p, testState(4), 2, loader)

		res, err := o.Run()
		require.NoError(t, err)
		assert.Equal(t, StateStarted, res.State)
		assert.Equal(t, StateStarted, o.State())
		assert.Equal(t, 2, res.StartIndex)
		assert.Equal(t, 2, res.Target.Index)
		assert.NotEqual(t, uuid.Nil, res.BootID)

		assert.True(t, p.Starter.Started)
		assert.Equal(t, testEntry, p.Starter.EntryAddr)
		assert.Equal(t, otaOffset(2), p.Starter.Arg)
		assert.True(t, p.Flash.Mapped(), "image stays mapped for the application")
	})

	t.Run("TableFailure", func(t *testing.T) {
		p := newTestPlatform(t)
		o, err := NewOrchestrator(p.Flash, &mockTable{err: types.ErrPartitionTable}, &mockSelector{}, &mockLoader{}, p.Starter)
		require.NoError(t, err)

		res, err := o.Run()
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrPartitionTable)
		assert.Equal(t, StateFailed, res.State)
		assert.Nil(t, res.Boot)
		assert.False(t, p.Starter.Started)
	})

	t.Run("InvalidIndex", func(t *testing.T) {
		p := newTestPlatform(t)
		loader := &mockLoader{}
		o := newMockOrchestrator(t, p, testState(2), types.InvalidIndex, loader)

		res, err := o.Run()
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, StateFailed, o.State())
		assert.Equal(t, types.InvalidIndex, res.StartIndex)
		assert.Empty(t, loader.tried)
	})

	t.Run("NoBootableImage", func(t *testing.T) {
		p := newTestPlatform(t)
		loader := &mockLoader{bad: badSet(otaOffset(0), otaOffset(1), factoryOffset, testOffset)}
		o := newMockOrchestrator(t, p, testState(2), 1, loader)

		res, err := o.Run()
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrNoBootableImage)
		assert.Equal(t, StateFailed, res.State)
		assert.True(t, res.Target.Image.IsZero())
		assert.False(t, p.Starter.Started)
		assert.False(t, p.Flash.Mapped())
	})

	t.Run("WindowBusyFailsEveryCandidate", func(t *testing.T) {
		p := newTestPlatform(t)
		_, err := p.Flash.Map(0, 0x100)
		require.NoError(t, err)
		o := newMockOrchestrator(t, p, testState(2), types.FactoryIndex, &mockLoader{})

		res, err := o.Run()
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrNoBootableImage)
		assert.ErrorIs(t, res.Target.Errors(), types.ErrMappingConflict)
		assert.Equal(t, StateFailed, res.State)
		assert.False(t, p.Starter.Started)
	})

	t.Run("UnmappableSlotFallsBackToFactory", func(t *testing.T) {
		p := newTestPlatform(t)
		// ota_0 at 0x20000 with 0xF0000 bytes crosses the 1 MiB window.
		loader := &mockLoader{lens: map[uint32]uint32{otaOffset(0): 0xF0000}}
		o := newMockOrchestrator(t, p, testState(2), 0, loader)

		res, err := o.Run()
		require.NoError(t, err)
		assert.Equal(t, StateStarted, res.State)
		assert.Equal(t, types.FactoryIndex, res.Target.Index)
		assert.Equal(t, []uint32{otaOffset(0), factoryOffset}, loader.tried)
		require.Len(t, res.Target.Tried, 2)
		assert.ErrorIs(t, res.Target.Tried[0].Err, types.ErrInvalidArgument)
		assert.Contains(t, res.Target.Tried[0].Err.Error(), "cannot be mapped")
		assert.NoError(t, res.Target.Tried[1].Err)
		assert.Equal(t, factoryOffset, p.Starter.Arg)
		assert.True(t, p.Flash.Mapped())
	})

	t.Run("RunAgainReleasesWindow", func(t *testing.T) {
		p := newTestPlatform(t)
		o := newMockOrchestrator(t, p, testState(2), 1, &mockLoader{})

		_, err := o.Run()
		require.NoError(t, err)
		require.True(t, p.Flash.Mapped())

		res, err := o.Run()
		require.NoError(t, err)
		assert.Equal(t, StateStarted, res.State)
		assert.Equal(t, 1, res.Target.Index)

		o.Release()
		assert.False(t, p.Flash.Mapped())
		o.Release()
		assert.False(t, p.Flash.Mapped())
	})

	t.Run("BootIDOnEveryEntry", func(t *testing.T) {
		p := newTestPlatform(t)
		logger, hook := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		id := uuid.MustParse("5b1f0c7e-3c1a-4d2b-9a53-0e8e1c2a7f10")
		o := newMockOrchestrator(t, p, testState(2), 0, &mockLoader{},
			WithLogger(logger), WithIDGenerator(func() uuid.UUID { return id }))

		res, err := o.Run()
		require.NoError(t, err)
		assert.Equal(t, id, res.BootID)
		require.NotEmpty(t, hook.AllEntries())
		for _, e := range hook.AllEntries() {
			assert.Equal(t, id.String(), e.Data["boot_id"], e.Message)
		}
	})
}

func TestOrchestrator_TestAppButton(t *testing.T) {
	const pin uint32 = 12

	t.Run("LongHoldBootsTestApp", func(t *testing.T) {
		p := newTestPlatform(t)
		loader := &mockLoader{}
		hold := platform.StaticHold{pin: interfaces.LongHold}
		o := newMockOrchestrator(t, p, testState(2), 1, loader, WithTestAppButton(hold, pin, 5*time.Second))

		res, err := o.Run()
		require.NoError(t, err)
		assert.True(t, res.TestForced)
		assert.Equal(t, types.TestAppIndex, res.StartIndex)
		assert.Equal(t, []uint32{testOffset}, loader.tried)
	})

	t.Run("ShortHoldIgnored", func(t *testing.T) {
		p := newTestPlatform(t)
		loader := &mockLoader{}
		hold := platform.StaticHold{pin: interfaces.ShortHold}
		o := newMockOrchestrator(t, p, testState(2), 1, loader, WithTestAppButton(hold, pin, time.Second))

		res, err := o.Run()
		require.NoError(t, err)
		assert.False(t, res.TestForced)
		assert.Equal(t, 1, res.Target.Index)
	})

	t.Run("NoTestPartition", func(t *testing.T) {
		p := newTestPlatform(t)
		state := testState(2)
		state.Test = types.PartitionPos{}
		loader := &mockLoader{}
		hold := platform.StaticHold{pin: interfaces.LongHold}
		o := newMockOrchestrator(t, p, state, 1, loader, WithTestAppButton(hold, pin, time.Second))

		res, err := o.Run()
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, types.InvalidIndex, res.StartIndex)
		assert.Empty(t, loader.tried)
	})
}

// --- End to end on the emulated platform ---

const tableOffset = types.DefaultPartitionTableOffset

func appImage(t *testing.T, seed byte) []byte {
	t.Helper()
	data := make([]byte, 64)
	for i := range data {
		data[i] = seed + byte(i)
	}
	raw, err := appimage.Build(appimage.Image{
		EntryAddr: testEntry,
		SPIMode:   types.SPIModeDIO,
		SPISize:   types.FlashSize1MB,
		Segments:  []appimage.Segment{{LoadAddr: 0x40100000, Data: data}},
	})
	require.NoError(t, err)
	return raw
}

type bootRig struct {
	p        *platform.Platform
	reader   *partitiontable.Reader
	selector *otaselect.Selector
	loader   *appimage.Loader
}

func newBootRig(t *testing.T) *bootRig {
	t.Helper()
	p := newTestPlatform(t)
	table, err := partitiontable.EncodeTable([]types.PartitionInfo{
		partitiontable.NewEntry("otadata", types.PartTypeData, types.PartSubtypeDataOTA, 0xD000, 0x2000),
		partitiontable.NewEntry("factory", types.PartTypeApp, types.PartSubtypeFactory, 0x10000, 0x40000),
		partitiontable.NewEntry("ota_0", types.PartTypeApp, types.PartSubtypeOTAFlag|0, 0x50000, 0x40000),
		partitiontable.NewEntry("ota_1", types.PartTypeApp, types.PartSubtypeOTAFlag|1, 0x90000, 0x40000),
	}, true)
	require.NoError(t, err)
	copy(p.Chip.Bytes()[tableOffset:], table)
	copy(p.Chip.Bytes()[0x10000:], appImage(t, 0x10))
	copy(p.Chip.Bytes()[0x90000:], appImage(t, 0x90))

	reader, err := partitiontable.NewReader(p.Flash)
	require.NoError(t, err)
	selector, err := otaselect.NewSelector(p.Flash)
	require.NoError(t, err)
	loader, err := appimage.NewLoader(p.Flash,
		appimage.WithMemory(p.RAM), appimage.WithStackPointer(p.Stack), appimage.WithAddressMap(p.Map))
	require.NoError(t, err)
	return &bootRig{p: p, reader: reader, selector: selector, loader: loader}
}

func (r *bootRig) run(t *testing.T) (*Result, error) {
	t.Helper()
	o, err := NewOrchestrator(r.p.Flash, r.reader, r.selector, r.loader, r.p.Starter)
	require.NoError(t, err)
	return o.Run()
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	t.Run("ErasedOtaDataBootsFactory", func(t *testing.T) {
		rig := newBootRig(t)
		res, err := rig.run(t)
		require.NoError(t, err)
		assert.Equal(t, types.FactoryIndex, res.StartIndex)
		assert.Equal(t, types.FactoryIndex, res.Target.Index)
		assert.Equal(t, uint32(0x10000), rig.p.Starter.Arg)
		assert.Len(t, res.Entries, 4)

		got := make([]byte, 4)
		require.NoError(t, rig.p.RAM.ReadAt(0x40100000, got))
		assert.Equal(t, []byte{0x10, 0x11, 0x12, 0x13}, got)
	})

	t.Run("SelectedSlotBoots", func(t *testing.T) {
		rig := newBootRig(t)
		state, _, err := rig.reader.Load()
		require.NoError(t, err)
		_, err = rig.selector.SetBootSlot(state, 1)
		require.NoError(t, err)

		res, err := rig.run(t)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Target.Index)
		assert.Equal(t, uint32(0x90000), rig.p.Starter.Arg)
		assert.Equal(t, testEntry, rig.p.Starter.EntryAddr)
	})

	t.Run("CorruptSlotFallsBackToFactory", func(t *testing.T) {
		rig := newBootRig(t)
		state, _, err := rig.reader.Load()
		require.NoError(t, err)
		_, err = rig.selector.SetBootSlot(state, 0)
		require.NoError(t, err)

		res, err := rig.run(t)
		require.NoError(t, err)
		assert.Equal(t, 0, res.StartIndex)
		assert.Equal(t, types.FactoryIndex, res.Target.Index)
		require.Len(t, res.Target.Tried, 2)
		assert.True(t, errors.Is(res.Target.Tried[0].Err, types.ErrImageInvalid))
	})
}
