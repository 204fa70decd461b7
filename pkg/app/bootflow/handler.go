package bootflow

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/deploymenttheory/go-espboot/internal/boot"
	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/journal"
	partitiontable "github.com/deploymenttheory/go-espboot/internal/parsers/partition_table"
	"github.com/deploymenttheory/go-espboot/internal/platform"
	"github.com/deploymenttheory/go-espboot/internal/types"
	"github.com/deploymenttheory/go-espboot/pkg/app"
)

// HandleBoot runs one boot attempt. A failed boot still returns a response
// describing what was tried, together with the error.
func HandleBoot(ctx *app.Context, req *BootRequest) (*BootResponse, error) {
	startTime := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx.Log(fmt.Sprintf("Booting from flash dump: %s", req.Dump.Path))

	p, err := openPipeline(ctx, req.Dump)
	if err != nil {
		return nil, err
	}

	var opts []boot.Option
	opts = append(opts, boot.WithLogger(ctx.Logger))
	if req.HoldTestButton {
		pin := ctx.Config.Boot.TestPin
		opts = append(opts, boot.WithTestAppButton(platform.StaticHold{pin: interfaces.LongHold}, pin, ctx.Config.Boot.TestHold))
	}
	orch, err := boot.NewOrchestrator(p.platform.Flash, p.reader, p.selector, p.loader, p.platform.Starter, opts...)
	if err != nil {
		return nil, err
	}

	res, runErr := orch.Run()
	response := newBootResponse(res, ctx.Config.Chip)
	response.Duration = time.Since(startTime)
	if runErr != nil {
		response.Error = runErr.Error()
	}

	if err := record(ctx, req.Dump, response); err != nil {
		return response, err
	}
	if runErr != nil {
		return response, app.NewError(bootErrorCode(runErr), "boot failed", runErr)
	}
	ctx.Log(fmt.Sprintf("Started %s at 0x%08x", response.Partition, response.EntryAddr))
	return response, nil
}

func newBootResponse(res *boot.Result, chip string) *BootResponse {
	response := &BootResponse{
		BootID:     res.BootID.String(),
		Chip:       chip,
		State:      res.State.String(),
		StartIndex: res.StartIndex,
		BootIndex:  res.Target.Index,
		TestForced: res.TestForced,
		Attempts:   []Attempt{},
	}
	for _, c := range res.Target.Tried {
		a := Attempt{
			Index:  c.Index,
			Name:   partitionName(res.Entries, c.Partition.Offset),
			Offset: c.Partition.Offset,
			Size:   c.Partition.Size,
		}
		if c.Err != nil {
			a.Error = c.Err.Error()
		}
		response.Attempts = append(response.Attempts, a)
	}
	if image := res.Target.Image; image != nil && !image.IsZero() {
		response.Partition = partitionName(res.Entries, image.StartAddr)
		response.Offset = image.StartAddr
		response.ImageLen = image.ImageLen
		response.EntryAddr = image.Image.EntryAddr
	}
	return response
}

func bootErrorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrNoBootableImage):
		return app.ErrCodeNoBootable
	case errors.Is(err, types.ErrPartitionTable):
		return app.ErrCodePartitions
	case errors.Is(err, types.ErrConfiguration):
		return app.ErrCodeNotConfigured
	default:
		return app.ErrCodeFlashAccess
	}
}

// record stores the attempt in the boot journal when one is configured.
func record(ctx *app.Context, dump app.DumpTarget, r *BootResponse) error {
	path := ctx.Config.Journal.Path
	if path == "" {
		return nil
	}
	jctx, cancel := ctx.WithTimeout(ctx.DefaultTimeout)
	defer cancel()

	j, err := journal.Open(jctx, path, ctx.Logger)
	if err != nil {
		return app.NewError(app.ErrCodeJournal, "failed to open boot journal", err)
	}
	defer j.Close()

	err = j.Record(jctx, journal.Entry{
		BootID:     r.BootID,
		Chip:       r.Chip,
		Source:     dump.Path,
		State:      r.State,
		StartIndex: r.StartIndex,
		BootIndex:  r.BootIndex,
		Offset:     r.Offset,
		ImageLen:   r.ImageLen,
		EntryAddr:  r.EntryAddr,
		Attempts:   len(r.Attempts),
		Error:      r.Error,
	})
	if err != nil {
		return app.NewError(app.ErrCodeJournal, "failed to record boot attempt", err)
	}
	return nil
}

// HandlePartitions loads and lists the partition table
func HandlePartitions(ctx *app.Context, req *PartitionsRequest) (*PartitionsResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := openPipeline(ctx, req.Dump)
	if err != nil {
		return nil, err
	}
	state, entries, err := p.reader.Load()
	if err != nil {
		return nil, app.NewError(app.ErrCodePartitions, "failed to load partition table", err)
	}

	response := &PartitionsResponse{
		TableOffset: p.reader.Offset(),
		AppCount:    state.AppCount,
		Partitions:  make([]PartitionRow, 0, len(entries)),
	}
	for _, e := range entries {
		response.Partitions = append(response.Partitions, PartitionRow{
			Index:   e.Index,
			Label:   e.Info.LabelString(),
			Usage:   e.Usage.String(),
			Type:    e.Info.Type,
			Subtype: e.Info.Subtype,
			Offset:  e.Info.Pos.Offset,
			Size:    e.Info.Pos.Size,
			Flags:   e.Info.Flags,
		})
	}
	return response, nil
}

// HandleOtaData shows, sets or erases the OTA boot selection
func HandleOtaData(ctx *app.Context, req *OtaRequest) (*OtaResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := openPipeline(ctx, req.Dump)
	if err != nil {
		return nil, err
	}
	state, _, err := p.reader.Load()
	if err != nil {
		return nil, app.NewError(app.ErrCodePartitions, "failed to load partition table", err)
	}
	if state.OtaInfo.Offset == 0 {
		return nil, app.NewError(app.ErrCodePartitions, "partition table has no OTA data partition", types.ErrConfiguration)
	}

	response := &OtaResponse{Action: req.Action, Offset: state.OtaInfo.Offset}
	switch req.Action {
	case OtaSet:
		if _, err := p.selector.SetBootSlot(state, req.Slot); err != nil {
			return nil, app.NewError(app.ErrCodeInvalidInput, "failed to set boot slot", err)
		}
	case OtaErase:
		if err := p.selector.Erase(state); err != nil {
			return nil, app.NewError(app.ErrCodeFlashAccess, "failed to erase OTA data", err)
		}
	}
	if req.Action != OtaShow {
		if response.Saved, err = p.save(); err != nil {
			return nil, err
		}
	}

	a, b, err := p.selector.ReadEntries(state.OtaInfo)
	if err != nil {
		return nil, app.NewError(app.ErrCodeFlashAccess, "failed to read OTA data", err)
	}
	response.A = newOtaRecord(a)
	response.B = newOtaRecord(b)
	response.SelectedIndex = p.selector.SelectBootIndex(state)
	response.Selected = IndexName(response.SelectedIndex)
	return response, nil
}

// HandleVerify verifies every app image in the partition table
func HandleVerify(ctx *app.Context, req *VerifyRequest) (*VerifyResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := openPipeline(ctx, req.Dump)
	if err != nil {
		return nil, err
	}

	response := &VerifyResponse{Results: []VerifyResult{}}
	add := func(res VerifyResult) {
		if res.Valid {
			response.Valid++
		} else {
			response.Invalid++
		}
		response.Results = append(response.Results, res)
	}

	if req.Bootloader {
		res := VerifyResult{Name: "bootloader", Offset: types.BootloaderOffset, Size: p.reader.Offset()}
		n, err := p.loader.VerifyBootloader(p.reader.Offset())
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Valid = true
			res.ImageLen = n
		}
		add(res)
	}

	_, entries, err := p.reader.Load()
	if err != nil {
		return nil, app.NewError(app.ErrCodePartitions, "failed to load partition table", err)
	}
	for _, e := range entries {
		if !e.Usage.IsApp() {
			continue
		}
		if req.Offset != 0 && e.Info.Pos.Offset != req.Offset {
			continue
		}
		res := VerifyResult{Name: e.Info.LabelString(), Offset: e.Info.Pos.Offset, Size: e.Info.Pos.Size}
		meta, err := p.loader.Load(types.ModeVerify, e.Info.Pos)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Valid = true
			res.ImageLen = meta.ImageLen
			res.EntryAddr = meta.Image.EntryAddr
			res.Segments = int(meta.Image.SegmentCount)
		}
		add(res)
	}

	if req.Offset != 0 && len(response.Results) == 0 {
		return nil, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("no app partition at offset 0x%x", req.Offset), nil)
	}
	return response, nil
}

// HandleHistory lists recorded boot attempts
func HandleHistory(ctx *app.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if ctx.Config == nil || ctx.Config.Journal.Path == "" {
		return nil, app.NewError(app.ErrCodeNotConfigured, "boot journal path is not configured", nil)
	}

	jctx, cancel := ctx.WithTimeout(ctx.DefaultTimeout)
	defer cancel()
	j, err := journal.Open(jctx, ctx.Config.Journal.Path, ctx.Logger)
	if err != nil {
		return nil, app.NewError(app.ErrCodeJournal, "failed to open boot journal", err)
	}
	defer j.Close()

	entries, err := j.List(jctx, req.Limit)
	if err != nil {
		return nil, app.NewError(app.ErrCodeJournal, "failed to list boot attempts", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return &HistoryResponse{Entries: entries}, nil
}

// HandleMkdump builds a flash dump from a layout file. The partition table
// is read back through the boot pipeline before the dump is written.
func HandleMkdump(ctx *app.Context, req *MkdumpRequest) (*MkdumpResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if ctx.Config == nil {
		return nil, app.NewError(app.ErrCodeNotConfigured, "configuration not loaded", nil)
	}
	layout, dir, err := ReadLayout(req.Layout)
	if err != nil {
		return nil, app.NewError(app.ErrCodeInvalidInput, "failed to load layout", err)
	}
	ctx.Log(fmt.Sprintf("Building flash dump from layout: %s", req.Layout))

	cfg := *ctx.Config
	if layout.TableOffset != 0 {
		cfg.Flash.TableOffset = layout.TableOffset
	}
	size := cfg.Flash.Size
	contents := bytes.Repeat([]byte{0xFF}, int(size))
	response := &MkdumpResponse{
		Output:      req.Output,
		FlashSize:   size,
		TableOffset: cfg.Flash.TableOffset,
		Images:      []BuiltImage{},
	}

	place := func(name string, offset, room uint32, spec *ImageSpec) error {
		raw, err := spec.build(dir)
		if err != nil {
			return app.NewError(app.ErrCodeImageInvalid, fmt.Sprintf("failed to build %s image", name), err)
		}
		if uint64(len(raw)) > uint64(room) || uint64(offset)+uint64(len(raw)) > uint64(size) {
			return app.NewError(app.ErrCodeInvalidInput,
				fmt.Sprintf("%s image of 0x%x bytes does not fit in 0x%x+0x%x", name, len(raw), offset, room),
				types.ErrInvalidArgument)
		}
		copy(contents[offset:], raw)
		response.Images = append(response.Images, BuiltImage{Name: name, Offset: offset, Len: uint32(len(raw)), Room: room})
		return nil
	}

	if layout.Bootloader != nil {
		if err := place("bootloader", types.BootloaderOffset, cfg.Flash.TableOffset, layout.Bootloader); err != nil {
			return nil, err
		}
	}
	entries := make([]types.PartitionInfo, 0, len(layout.Partitions))
	for _, spec := range layout.Partitions {
		entry, err := spec.entry()
		if err != nil {
			return nil, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid partition %q", spec.Label), err)
		}
		entries = append(entries, entry)
		if spec.Image != nil {
			if err := place(spec.Label, spec.Offset, spec.Size, spec.Image); err != nil {
				return nil, err
			}
		}
	}

	table, err := partitiontable.EncodeTable(entries, layout.MD5)
	if err != nil {
		return nil, app.NewError(app.ErrCodePartitions, "failed to encode partition table", err)
	}
	if uint64(cfg.Flash.TableOffset)+uint64(len(table)) > uint64(size) {
		return nil, app.NewError(app.ErrCodePartitions,
			fmt.Sprintf("partition table at 0x%x does not fit in flash", cfg.Flash.TableOffset), types.ErrInvalidArgument)
	}
	copy(contents[cfg.Flash.TableOffset:], table)
	response.Partitions = len(entries)

	p, err := platform.New(platform.Config{
		Chip:         cfg.ChipTarget(),
		SectorSize:   cfg.Flash.SectorSize,
		StackPointer: cfg.Boot.StackPointer,
		Logger:       ctx.Logger,
	}, contents)
	if err != nil {
		return nil, app.NewError(app.ErrCodeFlashAccess, "failed to create platform", err)
	}
	pl, err := assemble(ctx, &cfg, app.DumpTarget{Path: req.Output, Save: true}, p)
	if err != nil {
		return nil, err
	}
	state, _, err := pl.reader.Load()
	if err != nil {
		return nil, app.NewError(app.ErrCodePartitions, "built partition table does not verify", err)
	}
	if layout.OtaSlot != nil {
		if _, err := pl.selector.SetBootSlot(state, *layout.OtaSlot); err != nil {
			return nil, app.NewError(app.ErrCodeInvalidInput, "failed to set boot slot", err)
		}
	}
	response.Selected = IndexName(pl.selector.SelectBootIndex(state))

	if _, err := pl.save(); err != nil {
		return nil, err
	}
	ctx.Log(fmt.Sprintf("Wrote %s with %d partition(s)", req.Output, response.Partitions))
	return response, nil
}
