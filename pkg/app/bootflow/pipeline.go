package bootflow

import (
	"github.com/deploymenttheory/go-espboot/internal/config"
	"github.com/deploymenttheory/go-espboot/internal/flash"
	appimage "github.com/deploymenttheory/go-espboot/internal/parsers/app_image"
	otaselect "github.com/deploymenttheory/go-espboot/internal/parsers/ota_select"
	partitiontable "github.com/deploymenttheory/go-espboot/internal/parsers/partition_table"
	"github.com/deploymenttheory/go-espboot/internal/platform"
	"github.com/deploymenttheory/go-espboot/pkg/app"
)

// pipeline is the boot pipeline assembled over one flash dump.
type pipeline struct {
	dump     app.DumpTarget
	platform *platform.Platform
	reader   *partitiontable.Reader
	selector *otaselect.Selector
	loader   *appimage.Loader
}

func openPipeline(ctx *app.Context, dump app.DumpTarget) (*pipeline, error) {
	cfg := ctx.Config
	if cfg == nil {
		return nil, app.NewError(app.ErrCodeNotConfigured, "configuration not loaded", nil)
	}

	loadCtx, cancel := ctx.WithTimeout(ctx.DefaultTimeout)
	defer cancel()
	contents, err := flash.LoadDump(loadCtx, flash.SourceConfig{
		Path:      dump.Path,
		FlashSize: cfg.Flash.Size,
		S3Region:  cfg.S3.Region,
		Logger:    ctx.Logger,
	})
	if err != nil {
		return nil, app.NewError(app.ErrCodeFlashAccess, "failed to load flash dump", err)
	}

	p, err := platform.New(platform.Config{
		Chip:         cfg.ChipTarget(),
		SectorSize:   cfg.Flash.SectorSize,
		StackPointer: cfg.Boot.StackPointer,
		Logger:       ctx.Logger,
	}, contents)
	if err != nil {
		return nil, app.NewError(app.ErrCodeFlashAccess, "failed to create platform", err)
	}
	return assemble(ctx, cfg, dump, p)
}

func assemble(ctx *app.Context, cfg *config.Config, dump app.DumpTarget, p *platform.Platform) (*pipeline, error) {
	reader, err := partitiontable.NewReader(p.Flash,
		partitiontable.WithTableOffset(cfg.Flash.TableOffset),
		partitiontable.WithRFData(cfg.Boot.LoadRFData),
		partitiontable.WithLogger(ctx.Logger))
	if err != nil {
		return nil, err
	}
	selector, err := otaselect.NewSelector(p.Flash, otaselect.WithLogger(ctx.Logger))
	if err != nil {
		return nil, err
	}

	opts := []appimage.Option{
		appimage.WithMemory(p.RAM),
		appimage.WithStackPointer(p.Stack),
		appimage.WithAddressMap(p.Map),
		appimage.WithLogger(ctx.Logger),
	}
	if cfg.Boot.SecureBoot {
		opts = append(opts, appimage.WithSecureBoot(nil))
	}
	if cfg.Boot.RAMObfuscation {
		opts = append(opts, appimage.WithRAMObfuscation(nil))
	}
	loader, err := appimage.NewLoader(p.Flash, opts...)
	if err != nil {
		return nil, err
	}

	return &pipeline{
		dump:     dump,
		platform: p,
		reader:   reader,
		selector: selector,
		loader:   loader,
	}, nil
}

// save writes modified flash back to the dump when the request asked for it.
func (p *pipeline) save() (bool, error) {
	if !p.dump.Save {
		return false, nil
	}
	if err := flash.SaveDump(p.dump.Path, p.platform.Chip.Bytes()); err != nil {
		return false, app.NewError(app.ErrCodeFlashAccess, "failed to save flash dump", err)
	}
	return true, nil
}

// partitionName finds the label of the table entry at offset.
func partitionName(entries []partitiontable.Entry, offset uint32) string {
	for _, e := range entries {
		if e.Info.Pos.Offset == offset {
			return e.Info.LabelString()
		}
	}
	return ""
}
