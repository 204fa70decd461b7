package bootflow

import (
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-espboot/internal/types"
	"github.com/deploymenttheory/go-espboot/pkg/app"
)

// Validate validates a boot request
func (r *BootRequest) Validate() error {
	return r.Dump.Validate()
}

// Validate validates a partitions request
func (r *PartitionsRequest) Validate() error {
	return r.Dump.Validate()
}

// Validate validates an OTA data request
func (r *OtaRequest) Validate() error {
	if err := r.Dump.Validate(); err != nil {
		return err
	}
	switch r.Action {
	case OtaShow, OtaErase:
	case OtaSet:
		if r.Slot < 0 || r.Slot >= types.MaxOTASlots {
			return app.NewError(app.ErrCodeInvalidInput,
				fmt.Sprintf("OTA slot must be between 0 and %d", types.MaxOTASlots-1), nil)
		}
	default:
		return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("unknown OTA action %q", r.Action), nil)
	}
	return nil
}

// Validate validates a verify request
func (r *VerifyRequest) Validate() error {
	return r.Dump.Validate()
}

// Validate validates a history request
func (r *HistoryRequest) Validate() error {
	if r.Limit < 0 {
		return app.NewError(app.ErrCodeInvalidInput, "limit cannot be negative", nil)
	}
	return nil
}

// Validate validates a mkdump request
func (r *MkdumpRequest) Validate() error {
	if r.Layout == "" {
		return app.NewError(app.ErrCodeInvalidInput, "layout path is required", nil)
	}
	if r.Output == "" {
		return app.NewError(app.ErrCodeInvalidInput, "output path is required", nil)
	}
	if strings.HasPrefix(r.Output, "s3://") {
		return app.NewError(app.ErrCodeInvalidInput, "output must be a local file", nil)
	}
	return nil
}
