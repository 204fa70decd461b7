package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-espboot/pkg/app"
	"github.com/deploymenttheory/go-espboot/pkg/app/bootflow"
)

var dryRun bool

var otadataCmd = &cobra.Command{
	Use:   "otadata",
	Short: "Show, set or erase the OTA boot selection",
}

var otadataShowCmd = &cobra.Command{
	Use:   "show [flash-dump]",
	Short: "Show both OTA select records and the slot they select",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOtaData(cmd, &bootflow.OtaRequest{
			Dump:   app.DumpTarget{Path: args[0]},
			Action: bootflow.OtaShow,
		})
	},
}

var otadataSetCmd = &cobra.Command{
	Use:   "set [flash-dump] [slot]",
	Short: "Select the OTA app slot to boot next",
	Long: `Write a new OTA select record choosing the given slot. The dump file is
updated in place unless --dry-run is given.

Examples:
  espboot otadata set flash.bin 1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := strconv.Atoi(args[1])
		if err != nil {
			return app.NewError(app.ErrCodeInvalidInput, "slot must be a number", err)
		}
		return runOtaData(cmd, &bootflow.OtaRequest{
			Dump:   app.DumpTarget{Path: args[0], Save: !dryRun},
			Action: bootflow.OtaSet,
			Slot:   slot,
		})
	},
}

var otadataEraseCmd = &cobra.Command{
	Use:   "erase [flash-dump]",
	Short: "Erase the OTA data so the factory app boots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOtaData(cmd, &bootflow.OtaRequest{
			Dump:   app.DumpTarget{Path: args[0], Save: !dryRun},
			Action: bootflow.OtaErase,
		})
	},
}

func runOtaData(cmd *cobra.Command, req *bootflow.OtaRequest) error {
	ctx, err := newContext(cmd)
	if err != nil {
		return err
	}
	response, err := bootflow.HandleOtaData(ctx, req)
	if err != nil {
		return err
	}
	return bootflow.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}

func init() {
	rootCmd.AddCommand(otadataCmd)
	otadataCmd.AddCommand(otadataShowCmd, otadataSetCmd, otadataEraseCmd)
	otadataCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "do not write the modified dump back")
}
