package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-espboot/pkg/app"
	"github.com/deploymenttheory/go-espboot/pkg/app/bootflow"
)

var holdTestButton bool

var bootCmd = &cobra.Command{
	Use:   "boot [flash-dump]",
	Short: "Run a boot attempt against a flash dump",
	Long: `Run the full boot pipeline: load the partition table, select the OTA
slot, verify and load the app image and start it on the emulated target.

Examples:
  # Boot an ESP8266 dump
  espboot boot flash.bin

  # Boot an ESP32 dump and record the attempt
  espboot --chip esp32 --journal boot.db boot flash.hex

  # Boot the factory test app as if its GPIO were held at reset
  espboot boot flash.bin --hold-test`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newContext(cmd)
		if err != nil {
			return err
		}
		response, err := bootflow.HandleBoot(ctx, &bootflow.BootRequest{
			Dump:           app.DumpTarget{Path: args[0]},
			HoldTestButton: holdTestButton,
		})
		if response != nil {
			if ferr := bootflow.FormatOutput(ctx.Out, response, ctx.OutputFormat); ferr != nil {
				return ferr
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
	bootCmd.Flags().BoolVar(&holdTestButton, "hold-test", false, "hold the test app GPIO during reset")
}
