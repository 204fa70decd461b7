package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-espboot/pkg/app/bootflow"
)

var mkdumpCmd = &cobra.Command{
	Use:   "mkdump [layout.yaml] [output]",
	Short: "Build a flash dump from a layout file",
	Long: `Build a flash dump with a partition table, app images and an
optional OTA selection described by a YAML layout. The output format
follows the file extension (.bin or .hex).

Example layout:
  md5: true
  ota_slot: 0
  partitions:
    - {label: otadata, type: data, subtype: ota, offset: 0xD000, size: 0x2000}
    - label: factory
      type: app
      subtype: factory
      offset: 0x10000
      size: 0x40000
      image:
        entry: 0x40100004
        segments:
          - {load_addr: 0x40100000, file: app.iram.bin}

Examples:
  espboot mkdump layout.yaml flash.bin
  espboot mkdump --flash-size 0x200000 layout.yaml flash.hex`,

	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newContext(cmd)
		if err != nil {
			return err
		}
		response, err := bootflow.HandleMkdump(ctx, &bootflow.MkdumpRequest{
			Layout: args[0],
			Output: args[1],
		})
		if err != nil {
			return err
		}
		return bootflow.FormatOutput(ctx.Out, response, ctx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(mkdumpCmd)
}
