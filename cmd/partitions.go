package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-espboot/pkg/app"
	"github.com/deploymenttheory/go-espboot/pkg/app/bootflow"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions [flash-dump]",
	Short: "List the partition table of a flash dump",
	Long: `Verify and list the partition table.

Examples:
  espboot partitions flash.bin
  espboot partitions --table-offset 0x9000 -o json flash.bin`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newContext(cmd)
		if err != nil {
			return err
		}
		response, err := bootflow.HandlePartitions(ctx, &bootflow.PartitionsRequest{
			Dump: app.DumpTarget{Path: args[0]},
		})
		if err != nil {
			return err
		}
		return bootflow.FormatOutput(ctx.Out, response, ctx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
}
