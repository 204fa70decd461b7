package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-espboot/pkg/app"
	"github.com/deploymenttheory/go-espboot/pkg/app/bootflow"
)

var (
	verifyOffset     uint32
	verifyBootloader bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify [flash-dump]",
	Short: "Verify app images without loading them",
	Long: `Verify the structure and checksum of every app image in the partition
table, or of the one at --offset.

Examples:
  espboot verify flash.bin
  espboot verify flash.bin --offset 0x110000
  espboot verify flash.bin --bootloader`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newContext(cmd)
		if err != nil {
			return err
		}
		response, err := bootflow.HandleVerify(ctx, &bootflow.VerifyRequest{
			Dump:       app.DumpTarget{Path: args[0]},
			Offset:     verifyOffset,
			Bootloader: verifyBootloader,
		})
		if err != nil {
			return err
		}
		if err := bootflow.FormatOutput(ctx.Out, response, ctx.OutputFormat); err != nil {
			return err
		}
		if response.Invalid > 0 {
			return app.NewError(app.ErrCodeImageInvalid, "one or more images failed verification", nil)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Uint32Var(&verifyOffset, "offset", 0, "verify only the app partition at this offset")
	verifyCmd.Flags().BoolVar(&verifyBootloader, "bootloader", false, "also verify the bootloader image")
}
