package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-espboot/pkg/app/bootflow"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded boot attempts",
	Long: `List boot attempts recorded in the boot journal, newest first.

Examples:
  espboot --journal boot.db history --limit 10`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := newContext(cmd)
		if err != nil {
			return err
		}
		response, err := bootflow.HandleHistory(ctx, &bootflow.HistoryRequest{Limit: historyLimit})
		if err != nil {
			return err
		}
		return bootflow.FormatOutput(ctx.Out, response, ctx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum attempts to list (0 for all)")
}
