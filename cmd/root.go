package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-espboot/internal/config"
	"github.com/deploymenttheory/go-espboot/pkg/app"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	outputFormat string
	configFile   string

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "espboot",
	Short: "Emulated ESP8266/ESP32 second stage bootloader",
	Long: `espboot runs the ESP8266/ESP32 second stage bootloader against a flash
dump instead of a chip. It reads the partition table, picks the OTA slot,
verifies and loads the app image and reports the jump it would take.

Flash dumps may be raw binaries, Intel HEX files or s3://bucket/key URLs.

Commands:
  boot        Run a boot attempt
  partitions  List the partition table
  otadata     Show, set or erase the OTA boot selection
  verify      Verify app images without loading them
  history     List recorded boot attempts`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	flags.StringVar(&configFile, "config", "", "config file (default: espboot.yaml in ., $HOME/.espboot, /etc/espboot)")

	// Settings that may also come from the config file or ESPBOOT_* variables
	flags.String("chip", "", "chip target (esp8266, esp32)")
	flags.Uint32("flash-size", 0, "flash size in bytes")
	flags.Uint32("table-offset", 0, "partition table offset")
	flags.String("journal", "", "boot journal database path")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	bindFlag("chip", "chip")
	bindFlag("flash.size", "flash-size")
	bindFlag("flash.table_offset", "table-offset")
	bindFlag("journal.path", "journal")
	bindFlag("log.format", "log-format")
	bindFlag("log.level", "log-level")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

func bindFlag(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// newContext loads configuration and builds the application context
// shared by every command.
func newContext(cmd *cobra.Command) (*app.Context, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}

	ctx := app.NewContext(cfg)
	ctx.Context = cmd.Context()
	ctx.OutputFormat = outputFormat
	ctx.Verbose = verbose
	ctx.Quiet = quiet
	ctx.Out = cmd.OutOrStdout()
	if err := ctx.SetupLogger(cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	return ctx, nil
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}
