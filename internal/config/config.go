// Package config loads espboot settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-espboot/internal/types"
)

// EnvPrefix prefixes every environment override, e.g. ESPBOOT_FLASH_SIZE.
const EnvPrefix = "ESPBOOT"

// Config holds the emulated target and pipeline settings.
type Config struct {
	Chip    string        `mapstructure:"chip"`
	Flash   FlashConfig   `mapstructure:"flash"`
	Boot    BootConfig    `mapstructure:"boot"`
	Journal JournalConfig `mapstructure:"journal"`
	S3      S3Config      `mapstructure:"s3"`
	Log     LogConfig     `mapstructure:"log"`
}

// FlashConfig describes the flash chip and the partition table location.
type FlashConfig struct {
	Size        uint32 `mapstructure:"size"`
	SectorSize  uint32 `mapstructure:"sector_size"`
	TableOffset uint32 `mapstructure:"table_offset"`
}

// BootConfig switches optional pipeline features.
type BootConfig struct {
	SecureBoot     bool          `mapstructure:"secure_boot"`
	RAMObfuscation bool          `mapstructure:"ram_obfuscation"`
	LoadRFData     bool          `mapstructure:"load_rf_data"`
	StackPointer   uint32        `mapstructure:"stack_pointer"`
	TestPin        uint32        `mapstructure:"test_pin"`
	TestHold       time.Duration `mapstructure:"test_hold"`
}

// JournalConfig locates the boot history database. An empty path disables it.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// S3Config is used when a flash dump is given as s3://bucket/key.
type S3Config struct {
	Region string `mapstructure:"region"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("chip", string(types.ChipESP8266))
	v.SetDefault("flash.size", 0x400000)
	v.SetDefault("flash.sector_size", 0x1000)
	v.SetDefault("flash.table_offset", types.DefaultPartitionTableOffset)
	v.SetDefault("boot.secure_boot", false)
	v.SetDefault("boot.ram_obfuscation", false)
	v.SetDefault("boot.load_rf_data", false)
	v.SetDefault("boot.stack_pointer", 0x3FFFFFF0)
	v.SetDefault("boot.test_pin", 0)
	v.SetDefault("boot.test_hold", 0)
	v.SetDefault("journal.path", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration into a Config. When file is empty espboot.yaml is
// searched for in the working directory, $HOME/.espboot and /etc/espboot; a
// missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("espboot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.espboot")
		v.AddConfigPath("/etc/espboot")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the pipeline cannot work with.
func (c *Config) Validate() error {
	if _, err := types.ParseChipTarget(c.Chip); err != nil {
		return err
	}
	f := c.Flash
	if f.SectorSize == 0 || f.SectorSize&(f.SectorSize-1) != 0 {
		return fmt.Errorf("flash.sector_size 0x%x must be a power of two: %w", f.SectorSize, types.ErrConfiguration)
	}
	if f.Size == 0 || f.Size%f.SectorSize != 0 {
		return fmt.Errorf("flash.size 0x%x must be a non-zero multiple of the sector size: %w", f.Size, types.ErrConfiguration)
	}
	if f.TableOffset%f.SectorSize != 0 || uint64(f.TableOffset)+uint64(types.PartitionTableMaxLen) > uint64(f.Size) {
		return fmt.Errorf("flash.table_offset 0x%x must be sector aligned and inside flash: %w", f.TableOffset, types.ErrConfiguration)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json: %w", c.Log.Format, types.ErrConfiguration)
	}
	return nil
}

// ChipTarget returns the parsed chip name.
func (c *Config) ChipTarget() types.ChipTarget {
	chip, _ := types.ParseChipTarget(c.Chip)
	return chip
}
