package flash

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marcinbor85/gohex"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/logging"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// DumpFormat is the encoding of a flash dump file.
type DumpFormat string

const (
	FormatBinary   DumpFormat = "bin"
	FormatIntelHex DumpFormat = "hex"
)

// SourceConfig describes where a flash dump comes from.
type SourceConfig struct {
	// Path is a local file or an s3://bucket/key URL.
	Path string
	// FlashSize pads or bounds the dump.
	FlashSize uint32
	// S3Region is used for s3:// paths.
	S3Region string
	Logger   logrus.FieldLogger
}

// DetectFormat picks the dump encoding from the file extension.
func DetectFormat(path string) DumpFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return FormatIntelHex
	default:
		return FormatBinary
	}
}

// LoadDump reads a flash dump and returns exactly cfg.FlashSize bytes, with
// unprogrammed space filled with 0xFF.
func LoadDump(ctx context.Context, cfg SourceConfig) ([]byte, error) {
	if cfg.FlashSize == 0 {
		return nil, fmt.Errorf("flash size must be set: %w", types.ErrInvalidArgument)
	}
	log := logging.Component(cfg.Logger, "source").WithField("path", cfg.Path)

	var raw []byte
	var err error
	if bucket, key, ok := parseS3URL(cfg.Path); ok {
		raw, err = fetchS3(ctx, bucket, key, cfg.S3Region, int64(cfg.FlashSize))
	} else {
		raw, err = os.ReadFile(cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flash dump: %w", err)
	}

	format := DetectFormat(cfg.Path)
	log.WithFields(logrus.Fields{"format": format, "bytes": len(raw)}).Debug("flash dump read")

	switch format {
	case FormatIntelHex:
		return hexToFlash(raw, cfg.FlashSize)
	default:
		return binToFlash(raw, cfg.FlashSize)
	}
}

// SaveDump writes flash contents back to a local file in the format implied
// by its extension.
func SaveDump(path string, data []byte) error {
	if _, _, ok := parseS3URL(path); ok {
		return fmt.Errorf("writing to %s is not supported: %w", path, types.ErrInvalidArgument)
	}
	var out bytes.Buffer
	switch DetectFormat(path) {
	case FormatIntelHex:
		mem := gohex.NewMemory()
		if used := trimErased(data); len(used) > 0 {
			if err := mem.AddBinary(0, used); err != nil {
				return fmt.Errorf("failed to build intel hex: %w", err)
			}
		}
		if err := mem.DumpIntelHex(&out, 16); err != nil {
			return fmt.Errorf("failed to encode intel hex: %w", err)
		}
	default:
		out.Write(data)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write flash dump: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move flash dump into place: %w", err)
	}
	return nil
}

func binToFlash(raw []byte, size uint32) ([]byte, error) {
	if uint64(len(raw)) > uint64(size) {
		return nil, fmt.Errorf("dump of %d bytes exceeds flash size 0x%x: %w", len(raw), size, types.ErrInvalidArgument)
	}
	out := make([]byte, size)
	n := copy(out, raw)
	for i := n; i < len(out); i++ {
		out[i] = 0xFF
	}
	return out, nil
}

func hexToFlash(raw []byte, size uint32) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse intel hex: %w", err)
	}
	for _, segment := range mem.GetDataSegments() {
		end := uint64(segment.Address) + uint64(len(segment.Data))
		if end > uint64(size) {
			return nil, fmt.Errorf("hex segment 0x%08x+0x%x exceeds flash size 0x%x: %w",
				segment.Address, len(segment.Data), size, types.ErrInvalidArgument)
		}
	}
	return mem.ToBinary(0, size, 0xFF), nil
}

// trimErased drops trailing erased bytes so hex dumps stay small.
func trimErased(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == 0xFF {
		end--
	}
	return data[:end]
}

func parseS3URL(path string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(path, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func fetchS3(ctx context.Context, bucket, key, region string, limit int64) ([]byte, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		cfg = aws.Config{
			Region:      region,
			Credentials: aws.AnonymousCredentials{},
		}
	} else if cfg.Credentials == nil {
		cfg.Credentials = aws.AnonymousCredentials{}
	} else if creds, err := cfg.Credentials.Retrieve(ctx); err != nil || creds.AccessKeyID == "" {
		cfg.Credentials = aws.AnonymousCredentials{}
	}

	client := s3.NewFromConfig(cfg)
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get S3 object s3://%s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	// Hex dumps are larger than the flash they describe.
	data, err := readLimited(resp.Body, limit*4)
	if err != nil {
		return nil, fmt.Errorf("failed to download S3 object s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// readLimited reads all of r, failing instead of truncating when r holds
// more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("object exceeds %d bytes: %w", limit, types.ErrInvalidArgument)
	}
	return data, nil
}
