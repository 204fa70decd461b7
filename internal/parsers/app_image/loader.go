// Package appimage verifies application images stored in flash and loads
// their RAM segments.
package appimage

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/logging"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// Loader verifies and loads app images.
type Loader struct {
	flash    interfaces.FlashAccessor
	mem      interfaces.Memory
	sp       interfaces.StackPointer
	addrMap  types.AddressMap
	log      logrus.FieldLogger
	secure   bool
	verifier interfaces.SignatureVerifier

	obfuscate bool
	entropy   io.Reader
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. Nothing is logged in ModeVerifySilent.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Loader) { l.log = logging.Component(logger, "esp_image") }
}

// WithMemory sets the address space RAM segments are loaded into.
func WithMemory(mem interfaces.Memory) Option {
	return func(l *Loader) { l.mem = mem }
}

// WithStackPointer enables the check that loaded data stays clear of the
// bootloader stack.
func WithStackPointer(sp interfaces.StackPointer) Option {
	return func(l *Loader) { l.sp = sp }
}

// WithAddressMap sets where segments are mapped or loaded.
func WithAddressMap(m types.AddressMap) Option {
	return func(l *Loader) { l.addrMap = m }
}

// WithSecureBoot requires an appended SHA-256 digest on every image and
// hands it to verifier, which may be nil.
func WithSecureBoot(verifier interfaces.SignatureVerifier) Option {
	return func(l *Loader) {
		l.secure = true
		l.verifier = verifier
	}
}

// WithRAMObfuscation keeps loaded RAM XORed with a per-load random key
// until the whole image has verified. A nil entropy source uses crypto/rand.
func WithRAMObfuscation(entropy io.Reader) Option {
	return func(l *Loader) {
		l.obfuscate = true
		if entropy == nil {
			entropy = rand.Reader
		}
		l.entropy = entropy
	}
}

// NewLoader creates an image loader reading through flash.
func NewLoader(flash interfaces.FlashAccessor, opts ...Option) (*Loader, error) {
	if flash == nil {
		return nil, fmt.Errorf("flash accessor cannot be nil: %w", types.ErrInvalidArgument)
	}
	l := &Loader{
		flash:   flash,
		addrMap: types.DefaultAddressMap(types.ChipESP8266),
		log:     logging.Component(nil, "esp_image"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load verifies the image at part and, in ModeLoad, copies its RAM segments
// into memory. On failure the returned metadata is always zeroed.
func (l *Loader) Load(mode types.LoadMode, part types.PartitionPos) (*types.ImageMetadata, error) {
	run := &imageRun{
		loader: l,
		mode:   mode,
		part:   part,
		log:    l.log,
		meta:   &types.ImageMetadata{},
	}
	if mode == types.ModeVerifySilent {
		run.log = logging.Discard()
	}

	if err := run.execute(); err != nil {
		// Partially populated metadata must never leak out.
		*run.meta = types.ImageMetadata{}
		return run.meta, err
	}
	return run.meta, nil
}

// VerifyBootloader verifies the second stage bootloader image, which lives
// between the start of flash and the partition table, and returns its length.
func (l *Loader) VerifyBootloader(tableOffset uint32) (uint32, error) {
	part := types.PartitionPos{
		Offset: types.BootloaderOffset,
		Size:   tableOffset - types.BootloaderOffset,
	}
	meta, err := l.Load(types.ModeVerify, part)
	if err != nil {
		return 0, err
	}
	return meta.ImageLen, nil
}
