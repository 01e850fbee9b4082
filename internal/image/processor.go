package image

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/h2non/bimg"
)

// maxPrefixScan bounds how far Repair looks for a displaced signature.
const maxPrefixScan = 4096

// ErrIrreparable is returned when an image cannot be brought back to a valid signature.
var ErrIrreparable = errors.New("image signature mismatch could not be repaired")

// ProcessorConfig holds configuration for image re-encoding during repair.
type ProcessorConfig struct {
	// Quality for JPEG/WebP encoding (1-100, default: 90)
	Quality int
	// StripMetadata removes EXIF/metadata when re-encoding. Evidence keeps it by default.
	StripMetadata bool
	Logger        *slog.Logger
}

// DefaultConfig returns defaults for evidence images.
func DefaultConfig() ProcessorConfig {
	return ProcessorConfig{
		Quality:       90,
		StripMetadata: false,
	}
}

// Processor checks decrypted images and repairs them where possible.
type Processor struct {
	config ProcessorConfig
	logger *slog.Logger
}

// NewProcessor creates a new image processor with the given config.
func NewProcessor(config ProcessorConfig) *Processor {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = DefaultConfig().Quality
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{config: config, logger: logger}
}

// Check returns data if it matches the signature for mimeType, a repaired copy
// if repair succeeds, or the original data unchanged (logged) when it cannot be
// repaired. It never fails.
func (p *Processor) Check(data []byte, mimeType string) []byte {
	if !IsImageType(mimeType) || !HasKnownSignature(mimeType) || MatchesSignature(mimeType, data) {
		return data
	}

	repaired, err := p.Repair(data, mimeType)
	if err != nil {
		p.logger.Warn("image signature mismatch",
			slog.String("mime_type", mimeType),
			slog.String("detected_type", DetectType(data)),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()))
		return data
	}

	p.logger.Info("repaired image signature",
		slog.String("mime_type", mimeType),
		slog.Int("original_size", len(data)),
		slog.Int("repaired_size", len(repaired)))
	return repaired
}

// Repair attempts to recover an image whose leading bytes do not match its
// declared type:
//  1. leading garbage before a valid signature is stripped;
//  2. otherwise the image is decoded and re-encoded to the declared type.
func (p *Processor) Repair(data []byte, mimeType string) ([]byte, error) {
	if MatchesSignature(mimeType, data) {
		return data, nil
	}

	if stripped, ok := stripLeadingGarbage(data, mimeType); ok {
		return stripped, nil
	}

	target, ok := bimgType(normalize(mimeType))
	if !ok {
		return nil, fmt.Errorf("%w: unsupported type %s", ErrIrreparable, mimeType)
	}

	img := bimg.NewImage(data)
	if _, err := img.Metadata(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIrreparable, err)
	}

	out, err := img.Process(bimg.Options{
		Type:          target,
		Quality:       p.config.Quality,
		StripMetadata: p.config.StripMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode: %v", ErrIrreparable, err)
	}
	if !MatchesSignature(mimeType, out) {
		return nil, ErrIrreparable
	}
	return out, nil
}

// stripLeadingGarbage finds the declared type's first signature within the
// scan window and returns the data from that point.
func stripLeadingGarbage(data []byte, mimeType string) ([]byte, bool) {
	sigs := signatures[normalize(mimeType)]
	if len(sigs) == 0 {
		return nil, false
	}

	window := data
	if len(window) > maxPrefixScan {
		window = window[:maxPrefixScan]
	}
	idx := bytes.Index(window, sigs[0].magic)
	if idx <= 0 {
		return nil, false
	}
	candidate := data[idx:]
	if !matchAll(sigs, candidate) {
		return nil, false
	}
	return candidate, true
}

// bimgType maps a MIME type to the bimg output type.
func bimgType(mimeType string) (bimg.ImageType, bool) {
	switch mimeType {
	case MIMEImageJPEG:
		return bimg.JPEG, true
	case MIMEImagePNG:
		return bimg.PNG, true
	case MIMEImageWebP:
		return bimg.WEBP, true
	case MIMEImageGIF:
		return bimg.GIF, true
	default:
		return bimg.UNKNOWN, false
	}
}
