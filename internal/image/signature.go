// Package image verifies decrypted image payloads against known file
// signatures and attempts best-effort repair of damaged ones.
package image

import (
	"bytes"
	"strings"
)

// Image MIME types with known signatures.
const (
	MIMEImageJPEG = "image/jpeg"
	MIMEImagePNG  = "image/png"
	MIMEImageGIF  = "image/gif"
	MIMEImageWebP = "image/webp"
)

// signature is a magic-byte pattern at a fixed offset.
type signature struct {
	offset int
	magic  []byte
}

// signatures maps each supported MIME type to the patterns that must all match.
var signatures = map[string][]signature{
	MIMEImageJPEG: {{offset: 0, magic: []byte{0xFF, 0xD8, 0xFF}}},
	MIMEImagePNG:  {{offset: 0, magic: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}}},
	MIMEImageGIF:  {{offset: 0, magic: []byte("GIF8")}},
	MIMEImageWebP: {{offset: 0, magic: []byte("RIFF")}, {offset: 8, magic: []byte("WEBP")}},
}

// IsImageType reports whether mimeType names an image.
func IsImageType(mimeType string) bool {
	return strings.HasPrefix(normalize(mimeType), "image/")
}

// HasKnownSignature reports whether the type has a signature to check against.
func HasKnownSignature(mimeType string) bool {
	_, ok := signatures[normalize(mimeType)]
	return ok
}

// MatchesSignature reports whether data starts with the signature for mimeType.
// Types without a known signature always match.
func MatchesSignature(mimeType string, data []byte) bool {
	sigs, ok := signatures[normalize(mimeType)]
	if !ok {
		return true
	}
	return matchAll(sigs, data)
}

// DetectType returns the image MIME type whose signature data carries, or "".
func DetectType(data []byte) string {
	for _, mimeType := range []string{MIMEImagePNG, MIMEImageJPEG, MIMEImageGIF, MIMEImageWebP} {
		if matchAll(signatures[mimeType], data) {
			return mimeType
		}
	}
	return ""
}

func matchAll(sigs []signature, data []byte) bool {
	for _, s := range sigs {
		end := s.offset + len(s.magic)
		if len(data) < end || !bytes.Equal(data[s.offset:end], s.magic) {
			return false
		}
	}
	return true
}

func normalize(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "image/jpg" {
		return MIMEImageJPEG
	}
	return mimeType
}
