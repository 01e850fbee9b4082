package image

import "testing"

var (
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	pngHeader  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}
	gifHeader  = []byte("GIF89a\x01\x00\x01\x00")
	webpHeader = []byte("RIFF\x24\x00\x00\x00WEBPVP8 ")
)

func TestMatchesSignature(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		data     []byte
		want     bool
	}{
		{"jpeg", MIMEImageJPEG, jpegHeader, true},
		{"jpg alias", "image/jpg", jpegHeader, true},
		{"png", MIMEImagePNG, pngHeader, true},
		{"png with params", "image/png; charset=binary", pngHeader, true},
		{"gif", MIMEImageGIF, gifHeader, true},
		{"webp", MIMEImageWebP, webpHeader, true},
		{"jpeg declared png data", MIMEImageJPEG, pngHeader, false},
		{"png truncated", MIMEImagePNG, pngHeader[:4], false},
		{"webp missing fourcc", MIMEImageWebP, []byte("RIFF\x24\x00\x00\x00WAVE"), false},
		{"empty", MIMEImagePNG, nil, false},
		{"unknown image type passes", "image/heic", []byte("anything"), true},
		{"non-image passes", "audio/wav", []byte("RIFF"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesSignature(tt.mimeType, tt.data); got != tt.want {
				t.Errorf("MatchesSignature(%q) = %v, want %v", tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegHeader, MIMEImageJPEG},
		{"png", pngHeader, MIMEImagePNG},
		{"gif", gifHeader, MIMEImageGIF},
		{"webp", webpHeader, MIMEImageWebP},
		{"text", []byte("hello world"), ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectType(tt.data); got != tt.want {
				t.Errorf("DetectType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsImageType(t *testing.T) {
	if !IsImageType("IMAGE/PNG") {
		t.Error("IsImageType(IMAGE/PNG) = false")
	}
	if IsImageType("application/pdf") {
		t.Error("IsImageType(application/pdf) = true")
	}
	if !HasKnownSignature("image/jpg") {
		t.Error("HasKnownSignature(image/jpg) = false")
	}
	if HasKnownSignature("image/tiff") {
		t.Error("HasKnownSignature(image/tiff) = true")
	}
}
