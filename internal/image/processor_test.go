package image

import (
	"bytes"
	"errors"
	stdimage "image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// testImage returns a small gradient encoded with the standard library.
func testImage(t *testing.T, format string) []byte {
	t.Helper()
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Quality != 90 {
		t.Errorf("Expected default quality 90, got %d", config.Quality)
	}
	if config.StripMetadata {
		t.Error("Expected evidence metadata to be preserved by default")
	}

	p := NewProcessor(ProcessorConfig{Quality: 500})
	if p.config.Quality != 90 {
		t.Errorf("Out-of-range quality not reset, got %d", p.config.Quality)
	}
}

func TestCheck_ValidImageUnchanged(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	data := testImage(t, "jpeg")

	got := p.Check(data, MIMEImageJPEG)
	if !bytes.Equal(got, data) {
		t.Error("Check modified a valid image")
	}
}

func TestCheck_NonImagePassthrough(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	data := []byte("%PDF-1.7")

	if got := p.Check(data, "application/pdf"); !bytes.Equal(got, data) {
		t.Error("Check modified a non-image payload")
	}
}

func TestRepair_StripsLeadingGarbage(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	original := testImage(t, "png")
	damaged := append([]byte("\x00\x00junk-prefix"), original...)

	got, err := p.Repair(damaged, MIMEImagePNG)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Error("Repair did not recover the original image bytes")
	}
}

func TestCheck_ReturnsRepaired(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	original := testImage(t, "jpeg")
	damaged := append([]byte{0x00, 0x01, 0x02}, original...)

	if got := p.Check(damaged, MIMEImageJPEG); !bytes.Equal(got, original) {
		t.Error("Check did not return the repaired image")
	}
}

func TestRepair_Irreparable(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	garbage := []byte("this is not an image at all")

	_, err := p.Repair(garbage, MIMEImageJPEG)
	if !errors.Is(err, ErrIrreparable) {
		t.Fatalf("Expected ErrIrreparable, got %v", err)
	}

	// Check never fails; it hands back the original bytes.
	if got := p.Check(garbage, MIMEImageJPEG); !bytes.Equal(got, garbage) {
		t.Error("Check altered an irreparable payload")
	}
}

func TestRepair_ReencodesMislabelledImage(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	pngData := testImage(t, "png")

	got, err := p.Repair(pngData, MIMEImageJPEG)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if !MatchesSignature(MIMEImageJPEG, got) {
		t.Errorf("Re-encoded image has type %q, want jpeg", DetectType(got))
	}
}
