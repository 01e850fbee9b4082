package container

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}

func TestCombineSplit_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{
			name: "primary only",
			payload: Payload{
				Primary: Stream{Data: pngHeader, MIMEType: "image/png"},
			},
		},
		{
			name: "primary with filename and message",
			payload: Payload{
				Primary: Stream{Data: pngHeader, MIMEType: "image/png", Filename: "scene.png"},
				Message: "open this when the statute of limitations has passed",
			},
		},
		{
			name: "image, message and audio",
			payload: Payload{
				Primary:   Stream{Data: pngHeader, MIMEType: "image/png"},
				Message:   "witness statement",
				Secondary: &Stream{Data: []byte("ID3\x04\x00audio-frames"), MIMEType: "audio/mpeg", Filename: "note.mp3"},
				Metadata:  map[string]string{"device": "field-kit-7", "lat": "0.0"},
			},
		},
		{
			name: "unicode message",
			payload: Payload{
				Primary: Stream{Data: []byte{0x00}, MIMEType: "application/octet-stream"},
				Message: "証拠 — ✓",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Combine(tt.payload)
			if err != nil {
				t.Fatalf("Combine() error = %v", err)
			}
			if !IsContainer(encoded) {
				t.Fatal("IsContainer() = false for Combine() output")
			}

			got, err := Split(encoded)
			if err != nil {
				t.Fatalf("Split() error = %v", err)
			}
			if !reflect.DeepEqual(*got, tt.payload) {
				t.Errorf("Split(Combine(p)) = %+v, want %+v", *got, tt.payload)
			}
		})
	}
}

func TestCombine_Validation(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr error
	}{
		{
			name:    "empty primary",
			payload: Payload{Primary: Stream{MIMEType: "image/png"}},
			wantErr: ErrEmptyPrimary,
		},
		{
			name:    "missing mime type",
			payload: Payload{Primary: Stream{Data: []byte("x")}},
			wantErr: ErrMissingMIMEType,
		},
		{
			name: "secondary without mime type",
			payload: Payload{
				Primary:   Stream{Data: []byte("x"), MIMEType: "text/plain"},
				Secondary: &Stream{Data: []byte("y")},
			},
			wantErr: ErrMissingSecondaryMIME,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Combine(tt.payload); !errors.Is(err, tt.wantErr) {
				t.Errorf("Combine() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCombine_DropsEmptySecondary(t *testing.T) {
	encoded, err := Combine(Payload{
		Primary:   Stream{Data: []byte("x"), MIMEType: "text/plain"},
		Secondary: &Stream{},
	})
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	got, err := Split(encoded)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if got.Secondary != nil {
		t.Errorf("Secondary = %+v, want nil", got.Secondary)
	}
}

func TestSplit_RejectsUnsupportedVersion(t *testing.T) {
	encoded, err := Combine(Payload{Primary: Stream{Data: []byte("x"), MIMEType: "text/plain"}})
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	encoded[len(magic)] = 2

	if _, err := Split(encoded); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Split() error = %v, want ErrUnsupportedVersion", err)
	}
	if IsContainer(encoded) {
		t.Error("IsContainer() = true for unsupported version")
	}
}

func TestSplit_RejectsNonContainer(t *testing.T) {
	inputs := map[string][]byte{
		"nil":        nil,
		"short":      []byte("CV"),
		"png":        pngHeader,
		"magic only": []byte("CVPC"),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, err := Split(in); !errors.Is(err, ErrNotContainer) {
				t.Errorf("Split() error = %v, want ErrNotContainer", err)
			}
			if IsContainer(in) {
				t.Error("IsContainer() = true")
			}
		})
	}
}

func TestSplit_MalformedBody(t *testing.T) {
	data := append(append([]byte(nil), magic...), CurrentVersion, 0xA1, 0x01)
	if !IsContainer(data) {
		t.Fatal("IsContainer() = false for well-formed header")
	}
	if _, err := Split(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("Split() error = %v, want ErrMalformed", err)
	}
}

func TestCombine_Deterministic(t *testing.T) {
	p := Payload{
		Primary:  Stream{Data: []byte("x"), MIMEType: "text/plain"},
		Metadata: map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first, err := Combine(p)
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Combine(p)
		if err != nil {
			t.Fatalf("Combine() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Combine() output differs between calls")
		}
	}
}
