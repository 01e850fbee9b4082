// Package container implements the versioned payload container that bundles a
// primary stream, an optional text message, an optional secondary stream and
// free-form metadata into a single buffer.
//
// Wire format:
//
//	magic "CVPC" | version (1 byte) | CBOR-encoded body
package container

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CurrentVersion is the container version written by Combine.
const CurrentVersion = 1

var magic = []byte("CVPC")

// Codec errors.
var (
	ErrNotContainer         = errors.New("buffer is not a payload container")
	ErrUnsupportedVersion   = errors.New("unsupported container version")
	ErrMalformed            = errors.New("malformed container body")
	ErrEmptyPrimary         = errors.New("primary stream is required")
	ErrMissingMIMEType      = errors.New("primary stream MIME type is required")
	ErrMissingSecondaryMIME = errors.New("secondary stream MIME type is required")
)

// Stream is one binary stream inside a payload.
type Stream struct {
	Data     []byte `cbor:"1,keyasint"`
	MIMEType string `cbor:"2,keyasint"`
	Filename string `cbor:"3,keyasint,omitempty"`
}

// Payload is the logical content of a container.
type Payload struct {
	Primary   Stream
	Message   string
	Secondary *Stream
	Metadata  map[string]string
}

// body is the CBOR form of a version-1 payload.
type body struct {
	Primary   Stream            `cbor:"1,keyasint"`
	Message   string            `cbor:"2,keyasint,omitempty"`
	Secondary *Stream           `cbor:"3,keyasint,omitempty"`
	Metadata  map[string]string `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("container: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 1024,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("container: cbor decoder: %v", err))
	}
}

// Combine encodes p as a current-version container.
func Combine(p Payload) ([]byte, error) {
	if len(p.Primary.Data) == 0 {
		return nil, ErrEmptyPrimary
	}
	if p.Primary.MIMEType == "" {
		return nil, ErrMissingMIMEType
	}
	if p.Secondary != nil && len(p.Secondary.Data) > 0 && p.Secondary.MIMEType == "" {
		return nil, ErrMissingSecondaryMIME
	}

	b := body{
		Primary:  p.Primary,
		Message:  p.Message,
		Metadata: p.Metadata,
	}
	if p.Secondary != nil && len(p.Secondary.Data) > 0 {
		b.Secondary = p.Secondary
	}

	encoded, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode container: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 1 + len(encoded))
	buf.Write(magic)
	buf.WriteByte(CurrentVersion)
	buf.Write(encoded)
	return buf.Bytes(), nil
}

// Split decodes a container produced by Combine. Unknown versions are
// rejected with ErrUnsupportedVersion.
func Split(data []byte) (*Payload, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrNotContainer
	}

	version := data[len(magic)]
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var b body
	if err := decMode.Unmarshal(data[len(magic)+1:], &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(b.Primary.Data) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrEmptyPrimary)
	}

	return &Payload{
		Primary:   b.Primary,
		Message:   b.Message,
		Secondary: b.Secondary,
		Metadata:  b.Metadata,
	}, nil
}

// IsContainer reports whether data looks like a supported container. It only
// inspects the header bytes and never fails.
func IsContainer(data []byte) bool {
	if len(data) < len(magic)+2 {
		return false
	}
	if !bytes.Equal(data[:len(magic)], magic) || data[len(magic)] != CurrentVersion {
		return false
	}

	// The body is always a CBOR map (major type 5).
	return data[len(magic)+1]>>5 == 5
}
