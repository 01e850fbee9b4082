// Package compress provides the optional compression capability used by the
// evidence pipeline. Compression is best-effort: callers fall back to the
// uncompressed bytes on any error.
package compress

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Algorithm names recorded in blob metadata.
const (
	AlgorithmNone = "none"
	AlgorithmZstd = "zstd"
)

// ErrNotCompressed is returned by Decompress when the input was not produced
// by the compressor.
var ErrNotCompressed = errors.New("data is not compressed")

// Compressor compresses and decompresses whole buffers.
type Compressor interface {
	// Name identifies the algorithm in stored metadata.
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Noop is the default capability: it never transforms data.
type Noop struct{}

// Name implements Compressor.
func (Noop) Name() string { return AlgorithmNone }

// Compress returns data unchanged.
func (Noop) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress returns data unchanged.
func (Noop) Decompress(data []byte) ([]byte, error) { return data, nil }

// zstdMagic is the zstd frame magic number (little-endian 0xFD2FB528).
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Zstd compresses with zstandard. The encoder and decoder are safe for
// concurrent use through EncodeAll/DecodeAll.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd compressor. maxDecodedSize bounds decompression
// output; zero means 1 GiB.
func NewZstd(maxDecodedSize uint64) (*Zstd, error) {
	if maxDecodedSize == 0 {
		maxDecodedSize = 1 << 30
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

// Name implements Compressor.
func (z *Zstd) Name() string { return AlgorithmZstd }

// Compress implements Compressor.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress implements Compressor. Input without a zstd frame header is
// rejected with ErrNotCompressed.
func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return nil, ErrNotCompressed
	}
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (z *Zstd) Close() error {
	z.dec.Close()
	return z.enc.Close()
}

// New returns the compressor for the named algorithm.
func New(algorithm string) (Compressor, error) {
	switch algorithm {
	case "", AlgorithmNone:
		return Noop{}, nil
	case AlgorithmZstd:
		return NewZstd(0)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}
