// Package integrity provides the content fingerprint applied at every
// checkpoint of the evidence pipeline, and the checkpoint trail logged when a
// comparison fails.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Checkpoint names on the upload and download paths.
const (
	CheckpointOriginal     = "original"
	CheckpointCompressed   = "compressed"
	CheckpointPreEncrypt   = "pre_encrypt"
	CheckpointCiphertext   = "ciphertext"
	CheckpointTransport    = "transport_roundtrip"
	CheckpointRetrieved    = "retrieved_ciphertext"
	CheckpointDecrypted    = "decrypted"
	CheckpointDecompressed = "decompressed"
)

// Size ratio bounds outside of which a decrypted payload is reported as suspicious.
const (
	MinSizeRatio = 0.1
	MaxSizeRatio = 2.0
)

// ErrMismatch is returned when a recomputed hash differs from the expected one.
var ErrMismatch = errors.New("integrity hash mismatch")

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex hashes in constant time, ignoring case.
func Equal(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verify recomputes the hash of data and compares it to expected.
// An empty expected hash is treated as a mismatch.
func Verify(data []byte, expected string) error {
	actual := Hash(data)
	if expected == "" || !Equal(actual, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, shortHash(expected), shortHash(actual))
	}
	return nil
}

// SizeRatio returns actual/expected, or 1 when expected is not known.
func SizeRatio(actual, expected int64) float64 {
	if expected <= 0 {
		return 1
	}
	return float64(actual) / float64(expected)
}

// SuspiciousSize reports whether the size ratio falls outside [MinSizeRatio, MaxSizeRatio].
func SuspiciousSize(actual, expected int64) bool {
	r := SizeRatio(actual, expected)
	return r < MinSizeRatio || r > MaxSizeRatio
}

// Record is one checkpoint observation.
type Record struct {
	Name string
	Hash string
	Size int
}

// Trail collects checkpoint observations for one pipeline run.
// It is not safe for concurrent use.
type Trail struct {
	records []Record
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{}
}

// Mark hashes data, records it under name and returns the hash.
func (t *Trail) Mark(name string, data []byte) string {
	h := Hash(data)
	t.records = append(t.records, Record{Name: name, Hash: h, Size: len(data)})
	return h
}

// Get returns the hash recorded under name.
func (t *Trail) Get(name string) (string, bool) {
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].Name == name {
			return t.records[i].Hash, true
		}
	}
	return "", false
}

// Records returns a copy of the recorded checkpoints in order.
func (t *Trail) Records() []Record {
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// LogValue renders the trail for structured logging.
func (t *Trail) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(t.records))
	for _, r := range t.records {
		attrs = append(attrs, slog.Group(r.Name,
			slog.String("sha256", r.Hash),
			slog.Int("size", r.Size)))
	}
	return slog.GroupValue(attrs...)
}

func shortHash(h string) string {
	if h == "" {
		return "<none>"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
