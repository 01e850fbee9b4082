// Package evidence moves sealed content through the encrypt, store and
// decrypt path and proves it is bit-exact at every hop.
package evidence

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/onnwee/capsulevault/internal/blobstore"
	"github.com/onnwee/capsulevault/internal/compress"
	"github.com/onnwee/capsulevault/internal/container"
)

var (
	// ErrCapsuleNotFound is returned when a capsule does not exist or is not
	// visible to the requesting owner.
	ErrCapsuleNotFound = errors.New("capsule not found")
	// ErrMetadataNotFound is returned when encryption metadata does not exist.
	ErrMetadataNotFound = errors.New("encryption metadata not found")
	// ErrCapsuleExists is returned when a capsule id is reused.
	ErrCapsuleExists = errors.New("capsule already exists")
	// ErrInvalidRecord is returned when a persisted row fails validation.
	ErrInvalidRecord = errors.New("invalid persisted record")
)

// Capsule is the immutable record of one sealed upload.
type Capsule struct {
	ID          string
	OwnerID     string
	ContainerID string
	BlobID      string
	MetadataID  string

	// CiphertextHash is the SHA-256 of the raw ciphertext, checked before decrypt.
	CiphertextHash string
	OriginalHash   string
	OriginalSize   int64
	Compression    string

	ContentType string
	Filename    string
	Description string
	CreatedAt   time.Time
}

// Validate checks the fields every capsule row must carry.
func (c *Capsule) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"id":              c.ID,
		"owner_id":        c.OwnerID,
		"container_id":    c.ContainerID,
		"blob_id":         c.BlobID,
		"metadata_id":     c.MetadataID,
		"ciphertext_hash": c.CiphertextHash,
		"content_type":    c.ContentType,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: capsule missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}
	if len(c.CiphertextHash) != 64 {
		return fmt.Errorf("%w: capsule ciphertext hash must be 64 hex characters", ErrInvalidRecord)
	}
	if c.OriginalSize <= 0 {
		return fmt.Errorf("%w: capsule original size must be positive", ErrInvalidRecord)
	}
	switch c.Compression {
	case compress.AlgorithmNone, compress.AlgorithmZstd:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidRecord, c.Compression)
	}
	return nil
}

// envelope returns the blob store envelope describing c.
func (c *Capsule) envelope() blobstore.Envelope {
	return blobstore.Envelope{
		OriginalHash:   c.OriginalHash,
		CiphertextHash: c.CiphertextHash,
		OriginalSize:   c.OriginalSize,
		Compression:    c.Compression,
		MetadataID:     c.MetadataID,
		ContentType:    c.ContentType,
		Filename:       c.Filename,
		Description:    c.Description,
	}
}

// OwnerContainer groups every capsule uploaded by one identity.
type OwnerContainer struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time
}

// EncryptionMetadata is the durable record needed to request decryption.
type EncryptionMetadata struct {
	ID         string
	PackageRef string
	Identity   string
	Threshold  int
	CreatedAt  time.Time
}

// UploadInput is the content handed to Upload.
type UploadInput struct {
	OwnerID     string
	Data        []byte
	ContentType string
	Filename    string
	Description string
}

// UploadResult identifies a stored capsule.
type UploadResult struct {
	CapsuleID   string
	ContainerID string
	BlobID      string
	MetadataID  string
	CreatedAt   time.Time
}

// Record is a capsule with its retrieved ciphertext, ready to decrypt.
type Record struct {
	Capsule    *Capsule
	Ciphertext []byte
	Envelope   blobstore.Envelope
}

// Decrypted is the opened content of a capsule.
type Decrypted struct {
	container.Payload
	// Bundled is false when the plaintext was not a container and Primary
	// holds the whole buffer.
	Bundled bool
}
