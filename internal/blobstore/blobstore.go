// Package blobstore stores transport-encoded ciphertext in a content-addressed
// object store. Blob ids have the form "sha256:<hex>" over the stored bytes;
// a metadata envelope travels with each object.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Sentinel errors for blob store operations.
var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidBlobID   = errors.New("invalid blob id")
	ErrContentMismatch = errors.New("stored blob does not match its content address")
	ErrHintMismatch    = errors.New("stored blob metadata does not match expected values")
	ErrEmptyBlob       = errors.New("blob data is empty")
)

// IsCallerError reports whether err concerns the requested blob rather than
// the backend being reachable.
func IsCallerError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrInvalidBlobID, ErrContentMismatch, ErrHintMismatch, ErrEmptyBlob} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// blobIDPrefix prefixes every content address.
const blobIDPrefix = "sha256:"

// Metadata keys written with each object.
const (
	metaOriginalHash   = "original-sha256"
	metaCiphertextHash = "ciphertext-sha256"
	metaOriginalSize   = "original-size"
	metaCompression    = "compression"
	metaMetadataID     = "metadata-id"
	metaContentType    = "content-type"
	metaFilename       = "filename"
	metaDescription    = "description"
)

// Envelope is the descriptive metadata stored alongside a blob.
type Envelope struct {
	OriginalHash   string
	CiphertextHash string
	OriginalSize   int64
	// Compression names the algorithm applied before encryption ("none" when skipped).
	Compression string
	MetadataID  string
	ContentType string
	Filename    string
	Description string
}

// Compressed reports whether the content was compressed before encryption.
func (e Envelope) Compressed() bool {
	return e.Compression != "" && e.Compression != "none"
}

// toMap renders the envelope as object metadata. Values are query-escaped so
// that backends restricted to ASCII headers accept them.
func (e Envelope) toMap() map[string]string {
	m := map[string]string{
		metaOriginalHash:   e.OriginalHash,
		metaCiphertextHash: e.CiphertextHash,
		metaOriginalSize:   strconv.FormatInt(e.OriginalSize, 10),
		metaCompression:    e.Compression,
		metaMetadataID:     e.MetadataID,
		metaContentType:    e.ContentType,
		metaFilename:       e.Filename,
		metaDescription:    e.Description,
	}
	for k, v := range m {
		if v == "" {
			delete(m, k)
			continue
		}
		m[k] = url.QueryEscape(v)
	}
	return m
}

func envelopeFromMap(m map[string]string) Envelope {
	get := func(k string) string {
		v := m[k]
		if v == "" {
			// Some backends canonicalize metadata keys.
			for key, val := range m {
				if strings.EqualFold(key, k) {
					v = val
					break
				}
			}
		}
		if s, err := url.QueryUnescape(v); err == nil {
			return s
		}
		return v
	}
	size, _ := strconv.ParseInt(get(metaOriginalSize), 10, 64)
	return Envelope{
		OriginalHash:   get(metaOriginalHash),
		CiphertextHash: get(metaCiphertextHash),
		OriginalSize:   size,
		Compression:    get(metaCompression),
		MetadataID:     get(metaMetadataID),
		ContentType:    get(metaContentType),
		Filename:       get(metaFilename),
		Description:    get(metaDescription),
	}
}

// Object is a retrieved blob and its envelope.
type Object struct {
	Data     []byte
	Envelope Envelope
}

// Hints are expected values checked against a retrieved blob's envelope.
// Empty fields are not checked.
type Hints struct {
	MetadataID     string
	CiphertextHash string
}

// Store is the blob store used by the evidence pipeline.
type Store interface {
	// Store writes encoded data with its envelope and returns the blob id.
	Store(ctx context.Context, encoded []byte, env Envelope) (string, error)
	// RetrieveWithRetry fetches a blob, retrying transient failures, and
	// cross-checks it against hints.
	RetrieveWithRetry(ctx context.Context, blobID string, hints Hints) (*Object, error)
	// VerifyIntegrity re-reads a stored blob and checks its content address
	// and recorded ciphertext hash.
	VerifyIntegrity(ctx context.Context, blobID, expectedCiphertextHash string) error
}

// Backend is a raw object store keyed by object key.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// parseBlobID returns the hex digest of a blob id.
func parseBlobID(blobID string) (string, error) {
	if !strings.HasPrefix(blobID, blobIDPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBlobID, blobID)
	}
	digest := blobID[len(blobIDPrefix):]
	if len(digest) != 64 || strings.Trim(digest, "0123456789abcdef") != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidBlobID, blobID)
	}
	return digest, nil
}
