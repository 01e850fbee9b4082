// Package sealer is the client side of the external threshold-encryption
// service. The service performs the cryptography; this package moves bytes
// and metadata to and from it.
package sealer

import (
	"context"
	"errors"
)

// Sentinel errors for sealer operations.
var (
	// ErrServiceUnavailable means the service could not be reached or answered 5xx.
	// The message matches the resilience layer's transient classification.
	ErrServiceUnavailable = errors.New("encryption service temporarily unavailable")
	// ErrRejected means the service refused the request (4xx other than 403/404).
	ErrRejected = errors.New("encryption service rejected request")
	// ErrAccessDenied means the service refused to decrypt for this caller.
	ErrAccessDenied = errors.New("encryption service denied access")
	// ErrUnknownMetadata means the service has no key package for the metadata id.
	ErrUnknownMetadata = errors.New("unknown encryption metadata")
	// ErrEmptyPlaintext is returned when Encrypt is called with no data.
	ErrEmptyPlaintext = errors.New("plaintext is empty")
)

// IsCallerError reports whether err was caused by the request itself. Such
// errors say nothing about the service's health.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrUnknownMetadata) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrEmptyPlaintext)
}

// Metadata describes how a ciphertext was sealed. Losing it makes the
// ciphertext unrecoverable, so callers persist it before treating Encrypt as
// successful.
type Metadata struct {
	ID         string `json:"id"`
	PackageRef string `json:"package_ref"`
	Identity   string `json:"identity"`
	Threshold  int    `json:"threshold"`
}

// Sealed is the result of Encrypt.
type Sealed struct {
	Ciphertext []byte
	Metadata   Metadata
}

// Client is the threshold-encryption service.
type Client interface {
	// Encrypt seals plaintext so that only identity can later request decryption.
	Encrypt(ctx context.Context, plaintext []byte, identity string) (*Sealed, error)
	// Decrypt opens ciphertext. Authorization is re-derived by the service.
	Decrypt(ctx context.Context, ciphertext []byte, metadataID string) ([]byte, error)
	// VerifyConnectivity reports whether the service is reachable.
	VerifyConnectivity(ctx context.Context) bool
}
