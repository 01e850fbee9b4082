package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/capsulevault/internal/integrity"
	"github.com/onnwee/capsulevault/internal/resilience"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Backend Backend
	// Prefix is prepended to object keys, e.g. "capsules/".
	Prefix string
	// Guard wraps backend calls. Nil means a default guard named after the backend.
	Guard  *resilience.Guard
	Logger *slog.Logger
}

// Service implements Store over a Backend.
type Service struct {
	backend Backend
	prefix  string
	guard   *resilience.Guard
	logger  *slog.Logger
}

// NewService creates a blob store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("blob store backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guard := cfg.Guard
	if guard == nil {
		guard = resilience.NewGuard(resilience.GuardConfig{
			Breaker:     resilience.DefaultBreakerConfig("blobstore-" + cfg.Backend.Name()),
			Retry:       resilience.DefaultRetryConfig(),
			CallerError: IsCallerError,
			Logger:      logger,
		})
	}
	return &Service{
		backend: cfg.Backend,
		prefix:  cfg.Prefix,
		guard:   guard,
		logger:  logger,
	}, nil
}

func (s *Service) objectKey(digest string) string {
	return s.prefix + digest + ".blob"
}

// Store implements Store. Storing identical bytes twice is a no-op that
// returns the same blob id.
func (s *Service) Store(ctx context.Context, encoded []byte, env Envelope) (string, error) {
	if len(encoded) == 0 {
		return "", ErrEmptyBlob
	}

	digest := integrity.Hash(encoded)
	blobID := blobIDPrefix + digest
	key := s.objectKey(digest)

	err := s.guard.Run(ctx, func(ctx context.Context) error {
		exists, err := s.backend.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return s.backend.Put(ctx, key, encoded, env.toMap())
	})
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}

	s.logger.DebugContext(ctx, "stored blob",
		slog.String("blob_id", blobID),
		slog.String("backend", s.backend.Name()),
		slog.Int("size", len(encoded)))
	return blobID, nil
}

// RetrieveWithRetry implements Store.
func (s *Service) RetrieveWithRetry(ctx context.Context, blobID string, hints Hints) (*Object, error) {
	digest, err := parseBlobID(blobID)
	if err != nil {
		return nil, err
	}

	obj, err := resilience.Do(ctx, s.guard, func(ctx context.Context) (*Object, error) {
		data, meta, err := s.backend.Get(ctx, s.objectKey(digest))
		if err != nil {
			return nil, err
		}
		return &Object{Data: data, Envelope: envelopeFromMap(meta)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve blob %s: %w", blobID, err)
	}

	if !integrity.Equal(integrity.Hash(obj.Data), digest) {
		return nil, fmt.Errorf("retrieve blob %s: %w", blobID, ErrContentMismatch)
	}
	if err := checkHints(obj.Envelope, hints); err != nil {
		s.logger.WarnContext(ctx, "blob envelope does not match expected values",
			slog.String("blob_id", blobID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("retrieve blob %s: %w", blobID, err)
	}
	return obj, nil
}

// VerifyIntegrity implements Store.
func (s *Service) VerifyIntegrity(ctx context.Context, blobID, expectedCiphertextHash string) error {
	_, err := s.RetrieveWithRetry(ctx, blobID, Hints{CiphertextHash: expectedCiphertextHash})
	return err
}

func checkHints(env Envelope, hints Hints) error {
	if hints.MetadataID != "" && env.MetadataID != hints.MetadataID {
		return fmt.Errorf("%w: metadata id", ErrHintMismatch)
	}
	if hints.CiphertextHash != "" && !integrity.Equal(env.CiphertextHash, hints.CiphertextHash) {
		return fmt.Errorf("%w: ciphertext hash", ErrHintMismatch)
	}
	return nil
}
