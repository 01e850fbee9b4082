package evidence

import (
	"context"
	"errors"

	"github.com/onnwee/capsulevault/internal/apperr"
	"github.com/onnwee/capsulevault/internal/blobstore"
	"github.com/onnwee/capsulevault/internal/resilience"
	"github.com/onnwee/capsulevault/internal/sealer"
)

// ErrCorrupted marks an integrity checkpoint mismatch.
var ErrCorrupted = errors.New("evidence integrity check failed")

// classify maps a dependency failure onto the application error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrCapsuleNotFound):
		return apperr.E(apperr.NotFound, op, "capsule not found", err)
	case errors.Is(err, ErrCorrupted),
		errors.Is(err, blobstore.ErrContentMismatch),
		errors.Is(err, blobstore.ErrHintMismatch),
		errors.Is(err, ErrInvalidRecord):
		return apperr.E(apperr.Integrity, op, "stored evidence failed an integrity check", err)
	case errors.Is(err, sealer.ErrAccessDenied):
		return apperr.E(apperr.Authorization, op, "access denied by encryption service", err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, sealer.ErrServiceUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return apperr.E(apperr.Unavailable, op, "dependency temporarily unavailable", err)
	default:
		return apperr.E(apperr.Unavailable, op, "dependency failed", err)
	}
}
