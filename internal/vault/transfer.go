package vault

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/onnwee/capsulevault/internal/container"
	"github.com/onnwee/capsulevault/internal/evidence"
	"github.com/onnwee/capsulevault/internal/policy"
	"github.com/onnwee/capsulevault/internal/provenance"
)

// Reseal hands a capsule to an inheritance recipient by opening it and
// sealing the same content again under the recipient's identity. It
// implements policy.Transferrer; the policy engine has already decided the
// recipient is eligible. The recipient's copy carries a manual policy.
type Reseal struct {
	pipeline *evidence.Pipeline
	policies policy.Repository
	ledger   *provenance.Ledger
	logger   *slog.Logger
}

// NewReseal creates a Reseal transferrer.
func NewReseal(pipeline *evidence.Pipeline, policies policy.Repository, ledger *provenance.Ledger, logger *slog.Logger) (*Reseal, error) {
	if pipeline == nil || policies == nil || ledger == nil {
		return nil, errors.New("pipeline, policy repository and ledger are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reseal{pipeline: pipeline, policies: policies, ledger: ledger, logger: logger}, nil
}

// Transfer seals a copy of capsuleID for recipient and returns the new
// capsule's id. Both capsules' provenance records the handover.
func (r *Reseal) Transfer(ctx context.Context, capsuleID, recipient string) (string, error) {
	c, err := r.pipeline.Lookup(ctx, capsuleID)
	if err != nil {
		return "", err
	}
	rec, err := r.pipeline.Retrieve(ctx, c)
	if err != nil {
		return "", err
	}
	dec, err := r.pipeline.Decrypt(ctx, rec)
	if err != nil {
		return "", err
	}

	data := dec.Primary.Data
	if dec.Bundled {
		if data, err = container.Combine(dec.Payload); err != nil {
			return "", err
		}
	}
	up, err := r.pipeline.Upload(ctx, evidence.UploadInput{
		OwnerID:     recipient,
		Data:        data,
		ContentType: c.ContentType,
		Filename:    c.Filename,
		Description: c.Description,
	})
	if err != nil {
		return "", err
	}
	err = r.policies.UpsertPolicy(ctx, &policy.Policy{
		CapsuleID:  up.CapsuleID,
		Type:       policy.TypeManual,
		Conditions: json.RawMessage(`{}`),
	})
	if err != nil {
		return "", err
	}

	_, _ = r.ledger.Record(ctx, provenance.Input{
		CapsuleID: capsuleID,
		Actor:     recipient,
		Action:    provenance.ActionTransferred,
		Metadata:  map[string]string{"recipient_capsule_id": up.CapsuleID},
	})
	_, _ = r.ledger.Record(ctx, provenance.Input{
		CapsuleID: up.CapsuleID,
		Actor:     recipient,
		Action:    provenance.ActionCreated,
		Metadata:  map[string]string{"transferred_from": capsuleID},
	})
	r.logger.InfoContext(ctx, "capsule resealed for inheritance recipient",
		slog.String("capsule_id", capsuleID),
		slog.String("recipient_capsule_id", up.CapsuleID))
	return up.CapsuleID, nil
}
