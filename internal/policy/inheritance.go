package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/capsulevault/internal/apperr"
	"github.com/onnwee/capsulevault/internal/tracing"
)

// Liveness confidence levels by time since the owner was last seen.
const (
	confidenceDay        = 0.9
	confidenceWeek       = 0.7
	confidenceStale      = 0.3
	aliveAboveConfidence = 0.5
)

// ConfigureInheritance sets the dead-man switch for a capsule and makes it
// the capsule's policy. Reconfiguring replaces the previous record and counts
// as a ping. A time lock or quorum that has not been met yet cannot be
// replaced.
func (e *Engine) ConfigureInheritance(ctx context.Context, capsuleID string, s InheritanceSettings) (rec *InheritanceRecord, err error) {
	const op = "policy.ConfigureInheritance"
	ctx, end := tracing.StartSpan(ctx, op, tracing.AttrCapsuleID.String(capsuleID))
	defer func() { end(err) }()

	rec = &InheritanceRecord{
		CapsuleID:         capsuleID,
		FallbackAddresses: nonEmpty(s.FallbackAddresses),
		InactiveAfterDays: s.InactiveAfterDays,
		AutoTransfer:      s.AutoTransfer,
		LastPing:          e.now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return nil, apperr.E(apperr.Validation, op, "invalid inheritance settings", err)
	}
	conditions, err := conditionsFor(TypeInheritance, Request{Inheritance: &s})
	if err != nil {
		return nil, apperr.E(apperr.Validation, op, "invalid inheritance settings", err)
	}
	p := &Policy{CapsuleID: capsuleID, Type: TypeInheritance, Conditions: conditions}
	if err := p.Validate(); err != nil {
		return nil, apperr.E(apperr.Validation, op, "invalid inheritance settings", err)
	}

	if err := e.replaceable(ctx, op, capsuleID); err != nil {
		return nil, err
	}

	if err := e.repo.UpsertInheritance(ctx, rec); err != nil {
		return nil, storeError(op, err)
	}
	if err := e.repo.UpsertPolicy(ctx, p); err != nil {
		return nil, storeError(op, err)
	}
	e.logger.InfoContext(ctx, "inheritance configured",
		slog.String("capsule_id", capsuleID),
		slog.Int("fallbacks", len(rec.FallbackAddresses)),
		slog.Int("inactive_after_days", rec.InactiveAfterDays))
	return rec, nil
}

// replaceable returns nil when the capsule's current condition would already
// let the owner in.
func (e *Engine) replaceable(ctx context.Context, op, capsuleID string) error {
	current, err := e.repo.GetPolicy(ctx, capsuleID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil
	}
	if err != nil {
		return storeError(op, err)
	}
	if current.Type != TypeTimeLock && current.Type != TypeMultiParty {
		return nil
	}
	err = e.authorize(ctx, op, current, Access{CapsuleID: capsuleID, Owner: true})
	if apperr.Is(err, apperr.PolicyNotReady) {
		return apperr.E(apperr.Validation, op, "capsule is still locked by its "+string(current.Type)+" policy", err)
	}
	return err
}

// Ping records owner activity, resetting the inactivity clock.
func (e *Engine) Ping(ctx context.Context, capsuleID string) error {
	if err := e.repo.TouchPing(ctx, capsuleID, e.now().UTC()); err != nil {
		return storeError("policy.Ping", err)
	}
	return nil
}

// Eligibility reports whether requester may claim the capsule now. A capsule
// without an inheritance record is never claimable.
func (e *Engine) Eligibility(ctx context.Context, capsuleID, requester string) (*Eligibility, error) {
	rec, err := e.repo.GetInheritance(ctx, capsuleID)
	if errors.Is(err, ErrInheritanceNotFound) {
		return &Eligibility{}, nil
	}
	if err != nil {
		return nil, storeError("policy.Eligibility", err)
	}
	now := e.now()
	listed := rec.Lists(requester)
	return &Eligibility{
		Eligible:   listed && rec.Inactive(now),
		Listed:     listed,
		EligibleAt: rec.LastPing.Add(rec.Threshold()),
		LastPing:   rec.LastPing,
	}, nil
}

// Claim transfers access to requester if they are eligible at this moment,
// returning the transferrer's reference. A recipient claims a capsule at most
// once; repeating the claim returns the reference from the first transfer.
func (e *Engine) Claim(ctx context.Context, capsuleID, requester string) (ref string, err error) {
	const op = "policy.Claim"
	ctx, end := tracing.StartSpan(ctx, op, tracing.AttrCapsuleID.String(capsuleID))
	defer func() { end(err) }()

	prior, err := e.repo.GetClaim(ctx, capsuleID, requester)
	switch {
	case err == nil:
		e.metrics.claim(OutcomeAllowed)
		e.logger.InfoContext(ctx, "inheritance already claimed",
			slog.String("capsule_id", capsuleID),
			slog.String("transfer_ref", prior))
		return prior, nil
	case !errors.Is(err, ErrClaimNotFound):
		e.metrics.claim(OutcomeError)
		return "", storeError(op, err)
	}

	el, err := e.Eligibility(ctx, capsuleID, requester)
	if err != nil {
		e.metrics.claim(OutcomeError)
		return "", err
	}
	if !el.Eligible {
		e.metrics.claim(OutcomeDenied)
		e.logger.InfoContext(ctx, "inheritance claim rejected",
			slog.String("capsule_id", capsuleID),
			slog.Bool("listed", el.Listed))
		return "", apperr.Errorf(apperr.Authorization, op, "requester is not eligible to claim")
	}
	if e.transferrer == nil {
		e.metrics.claim(OutcomeError)
		return "", apperr.Errorf(apperr.Unavailable, op, "access transfer is not configured")
	}
	ref, err = e.transferrer.Transfer(ctx, capsuleID, requester)
	if err != nil {
		e.metrics.claim(OutcomeError)
		if _, ok := apperr.As(err); ok {
			return "", err
		}
		return "", apperr.E(apperr.Unavailable, op, "access transfer failed", err)
	}
	// A concurrent claim may have recorded first; its reference wins.
	ref, err = e.repo.RecordClaim(ctx, capsuleID, requester, ref)
	if err != nil {
		e.metrics.claim(OutcomeError)
		return "", storeError(op, err)
	}
	e.metrics.claim(OutcomeAllowed)
	e.logger.InfoContext(ctx, "inheritance claimed",
		slog.String("capsule_id", capsuleID),
		slog.String("transfer_ref", ref))
	return ref, nil
}

// Liveness reports how recently the capsule owner was seen.
func (e *Engine) Liveness(ctx context.Context, capsuleID string) (*Liveness, error) {
	rec, err := e.repo.GetInheritance(ctx, capsuleID)
	if err != nil {
		return nil, storeError("policy.Liveness", err)
	}
	return livenessAt(rec.LastPing, e.now()), nil
}

func livenessAt(lastSeen, now time.Time) *Liveness {
	since := now.Sub(lastSeen)
	confidence := confidenceStale
	switch {
	case since <= 24*time.Hour:
		confidence = confidenceDay
	case since <= 7*24*time.Hour:
		confidence = confidenceWeek
	}
	return &Liveness{
		Alive:      confidence > aliveAboveConfidence,
		LastSeen:   lastSeen,
		Confidence: confidence,
	}
}
