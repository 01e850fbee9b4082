// Package vault is the capsule service: it sequences the evidence pipeline,
// policy engine, provenance ledger, unlock codes and contributions behind the
// operations callers use.
package vault

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/capsulevault/internal/apperr"
	"github.com/onnwee/capsulevault/internal/container"
	"github.com/onnwee/capsulevault/internal/contribution"
	"github.com/onnwee/capsulevault/internal/evidence"
	"github.com/onnwee/capsulevault/internal/jobs"
	"github.com/onnwee/capsulevault/internal/policy"
	"github.com/onnwee/capsulevault/internal/provenance"
	"github.com/onnwee/capsulevault/internal/tracing"
	"github.com/onnwee/capsulevault/internal/unlockcode"
)

// PhraseActor is the provenance actor for unlocks made with a secret phrase.
const PhraseActor = "unlock-phrase"

// Config configures a Service.
type Config struct {
	Pipeline      *evidence.Pipeline
	Policies      *policy.Engine
	Ledger        *provenance.Ledger
	Codes         *unlockcode.Service
	Contributions *contribution.Service
	// Queue runs access anomaly checks. When nil the service starts its own
	// queue and stops it on Close.
	Queue  *jobs.Queue
	Logger *slog.Logger
}

// Service implements the capsule operations.
type Service struct {
	pipeline      *evidence.Pipeline
	policies      *policy.Engine
	ledger        *provenance.Ledger
	codes         *unlockcode.Service
	contributions *contribution.Service
	queue         *jobs.Queue
	ownsQueue     bool
	logger        *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Pipeline == nil:
		return nil, errors.New("evidence pipeline is required")
	case cfg.Policies == nil:
		return nil, errors.New("policy engine is required")
	case cfg.Ledger == nil:
		return nil, errors.New("provenance ledger is required")
	case cfg.Codes == nil:
		return nil, errors.New("unlock code service is required")
	case cfg.Contributions == nil:
		return nil, errors.New("contribution service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		pipeline:      cfg.Pipeline,
		policies:      cfg.Policies,
		ledger:        cfg.Ledger,
		codes:         cfg.Codes,
		contributions: cfg.Contributions,
		queue:         cfg.Queue,
		logger:        logger,
	}
	if s.queue == nil {
		s.queue = jobs.NewQueue(jobs.QueueConfig{Logger: logger})
		s.ownsQueue = true
	}
	return s, nil
}

// Close stops the anomaly queue if the service started it.
func (s *Service) Close(ctx context.Context) error {
	if !s.ownsQueue {
		return nil
	}
	return s.queue.Close(ctx)
}

// UploadEvidence seals the request's content, bundling a message or secondary
// stream when present, and persists its unlock policy.
func (s *Service) UploadEvidence(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	const op = "vault.UploadEvidence"
	ctx, end := tracing.StartSpan(ctx, op)
	defer func() { end(err) }()

	if err := req.policyRequest("").Validate(); err != nil {
		return nil, apperr.E(apperr.Validation, op, "invalid unlock condition", err)
	}

	data := req.Content
	if req.bundled() {
		data, err = container.Combine(container.Payload{
			Primary:   container.Stream{Data: req.Content, MIMEType: req.ContentType, Filename: req.Filename},
			Message:   req.Message,
			Secondary: req.Secondary,
			Metadata:  req.Metadata,
		})
		if err != nil {
			return nil, apperr.E(apperr.Validation, op, "content cannot be bundled", err)
		}
	}

	up, err := s.pipeline.Upload(ctx, evidence.UploadInput{
		OwnerID:     req.OwnerID,
		Data:        data,
		ContentType: req.ContentType,
		Filename:    req.Filename,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	p, err := s.policies.ClassifyAndPersist(ctx, req.policyRequest(up.CapsuleID))
	if err != nil {
		s.logger.ErrorContext(ctx, "capsule stored without a policy",
			slog.String("capsule_id", up.CapsuleID),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.record(ctx, provenance.Input{
		CapsuleID: up.CapsuleID,
		Actor:     req.OwnerID,
		Action:    provenance.ActionCreated,
		Metadata:  map[string]string{"policy_type": string(p.Type)},
	})

	return &UploadResult{
		CapsuleID:   up.CapsuleID,
		ContainerID: up.ContainerID,
		BlobID:      up.BlobID,
		MetadataID:  up.MetadataID,
		PolicyType:  p.Type,
		CreatedAt:   up.CreatedAt,
	}, nil
}

// GetEvidence returns an owner's capsule with its ciphertext. The content
// stays sealed.
func (s *Service) GetEvidence(ctx context.Context, capsuleID, owner string) (*evidence.Record, error) {
	rec, err := s.pipeline.Get(ctx, capsuleID, owner)
	if err != nil {
		return nil, err
	}
	s.record(ctx, provenance.Input{CapsuleID: capsuleID, Actor: owner, Action: provenance.ActionAccessed})
	s.observeAccess(ctx, capsuleID, owner)
	return rec, nil
}

// DecryptCapsule unlocks a capsule for requester. The owner may unlock once
// the policy allows it; anyone else only through an inheritance policy that
// lists them and whose owner has gone quiet.
func (s *Service) DecryptCapsule(ctx context.Context, capsuleID, requester string) (out *DecryptedContent, err error) {
	const op = "vault.DecryptCapsule"
	ctx, end := tracing.StartSpan(ctx, op, tracing.AttrCapsuleID.String(capsuleID))
	defer func() { end(err) }()

	c, err := s.pipeline.Lookup(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	owner := c.OwnerID == requester
	if !owner {
		p, err := s.policies.Policy(ctx, capsuleID)
		if err != nil {
			return nil, err
		}
		if p.Type != policy.TypeInheritance {
			return nil, apperr.Errorf(apperr.NotFound, op, "capsule not found")
		}
	}
	if err := s.policies.Authorize(ctx, policy.Access{CapsuleID: capsuleID, Requester: requester, Owner: owner}); err != nil {
		return nil, err
	}

	out, err = s.open(ctx, c)
	if err != nil {
		return nil, err
	}

	s.record(ctx, provenance.Input{
		CapsuleID: capsuleID,
		Actor:     requester,
		Action:    provenance.ActionUnlocked,
		Metadata:  map[string]string{"method": "identity"},
	})
	if owner {
		s.implicitPing(ctx, capsuleID)
	}
	s.observeAccess(ctx, capsuleID, requester)
	return out, nil
}

// UnlockWithPhrase unlocks a capsule with its secret phrase. The phrase
// replaces the identity check but the unlock condition still applies.
func (s *Service) UnlockWithPhrase(ctx context.Context, capsuleID, phrase string) (out *DecryptedContent, err error) {
	const op = "vault.UnlockWithPhrase"
	ctx, end := tracing.StartSpan(ctx, op, tracing.AttrCapsuleID.String(capsuleID))
	defer func() { end(err) }()

	if err := s.codes.Verify(ctx, capsuleID, phrase); err != nil {
		if errors.Is(err, unlockcode.ErrInvalidCode) {
			return nil, apperr.E(apperr.Authorization, op, "invalid unlock code", err)
		}
		return nil, apperr.E(apperr.Unavailable, op, "unlock code store unavailable", err)
	}

	c, err := s.pipeline.Lookup(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if err := s.policies.Authorize(ctx, policy.Access{CapsuleID: capsuleID, Requester: PhraseActor, Owner: true}); err != nil {
		return nil, err
	}
	out, err = s.open(ctx, c)
	if err != nil {
		return nil, err
	}

	s.record(ctx, provenance.Input{
		CapsuleID: capsuleID,
		Actor:     PhraseActor,
		Action:    provenance.ActionUnlocked,
		Metadata:  map[string]string{"method": "phrase"},
	})
	s.observeAccess(ctx, capsuleID, PhraseActor)
	return out, nil
}

func (s *Service) open(ctx context.Context, c *evidence.Capsule) (*DecryptedContent, error) {
	rec, err := s.pipeline.Retrieve(ctx, c)
	if err != nil {
		return nil, err
	}
	dec, err := s.pipeline.Decrypt(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &DecryptedContent{
		Content:     dec.Primary.Data,
		ContentType: dec.Primary.MIMEType,
		Filename:    dec.Primary.Filename,
		Message:     dec.Message,
		Secondary:   dec.Secondary,
		Metadata:    dec.Metadata,
	}, nil
}

// GenerateUnlockCode issues a new phrase for an owner's capsule, replacing
// any previous phrase.
func (s *Service) GenerateUnlockCode(ctx context.Context, capsuleID, owner string) (*UnlockCode, error) {
	if _, err := s.owned(ctx, "vault.GenerateUnlockCode", capsuleID, owner); err != nil {
		return nil, err
	}
	phrase, expiresAt, err := s.codes.Generate(ctx, capsuleID, owner)
	if err != nil {
		return nil, apperr.E(apperr.Unavailable, "vault.GenerateUnlockCode", "unlock code not issued", err)
	}
	return &UnlockCode{Phrase: phrase, ExpiresAt: expiresAt}, nil
}

// ConfigureInheritance sets the dead-man switch on an owner's capsule.
func (s *Service) ConfigureInheritance(ctx context.Context, capsuleID, owner string, settings policy.InheritanceSettings) (*policy.InheritanceRecord, error) {
	if _, err := s.owned(ctx, "vault.ConfigureInheritance", capsuleID, owner); err != nil {
		return nil, err
	}
	return s.policies.ConfigureInheritance(ctx, capsuleID, settings)
}

// Ping records that the owner is alive.
func (s *Service) Ping(ctx context.Context, capsuleID, owner string) error {
	if _, err := s.owned(ctx, "vault.Ping", capsuleID, owner); err != nil {
		return err
	}
	return s.policies.Ping(ctx, capsuleID)
}

// CheckInheritanceEligibility reports whether requester may claim the capsule.
func (s *Service) CheckInheritanceEligibility(ctx context.Context, capsuleID, requester string) (*policy.Eligibility, error) {
	return s.policies.Eligibility(ctx, capsuleID, requester)
}

// ClaimInheritance transfers the capsule to an eligible requester and returns
// the id of the capsule they now own.
func (s *Service) ClaimInheritance(ctx context.Context, capsuleID, requester string) (string, error) {
	return s.policies.Claim(ctx, capsuleID, requester)
}

// CheckTimeLock reports the capsule's time lock status.
func (s *Service) CheckTimeLock(ctx context.Context, capsuleID string) (*policy.TimeLockStatus, error) {
	return s.policies.CheckTimeLock(ctx, capsuleID)
}

// Liveness reports how recently the capsule's owner was seen.
func (s *Service) Liveness(ctx context.Context, capsuleID string) (*policy.Liveness, error) {
	return s.policies.Liveness(ctx, capsuleID)
}

// AddContribution attaches a message to an existing capsule.
func (s *Service) AddContribution(ctx context.Context, capsuleID, contributor, message string) (*contribution.Contribution, error) {
	const op = "vault.AddContribution"
	if _, err := s.pipeline.Lookup(ctx, capsuleID); err != nil {
		return nil, err
	}
	c, err := s.contributions.Add(ctx, capsuleID, contributor, message)
	if errors.Is(err, contribution.ErrInvalidContribution) {
		return nil, apperr.E(apperr.Validation, op, err.Error(), err)
	}
	if err != nil {
		return nil, apperr.E(apperr.Unavailable, op, "contribution not stored", err)
	}
	return c, nil
}

// ListContributions returns the capsule's contributions, oldest first.
func (s *Service) ListContributions(ctx context.Context, capsuleID string) ([]*contribution.Contribution, error) {
	out, err := s.contributions.List(ctx, capsuleID)
	if err != nil {
		return nil, apperr.E(apperr.Unavailable, "vault.ListContributions", "contributions unavailable", err)
	}
	return out, nil
}

// Lineage returns the capsule's provenance, oldest first. It is empty when
// the ledger cannot be read.
func (s *Service) Lineage(ctx context.Context, capsuleID string) []*provenance.Entry {
	return s.ledger.Lineage(ctx, capsuleID)
}

// VerifyLineage recomputes the capsule's provenance hash chain.
func (s *Service) VerifyLineage(ctx context.Context, capsuleID string) error {
	if err := s.ledger.Verify(ctx, capsuleID); err != nil {
		if errors.Is(err, provenance.ErrChainBroken) {
			return apperr.E(apperr.Integrity, "vault.VerifyLineage", "provenance chain broken", err)
		}
		return apperr.E(apperr.Unavailable, "vault.VerifyLineage", "provenance unavailable", err)
	}
	return nil
}

// owned loads capsuleID and checks that owner owns it. Capsules of other
// owners are reported as missing.
func (s *Service) owned(ctx context.Context, op, capsuleID, owner string) (*evidence.Capsule, error) {
	c, err := s.pipeline.Lookup(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != owner {
		return nil, apperr.Errorf(apperr.NotFound, op, "capsule not found")
	}
	return c, nil
}

// record appends to the ledger. The ledger is advisory, so failures are
// logged by the ledger and not returned.
func (s *Service) record(ctx context.Context, in provenance.Input) {
	_, _ = s.ledger.Record(ctx, in)
}

func (s *Service) implicitPing(ctx context.Context, capsuleID string) {
	err := s.policies.Ping(ctx, capsuleID)
	if err == nil || apperr.Is(err, apperr.NotFound) {
		return
	}
	s.logger.WarnContext(ctx, "implicit liveness ping failed",
		slog.String("capsule_id", capsuleID),
		slog.String("error", err.Error()))
}

func (s *Service) observeAccess(ctx context.Context, capsuleID, actor string) {
	err := s.queue.Enqueue(jobs.Task{
		Type:  jobs.JobTypeAnomalyCheck,
		Attrs: []slog.Attr{slog.String("capsule_id", capsuleID)},
		Run: func(ctx context.Context) error {
			_, err := s.ledger.ObserveAccess(ctx, capsuleID, actor)
			return err
		},
	})
	if err != nil && !errors.Is(err, jobs.ErrQueueFull) {
		s.logger.WarnContext(ctx, "access anomaly check not scheduled",
			slog.String("capsule_id", capsuleID),
			slog.String("error", err.Error()))
	}
}
