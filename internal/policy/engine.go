package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/capsulevault/internal/anchor"
	"github.com/onnwee/capsulevault/internal/apperr"
	"github.com/onnwee/capsulevault/internal/resilience"
	"github.com/onnwee/capsulevault/internal/tracing"
)

// Transferrer performs the access transfer once an inheritance claim
// succeeds. It returns a reference to what the recipient now holds.
type Transferrer interface {
	Transfer(ctx context.Context, capsuleID, recipient string) (string, error)
}

// TransferFunc adapts a function to Transferrer.
type TransferFunc func(ctx context.Context, capsuleID, recipient string) (string, error)

// Transfer implements Transferrer.
func (f TransferFunc) Transfer(ctx context.Context, capsuleID, recipient string) (string, error) {
	return f(ctx, capsuleID, recipient)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Repository Repository
	// Anchor consults externally anchored policy objects. Optional.
	Anchor anchor.Client
	// AnchorGuard wraps anchor calls. Defaults to a guard named "anchor".
	AnchorGuard *resilience.Guard
	Transferrer Transferrer
	// FailClosedQuorum denies multi-party unlocks when the quorum check
	// cannot be reached. The default lets them through with a warning.
	FailClosedQuorum bool
	Metrics          *Metrics // optional
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine owns every unlock-eligibility decision.
type Engine struct {
	repo        Repository
	anchor      anchor.Client
	guard       *resilience.Guard
	transferrer Transferrer
	failClosed  bool
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, errors.New("policy repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		repo:        cfg.Repository,
		anchor:      cfg.Anchor,
		guard:       cfg.AnchorGuard,
		transferrer: cfg.Transferrer,
		failClosed:  cfg.FailClosedQuorum,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         cfg.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.anchor != nil && e.guard == nil {
		e.guard = resilience.NewGuard(resilience.GuardConfig{
			Breaker:     resilience.DefaultBreakerConfig("anchor"),
			Retry:       resilience.DefaultRetryConfig(),
			CallerError: anchor.IsCallerError,
			Logger:      logger,
		})
	}
	return e, nil
}

// ClassifyAndPersist stores the single policy for r.CapsuleID, replacing any
// previous one. A time lock is also anchored externally when an anchor is
// configured; anchoring failure leaves a local-only policy.
func (e *Engine) ClassifyAndPersist(ctx context.Context, r Request) (p *Policy, err error) {
	const op = "policy.ClassifyAndPersist"
	t := Classify(r)
	ctx, end := tracing.StartSpan(ctx, op,
		tracing.AttrCapsuleID.String(r.CapsuleID),
		tracing.AttrPolicyType.String(string(t)))
	defer func() { end(err) }()

	conditions, err := conditionsFor(t, r)
	if err != nil {
		return nil, apperr.E(apperr.Validation, op, "invalid policy conditions", err)
	}
	p = &Policy{CapsuleID: r.CapsuleID, Type: t, Conditions: conditions}
	if err := p.Validate(); err != nil {
		return nil, apperr.E(apperr.Validation, op, "invalid policy conditions", err)
	}

	switch t {
	case TypeTimeLock:
		p.ExternalRef = e.anchorTimeLock(ctx, r.CapsuleID, *r.UnlockAt)
	case TypeMultiParty:
		p.ExternalRef = r.QuorumRef
		if p.ExternalRef == "" {
			e.logger.WarnContext(ctx, "multi-party policy stored without a quorum reference",
				slog.String("capsule_id", r.CapsuleID))
		}
	case TypeInheritance:
		rec := &InheritanceRecord{
			CapsuleID:         r.CapsuleID,
			FallbackAddresses: nonEmpty(r.Inheritance.FallbackAddresses),
			InactiveAfterDays: r.Inheritance.InactiveAfterDays,
			AutoTransfer:      r.Inheritance.AutoTransfer,
			LastPing:          e.now().UTC(),
		}
		if err := e.repo.UpsertInheritance(ctx, rec); err != nil {
			return nil, storeError(op, err)
		}
	}

	if err := e.repo.UpsertPolicy(ctx, p); err != nil {
		return nil, storeError(op, err)
	}
	e.logger.InfoContext(ctx, "policy persisted",
		slog.String("capsule_id", r.CapsuleID),
		slog.String("policy_type", string(t)),
		slog.Bool("anchored", p.ExternalRef != ""))
	return p, nil
}

func (e *Engine) anchorTimeLock(ctx context.Context, capsuleID string, unlockAt time.Time) string {
	if e.anchor == nil {
		return ""
	}
	ref, err := resilience.Do(ctx, e.guard, func(ctx context.Context) (string, error) {
		return e.anchor.CreateTimeLockPolicy(ctx, capsuleID, unlockAt)
	})
	if err != nil {
		e.metrics.anchorFallback("create_time_lock")
		e.logger.WarnContext(ctx, "time lock not anchored, keeping local policy only",
			slog.String("capsule_id", capsuleID),
			slog.String("error", err.Error()))
		return ""
	}
	return ref
}

// Policy returns the capsule's policy.
func (e *Engine) Policy(ctx context.Context, capsuleID string) (*Policy, error) {
	p, err := e.repo.GetPolicy(ctx, capsuleID)
	if err != nil {
		return nil, storeError("policy.Get", err)
	}
	return p, nil
}

// CheckTimeLock evaluates the capsule's time lock. Capsules without a time
// lock are always unlockable. When an anchored object exists both it and the
// local unlock time must agree; an unreachable anchor falls back to the local
// check.
func (e *Engine) CheckTimeLock(ctx context.Context, capsuleID string) (*TimeLockStatus, error) {
	const op = "policy.CheckTimeLock"
	p, err := e.repo.GetPolicy(ctx, capsuleID)
	if err != nil {
		return nil, storeError(op, err)
	}
	if p.Type != TypeTimeLock {
		return &TimeLockStatus{Unlockable: true}, nil
	}
	return e.evaluateTimeLock(ctx, p)
}

func (e *Engine) evaluateTimeLock(ctx context.Context, p *Policy) (*TimeLockStatus, error) {
	cond, err := p.TimeLock()
	if err != nil {
		return nil, apperr.E(apperr.Integrity, "policy.CheckTimeLock", "stored policy is malformed", err)
	}
	now := e.now()
	status := &TimeLockStatus{
		Unlockable: !now.Before(cond.UnlockAt),
		UnlockAt:   cond.UnlockAt,
	}

	if p.ExternalRef != "" && e.anchor != nil {
		state, err := resilience.Do(ctx, e.guard, func(ctx context.Context) (*anchor.State, error) {
			return e.anchor.CheckTimeLock(ctx, p.CapsuleID, p.ExternalRef)
		})
		switch {
		case err != nil:
			e.metrics.anchorFallback("check_time_lock")
			e.logger.WarnContext(ctx, "anchored time lock unreachable, using local check only",
				slog.String("capsule_id", p.CapsuleID),
				slog.String("error", err.Error()))
		case state != nil:
			status.Anchored = true
			if !e.anchor.VerifyCondition(state) {
				status.Unlockable = false
				if state.UnlockAt.After(status.UnlockAt) {
					status.UnlockAt = state.UnlockAt
				}
			}
		}
	}

	if !status.Unlockable {
		status.Remaining = status.UnlockAt.Sub(now)
		if status.Remaining < 0 {
			status.Remaining = 0
		}
	}
	return status, nil
}

// Access identifies who is asking to unlock a capsule.
type Access struct {
	CapsuleID string
	Requester string
	// Owner is true for the capsule owner and for a verified unlock phrase.
	Owner bool
}

// Authorize evaluates the capsule's condition for a. An unmet condition is
// returned as apperr.PolicyNotReady carrying the unlock time when known.
func (e *Engine) Authorize(ctx context.Context, a Access) (err error) {
	const op = "policy.Authorize"
	ctx, end := tracing.StartSpan(ctx, op, tracing.AttrCapsuleID.String(a.CapsuleID))
	defer func() { end(err) }()

	p, err := e.repo.GetPolicy(ctx, a.CapsuleID)
	if err != nil {
		e.metrics.decision("unknown", OutcomeError)
		return storeError(op, err)
	}
	tracing.SetAttributes(ctx, tracing.AttrPolicyType.String(string(p.Type)))

	err = e.authorize(ctx, op, p, a)
	switch {
	case err == nil:
		e.metrics.decision(p.Type, OutcomeAllowed)
	case apperr.Is(err, apperr.PolicyNotReady):
		e.metrics.decision(p.Type, OutcomeNotReady)
	case apperr.Is(err, apperr.Authorization):
		e.metrics.decision(p.Type, OutcomeDenied)
	default:
		e.metrics.decision(p.Type, OutcomeError)
	}
	return err
}

func (e *Engine) authorize(ctx context.Context, op string, p *Policy, a Access) error {
	switch p.Type {
	case TypeManual:
		return nil
	case TypeTimeLock:
		status, err := e.evaluateTimeLock(ctx, p)
		if err != nil {
			return err
		}
		if !status.Unlockable {
			return apperr.NotReady(op, status.UnlockAt, status.Remaining)
		}
		return nil
	case TypeMultiParty:
		return e.checkQuorum(ctx, op, p)
	case TypeInheritance:
		if a.Owner {
			return nil
		}
		el, err := e.Eligibility(ctx, a.CapsuleID, a.Requester)
		if err != nil {
			return err
		}
		if !el.Eligible {
			return apperr.Errorf(apperr.Authorization, op, "requester is not eligible")
		}
		return nil
	default:
		return apperr.Errorf(apperr.Integrity, op, "stored policy has unknown type %q", p.Type)
	}
}

func (e *Engine) checkQuorum(ctx context.Context, op string, p *Policy) error {
	// Without an anchored quorum object there is nothing that could ever be
	// met, which is not the same as the ledger being unreachable.
	if e.anchor == nil || p.ExternalRef == "" {
		e.logger.WarnContext(ctx, "multi-party policy has no anchored quorum object",
			slog.String("capsule_id", p.CapsuleID),
			slog.Bool("anchor_configured", e.anchor != nil))
		return apperr.Errorf(apperr.PolicyNotReady, op, "multi-party quorum is not anchored")
	}
	met, err := resilience.Do(ctx, e.guard, func(ctx context.Context) (bool, error) {
		return e.anchor.CheckQuorum(ctx, p.CapsuleID, p.ExternalRef)
	})
	if err != nil {
		e.metrics.anchorFallback("check_quorum")
		if e.failClosed {
			e.logger.WarnContext(ctx, "multi-party quorum check unreachable, denying",
				slog.String("capsule_id", p.CapsuleID),
				slog.String("error", err.Error()))
			return apperr.E(apperr.Unavailable, op, "multi-party quorum check unavailable", err)
		}
		e.logger.WarnContext(ctx, "multi-party quorum check unreachable, allowing",
			slog.String("capsule_id", p.CapsuleID),
			slog.String("error", err.Error()))
		return nil
	}
	if !met {
		return apperr.Errorf(apperr.PolicyNotReady, op, "multi-party quorum not reached")
	}
	return nil
}

// storeError classifies a repository failure.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, ErrPolicyNotFound), errors.Is(err, ErrInheritanceNotFound), errors.Is(err, ErrClaimNotFound):
		return apperr.E(apperr.NotFound, op, "policy not found", err)
	case errors.Is(err, ErrInvalidPolicy):
		return apperr.E(apperr.Integrity, op, "stored policy is malformed", err)
	default:
		return apperr.E(apperr.Unavailable, op, "policy store unavailable", err)
	}
}
