package unlockcode

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"

	"github.com/onnwee/capsulevault/internal/tracing"
)

// Service defaults.
const (
	DefaultTTL               = 365 * 24 * time.Hour
	DefaultAttemptsPerMinute = 5
	DefaultBurst             = 5

	saltSize        = 16
	maxTrackedLimit = 10000
	limiterIdle     = 10 * time.Minute
)

// Verification outcomes, used as metric labels only. Callers always see
// ErrInvalidCode for anything but OutcomeValid.
const (
	OutcomeValid       = "valid"
	OutcomeMismatch    = "mismatch"
	OutcomeExpired     = "expired"
	OutcomeMissing     = "missing"
	OutcomeRateLimited = "rate_limited"
)

// Config configures a Service.
type Config struct {
	Repository Repository
	// Secret keys phrase derivation.
	Secret []byte
	TTL    time.Duration
	// AttemptsPerMinute and Burst bound verification attempts per capsule.
	AttemptsPerMinute int
	Burst             int
	Metrics           *Metrics // optional
	Logger            *slog.Logger
	Now               func() time.Time
	// Rand supplies salts. Defaults to crypto/rand.
	Rand io.Reader
}

type attemptLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Service issues and verifies unlock phrases.
type Service struct {
	repo    Repository
	secret  []byte
	ttl     time.Duration
	limit   rate.Limit
	burst   int
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	rand    io.Reader

	mu       sync.Mutex
	limiters map[string]*attemptLimiter
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("unlock code repository is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("unlock phrase secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.AttemptsPerMinute <= 0 {
		cfg.AttemptsPerMinute = DefaultAttemptsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Service{
		repo:     cfg.Repository,
		secret:   cfg.Secret,
		ttl:      cfg.TTL,
		limit:    rate.Limit(float64(cfg.AttemptsPerMinute) / 60),
		burst:    cfg.Burst,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		rand:     cfg.Rand,
		limiters: make(map[string]*attemptLimiter),
	}, nil
}

// Generate issues a new phrase for capsuleID, replacing any previous one.
// The phrase is returned once and only its hash is kept.
func (s *Service) Generate(ctx context.Context, capsuleID, owner string) (phrase string, expiresAt time.Time, err error) {
	ctx, end := tracing.StartSpan(ctx, "unlockcode.Generate", tracing.AttrCapsuleID.String(capsuleID))
	defer func() { end(err) }()

	if capsuleID == "" || owner == "" {
		return "", time.Time{}, errors.New("capsule id and owner are required")
	}
	now := s.now().UTC()
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return "", time.Time{}, fmt.Errorf("read salt: %w", err)
	}
	info := []byte(capsuleID + "\x00" + owner + "\x00" + now.Format(time.RFC3339Nano))
	material := make([]byte, groups*groupLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, salt, info), material); err != nil {
		return "", time.Time{}, fmt.Errorf("derive phrase: %w", err)
	}
	phrase = format(material)

	code := &Code{
		CapsuleID: capsuleID,
		CodeHash:  HashPhrase(phrase),
		CreatedBy: owner,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.repo.Replace(ctx, code); err != nil {
		return "", time.Time{}, err
	}
	s.metrics.generated()
	s.logger.InfoContext(ctx, "unlock code issued",
		slog.String("capsule_id", capsuleID),
		slog.Time("expires_at", code.ExpiresAt))
	return phrase, code.ExpiresAt, nil
}

// Verify checks phrase against the capsule's code. Every rejection returns
// ErrInvalidCode; only a storage failure returns a different error.
func (s *Service) Verify(ctx context.Context, capsuleID, phrase string) (err error) {
	ctx, end := tracing.StartSpan(ctx, "unlockcode.Verify", tracing.AttrCapsuleID.String(capsuleID))
	defer func() { end(err) }()

	outcome, err := s.verify(ctx, capsuleID, phrase)
	s.metrics.verification(outcome)
	if outcome != OutcomeValid && err == nil {
		s.logger.InfoContext(ctx, "unlock code rejected",
			slog.String("capsule_id", capsuleID),
			slog.String("reason", outcome))
		return ErrInvalidCode
	}
	return err
}

func (s *Service) verify(ctx context.Context, capsuleID, phrase string) (string, error) {
	if !s.allow(capsuleID) {
		return OutcomeRateLimited, nil
	}
	code, err := s.repo.Get(ctx, capsuleID)
	if errors.Is(err, ErrCodeNotFound) {
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(HashPhrase(phrase)), []byte(code.CodeHash)) != 1 {
		return OutcomeMismatch, nil
	}
	if code.Expired(s.now()) {
		return OutcomeExpired, nil
	}
	return OutcomeValid, nil
}

func (s *Service) allow(capsuleID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.limiters) >= maxTrackedLimit {
		for id, l := range s.limiters {
			if now.Sub(l.lastSeen) > limiterIdle {
				delete(s.limiters, id)
			}
		}
	}
	l, ok := s.limiters[capsuleID]
	if !ok {
		l = &attemptLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[capsuleID] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}
