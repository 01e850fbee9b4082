package provenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/capsulevault/internal/tracing"
)

// Access anomaly defaults.
const (
	DefaultAnomalyThreshold = 10
	DefaultAnomalyWindow    = time.Hour
)

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Repository Repository
	// Counter backs the access anomaly heuristic. Defaults to a MemoryCounter.
	Counter WindowCounter
	// AnomalyThreshold is the number of accesses by one actor within
	// AnomalyWindow that is still considered normal.
	AnomalyThreshold int
	AnomalyWindow    time.Duration
	Metrics          *Metrics // optional
	Logger           *slog.Logger
	Now              func() time.Time
}

// Ledger records and reads capsule provenance.
type Ledger struct {
	repo      Repository
	counter   WindowCounter
	threshold int64
	window    time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Repository == nil {
		return nil, errors.New("provenance repository is required")
	}
	l := &Ledger{
		repo:      cfg.Repository,
		counter:   cfg.Counter,
		threshold: int64(cfg.AnomalyThreshold),
		window:    cfg.AnomalyWindow,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if l.counter == nil {
		l.counter = NewMemoryCounter()
	}
	if l.threshold <= 0 {
		l.threshold = DefaultAnomalyThreshold
	}
	if l.window <= 0 {
		l.window = DefaultAnomalyWindow
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Record appends an entry for in. Timestamps are kept at microsecond
// precision so that hashes survive a round trip through PostgreSQL.
func (l *Ledger) Record(ctx context.Context, in Input) (e *Entry, err error) {
	ctx, end := tracing.StartSpan(ctx, "provenance.Record",
		tracing.AttrCapsuleID.String(in.CapsuleID))
	defer func() { end(err) }()

	if err := in.validate(); err != nil {
		return nil, err
	}
	e = &Entry{
		ID:        uuid.NewString(),
		CapsuleID: in.CapsuleID,
		Actor:     in.Actor,
		Action:    in.Action,
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
		Metadata:  in.Metadata,
	}
	if err := l.repo.Append(ctx, e); err != nil {
		l.metrics.appendFailure()
		l.logger.ErrorContext(ctx, "failed to append provenance entry",
			slog.String("capsule_id", in.CapsuleID),
			slog.String("action", string(in.Action)),
			slog.String("error", err.Error()))
		return nil, err
	}
	l.metrics.entry(in.Action)
	return e, nil
}

// Lineage returns the capsule's entries in ascending time order. The ledger is
// advisory: a storage failure is logged and answered with an empty lineage.
func (l *Ledger) Lineage(ctx context.Context, capsuleID string) []*Entry {
	entries, err := l.repo.Lineage(ctx, capsuleID)
	if err != nil {
		l.metrics.lineageFailure()
		l.logger.WarnContext(ctx, "lineage unavailable, returning empty history",
			slog.String("capsule_id", capsuleID),
			slog.String("error", err.Error()))
		return []*Entry{}
	}
	return entries
}

// Verify recomputes the capsule's hash chain.
func (l *Ledger) Verify(ctx context.Context, capsuleID string) error {
	entries, err := l.repo.Lineage(ctx, capsuleID)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// ObserveAccess counts one access of capsuleID by actor and reports whether
// the actor has now exceeded the anomaly threshold within the window. Flags
// are logged and counted; access is never blocked.
func (l *Ledger) ObserveAccess(ctx context.Context, capsuleID, actor string) (bool, error) {
	n, err := l.counter.Add(ctx, "access:"+capsuleID+":"+actor, l.now(), l.window)
	if err != nil {
		return false, err
	}
	if n <= l.threshold {
		return false, nil
	}
	l.metrics.anomaly()
	l.logger.WarnContext(ctx, "unusual access frequency",
		slog.String("capsule_id", capsuleID),
		slog.String("actor", actor),
		slog.Int64("accesses", n),
		slog.Duration("window", l.window))
	return true, nil
}
