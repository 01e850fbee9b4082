// Package contribution stores free-form messages that people attach to a
// capsule.
package contribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength is the longest accepted message, in characters.
const MaxMessageLength = 4000

// ErrInvalidContribution is returned for empty or oversized messages.
var ErrInvalidContribution = errors.New("invalid contribution")

// Contribution is one message on a capsule.
type Contribution struct {
	ID          string
	CapsuleID   string
	Contributor string
	Message     string
	CreatedAt   time.Time
}

// Repository stores contributions.
type Repository interface {
	Add(ctx context.Context, c *Contribution) error
	// List returns the capsule's contributions, oldest first.
	List(ctx context.Context, capsuleID string) ([]*Contribution, error)
}

// Service validates and stores contributions.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. A nil logger uses slog.Default.
func NewService(repo Repository, logger *slog.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, logger: logger, now: now}
}

// Add stores message, trimmed, as a contribution by contributor.
func (s *Service) Add(ctx context.Context, capsuleID, contributor, message string) (*Contribution, error) {
	message = strings.TrimSpace(message)
	switch n := utf8.RuneCountInString(message); {
	case capsuleID == "" || contributor == "":
		return nil, fmt.Errorf("%w: capsule and contributor are required", ErrInvalidContribution)
	case n == 0:
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidContribution)
	case n > MaxMessageLength:
		return nil, fmt.Errorf("%w: message has %d characters, maximum is %d", ErrInvalidContribution, n, MaxMessageLength)
	}

	c := &Contribution{
		ID:          uuid.NewString(),
		CapsuleID:   capsuleID,
		Contributor: contributor,
		Message:     message,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.Add(ctx, c); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "contribution added",
		slog.String("capsule_id", capsuleID),
		slog.String("contribution_id", c.ID))
	return c, nil
}

// List returns the capsule's contributions in ascending time order.
func (s *Service) List(ctx context.Context, capsuleID string) ([]*Contribution, error) {
	return s.repo.List(ctx, capsuleID)
}

// InMemoryRepository is an in-memory implementation of Repository.
type InMemoryRepository struct {
	mu    sync.RWMutex
	items map[string][]Contribution
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{items: make(map[string][]Contribution)}
}

// Add implements Repository.
func (r *InMemoryRepository) Add(ctx context.Context, c *Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[c.CapsuleID] = append(r.items[c.CapsuleID], *c)
	return nil
}

// List implements Repository.
func (r *InMemoryRepository) List(ctx context.Context, capsuleID string) ([]*Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contribution, 0, len(r.items[capsuleID]))
	for _, c := range r.items[capsuleID] {
		out = append(out, &c)
	}
	slices.SortStableFunc(out, func(a, b *Contribution) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}
