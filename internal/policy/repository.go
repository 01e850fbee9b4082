package policy

import (
	"context"
	"sync"
	"time"
)

// Repository persists policies and inheritance records. Writes are
// insert-or-replace keyed by capsule id, so concurrent configuration of the
// same capsule leaves exactly one row of each kind.
type Repository interface {
	// UpsertPolicy stores p, replacing any existing policy for the capsule.
	UpsertPolicy(ctx context.Context, p *Policy) error
	// GetPolicy returns ErrPolicyNotFound when the capsule has no policy.
	GetPolicy(ctx context.Context, capsuleID string) (*Policy, error)
	// UpsertInheritance stores r, replacing any existing record for the capsule.
	UpsertInheritance(ctx context.Context, r *InheritanceRecord) error
	// GetInheritance returns ErrInheritanceNotFound when the capsule has no record.
	GetInheritance(ctx context.Context, capsuleID string) (*InheritanceRecord, error)
	// TouchPing sets the record's last ping. Returns ErrInheritanceNotFound
	// when the capsule has no record.
	TouchPing(ctx context.Context, capsuleID string, at time.Time) error
	// RecordClaim stores the transfer reference of recipient's claim and
	// returns the reference now on record, which is the earlier one when the
	// recipient had already claimed the capsule.
	RecordClaim(ctx context.Context, capsuleID, recipient, ref string) (string, error)
	// GetClaim returns ErrClaimNotFound when recipient has not claimed the capsule.
	GetClaim(ctx context.Context, capsuleID, recipient string) (string, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu          sync.RWMutex
	policies    map[string]*Policy
	inheritance map[string]*InheritanceRecord
	claims      map[claimKey]string
}

type claimKey struct{ capsuleID, recipient string }

// NewInMemoryRepository creates a new in-memory policy repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		policies:    make(map[string]*Policy),
		inheritance: make(map[string]*InheritanceRecord),
		claims:      make(map[claimKey]string),
	}
}

// UpsertPolicy implements Repository.
func (r *InMemoryRepository) UpsertPolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := copyPolicy(p)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.policies[p.CapsuleID] = cp
	r.mu.Unlock()
	return nil
}

// GetPolicy implements Repository.
func (r *InMemoryRepository) GetPolicy(ctx context.Context, capsuleID string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[capsuleID]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return copyPolicy(p), nil
}

// UpsertInheritance implements Repository.
func (r *InMemoryRepository) UpsertInheritance(ctx context.Context, rec *InheritanceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	cp := copyInheritance(rec)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.inheritance[rec.CapsuleID] = cp
	r.mu.Unlock()
	return nil
}

// GetInheritance implements Repository.
func (r *InMemoryRepository) GetInheritance(ctx context.Context, capsuleID string) (*InheritanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.inheritance[capsuleID]
	if !ok {
		return nil, ErrInheritanceNotFound
	}
	return copyInheritance(rec), nil
}

// TouchPing implements Repository.
func (r *InMemoryRepository) TouchPing(ctx context.Context, capsuleID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.inheritance[capsuleID]
	if !ok {
		return ErrInheritanceNotFound
	}
	rec.LastPing = at
	rec.UpdatedAt = at
	return nil
}

// RecordClaim implements Repository.
func (r *InMemoryRepository) RecordClaim(ctx context.Context, capsuleID, recipient, ref string) (string, error) {
	key := claimKey{capsuleID, NormalizeAddress(recipient)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.claims[key]; ok {
		return prior, nil
	}
	r.claims[key] = ref
	return ref, nil
}

// GetClaim implements Repository.
func (r *InMemoryRepository) GetClaim(ctx context.Context, capsuleID, recipient string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.claims[claimKey{capsuleID, NormalizeAddress(recipient)}]
	if !ok {
		return "", ErrClaimNotFound
	}
	return ref, nil
}

// InheritanceCount returns how many inheritance records are stored.
func (r *InMemoryRepository) InheritanceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inheritance)
}

func copyPolicy(p *Policy) *Policy {
	cp := *p
	cp.Conditions = append([]byte(nil), p.Conditions...)
	return &cp
}

func copyInheritance(r *InheritanceRecord) *InheritanceRecord {
	cp := *r
	cp.FallbackAddresses = append([]string(nil), r.FallbackAddresses...)
	return &cp
}
