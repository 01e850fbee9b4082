package provenance

import (
	"context"
	"sync"
)

// Repository stores ledger entries. Entries are never updated or deleted.
type Repository interface {
	// Append links e after the capsule's latest entry, seals it and stores it.
	// Linking and storing happen atomically per capsule.
	Append(ctx context.Context, e *Entry) error

	// Lineage returns the capsule's entries in the order they were appended.
	Lineage(ctx context.Context, capsuleID string) ([]*Entry, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
}

// NewInMemoryRepository creates a new in-memory ledger.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{entries: make(map[string][]*Entry)}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if chain := r.entries[e.CapsuleID]; len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	if err := e.seal(prev); err != nil {
		return err
	}
	r.entries[e.CapsuleID] = append(r.entries[e.CapsuleID], copyEntry(e))
	return nil
}

// Lineage implements Repository.
func (r *InMemoryRepository) Lineage(ctx context.Context, capsuleID string) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.entries[capsuleID]
	out := make([]*Entry, len(chain))
	for i, e := range chain {
		out[i] = copyEntry(e)
	}
	return out, nil
}

// Tamper overwrites a stored entry in place. Test helper for chain verification.
func (r *InMemoryRepository) Tamper(capsuleID string, index int, fn func(e *Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chain := r.entries[capsuleID]; index < len(chain) {
		fn(chain[index])
	}
}
