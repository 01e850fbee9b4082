package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists capsules, owner containers and encryption metadata.
type Repository interface {
	// SaveMetadata durably records encryption metadata.
	SaveMetadata(ctx context.Context, m *EncryptionMetadata) error
	// GetMetadata returns ErrMetadataNotFound when id is unknown.
	GetMetadata(ctx context.Context, id string) (*EncryptionMetadata, error)
	// EnsureContainer returns the owner's container, creating it on first use.
	EnsureContainer(ctx context.Context, ownerID string) (*OwnerContainer, error)
	// CreateCapsule inserts a capsule. Capsules are never updated.
	CreateCapsule(ctx context.Context, c *Capsule) error
	// GetCapsule returns ErrCapsuleNotFound when id is unknown.
	GetCapsule(ctx context.Context, id string) (*Capsule, error)
	// GetCapsuleForOwner returns ErrCapsuleNotFound unless ownerID owns id.
	GetCapsuleForOwner(ctx context.Context, id, ownerID string) (*Capsule, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu         sync.RWMutex
	capsules   map[string]*Capsule
	containers map[string]*OwnerContainer // keyed by owner id
	metadata   map[string]*EncryptionMetadata
}

// NewInMemoryRepository creates a new in-memory evidence repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		capsules:   make(map[string]*Capsule),
		containers: make(map[string]*OwnerContainer),
		metadata:   make(map[string]*EncryptionMetadata),
	}
}

// SaveMetadata implements Repository.
func (r *InMemoryRepository) SaveMetadata(ctx context.Context, m *EncryptionMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.metadata[m.ID] = &cp
	return nil
}

// GetMetadata implements Repository.
func (r *InMemoryRepository) GetMetadata(ctx context.Context, id string) (*EncryptionMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[id]
	if !ok {
		return nil, ErrMetadataNotFound
	}
	cp := *m
	return &cp, nil
}

// EnsureContainer implements Repository.
func (r *InMemoryRepository) EnsureContainer(ctx context.Context, ownerID string) (*OwnerContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oc, ok := r.containers[ownerID]
	if !ok {
		oc = &OwnerContainer{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			CreatedAt: time.Now().UTC(),
		}
		r.containers[ownerID] = oc
	}
	cp := *oc
	return &cp, nil
}

// CreateCapsule implements Repository.
func (r *InMemoryRepository) CreateCapsule(ctx context.Context, c *Capsule) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capsules[c.ID]; exists {
		return ErrCapsuleExists
	}
	cp := *c
	r.capsules[c.ID] = &cp
	return nil
}

// GetCapsule implements Repository.
func (r *InMemoryRepository) GetCapsule(ctx context.Context, id string) (*Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capsules[id]
	if !ok {
		return nil, ErrCapsuleNotFound
	}
	cp := *c
	return &cp, nil
}

// GetCapsuleForOwner implements Repository.
func (r *InMemoryRepository) GetCapsuleForOwner(ctx context.Context, id, ownerID string) (*Capsule, error) {
	c, err := r.GetCapsule(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrCapsuleNotFound
	}
	return c, nil
}
