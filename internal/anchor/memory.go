package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryClient keeps anchored objects in memory. Used in development and tests.
type MemoryClient struct {
	mu      sync.Mutex
	locks   map[string]State
	quorums map[string]bool
	now     func() time.Time
	down    bool
	creates int
}

// NewMemoryClient creates an in-memory gateway using now as its clock.
func NewMemoryClient(now func() time.Time) *MemoryClient {
	if now == nil {
		now = time.Now
	}
	return &MemoryClient{
		locks:   make(map[string]State),
		quorums: make(map[string]bool),
		now:     now,
	}
}

// SetDown makes every call fail with ErrUnavailable.
func (m *MemoryClient) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetQuorum records whether the quorum for ref is met.
func (m *MemoryClient) SetQuorum(ref string, met bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quorums[ref] = met
}

// Release marks the anchored time lock ref as released.
func (m *MemoryClient) Release(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.locks[ref]; ok {
		s.Released = true
		m.locks[ref] = s
	}
}

// Creates returns how many time locks were anchored.
func (m *MemoryClient) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// CreateTimeLockPolicy implements Client.
func (m *MemoryClient) CreateTimeLockPolicy(ctx context.Context, dataID string, unlockAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", ErrUnavailable
	}
	ref := "tl-" + uuid.NewString()
	m.locks[ref] = State{Ref: ref, DataID: dataID, UnlockAt: unlockAt}
	m.creates++
	return ref, nil
}

// CheckTimeLock implements Client.
func (m *MemoryClient) CheckTimeLock(ctx context.Context, dataID, ref string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	s, ok := m.locks[ref]
	if !ok || s.DataID != dataID {
		return nil, nil
	}
	return &s, nil
}

// VerifyCondition implements Client.
func (m *MemoryClient) VerifyCondition(state *State) bool {
	return conditionMet(state, m.now())
}

// CheckQuorum implements Client.
func (m *MemoryClient) CheckQuorum(ctx context.Context, dataID, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	return m.quorums[ref], nil
}
