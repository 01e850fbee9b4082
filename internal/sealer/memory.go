package sealer

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// MemoryClient is an in-process stand-in for the encryption service, used in
// development and tests. Each Encrypt call gets its own key, held only in memory.
type MemoryClient struct {
	mu        sync.Mutex
	keys      map[string][]byte
	threshold int
	failures  []error
	down      bool
}

// NewMemoryClient creates an in-memory sealer.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		keys:      make(map[string][]byte),
		threshold: DefaultThreshold,
	}
}

// FailNext makes the next len(errs) calls return the given errors in order.
func (m *MemoryClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetDown toggles connectivity; while down every call fails with ErrServiceUnavailable.
func (m *MemoryClient) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemoryClient) injected() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrServiceUnavailable
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

// Encrypt implements Client.
func (m *MemoryClient) Encrypt(ctx context.Context, plaintext []byte, identity string) (*Sealed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.injected(); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	meta := Metadata{
		ID:         uuid.NewString(),
		PackageRef: "mem:" + uuid.NewString(),
		Identity:   identity,
		Threshold:  m.threshold,
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, []byte(meta.ID))

	m.mu.Lock()
	m.keys[meta.ID] = key
	m.mu.Unlock()

	return &Sealed{Ciphertext: ciphertext, Metadata: meta}, nil
}

// Decrypt implements Client.
func (m *MemoryClient) Decrypt(ctx context.Context, ciphertext []byte, metadataID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.injected(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	key, ok := m.keys[metadataID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownMetadata
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrRejected)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(metadataID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return plaintext, nil
}

// VerifyConnectivity implements Client.
func (m *MemoryClient) VerifyConnectivity(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down && ctx.Err() == nil
}
