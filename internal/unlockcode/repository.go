package unlockcode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/capsulevault/internal/tracing"
)

// Repository stores at most one code per capsule.
type Repository interface {
	// Replace stores c, discarding any previous code for the capsule.
	Replace(ctx context.Context, c *Code) error
	// Get returns the capsule's code or ErrCodeNotFound.
	Get(ctx context.Context, capsuleID string) (*Code, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
type InMemoryRepository struct {
	mu    sync.RWMutex
	codes map[string]Code
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{codes: make(map[string]Code)}
}

// Replace implements Repository.
func (r *InMemoryRepository) Replace(ctx context.Context, c *Code) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[c.CapsuleID] = *c
	return nil
}

// Get implements Repository.
func (r *InMemoryRepository) Get(ctx context.Context, capsuleID string) (*Code, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codes[capsuleID]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return &c, nil
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// Replace implements Repository.
func (r *PostgresRepository) Replace(ctx context.Context, c *Code) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "unlock_codes", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO unlock_codes (capsule_id, code_hash, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (capsule_id) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			created_by = EXCLUDED.created_by,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`
	if _, err = r.db.ExecContext(ctx, query, c.CapsuleID, c.CodeHash, c.CreatedBy, c.CreatedAt, c.ExpiresAt); err != nil {
		r.logger.ErrorContext(ctx, "failed to store unlock code",
			slog.String("capsule_id", c.CapsuleID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to store unlock code: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, capsuleID string) (c *Code, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "unlock_codes", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT capsule_id, code_hash, created_by, created_at, expires_at
		FROM unlock_codes
		WHERE capsule_id = $1
	`
	c = &Code{}
	err = r.db.QueryRowContext(ctx, query, capsuleID).Scan(&c.CapsuleID, &c.CodeHash, &c.CreatedBy, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unlock code: %w", err)
	}
	return c, nil
}
