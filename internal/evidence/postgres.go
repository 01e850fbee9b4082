package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/capsulevault/internal/tracing"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint conflict.
const uniqueViolation = "23505"

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

// SaveMetadata implements Repository. Saving the same id twice is a no-op.
func (r *PostgresRepository) SaveMetadata(ctx context.Context, m *EncryptionMetadata) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "encryption_metadata", tracing.DBOperationInsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO encryption_metadata (id, package_ref, identity, threshold, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err = r.db.ExecContext(ctx, query, m.ID, m.PackageRef, m.Identity, m.Threshold); err != nil {
		r.logger.ErrorContext(ctx, "failed to save encryption metadata",
			slog.String("metadata_id", m.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to save encryption metadata: %w", err)
	}
	return nil
}

// GetMetadata implements Repository.
func (r *PostgresRepository) GetMetadata(ctx context.Context, id string) (m *EncryptionMetadata, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "encryption_metadata", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT id, package_ref, identity, threshold, created_at
		FROM encryption_metadata
		WHERE id = $1
	`
	m = &EncryptionMetadata{}
	err = r.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.PackageRef, &m.Identity, &m.Threshold, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption metadata: %w", err)
	}
	return m, nil
}

// EnsureContainer implements Repository. Concurrent first uploads by the same
// owner converge on one row via the unique owner_id constraint.
func (r *PostgresRepository) EnsureContainer(ctx context.Context, ownerID string) (oc *OwnerContainer, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "owner_containers", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO owner_containers (owner_id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING id, owner_id, created_at
	`
	oc = &OwnerContainer{}
	if err = r.db.QueryRowContext(ctx, query, ownerID).Scan(&oc.ID, &oc.OwnerID, &oc.CreatedAt); err != nil {
		r.logger.ErrorContext(ctx, "failed to ensure owner container",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to ensure owner container: %w", err)
	}
	return oc, nil
}

// CreateCapsule implements Repository.
func (r *PostgresRepository) CreateCapsule(ctx context.Context, c *Capsule) (err error) {
	if err := c.Validate(); err != nil {
		return err
	}
	ctx, end := tracing.StartDBSpan(ctx, "capsules", tracing.DBOperationInsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO capsules (
			id, owner_id, container_id, blob_id, metadata_id,
			ciphertext_hash, original_hash, original_size, compression,
			content_type, filename, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.ContainerID, c.BlobID, c.MetadataID,
		c.CiphertextHash, c.OriginalHash, c.OriginalSize, c.Compression,
		c.ContentType, c.Filename, c.Description, c.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrCapsuleExists
		}
		r.logger.ErrorContext(ctx, "failed to create capsule",
			slog.String("capsule_id", c.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create capsule: %w", err)
	}
	return nil
}

const selectCapsule = `
	SELECT id, owner_id, container_id, blob_id, metadata_id,
	       ciphertext_hash, original_hash, original_size, compression,
	       content_type, filename, description, created_at
	FROM capsules
`

// GetCapsule implements Repository.
func (r *PostgresRepository) GetCapsule(ctx context.Context, id string) (*Capsule, error) {
	return r.getCapsule(ctx, selectCapsule+`WHERE id = $1`, id)
}

// GetCapsuleForOwner implements Repository.
func (r *PostgresRepository) GetCapsuleForOwner(ctx context.Context, id, ownerID string) (*Capsule, error) {
	return r.getCapsule(ctx, selectCapsule+`WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

func (r *PostgresRepository) getCapsule(ctx context.Context, query string, args ...any) (c *Capsule, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "capsules", tracing.DBOperationQuery)
	defer func() { end(err) }()

	c = &Capsule{}
	var filename, description sql.NullString
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.OwnerID, &c.ContainerID, &c.BlobID, &c.MetadataID,
		&c.CiphertextHash, &c.OriginalHash, &c.OriginalSize, &c.Compression,
		&c.ContentType, &filename, &description, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCapsuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}
	c.Filename = filename.String
	c.Description = description.String

	if err := c.Validate(); err != nil {
		r.logger.ErrorContext(ctx, "rejecting malformed capsule row",
			slog.String("capsule_id", c.ID),
			slog.String("error", err.Error()))
		return nil, err
	}
	return c, nil
}
