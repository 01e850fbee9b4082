package contribution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/onnwee/capsulevault/internal/tracing"
)

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

// Add implements Repository.
func (r *PostgresRepository) Add(ctx context.Context, c *Contribution) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "contributions", tracing.DBOperationInsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO contributions (id, capsule_id, contributor, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err = r.db.ExecContext(ctx, query, c.ID, c.CapsuleID, c.Contributor, c.Message, c.CreatedAt); err != nil {
		r.logger.ErrorContext(ctx, "failed to insert contribution",
			slog.String("capsule_id", c.CapsuleID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

// List implements Repository.
func (r *PostgresRepository) List(ctx context.Context, capsuleID string) (out []*Contribution, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "contributions", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT id, capsule_id, contributor, message, created_at
		FROM contributions
		WHERE capsule_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	out = []*Contribution{}
	for rows.Next() {
		c := &Contribution{}
		if err := rows.Scan(&c.ID, &c.CapsuleID, &c.Contributor, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contributions: %w", err)
	}
	return out, nil
}
