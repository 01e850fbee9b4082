package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

// Append implements Repository. A transaction-scoped advisory lock on the
// capsule serializes concurrent appends to the same chain.
func (r *PostgresRepository) Append(ctx context.Context, e *Entry) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "provenance_entries", tracing.DBOperationInsert)
	defer func() { end(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.ErrorContext(ctx, "failed to rollback provenance append",
					slog.String("error", rbErr.Error()))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.CapsuleID); err != nil {
		return fmt.Errorf("failed to lock provenance chain: %w", err)
	}

	var prev string
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM provenance_entries
		WHERE capsule_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, e.CapsuleID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	if err = e.seal(prev); err != nil {
		return err
	}

	var metadata []byte
	if len(e.Metadata) > 0 {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO provenance_entries (
			id, capsule_id, actor, action, occurred_at, metadata, previous_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.CapsuleID, e.Actor, string(e.Action), e.Timestamp, metadata, e.PreviousHash, e.Hash)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to insert provenance entry",
			slog.String("capsule_id", e.CapsuleID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert provenance entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit provenance entry: %w", err)
	}
	return nil
}

// Lineage implements Repository. Entries come back in append order, which
// is also ascending occurred_at.
func (r *PostgresRepository) Lineage(ctx context.Context, capsuleID string) (entries []*Entry, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "provenance_entries", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, capsule_id, actor, action, occurred_at, metadata, previous_hash, hash
		FROM provenance_entries
		WHERE capsule_id = $1
		ORDER BY seq ASC
	`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage: %w", err)
	}
	defer rows.Close()

	entries = []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var action string
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.CapsuleID, &e.Actor, &action, &e.Timestamp, &metadata, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan provenance entry: %w", err)
		}
		e.Action = Action(action)
		e.Timestamp = e.Timestamp.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lineage: %w", err)
	}
	return entries, nil
}
