package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

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

// UpsertPolicy implements Repository.
func (r *PostgresRepository) UpsertPolicy(ctx context.Context, p *Policy) (err error) {
	if err := p.Validate(); err != nil {
		return err
	}
	ctx, end := tracing.StartDBSpan(ctx, "capsule_policies", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO capsule_policies (capsule_id, policy_type, external_ref, conditions, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (capsule_id) DO UPDATE SET
			policy_type = EXCLUDED.policy_type,
			external_ref = EXCLUDED.external_ref,
			conditions = EXCLUDED.conditions,
			updated_at = NOW()
	`
	ref := sql.NullString{String: p.ExternalRef, Valid: p.ExternalRef != ""}
	if _, err = r.db.ExecContext(ctx, query, p.CapsuleID, string(p.Type), ref, []byte(p.Conditions)); err != nil {
		r.logger.ErrorContext(ctx, "failed to upsert policy",
			slog.String("capsule_id", p.CapsuleID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

// GetPolicy implements Repository. Rows that fail validation are rejected.
func (r *PostgresRepository) GetPolicy(ctx context.Context, capsuleID string) (p *Policy, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "capsule_policies", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT capsule_id, policy_type, external_ref, conditions, updated_at
		FROM capsule_policies
		WHERE capsule_id = $1
	`
	p = &Policy{}
	var policyType string
	var ref sql.NullString
	var conditions []byte
	err = r.db.QueryRowContext(ctx, query, capsuleID).Scan(&p.CapsuleID, &policyType, &ref, &conditions, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	p.Type = Type(policyType)
	p.ExternalRef = ref.String
	p.Conditions = conditions

	if err := p.Validate(); err != nil {
		r.logger.ErrorContext(ctx, "rejecting malformed policy row",
			slog.String("capsule_id", capsuleID),
			slog.String("error", err.Error()))
		return nil, err
	}
	return p, nil
}

// UpsertInheritance implements Repository.
func (r *PostgresRepository) UpsertInheritance(ctx context.Context, rec *InheritanceRecord) (err error) {
	if err := rec.Validate(); err != nil {
		return err
	}
	ctx, end := tracing.StartDBSpan(ctx, "inheritance_records", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO inheritance_records (
			capsule_id, fallback_addresses, inactive_after_days, last_ping, auto_transfer, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (capsule_id) DO UPDATE SET
			fallback_addresses = EXCLUDED.fallback_addresses,
			inactive_after_days = EXCLUDED.inactive_after_days,
			last_ping = EXCLUDED.last_ping,
			auto_transfer = EXCLUDED.auto_transfer,
			updated_at = NOW()
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.CapsuleID, pq.Array(rec.FallbackAddresses), rec.InactiveAfterDays, rec.LastPing, rec.AutoTransfer)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to upsert inheritance record",
			slog.String("capsule_id", rec.CapsuleID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to upsert inheritance record: %w", err)
	}
	return nil
}

// GetInheritance implements Repository.
func (r *PostgresRepository) GetInheritance(ctx context.Context, capsuleID string) (rec *InheritanceRecord, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "inheritance_records", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT capsule_id, fallback_addresses, inactive_after_days, last_ping, auto_transfer, updated_at
		FROM inheritance_records
		WHERE capsule_id = $1
	`
	rec = &InheritanceRecord{}
	err = r.db.QueryRowContext(ctx, query, capsuleID).Scan(
		&rec.CapsuleID,
		pq.Array(&rec.FallbackAddresses),
		&rec.InactiveAfterDays,
		&rec.LastPing,
		&rec.AutoTransfer,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInheritanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inheritance record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		r.logger.ErrorContext(ctx, "rejecting malformed inheritance row",
			slog.String("capsule_id", capsuleID),
			slog.String("error", err.Error()))
		return nil, err
	}
	return rec, nil
}

// TouchPing implements Repository.
func (r *PostgresRepository) TouchPing(ctx context.Context, capsuleID string, at time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "inheritance_records", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	query := `UPDATE inheritance_records SET last_ping = $2, updated_at = NOW() WHERE capsule_id = $1`
	res, err := r.db.ExecContext(ctx, query, capsuleID, at)
	if err != nil {
		return fmt.Errorf("failed to record ping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record ping: %w", err)
	}
	if n == 0 {
		return ErrInheritanceNotFound
	}
	return nil
}

// RecordClaim implements Repository. The first claim per recipient is kept.
func (r *PostgresRepository) RecordClaim(ctx context.Context, capsuleID, recipient, ref string) (stored string, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "inheritance_claims", tracing.DBOperationInsert)
	defer func() { end(err) }()

	query := `
		WITH inserted AS (
			INSERT INTO inheritance_claims (capsule_id, recipient, transfer_ref, claimed_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (capsule_id, recipient) DO NOTHING
			RETURNING transfer_ref
		)
		SELECT transfer_ref FROM inserted
		UNION ALL
		SELECT transfer_ref FROM inheritance_claims WHERE capsule_id = $1 AND recipient = $2
		LIMIT 1
	`
	if err = r.db.QueryRowContext(ctx, query, capsuleID, NormalizeAddress(recipient), ref).Scan(&stored); err != nil {
		r.logger.ErrorContext(ctx, "failed to record inheritance claim",
			slog.String("capsule_id", capsuleID),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to record inheritance claim: %w", err)
	}
	return stored, nil
}

// GetClaim implements Repository.
func (r *PostgresRepository) GetClaim(ctx context.Context, capsuleID, recipient string) (ref string, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "inheritance_claims", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `SELECT transfer_ref FROM inheritance_claims WHERE capsule_id = $1 AND recipient = $2`
	err = r.db.QueryRowContext(ctx, query, capsuleID, NormalizeAddress(recipient)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrClaimNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get inheritance claim: %w", err)
	}
	return ref, nil
}
