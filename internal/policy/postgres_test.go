package policy

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgresRepository(db, nil), mock
}

var policyColumns = []string{"capsule_id", "policy_type", "external_ref", "conditions", "updated_at"}

func TestPostgresRepository_UpsertPolicy(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := &Policy{
		CapsuleID:   "c1",
		Type:        TypeTimeLock,
		ExternalRef: "tl-1",
		Conditions:  json.RawMessage(`{"unlock_at":"2030-01-01T00:00:00Z"}`),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO capsule_policies")).
		WithArgs("c1", "time_lock", "tl-1", []byte(p.Conditions)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.UpsertPolicy(context.Background(), p); err != nil {
		t.Fatalf("UpsertPolicy() error = %v", err)
	}

	bad := &Policy{CapsuleID: "c1", Type: TypeTimeLock, Conditions: json.RawMessage(`{}`)}
	if err := repo.UpsertPolicy(context.Background(), bad); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("UpsertPolicy(invalid) error = %v, want ErrInvalidPolicy", err)
	}
}

func TestPostgresRepository_GetPolicy(t *testing.T) {
	updated := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantErr error
	}{
		{
			name: "manual",
			rows: sqlmock.NewRows(policyColumns).AddRow("c1", "manual", nil, []byte(`{}`), updated),
		},
		{
			name:    "missing",
			rows:    sqlmock.NewRows(policyColumns),
			wantErr: ErrPolicyNotFound,
		},
		{
			name:    "unknown type",
			rows:    sqlmock.NewRows(policyColumns).AddRow("c1", "escrow", nil, []byte(`{}`), updated),
			wantErr: ErrInvalidPolicy,
		},
		{
			name:    "conditions do not match type",
			rows:    sqlmock.NewRows(policyColumns).AddRow("c1", "inheritance", nil, []byte(`{"unlock_at":"2030-01-01T00:00:00Z"}`), updated),
			wantErr: ErrInvalidPolicy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectQuery(regexp.QuoteMeta("FROM capsule_policies")).
				WithArgs("c1").
				WillReturnRows(tt.rows)

			p, err := repo.GetPolicy(context.Background(), "c1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("GetPolicy() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetPolicy() error = %v", err)
			}
			if p.Type != TypeManual || p.ExternalRef != "" || !p.UpdatedAt.Equal(updated) {
				t.Errorf("GetPolicy() = %+v", p)
			}
		})
	}
}

func TestPostgresRepository_Inheritance(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	ping := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	rec := &InheritanceRecord{
		CapsuleID:         "c1",
		FallbackAddresses: []string{"0xA", "0xB"},
		InactiveAfterDays: 30,
		LastPing:          ping,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO inheritance_records")).
		WithArgs("c1", pq.Array(rec.FallbackAddresses), 30, ping, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.UpsertInheritance(ctx, rec); err != nil {
		t.Fatalf("UpsertInheritance() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM inheritance_records")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{
			"capsule_id", "fallback_addresses", "inactive_after_days", "last_ping", "auto_transfer", "updated_at",
		}).AddRow("c1", []byte(`{0xA,0xB}`), 30, ping, true, ping))
	got, err := repo.GetInheritance(ctx, "c1")
	if err != nil {
		t.Fatalf("GetInheritance() error = %v", err)
	}
	if len(got.FallbackAddresses) != 2 || got.FallbackAddresses[1] != "0xB" || !got.AutoTransfer {
		t.Errorf("GetInheritance() = %+v", got)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM inheritance_records")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"capsule_id"}))
	if _, err := repo.GetInheritance(ctx, "missing"); !errors.Is(err, ErrInheritanceNotFound) {
		t.Errorf("GetInheritance(missing) error = %v, want ErrInheritanceNotFound", err)
	}
}

func TestPostgresRepository_TouchPing(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE inheritance_records SET last_ping")).
		WithArgs("c1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.TouchPing(context.Background(), "c1", at); err != nil {
		t.Fatalf("TouchPing() error = %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE inheritance_records SET last_ping")).
		WithArgs("missing", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.TouchPing(context.Background(), "missing", at); !errors.Is(err, ErrInheritanceNotFound) {
		t.Errorf("TouchPing(missing) error = %v, want ErrInheritanceNotFound", err)
	}
}

func TestPostgresRepository_Claims(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO inheritance_claims")).
		WithArgs("c1", "0xheir", "copy-1").
		WillReturnRows(sqlmock.NewRows([]string{"transfer_ref"}).AddRow("copy-1"))
	if ref, err := repo.RecordClaim(ctx, "c1", " 0xHeir ", "copy-1"); err != nil || ref != "copy-1" {
		t.Errorf("RecordClaim() = %q, %v", ref, err)
	}

	// A conflicting insert returns the row already on record.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO inheritance_claims")).
		WithArgs("c1", "0xheir", "copy-2").
		WillReturnRows(sqlmock.NewRows([]string{"transfer_ref"}).AddRow("copy-1"))
	if ref, err := repo.RecordClaim(ctx, "c1", "0xHEIR", "copy-2"); err != nil || ref != "copy-1" {
		t.Errorf("repeated RecordClaim() = %q, %v, want copy-1", ref, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT transfer_ref FROM inheritance_claims")).
		WithArgs("c1", "0xheir").
		WillReturnRows(sqlmock.NewRows([]string{"transfer_ref"}).AddRow("copy-1"))
	if ref, err := repo.GetClaim(ctx, "c1", "0xHeir"); err != nil || ref != "copy-1" {
		t.Errorf("GetClaim() = %q, %v", ref, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT transfer_ref FROM inheritance_claims")).
		WithArgs("c1", "0xother").
		WillReturnRows(sqlmock.NewRows([]string{"transfer_ref"}))
	if _, err := repo.GetClaim(ctx, "c1", "0xOther"); !errors.Is(err, ErrClaimNotFound) {
		t.Errorf("GetClaim(unclaimed) error = %v, want ErrClaimNotFound", err)
	}
}
