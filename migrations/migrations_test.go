//go:build integration

// Package migrations_test runs the Postgres repositories against the schema.
//
// Run with: go test -tags=integration -v ./migrations/...
//
// When DATABASE_URL is set the tests use that database, which must already
// have the migrations applied. Otherwise a throwaway Postgres container is
// started with the up migration as its init script.
package migrations_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/capsulevault/internal/blobstore"
	"github.com/onnwee/capsulevault/internal/contribution"
	"github.com/onnwee/capsulevault/internal/evidence"
	"github.com/onnwee/capsulevault/internal/jobs"
	"github.com/onnwee/capsulevault/internal/policy"
	"github.com/onnwee/capsulevault/internal/provenance"
	"github.com/onnwee/capsulevault/internal/sealer"
	"github.com/onnwee/capsulevault/internal/unlockcode"
	"github.com/onnwee/capsulevault/internal/vault"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("capsules"),
			postgres.WithUsername("vault"),
			postgres.WithPassword("vault"),
			postgres.WithInitScripts(filepath.Join(".", "000001_create_capsule_tables.up.sql")),
			postgres.BasicWaitStrategies(),
		)
		testcontainers.CleanupContainer(t, ctr)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to read connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func newVault(t *testing.T, db *sql.DB) (*vault.Service, *policy.PostgresRepository) {
	t.Helper()

	queue := jobs.NewQueue(jobs.QueueConfig{Workers: 1})
	t.Cleanup(func() { _ = queue.Close(context.Background()) })

	blobs, err := blobstore.NewService(blobstore.ServiceConfig{Backend: blobstore.NewMemoryBackend()})
	if err != nil {
		t.Fatalf("blobstore.NewService() error = %v", err)
	}
	pipeline, err := evidence.NewPipeline(evidence.Config{
		Sealer:     sealer.NewMemoryClient(),
		Blobs:      blobs,
		Repository: evidence.NewPostgresRepository(db, nil),
		Queue:      queue,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	ledger, err := provenance.NewLedger(provenance.LedgerConfig{Repository: provenance.NewPostgresRepository(db, nil)})
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	policies := policy.NewPostgresRepository(db, nil)
	reseal, err := vault.NewReseal(pipeline, policies, ledger, nil)
	if err != nil {
		t.Fatalf("NewReseal() error = %v", err)
	}
	engine, err := policy.NewEngine(policy.EngineConfig{Repository: policies, Transferrer: reseal})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	codes, err := unlockcode.NewService(unlockcode.Config{
		Repository: unlockcode.NewPostgresRepository(db, nil),
		Secret:     []byte("integration-phrase-secret"),
	})
	if err != nil {
		t.Fatalf("unlockcode.NewService() error = %v", err)
	}

	svc, err := vault.New(vault.Config{
		Pipeline:      pipeline,
		Policies:      engine,
		Ledger:        ledger,
		Codes:         codes,
		Contributions: contribution.NewService(contribution.NewPostgresRepository(db, nil), nil, nil),
		Queue:         queue,
	})
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	return svc, policies
}

func TestSchema_CapsuleLifecycle(t *testing.T) {
	db := openDB(t)
	svc, _ := newVault(t, db)
	ctx := context.Background()
	owner := "did:plc:integration-" + time.Now().Format("150405.000000")

	res, err := svc.UploadEvidence(ctx, vault.UploadRequest{
		OwnerID:     owner,
		Content:     []byte("stored in postgres"),
		ContentType: "text/plain",
		Message:     "with a note",
	})
	if err != nil {
		t.Fatalf("UploadEvidence() error = %v", err)
	}

	out, err := svc.DecryptCapsule(ctx, res.CapsuleID, owner)
	if err != nil {
		t.Fatalf("DecryptCapsule() error = %v", err)
	}
	if string(out.Content) != "stored in postgres" || out.Message != "with a note" {
		t.Errorf("DecryptCapsule() = %q / %q", out.Content, out.Message)
	}

	code, err := svc.GenerateUnlockCode(ctx, res.CapsuleID, owner)
	if err != nil {
		t.Fatalf("GenerateUnlockCode() error = %v", err)
	}
	if _, err := svc.UnlockWithPhrase(ctx, res.CapsuleID, code.Phrase); err != nil {
		t.Errorf("UnlockWithPhrase() error = %v", err)
	}

	if _, err := svc.AddContribution(ctx, res.CapsuleID, "did:plc:witness", "seen it"); err != nil {
		t.Errorf("AddContribution() error = %v", err)
	}
	list, err := svc.ListContributions(ctx, res.CapsuleID)
	if err != nil || len(list) != 1 {
		t.Errorf("ListContributions() = %v, %v", list, err)
	}

	if n := len(svc.Lineage(ctx, res.CapsuleID)); n != 3 {
		t.Errorf("lineage length = %d, want 3", n)
	}
	if err := svc.VerifyLineage(ctx, res.CapsuleID); err != nil {
		t.Errorf("VerifyLineage() error = %v", err)
	}
}

func TestSchema_InheritanceRoundTrip(t *testing.T) {
	db := openDB(t)
	svc, policies := newVault(t, db)
	ctx := context.Background()
	owner := "did:plc:inherit-" + time.Now().Format("150405.000000")

	res, err := svc.UploadEvidence(ctx, vault.UploadRequest{
		OwnerID:     owner,
		Content:     []byte("estate"),
		ContentType: "text/plain",
		Inheritance: &policy.InheritanceSettings{FallbackAddresses: []string{"0xHeir", "0xSpare"}, InactiveAfterDays: 30},
	})
	if err != nil {
		t.Fatalf("UploadEvidence() error = %v", err)
	}

	rec, err := policies.GetInheritance(ctx, res.CapsuleID)
	if err != nil {
		t.Fatalf("GetInheritance() error = %v", err)
	}
	if len(rec.FallbackAddresses) != 2 || rec.InactiveAfterDays != 30 {
		t.Errorf("inheritance record = %+v", rec)
	}

	if err := svc.Ping(ctx, res.CapsuleID, owner); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	el, err := svc.CheckInheritanceEligibility(ctx, res.CapsuleID, "0xheir")
	if err != nil || el.Eligible || !el.Listed {
		t.Errorf("CheckInheritanceEligibility() = %+v, %v", el, err)
	}

	if ref, err := policies.RecordClaim(ctx, res.CapsuleID, "0xHeir", "copy-1"); err != nil || ref != "copy-1" {
		t.Fatalf("RecordClaim() = %q, %v", ref, err)
	}
	if ref, err := policies.RecordClaim(ctx, res.CapsuleID, "0XHEIR", "copy-2"); err != nil || ref != "copy-1" {
		t.Errorf("repeated RecordClaim() = %q, %v, want copy-1", ref, err)
	}
	if ref, err := policies.GetClaim(ctx, res.CapsuleID, "0xheir"); err != nil || ref != "copy-1" {
		t.Errorf("GetClaim() = %q, %v", ref, err)
	}
}

func TestSchema_RejectsInvalidRows(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		args  []any
	}{
		{
			name:  "unknown policy type",
			query: `INSERT INTO capsule_policies (capsule_id, policy_type) VALUES ($1, 'escrow')`,
			args:  []any{"missing-capsule"},
		},
		{
			name:  "unknown provenance action",
			query: `INSERT INTO provenance_entries (id, capsule_id, actor, action, occurred_at, hash) VALUES ($1, 'c', 'a', 'deleted', NOW(), 'h')`,
			args:  []any{"entry-invalid-action"},
		},
		{
			name:  "empty contribution",
			query: `INSERT INTO contributions (id, capsule_id, contributor, message) VALUES ($1, 'c', 'a', '')`,
			args:  []any{"contribution-empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := db.ExecContext(ctx, tt.query, tt.args...); err == nil {
				t.Error("insert succeeded, want constraint violation")
			}
		})
	}
}
