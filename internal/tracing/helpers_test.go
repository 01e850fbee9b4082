package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return rec
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.Emit()
	}
	return m
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		name      string
		table     string
		operation DBOperation
		wantName  string
	}{
		{"query capsules", "capsules", DBOperationQuery, "query capsules"},
		{"insert provenance", "provenance_entries", DBOperationInsert, "insert provenance_entries"},
		{"upsert policy", "capsule_policies", DBOperationUpsert, "upsert capsule_policies"},
		{"update capsules", "capsules", DBOperationUpdate, "update capsules"},
		{"delete codes", "unlock_codes", DBOperationDelete, "delete unlock_codes"},
		{"no table", "", DBOperationQuery, "query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder(t)

			_, end := StartDBSpan(context.Background(), tt.table, tt.operation)
			end(nil)

			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.wantName)
			}

			attrs := attrMap(span.Attributes())
			if attrs["db.system"] != "postgresql" {
				t.Errorf("db.system = %q, want postgresql", attrs["db.system"])
			}
			if attrs["db.operation"] != string(tt.operation) {
				t.Errorf("db.operation = %q, want %q", attrs["db.operation"], tt.operation)
			}
			table, hasTable := attrs["db.sql.table"]
			if tt.table == "" && hasTable {
				t.Error("unexpected db.sql.table attribute")
			}
			if tt.table != "" && table != tt.table {
				t.Errorf("db.sql.table = %q, want %q", table, tt.table)
			}
		})
	}
}

func TestEndFunc_RecordsError(t *testing.T) {
	rec := newRecorder(t)
	testErr := errors.New("connection reset")

	_, end := StartDBSpan(context.Background(), "capsules", DBOperationQuery)
	end(testErr)
	_, end = StartSpan(context.Background(), "vault.unlock")
	end(nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code.String() != "Error" {
		t.Errorf("failed span status = %s, want Error", spans[0].Status().Code)
	}
	if spans[0].Status().Description != testErr.Error() {
		t.Errorf("status description = %q, want %q", spans[0].Status().Description, testErr.Error())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected error to be recorded as an event")
	}
	if code := spans[1].Status().Code.String(); code != "Unset" && code != "Ok" {
		t.Errorf("successful span status = %s", code)
	}
}

func TestStartStageSpan(t *testing.T) {
	rec := newRecorder(t)

	_, end := StartStageSpan(context.Background(), "encrypt",
		AttrCapsuleID.String("capsule-1"),
		AttrSizeBytes.Int(2048),
	)
	end(nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "evidence.encrypt" {
		t.Errorf("span name = %q, want evidence.encrypt", spans[0].Name())
	}
	attrs := attrMap(spans[0].Attributes())
	if attrs["pipeline.stage"] != "encrypt" {
		t.Errorf("pipeline.stage = %q", attrs["pipeline.stage"])
	}
	if attrs[AttrCapsuleID] != "capsule-1" {
		t.Errorf("capsule.id = %q", attrs[AttrCapsuleID])
	}
	if attrs[AttrSizeBytes] != "2048" {
		t.Errorf("payload.size_bytes = %q", attrs[AttrSizeBytes])
	}
}

func TestAddEventAndSetAttributes(t *testing.T) {
	rec := newRecorder(t)

	ctx, span := otel.Tracer("test").Start(context.Background(), "upload")
	AddEvent(ctx, "integrity.checkpoint", AttrCheckpoint.String("after_encryption"))
	SetAttributes(ctx, AttrBlobID.String("sha256:abc"), AttrPolicyType.String("time_lock"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "integrity.checkpoint" {
		t.Fatalf("events = %+v", events)
	}
	attrs := attrMap(spans[0].Attributes())
	if attrs[AttrBlobID] != "sha256:abc" || attrs[AttrPolicyType] != "time_lock" {
		t.Errorf("attributes = %v", attrs)
	}
}
