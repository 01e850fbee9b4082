package provenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLedger(t *testing.T, repo Repository) (*Ledger, *clock, *Metrics) {
	t.Helper()
	c := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 123456789, time.UTC)}
	m := NewMetrics()
	l, err := NewLedger(LedgerConfig{Repository: repo, Metrics: m, Now: c.Now})
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return l, c, m
}

type failingRepo struct{ err error }

func (f failingRepo) Append(context.Context, *Entry) error { return f.err }
func (f failingRepo) Lineage(context.Context, string) ([]*Entry, error) {
	return nil, f.err
}

func TestLedger_RecordBuildsChain(t *testing.T) {
	repo := NewInMemoryRepository()
	l, c, m := newLedger(t, repo)
	ctx := context.Background()

	actions := []Action{ActionCreated, ActionAccessed, ActionUnlocked, ActionTransferred}
	for _, a := range actions {
		if _, err := l.Record(ctx, Input{CapsuleID: "c1", Actor: "did:owner", Action: a}); err != nil {
			t.Fatalf("Record(%s) error = %v", a, err)
		}
		c.Advance(time.Second)
	}
	if _, err := l.Record(ctx, Input{CapsuleID: "c2", Actor: "did:other", Action: ActionCreated}); err != nil {
		t.Fatalf("Record(c2) error = %v", err)
	}

	entries := l.Lineage(ctx, "c1")
	if len(entries) != len(actions) {
		t.Fatalf("Lineage() returned %d entries, want %d", len(entries), len(actions))
	}
	for i, e := range entries {
		if e.Action != actions[i] {
			t.Errorf("entry %d action = %s, want %s", i, e.Action, actions[i])
		}
		if i > 0 && !e.Timestamp.After(entries[i-1].Timestamp) {
			t.Errorf("entry %d is not after its predecessor", i)
		}
		if e.Timestamp.Nanosecond()%1000 != 0 {
			t.Errorf("entry %d timestamp has sub-microsecond precision", i)
		}
	}
	if entries[0].PreviousHash != "" {
		t.Errorf("first entry PreviousHash = %q, want empty", entries[0].PreviousHash)
	}
	if err := l.Verify(ctx, "c1"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	other := l.Lineage(ctx, "c2")
	if len(other) != 1 || other[0].PreviousHash != "" {
		t.Errorf("chains are not per capsule: %+v", other)
	}
	if got := testutil.ToFloat64(m.entries.WithLabelValues(string(ActionCreated))); got != 2 {
		t.Errorf("created entries = %v, want 2", got)
	}
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		index  int
		mutate func(e *Entry)
	}{
		{"actor rewritten", 1, func(e *Entry) { e.Actor = "did:mallory" }},
		{"action rewritten", 0, func(e *Entry) { e.Action = ActionPurchased }},
		{"timestamp moved", 2, func(e *Entry) { e.Timestamp = e.Timestamp.Add(-time.Hour) }},
		{"metadata added", 1, func(e *Entry) { e.Metadata = map[string]string{"via": "phrase"} }},
		{"link cut", 2, func(e *Entry) { e.PreviousHash = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewInMemoryRepository()
			l, _, _ := newLedger(t, repo)
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if _, err := l.Record(ctx, Input{CapsuleID: "c1", Actor: "did:owner", Action: ActionAccessed}); err != nil {
					t.Fatalf("Record() error = %v", err)
				}
			}
			repo.Tamper("c1", tt.index, tt.mutate)
			if err := l.Verify(ctx, "c1"); !errors.Is(err, ErrChainBroken) {
				t.Errorf("Verify() error = %v, want ErrChainBroken", err)
			}
		})
	}
}

func TestComputeHash_MetadataOrderIndependent(t *testing.T) {
	base := Entry{
		ID:        "e1",
		CapsuleID: "c1",
		Actor:     "did:owner",
		Action:    ActionUnlocked,
		Timestamp: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	a, b := base, base
	a.Metadata = map[string]string{"method": "phrase", "<ip>": "10.0.0.1"}
	b.Metadata = map[string]string{"<ip>": "10.0.0.1", "method": "phrase"}

	ha, err := ComputeHash(&a)
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	hb, _ := ComputeHash(&b)
	if ha != hb {
		t.Error("hash depends on metadata insertion order")
	}
	if len(ha) != 64 {
		t.Errorf("hash length = %d, want 64", len(ha))
	}

	local := base
	local.Timestamp = base.Timestamp.In(time.FixedZone("X", 3600))
	hl, _ := ComputeHash(&local)
	hbase, _ := ComputeHash(&base)
	if hl != hbase {
		t.Error("hash depends on timestamp location")
	}
}

func TestLedger_RecordValidation(t *testing.T) {
	l, _, _ := newLedger(t, NewInMemoryRepository())
	tests := []struct {
		name string
		in   Input
	}{
		{"missing capsule", Input{Actor: "a", Action: ActionCreated}},
		{"missing actor", Input{CapsuleID: "c1", Action: ActionCreated}},
		{"unknown action", Input{CapsuleID: "c1", Actor: "a", Action: "deleted"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Record(context.Background(), tt.in); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Record() error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestLedger_StoreFailures(t *testing.T) {
	l, _, m := newLedger(t, failingRepo{err: errors.New("connection refused")})
	ctx := context.Background()

	entries := l.Lineage(ctx, "c1")
	if entries == nil || len(entries) != 0 {
		t.Errorf("Lineage() = %v, want empty non-nil slice", entries)
	}
	if got := testutil.ToFloat64(m.lineageFailures); got != 1 {
		t.Errorf("lineage failures = %v, want 1", got)
	}

	if _, err := l.Record(ctx, Input{CapsuleID: "c1", Actor: "a", Action: ActionCreated}); err == nil {
		t.Error("Record() error = nil, want store error")
	}
	if got := testutil.ToFloat64(m.appendFailures); got != 1 {
		t.Errorf("append failures = %v, want 1", got)
	}
	if err := l.Verify(ctx, "c1"); err == nil {
		t.Error("Verify() error = nil, want store error")
	}
}

func TestLedger_ConcurrentAppendsKeepChain(t *testing.T) {
	repo := NewInMemoryRepository()
	l, _, _ := newLedger(t, repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Record(ctx, Input{CapsuleID: "c1", Actor: fmt.Sprintf("actor-%d", i), Action: ActionAccessed})
		}(i)
	}
	wg.Wait()

	if n := len(l.Lineage(ctx, "c1")); n != 20 {
		t.Fatalf("Lineage() returned %d entries, want 20", n)
	}
	if err := l.Verify(ctx, "c1"); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestLedger_ObserveAccess(t *testing.T) {
	l, c, m := newLedger(t, NewInMemoryRepository())
	ctx := context.Background()

	for i := 1; i <= DefaultAnomalyThreshold; i++ {
		flagged, err := l.ObserveAccess(ctx, "c1", "did:reader")
		if err != nil {
			t.Fatalf("ObserveAccess() error = %v", err)
		}
		if flagged {
			t.Fatalf("access %d flagged, threshold is %d", i, DefaultAnomalyThreshold)
		}
		c.Advance(time.Minute)
	}

	// A different actor on the same capsule has its own window.
	if flagged, _ := l.ObserveAccess(ctx, "c1", "did:other"); flagged {
		t.Error("other actor flagged")
	}

	flagged, err := l.ObserveAccess(ctx, "c1", "did:reader")
	if err != nil || !flagged {
		t.Fatalf("11th access in an hour: flagged = %v, err = %v", flagged, err)
	}
	if got := testutil.ToFloat64(m.anomalies); got != 1 {
		t.Errorf("anomalies = %v, want 1", got)
	}

	// The early accesses roll out of the window.
	c.Advance(time.Hour)
	if flagged, _ := l.ObserveAccess(ctx, "c1", "did:reader"); flagged {
		t.Error("flagged after the window rolled over")
	}
}

func TestMemoryCounter_RollingWindow(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		offset time.Duration
		want   int64
	}{
		{0, 1},
		{10 * time.Minute, 2},
		{59 * time.Minute, 3},
		{60 * time.Minute, 3}, // the event at 0 is exactly one window old
		{75 * time.Minute, 3},
		{200 * time.Minute, 1},
	}
	for _, tt := range tests {
		got, err := c.Add(ctx, "k", start.Add(tt.offset), time.Hour)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("Add(+%v) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}

func TestMemoryCounter_DropsIdleKeys(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		if _, err := c.Add(ctx, fmt.Sprintf("did:plc:visitor-%d", i), start, time.Hour); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if got := c.Keys(); got != 50 {
		t.Fatalf("Keys() = %d, want 50", got)
	}

	// One active key two windows later; the idle ones are gone.
	if _, err := c.Add(ctx, "did:plc:regular", start.Add(2*time.Hour), time.Hour); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got := c.Keys(); got != 1 {
		t.Errorf("Keys() after idle window = %d, want 1", got)
	}
}
