package duckdb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/panels/internal/frame"
	"github.com/tinytelemetry/panels/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertTestSamples(t *testing.T, store *Store, samples []model.Sample) {
	t.Helper()
	if err := store.InsertSamples(samples); err != nil {
		t.Fatalf("InsertSamples failed: %v", err)
	}
}

func testSamples(base time.Time) []model.Sample {
	return []model.Sample{
		{Timestamp: base, Metric: "cpu", Value: 0.5, Labels: map[string]string{"host": "web1"}},
		{Timestamp: base.Add(time.Minute), Metric: "cpu", Value: 0.75, Labels: map[string]string{"host": "web1"}},
		{Timestamp: base.Add(2 * time.Minute), Metric: "mem", Value: 1024},
	}
}

func TestInsertSamplesAndCount(t *testing.T) {
	store := newTestStore(t)
	insertTestSamples(t, store, testSamples(time.Now().Add(-time.Hour)))

	count, err := store.SampleCount(context.Background())
	if err != nil {
		t.Fatalf("SampleCount: %v", err)
	}
	if count != 3 {
		t.Errorf("SampleCount = %d, want 3", count)
	}
}

func TestInsertSamplesEmptyIsNoop(t *testing.T) {
	store := newTestStore(t)
	if err := store.InsertSamples(nil); err != nil {
		t.Fatalf("InsertSamples(nil): %v", err)
	}
}

func TestMetrics(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	insertTestSamples(t, store, testSamples(base))

	metrics, err := store.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(metrics) != 2 {
		t.Fatalf("len(Metrics) = %d, want 2", len(metrics))
	}
	if metrics[0].Metric != "cpu" || metrics[0].SampleCount != 2 {
		t.Errorf("metrics[0] = %+v, want cpu with 2 samples", metrics[0])
	}
	if !metrics[0].FirstSeen.Equal(base) {
		t.Errorf("cpu FirstSeen = %v, want %v", metrics[0].FirstSeen, base)
	}
	if !metrics[0].LastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("cpu LastSeen = %v, want %v", metrics[0].LastSeen, base.Add(time.Minute))
	}
	if metrics[1].Metric != "mem" || metrics[1].SampleCount != 1 {
		t.Errorf("metrics[1] = %+v, want mem with 1 sample", metrics[1])
	}
}

func TestQueryFrame_Select(t *testing.T) {
	store := newTestStore(t)
	insertTestSamples(t, store, testSamples(time.Now().Add(-time.Hour)))

	f, err := store.QueryFrame(context.Background(), "SELECT ts, metric, value FROM samples ORDER BY ts;")
	if err != nil {
		t.Fatalf("QueryFrame: %v", err)
	}
	if len(f.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(f.Fields))
	}
	if f.Len() != 3 {
		t.Errorf("Len = %d, want 3", f.Len())
	}
	wantTypes := []frame.FieldType{frame.FieldTypeTime, frame.FieldTypeString, frame.FieldTypeNumber}
	for i, want := range wantTypes {
		if f.Fields[i].Type != want {
			t.Errorf("Fields[%d].Type = %s, want %s", i, f.Fields[i].Type, want)
		}
	}
	if v, ok := f.Fields[2].At(2).(float64); !ok || v != 1024 {
		t.Errorf("value[2] = %v, want 1024", f.Fields[2].At(2))
	}
	if f.Meta == nil || f.Meta.ExecutedQueryString != "SELECT ts, metric, value FROM samples ORDER BY ts" {
		t.Errorf("Meta = %+v, want executed query without trailing semicolon", f.Meta)
	}
}

func TestQueryFrame_WithAllowed(t *testing.T) {
	store := newTestStore(t)
	insertTestSamples(t, store, testSamples(time.Now()))

	f, err := store.QueryFrame(context.Background(),
		"WITH c AS (SELECT metric, COUNT(*) AS n FROM samples GROUP BY metric) SELECT * FROM c ORDER BY metric")
	if err != nil {
		t.Fatalf("QueryFrame: %v", err)
	}
	if f.Len() != 2 {
		t.Errorf("Len = %d, want 2", f.Len())
	}
	if got := f.Fields[1].Type; got != frame.FieldTypeNumber {
		t.Errorf("count column type = %s, want number", got)
	}
}

func TestQueryFrame_MaxRows(t *testing.T) {
	store := newTestStore(t)
	store.MaxRows = 2
	insertTestSamples(t, store, testSamples(time.Now()))

	f, err := store.QueryFrame(context.Background(), "SELECT * FROM samples")
	if err != nil {
		t.Fatalf("QueryFrame: %v", err)
	}
	if f.Len() != 2 {
		t.Errorf("Len = %d, want 2", f.Len())
	}
}

func TestQueryFrame_Rejected(t *testing.T) {
	store := newTestStore(t)
	for _, q := range []string{
		"DELETE FROM samples",
		"SELECT 1; DROP TABLE samples",
		"INSERT INTO samples VALUES (now(), 'x', 1, '{}')",
		"ATTACH 'other.db'",
		"PRAGMA database_list",
		"SELECT * FROM samples WHERE metric = 'x' -- ok\n; SET threads=1",
	} {
		if _, err := store.QueryFrame(context.Background(), q); !errors.Is(err, ErrNotReadOnly) {
			t.Errorf("QueryFrame(%q) error = %v, want ErrNotReadOnly", q, err)
		}
	}
}

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		query string
		ok    bool
	}{
		{"SELECT 1", true},
		{"  select * from samples;", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"/* DROP */ SELECT 1", true},
		{"SELECT 1 -- DELETE later", true},
		{"SELECT reset_count FROM t", true},
		{"UPDATE samples SET value = 1", false},
		{"SELECT 1; SELECT 2", false},
		{"COPY samples TO 'x.csv'", false},
		{"SELECT * FROM samples; CHECKPOINT", false},
		{"EXPLAIN SELECT 1", false},
	}
	for _, tt := range tests {
		err := ValidateReadOnly(tt.query)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateReadOnly(%q) = %v, want ok=%v", tt.query, err, tt.ok)
		}
	}
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertTestSamples(t, store, []model.Sample{
		{Timestamp: now.Add(-48 * time.Hour), Metric: "old", Value: 1},
		{Timestamp: now.Add(-time.Minute), Metric: "new", Value: 2},
	})

	n, err := store.DeleteBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteBefore removed %d, want 1", n)
	}
	count, err := store.SampleCount(context.Background())
	if err != nil {
		t.Fatalf("SampleCount: %v", err)
	}
	if count != 1 {
		t.Errorf("SampleCount = %d, want 1", count)
	}
}

func TestQueryFrame_ContextCancelledWaitingForSlot(t *testing.T) {
	store := newTestStore(t)
	store.SetMaxConcurrentQueries(1)

	ctx := context.Background()
	release, err := store.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := store.QueryFrame(cctx, "SELECT 1"); err == nil {
		t.Fatal("QueryFrame with no free slot succeeded, want error")
	}
}

func TestSchemaDescriptionNamesTables(t *testing.T) {
	store := newTestStore(t)
	desc := store.SchemaDescription()
	for _, want := range []string{"samples", "metric_catalog"} {
		if !strings.Contains(desc, want) {
			t.Errorf("SchemaDescription missing %q", want)
		}
	}
}

func TestSnapshotTo(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "panels.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	insertTestSamples(t, store, testSamples(time.Now().Add(-time.Hour)))

	snapPath := filepath.Join(dir, "backups", "snap.duckdb")
	if err := store.SnapshotTo(snapPath); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}
	// A second snapshot to the same path replaces the first.
	if err := store.SnapshotTo(snapPath); err != nil {
		t.Fatalf("SnapshotTo again: %v", err)
	}

	snap, err := NewStore(snapPath)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	count, err := snap.SampleCount(context.Background())
	if err != nil {
		t.Fatalf("SampleCount on snapshot: %v", err)
	}
	if count != 3 {
		t.Errorf("snapshot sample count = %d, want 3", count)
	}
}

func TestSnapshotTo_InMemoryFails(t *testing.T) {
	store := newTestStore(t)
	if err := store.SnapshotTo(filepath.Join(t.TempDir(), "snap.duckdb")); err == nil {
		t.Error("SnapshotTo on an in-memory store succeeded, want error")
	}
}
