package duckdb

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/panels/internal/journal"
	"github.com/tinytelemetry/panels/internal/model"
)

func sample(metric string, v float64) model.Sample {
	return model.Sample{Timestamp: time.Now(), Metric: metric, Value: v}
}

func sampleCount(t *testing.T, store *Store) int64 {
	t.Helper()
	n, err := store.SampleCount(context.Background())
	if err != nil {
		t.Fatalf("SampleCount: %v", err)
	}
	return n
}

func TestInsertBuffer_AddAndStop(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	for i := 0; i < 10; i++ {
		if err := buf.Add(sample("cpu", float64(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// Stop flushes pending samples.
	buf.Stop()

	if n := sampleCount(t, store); n != 10 {
		t.Errorf("after Stop, SampleCount = %d, want 10", n)
	}
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 50, FlushInterval: time.Hour})

	for i := 0; i < 120; i++ {
		buf.Add(sample("cpu", float64(i)))
	}

	// Two full batches go out without waiting for the ticker.
	deadline := time.Now().Add(2 * time.Second)
	for sampleCount(t, store) < 100 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sampleCount(t, store); n < 100 {
		t.Errorf("before Stop, SampleCount = %d, want at least 100", n)
	}

	buf.Stop()
	if n := sampleCount(t, store); n != 120 {
		t.Errorf("after Stop, SampleCount = %d, want 120", n)
	}
}

func TestInsertBuffer_ConcurrentAdd(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Add(sample("mem", float64(i)))
			}
		}()
	}
	wg.Wait()
	buf.Stop()

	if n := sampleCount(t, store); n != 800 {
		t.Errorf("SampleCount = %d, want 800", n)
	}
}

func TestInsertBuffer_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)
	buf.Stop()
	buf.Stop()
}

type failingWriter struct {
	mu    sync.Mutex
	calls int
}

func (w *failingWriter) InsertSamples([]model.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return errTestWrite
}

var errTestWrite = errors.New("write failed")

func TestInsertBuffer_RecoverReplaysUncommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.journal")

	// First run: the writer fails, so nothing is committed.
	j, err := journal.Open[model.Sample](path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	w := &failingWriter{}
	buf := NewInsertBuffer(w, InsertBufferConfig{Journal: j})
	buf.Add(sample("cpu", 1), sample("cpu", 2), sample("cpu", 3))
	buf.Stop()
	if w.calls == 0 {
		t.Fatal("failing writer was never called")
	}

	// Second run recovers into a real store.
	j2, err := journal.Open[model.Sample](path)
	if err != nil {
		t.Fatalf("journal.Open (reopen): %v", err)
	}
	store := newTestStore(t)
	buf2 := NewInsertBuffer(store, InsertBufferConfig{Journal: j2})
	n, err := buf2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 3 {
		t.Errorf("Recover = %d, want 3", n)
	}
	if got := j2.Committed(); got != 3 {
		t.Errorf("Committed = %d, want 3", got)
	}
	buf2.Stop()

	if c := sampleCount(t, store); c != 3 {
		t.Errorf("SampleCount = %d, want 3", c)
	}

	// Nothing is left to replay.
	j3, err := journal.Open[model.Sample](path)
	if err != nil {
		t.Fatalf("journal.Open (third): %v", err)
	}
	defer j3.Close()
	replayed := 0
	j3.Replay(func(uint64, model.Sample) error { replayed++; return nil })
	if replayed != 0 {
		t.Errorf("replayed %d entries after recovery, want 0", replayed)
	}
}

func TestInsertBuffer_AddAfterStopWithJournalFails(t *testing.T) {
	j, err := journal.Open[model.Sample](filepath.Join(t.TempDir(), "s.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	buf := NewInsertBuffer(newTestStore(t), InsertBufferConfig{Journal: j})
	buf.Stop()
	if err := buf.Add(sample("cpu", 1)); err == nil {
		t.Error("Add after Stop succeeded, want journal closed error")
	}
}
