package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]core.NormalizedEvent
}

func (r *flushRecorder) flush(_ context.Context, events []core.NormalizedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ─── Batcher ────────────────────────────────────────────────────────────────

func TestBatcher_FlushOnWindow(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(core.DetectorConfig{BatchWindow: "20ms", MaxBatchSize: 100}, rec.flush, zerolog.Nop())
	defer b.Stop()

	for _, evt := range repeat(3, "nas", core.SeverityInfo, "x") {
		b.Add(evt)
	}
	waitFor(t, func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.batches[0]) != 3 {
		t.Errorf("batch size = %d, want 3", len(rec.batches[0]))
	}
}

func TestBatcher_FlushOnMaxSize(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(core.DetectorConfig{BatchWindow: "1h", MaxBatchSize: 4}, rec.flush, zerolog.Nop())
	defer b.Stop()

	for _, evt := range repeat(9, "nas", core.SeverityInfo, "x") {
		b.Add(evt)
	}
	waitFor(t, func() bool { return rec.count() == 2 })

	stats := b.Stats()
	if stats["buffered_events"] != 1 {
		t.Errorf("buffered_events = %v, want 1 left over", stats["buffered_events"])
	}
}

func TestBatcher_PerDevice(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(core.DetectorConfig{BatchWindow: "1h"}, rec.flush, zerolog.Nop())

	for _, evt := range append(repeat(2, "nas-a", core.SeverityInfo, "x"), repeat(3, "nas-b", core.SeverityInfo, "x")...) {
		b.Add(evt)
	}
	if got := b.Stats()["active_batches"]; got != 2 {
		t.Errorf("active_batches = %v, want 2", got)
	}
	b.Stop()

	if rec.count() != 2 {
		t.Fatalf("flushed = %d, want 2", rec.count())
	}
	for _, batch := range rec.batches {
		for _, evt := range batch {
			if evt.SourceDevice != batch[0].SourceDevice {
				t.Errorf("batch mixes devices %q and %q", evt.SourceDevice, batch[0].SourceDevice)
			}
		}
	}
}

func TestBatcher_StopRejectsNewEvents(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(core.DetectorConfig{}, rec.flush, zerolog.Nop())
	b.Stop()
	if b.Add(ev("evt-1", "nas", core.SeverityInfo, "x")) {
		t.Error("Add() after Stop() = true, want false")
	}
	if rec.count() != 0 {
		t.Errorf("flushed = %d, want 0", rec.count())
	}
}

func TestBatcher_StopWaitsForWindowFlush(t *testing.T) {
	started := make(chan struct{})
	var done atomic.Bool
	slow := func(context.Context, []core.NormalizedEvent) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		done.Store(true)
	}
	b := NewBatcher(core.DetectorConfig{BatchWindow: "10ms", MaxBatchSize: 100}, slow, zerolog.Nop())
	b.Add(ev("evt-1", "nas", core.SeverityInfo, "x"))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("window flush never started")
	}
	b.Stop()
	if !done.Load() {
		t.Error("Stop() returned while a window-triggered flush was still running")
	}
}

func TestBatcher_Defaults(t *testing.T) {
	b := NewBatcher(core.DetectorConfig{}, func(context.Context, []core.NormalizedEvent) {}, zerolog.Nop())
	defer b.Stop()
	stats := b.Stats()
	if stats["max_batch_size"] != DefaultMaxBatchSize {
		t.Errorf("max_batch_size = %v", stats["max_batch_size"])
	}
	if stats["window_seconds"] != 5.0 {
		t.Errorf("window_seconds = %v, want 5", stats["window_seconds"])
	}
}
