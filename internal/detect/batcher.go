package detect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
)

// DefaultMaxBatchSize caps a batch when the config leaves it unset.
const DefaultMaxBatchSize = 500

// FlushFunc receives one flushed batch. Every event in it shares a
// source device.
type FlushFunc func(ctx context.Context, events []core.NormalizedEvent)

type deviceBatch struct {
	device    string
	events    []core.NormalizedEvent
	firstSeen time.Time
	timer     *time.Timer
}

// Batcher buffers normalized events per source device and flushes a
// device's batch when its window elapses or it reaches the max size.
// Rules group by device, so batching by device never splits a group that
// a single batch would have formed.
type Batcher struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	window  time.Duration
	maxSize int
	batches map[string]*deviceBatch
	flushFn FlushFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewBatcher creates a batcher that hands flushed batches to fn.
func NewBatcher(cfg core.DetectorConfig, fn FlushFunc, logger zerolog.Logger) *Batcher {
	ctx, cancel := context.WithCancel(context.Background())
	maxSize := cfg.MaxBatchSize
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	return &Batcher{
		logger:  logger.With().Str("component", "detect_batcher").Logger(),
		window:  cfg.Window(),
		maxSize: maxSize,
		batches: make(map[string]*deviceBatch),
		flushFn: fn,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add buffers evt. It reports false when the batcher is stopped.
func (b *Batcher) Add(evt core.NormalizedEvent) bool {
	key := evt.SourceDevice

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}

	batch, exists := b.batches[key]
	if !exists {
		batch = &deviceBatch{
			device:    key,
			events:    make([]core.NormalizedEvent, 0, min(b.maxSize, 64)),
			firstSeen: time.Now(),
		}
		batch.timer = time.AfterFunc(b.window, func() {
			b.flush(key, batch)
		})
		b.batches[key] = batch
	}
	batch.events = append(batch.events, evt)

	if len(batch.events) >= b.maxSize {
		batch.timer.Stop()
		delete(b.batches, key)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.emit(batch)
		}()
	}
	return true
}

// flush emits batch if it is still the current batch for key. A timer
// that fires after a size-triggered flush finds a newer batch (or none)
// and does nothing. The flush is counted in wg under mu, so a Stop that
// follows it waits for emit to return.
func (b *Batcher) flush(key string, batch *deviceBatch) {
	b.mu.Lock()
	if b.batches[key] != batch {
		b.mu.Unlock()
		return
	}
	delete(b.batches, key)
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.emit(batch)
}

func (b *Batcher) emit(batch *deviceBatch) {
	if len(batch.events) == 0 {
		return
	}
	b.logger.Debug().
		Str("source_device", batch.device).
		Int("count", len(batch.events)).
		Dur("age", time.Since(batch.firstSeen)).
		Msg("event batch flushed")
	b.flushFn(b.ctx, batch.events)
}

// Flush emits every buffered batch now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	pending := make([]*deviceBatch, 0, len(b.batches))
	for key, batch := range b.batches {
		batch.timer.Stop()
		pending = append(pending, batch)
		delete(b.batches, key)
	}
	b.mu.Unlock()

	for _, batch := range pending {
		b.emit(batch)
	}
}

// Stats returns current batcher state.
func (b *Batcher) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	buffered := 0
	for _, batch := range b.batches {
		buffered += len(batch.events)
	}
	return map[string]any{
		"window_seconds":  b.window.Seconds(),
		"max_batch_size":  b.maxSize,
		"active_batches":  len(b.batches),
		"buffered_events": buffered,
	}
}

// Stop refuses new events, flushes what is buffered and waits for
// in-flight flushes.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.Flush()
	b.wg.Wait()
	b.cancel()
	b.logger.Info().Msg("detect batcher stopped")
}
