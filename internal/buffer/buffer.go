// Package buffer accumulates extracted media records in memory and writes
// them to the store in batches, either when the capacity threshold is hit or
// on a fixed interval.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/metrics"
)

// Config controls batching for the Buffer.
//   - Capacity: record count that triggers an immediate flush (default 50).
//   - FlushInterval: period of the background flush (default 5s).
//   - FlushTimeout: deadline for a single store write (default 30s).
//   - Logger: optional structured logger.
type Config struct {
	Capacity      int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	Logger        *zap.Logger
}

const (
	defaultCapacity      = 50
	defaultFlushInterval = 5 * time.Second
	defaultFlushTimeout  = 30 * time.Second
)

// Buffer is safe for concurrent use. No lock is held while writing to the store.
type Buffer struct {
	cfg     Config
	store   media.Store
	logger  *zap.Logger
	mu      sync.Mutex
	pending []media.Record

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Buffer writing to store. Call Start to enable the timer.
func New(store media.Store, cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		pending: make([]media.Record, 0, cfg.Capacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Add appends records in order. Whenever an append fills the buffer, the
// batch is swapped out under the same lock, so the next append lands in a
// fresh batch, and written before Add continues. Write failures are contained
// in the buffer and logged.
func (b *Buffer) Add(ctx context.Context, records ...media.Record) {
	for _, rec := range records {
		batch := b.appendAndMaybeSwap(rec)
		if batch == nil {
			continue
		}
		b.logger.Debug("capacity reached, flushing", zap.Int("records", len(batch)))
		_ = b.write(ctx, batch)
	}
}

// Flush writes everything currently buffered as one batch. On failure the
// batch is returned to the front of the buffer and a *media.PersistenceError
// is returned.
func (b *Buffer) Flush(ctx context.Context) error {
	batch := b.swap()
	if len(batch) == 0 {
		return nil
	}
	return b.write(ctx, batch)
}

// Len reports the number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Start launches the periodic flush. It is a no-op after the first call.
func (b *Buffer) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(ctx)
	})
}

// Stop cancels the periodic flush and waits for an in-progress tick to finish.
// It does not flush; the caller decides whether a final flush is needed.
func (b *Buffer) Stop(ctx context.Context) error {
	// Never started: mark the loop as already finished.
	b.startOnce.Do(func() { close(b.doneCh) })
	b.stopOnce.Do(func() { close(b.stopCh) })
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer stop wait: %w", ctx.Err())
	}
}

func (b *Buffer) run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Failures are already logged and re-queued by write.
			_ = b.Flush(context.WithoutCancel(ctx))
		case <-b.stopCh:
			return
		}
	}
}

// appendAndMaybeSwap returns the full batch when rec fills the buffer.
func (b *Buffer) appendAndMaybeSwap(rec media.Record) []media.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, rec)
	if len(b.pending) < b.cfg.Capacity {
		metrics.SetBufferPending(len(b.pending))
		return nil
	}
	batch := b.pending
	b.pending = make([]media.Record, 0, b.cfg.Capacity)
	metrics.SetBufferPending(0)
	return batch
}

func (b *Buffer) swap() []media.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]media.Record, 0, b.cfg.Capacity)
	metrics.SetBufferPending(0)
	return batch
}

func (b *Buffer) write(ctx context.Context, batch []media.Record) error {
	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	defer cancel()
	if err := b.store.BulkInsert(writeCtx, batch); err != nil {
		b.requeue(batch)
		metrics.ObserveFlush(false, len(batch))
		b.logger.Error("buffer flush failed, records kept for next flush",
			zap.Int("records", len(batch)),
			zap.Int("pending", b.Len()),
			zap.Error(err),
		)
		return &media.PersistenceError{Records: len(batch), Err: err}
	}
	metrics.ObserveFlush(true, len(batch))
	b.logger.Debug("buffer flushed", zap.Int("records", len(batch)))
	return nil
}

// requeue puts a failed batch back in front of anything appended meanwhile.
func (b *Buffer) requeue(batch []media.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]media.Record, 0, len(batch)+len(b.pending))
	merged = append(merged, batch...)
	merged = append(merged, b.pending...)
	b.pending = merged
	metrics.SetBufferPending(len(b.pending))
}
