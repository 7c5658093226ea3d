package reportstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultIdleFlush is how long the buffer may sit untouched before it is
// flushed to disk.
const DefaultIdleFlush = 3 * time.Minute

// ErrQueueClosed is returned by Close when called twice.
var ErrQueueClosed = errors.New("report queue is closed")

// QueueConfig holds configuration for the Queue.
type QueueConfig struct {
	IdleFlush time.Duration
}

// Queue is the producer-facing side of the store. It owns the ReportBuffer,
// spills it to the BatchStore when full or idle, and hands out cursors to
// the uploader.
type Queue struct {
	mu        sync.Mutex
	buffer    *ReportBuffer
	store     *BatchStore
	clock     clockwork.Clock
	logger    zerolog.Logger
	idleFlush time.Duration

	timer    clockwork.Timer
	timerGen uint64
	// retained holds a finalized batch that could not be persisted. At most
	// one exists; while it does the buffer is not finalized again.
	retained *Batch
	closed   bool

	dropped atomic.Int64
}

// NewQueue wires a buffer and a store together.
func NewQueue(
	buffer *ReportBuffer,
	store *BatchStore,
	config QueueConfig,
	clock clockwork.Clock,
	logger zerolog.Logger,
) (*Queue, error) {
	if buffer == nil || store == nil {
		return nil, errors.New("report queue requires a buffer and a store")
	}
	if config.IdleFlush <= 0 {
		logger.Warn().Dur("provided_idle_flush", config.IdleFlush).Msg("IdleFlush must be positive, defaulting to 3 minutes.")
		config.IdleFlush = DefaultIdleFlush
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		buffer:    buffer,
		store:     store,
		clock:     clock,
		logger:    logger.With().Str("component", "ReportQueue").Logger(),
		idleFlush: config.IdleFlush,
	}, nil
}

// Append queues one record and re-arms the idle-flush timer. It never
// blocks beyond the critical section and never fails the producer; a false
// return means the record was dropped because the buffer is full.
func (q *Queue) Append(rec types.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped.Add(1)
		q.logger.Warn().Msg("Append after close, record dropped.")
		return false
	}

	q.rearmLocked()

	if !q.buffer.Append(rec) {
		// TODO(product): decide whether a full buffer should force an
		// emergency flush instead of dropping the newest record.
		q.dropped.Add(1)
		q.logger.Warn().Int("buffered", q.buffer.RecordCount()).Msg("Report buffer full, record dropped.")
		return false
	}

	if q.buffer.ShouldFlush() {
		q.flushLocked()
	}
	return true
}

// Flush finalizes the buffer and persists it, retrying any retained batch
// first.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

func (q *Queue) flushLocked() {
	if q.retained != nil {
		if !q.store.Persist(q.retained) {
			q.logger.Warn().Int("buffered", q.buffer.RecordCount()).Msg("Retained batch still cannot be persisted, keeping records in memory.")
			return
		}
		q.retained = nil
	}
	if q.buffer.RecordCount() == 0 {
		return
	}

	batch, err := q.buffer.Finalize()
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to finalize report buffer.")
		return
	}
	if !q.store.Persist(batch) {
		q.logger.Warn().Int("records", batch.RecordCount).Msg("Could not persist batch, retaining it in memory.")
		q.retained = batch
		return
	}
	q.logger.Debug().Str("file", batch.Filename).Int("records", batch.RecordCount).Msg("Flushed report buffer to disk.")
}

// rearmLocked cancels the outstanding idle timer and schedules a new one.
// The generation counter makes a timer that already fired, but has not yet
// taken the lock, a no-op.
func (q *Queue) rearmLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timerGen++
	gen := q.timerGen
	q.timer = q.clock.AfterFunc(q.idleFlush, func() { q.onIdle(gen) })
}

func (q *Queue) onIdle(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.timerGen || q.closed {
		return
	}
	q.timer = nil
	q.logger.Debug().Dur("idle_flush", q.idleFlush).Msg("Idle flush timer fired.")
	q.flushLocked()
}

// Cursor starts a new consumption pass over in-memory and on-disk batches.
func (q *Queue) Cursor() Cursor {
	return &BatchCursor{queue: q}
}

// takeInMemory transfers the retained batch and the finalized live buffer
// out of the queue, in that order.
func (q *Queue) takeInMemory() []*Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Batch
	if q.retained != nil {
		out = append(out, q.retained)
		q.retained = nil
	}
	if q.buffer.RecordCount() > 0 {
		batch, err := q.buffer.Finalize()
		if err != nil {
			q.logger.Error().Err(err).Msg("Failed to finalize report buffer for upload.")
		} else {
			out = append(out, batch)
		}
	}
	return out
}

// Requeue makes a batch whose upload failed durable again. When the disk
// refuses it, the batch takes the retained slot if that is free. It returns
// false only when the batch had to be dropped.
func (q *Queue) Requeue(b *Batch) bool {
	if b.Empty() {
		return true
	}
	if q.store.Persist(b) {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retained == nil {
		q.retained = b
		return true
	}
	q.dropped.Add(int64(b.RecordCount))
	q.logger.Error().
		Int("records", b.RecordCount).
		Msg("Disk budget exhausted and a batch is already retained, dropping batch.")
	return false
}

// Delete disposes of a batch through the store.
func (q *Queue) Delete(b *Batch) error {
	return q.store.Delete(b)
}

// EnforceRetention purges the store when its oldest batch is too old.
func (q *Queue) EnforceRetention() bool {
	return q.store.EnforceRetention()
}

// Store exposes the underlying batch store.
func (q *Queue) Store() *BatchStore {
	return q.store
}

// DiskBytes returns the total size of the batch files on disk.
func (q *Queue) DiskBytes() int64 {
	return q.store.DiskBytes()
}

// DiskFiles returns the number of batch files on disk.
func (q *Queue) DiskFiles() int {
	return len(q.store.Index().Files)
}

// OldestBatchAge returns the age of the oldest batch file on disk.
func (q *Queue) OldestBatchAge() time.Duration {
	return q.store.OldestBatchAge()
}

// Pending returns the number of records held in memory, including any
// retained batch.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.buffer.RecordCount()
	if q.retained != nil {
		n += q.retained.RecordCount
	}
	return n
}

// Dropped returns the number of records dropped since the queue was created.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops the idle timer and flushes what is buffered. Records that
// still cannot be persisted are reported in the returned error.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.flushLocked()

	lost := q.buffer.RecordCount()
	if q.retained != nil {
		lost += q.retained.RecordCount
	}
	if lost > 0 {
		return fmt.Errorf("%d records could not be persisted on close", lost)
	}
	q.logger.Info().Msg("Report queue closed.")
	return nil
}
