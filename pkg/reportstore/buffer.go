package reportstore

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/types"
)

// DefaultMaxRowsInMemory is the number of records a ReportBuffer holds
// before it must be flushed.
const DefaultMaxRowsInMemory = 50

// BufferConfig holds configuration for the ReportBuffer.
type BufferConfig struct {
	MaxRows int
	// ForceSmallBatches makes ShouldFlush true after every append, trading
	// disk I/O for finer-grained durability.
	ForceSmallBatches bool
}

// ReportBuffer is a bounded in-memory queue of pending records. All methods
// are safe for concurrent use.
type ReportBuffer struct {
	mu         sync.Mutex
	config     BufferConfig
	compressor Compressor
	records    []types.Record
	wifiCount  int
	cellCount  int
	now        func() time.Time
}

// NewReportBuffer creates a ReportBuffer that compresses finalized batches
// with the given compressor.
func NewReportBuffer(config BufferConfig, compressor Compressor) *ReportBuffer {
	if config.MaxRows <= 0 {
		config.MaxRows = DefaultMaxRowsInMemory
	}
	if compressor == nil {
		compressor = GzipCompressor{}
	}
	return &ReportBuffer{
		config:     config,
		compressor: compressor,
		records:    make([]types.Record, 0, config.MaxRows),
		now:        time.Now,
	}
}

// Append adds a record unless the buffer is already full, in which case the
// record is dropped and false is returned. Older queued data is preferred
// over new data.
func (r *ReportBuffer) Append(rec types.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) >= r.config.MaxRows {
		return false
	}
	r.records = append(r.records, rec)
	r.wifiCount += rec.WifiCount
	r.cellCount += rec.CellCount
	return true
}

// RecordCount returns the number of pending records.
func (r *ReportBuffer) RecordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ShouldFlush reports whether the buffer has reached its cap, or whether
// small batches are forced and there is anything to flush.
func (r *ReportBuffer) ShouldFlush() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) >= r.config.MaxRows {
		return true
	}
	return r.config.ForceSmallBatches && len(r.records) > 0
}

// Finalize drains every pending record into a new InMemoryOnly batch. On an
// empty buffer it returns a batch with a zero-length payload.
func (r *ReportBuffer) Finalize() (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := &Batch{
		RecordCount: len(r.records),
		WifiCount:   r.wifiCount,
		CellCount:   r.cellCount,
		State:       InMemoryOnly,
		CreatedAt:   r.now(),
	}
	if len(r.records) == 0 {
		return batch, nil
	}

	payload, err := r.compressor.Compress(encodeItems(r.records))
	if err != nil {
		// The records stay queued so a later flush can retry.
		return nil, fmt.Errorf("failed to compress %d records: %w", len(r.records), err)
	}
	batch.Payload = payload

	r.records = make([]types.Record, 0, r.config.MaxRows)
	r.wifiCount = 0
	r.cellCount = 0
	return batch, nil
}

// encodeItems builds the `{"items":[...]}` document from already-serialized
// records without re-encoding them.
func encodeItems(records []types.Record) []byte {
	size := len(`{"items":[]}`)
	for _, rec := range records {
		size += len(rec.Payload) + 1
	}
	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteString(`{"items":[`)
	for i, rec := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Payload)
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}
