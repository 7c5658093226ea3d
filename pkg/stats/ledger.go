// Package stats keeps durable delivery counters that survive restarts.
package stats

import (
	"context"
	"time"
)

// SchemaVersion is written with every record.
const SchemaVersion = 1

// Record is the persisted set of delivery counters.
type Record struct {
	LastUploadTime   time.Time
	LastAttemptTime  time.Time
	BytesSent        int64
	ObservationsSent int64
	CellsSent        int64
	WifisSent        int64
	Version          int
}

// Delta is what one upload pass adds to the counters.
type Delta struct {
	Bytes        int64
	Observations int64
	Cells        int64
	Wifis        int64
}

// IsZero reports whether applying d would change no counter.
func (d Delta) IsZero() bool {
	return d.Bytes == 0 && d.Observations == 0 && d.Cells == 0 && d.Wifis == 0
}

// Add accumulates another delta.
func (d *Delta) Add(o Delta) {
	d.Bytes += o.Bytes
	d.Observations += o.Observations
	d.Cells += o.Cells
	d.Wifis += o.Wifis
}

// Ledger stores the delivery counters. A single writer is assumed.
type Ledger interface {
	// Read returns the current record, zeroed when nothing was written yet.
	Read(ctx context.Context) (Record, error)
	// Increment adds d and stamps the last upload time. A zero delta is a
	// no-op.
	Increment(ctx context.Context, d Delta) error
	// MarkAttempt stamps the time of the latest upload pass.
	MarkAttempt(ctx context.Context, at time.Time) error
}

func newRecord() Record {
	return Record{Version: SchemaVersion}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
