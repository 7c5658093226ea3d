package reportstore

import "time"

// StorageState records where a Batch lives, which in turn decides how it is
// disposed of.
type StorageState int

const (
	// InMemoryOnly batches are discarded by dropping the reference.
	InMemoryOnly StorageState = iota
	// OnDisk batches are discarded by deleting their backing file.
	OnDisk
)

func (s StorageState) String() string {
	switch s {
	case InMemoryOnly:
		return "in-memory"
	case OnDisk:
		return "on-disk"
	default:
		return "unknown"
	}
}

// Batch is a compressed group of observation records: the unit of
// persistence, upload and deletion.
type Batch struct {
	// Payload is the compressed `{"items":[...]}` document. A zero-length
	// payload marks an empty batch that is never submitted.
	Payload []byte

	RecordCount int
	WifiCount   int
	CellCount   int

	State StorageState
	// Filename is the base name of the backing file for OnDisk batches.
	Filename string

	CreatedAt time.Time
}

// Empty reports whether the batch carries no payload.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Payload) == 0
}
