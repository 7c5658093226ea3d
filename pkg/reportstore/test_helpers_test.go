package reportstore

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)

func makeRecord(i int) types.Record {
	return types.Record{
		Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		CellCount: 1,
		WifiCount: 2,
	}
}

// decodeItems decompresses a batch payload and returns its items.
func decodeItems(t *testing.T, c Compressor, payload []byte) []json.RawMessage {
	t.Helper()
	raw, err := c.Decompress(payload)
	require.NoError(t, err)
	var doc struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc.Items
}

func newTestStore(t *testing.T, maxBytes int64, clock clockwork.Clock) *BatchStore {
	t.Helper()
	store, err := NewBatchStore(StoreConfig{
		Dir:      t.TempDir(),
		MaxBytes: maxBytes,
		MaxAge:   24 * time.Hour,
	}, GzipCompressor{}, clock, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func newTestQueue(t *testing.T, bufCfg BufferConfig, maxBytes int64) (*Queue, *BatchStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	store := newTestStore(t, maxBytes, clock)
	buffer := NewReportBuffer(bufCfg, GzipCompressor{})
	queue, err := NewQueue(buffer, store, QueueConfig{IdleFlush: 3 * time.Minute}, clock, zerolog.Nop())
	require.NoError(t, err)
	return queue, store, clock
}

// persistBatch finalizes n records into a batch and persists it.
func persistBatch(t *testing.T, store *BatchStore, n int) *Batch {
	t.Helper()
	buffer := NewReportBuffer(BufferConfig{}, store.Compressor())
	for i := 0; i < n; i++ {
		require.True(t, buffer.Append(makeRecord(i)))
	}
	batch, err := buffer.Finalize()
	require.NoError(t, err)
	require.True(t, store.Persist(batch))
	return batch
}
