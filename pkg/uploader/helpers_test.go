package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/reportstore"
	"github.com/illmade-knight/go-stumbler/pkg/stats"
	"github.com/illmade-knight/go-stumbler/pkg/transport"
	"github.com/illmade-knight/go-stumbler/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)

// --- Mocks ---

// MockTransport is a mock implementation of the Transport interface.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Submit(ctx context.Context, payload []byte, headers map[string]string, precompressed bool) (*transport.Response, error) {
	args := m.Called(ctx, payload, headers, precompressed)
	var resp *transport.Response
	if r, ok := args.Get(0).(*transport.Response); ok {
		resp = r
	}
	return resp, args.Error(1)
}

func status(code int) *transport.Response {
	return &transport.Response{StatusCode: code, BytesSent: 100}
}

// countingLedger wraps a Ledger and counts the writes that reach it.
type countingLedger struct {
	stats.Ledger
	mu         sync.Mutex
	increments int
	attempts   int
}

func (l *countingLedger) Increment(ctx context.Context, d stats.Delta) error {
	l.mu.Lock()
	l.increments++
	l.mu.Unlock()
	return l.Ledger.Increment(ctx, d)
}

func (l *countingLedger) MarkAttempt(ctx context.Context, at time.Time) error {
	l.mu.Lock()
	l.attempts++
	l.mu.Unlock()
	return l.Ledger.MarkAttempt(ctx, at)
}

// sliceCursor walks a fixed list of batches.
type sliceCursor struct {
	batches []*reportstore.Batch
	pos     int
}

func (c *sliceCursor) First() *reportstore.Batch {
	c.pos = 0
	return c.Next()
}

func (c *sliceCursor) Next() *reportstore.Batch {
	if c.pos >= len(c.batches) {
		return nil
	}
	b := c.batches[c.pos]
	c.pos++
	return b
}

// fakeQueue serves a fixed list of batches and records what happens to them.
type fakeQueue struct {
	batches  []*reportstore.Batch
	deleted  []*reportstore.Batch
	requeued []*reportstore.Batch
}

func (q *fakeQueue) Cursor() reportstore.Cursor { return &sliceCursor{batches: q.batches} }
func (q *fakeQueue) EnforceRetention() bool     { return false }

func (q *fakeQueue) Requeue(b *reportstore.Batch) bool {
	q.requeued = append(q.requeued, b)
	return true
}

func (q *fakeQueue) Delete(b *reportstore.Batch) error {
	q.deleted = append(q.deleted, b)
	b.Payload = nil
	return nil
}

// --- Fixtures ---

type fixture struct {
	queue     *reportstore.Queue
	store     *reportstore.BatchStore
	clock     *clockwork.FakeClock
	transport *MockTransport
	ledger    *countingLedger
	uploader  *Uploader
}

func newFixture(t *testing.T, network NetworkPolicy) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	clock := clockwork.NewFakeClockAt(testEpoch)

	store, err := reportstore.NewBatchStore(reportstore.StoreConfig{
		Dir:      filepath.Join(t.TempDir(), "reports"),
		MaxBytes: 1 << 20,
		MaxAge:   24 * time.Hour,
	}, reportstore.GzipCompressor{}, clock, logger)
	require.NoError(t, err)
	buffer := reportstore.NewReportBuffer(reportstore.BufferConfig{MaxRows: 50}, reportstore.GzipCompressor{})
	queue, err := reportstore.NewQueue(buffer, store, reportstore.QueueConfig{IdleFlush: time.Hour}, clock, logger)
	require.NoError(t, err)

	fileLedger, err := stats.NewFileLedger(filepath.Join(t.TempDir(), "stats.yaml"), clock, logger)
	require.NoError(t, err)
	ledger := &countingLedger{Ledger: fileLedger}

	tr := new(MockTransport)
	u, err := NewUploader(queue, tr, ledger, Config{
		Policy:  NewDefaultPolicy("test-agent", reportstore.GzipCompressor{}),
		Network: network,
		Clock:   clock,
	}, logger)
	require.NoError(t, err)

	return &fixture{
		queue:     queue,
		store:     store,
		clock:     clock,
		transport: tr,
		ledger:    ledger,
		uploader:  u,
	}
}

// appendObservations queues n observations, each with one cell and two
// access points.
func (f *fixture) appendObservations(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		obs := &types.Observation{
			Timestamp: testEpoch.Add(time.Duration(i) * time.Second),
			Latitude:  51.5 + float64(i)/1000,
			Longitude: -0.12,
			CellTowers: []types.CellTower{
				{RadioType: "lte", MobileCountry: 234, MobileNetwork: 10, LocationArea: 1, CellID: int64(i)},
			},
			WifiAPs: []types.WifiAccessPoint{
				{MacAddress: fmt.Sprintf("01:23:45:67:89:%02x", i%256)},
				{MacAddress: fmt.Sprintf("01:23:45:67:8a:%02x", i%256)},
			},
		}
		rec, err := types.NewRecord(obs)
		require.NoError(t, err)
		require.True(t, f.queue.Append(rec))
	}
}

// persistBatches writes n separate batches of size records to disk.
func (f *fixture) persistBatches(t *testing.T, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.appendObservations(t, size)
		f.queue.Flush()
		f.clock.Advance(time.Second)
	}
	require.Len(t, f.store.Index().Files, n)
}

func decodeItemCount(t *testing.T, payload []byte) int {
	t.Helper()
	raw, err := reportstore.GzipCompressor{}.Decompress(payload)
	require.NoError(t, err)
	var doc struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return len(doc.Items)
}
