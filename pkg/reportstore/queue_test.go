package reportstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_IdleFlushIsRearmedByAppend(t *testing.T) {
	queue, store, clock := newTestQueue(t, BufferConfig{MaxRows: 50}, 1<<20)

	require.True(t, queue.Append(makeRecord(1)))
	clock.Advance(2 * time.Minute)
	require.True(t, queue.Append(makeRecord(2)))
	clock.Advance(2 * time.Minute)

	// Four minutes after the first append but only two after the second.
	assert.True(t, store.IsEmpty(), "a re-armed timer must not fire early")
	assert.Equal(t, 2, queue.Pending())

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		return !store.IsEmpty()
	}, time.Second, 10*time.Millisecond, "buffer should be flushed three minutes after the last append")

	files := store.Index().Files
	require.Len(t, files, 1)
	assert.Equal(t, 2, files[0].RecordCount)
	assert.Equal(t, 0, queue.Pending())
}

func TestQueue_FlushesAtCapacity(t *testing.T) {
	queue, store, _ := newTestQueue(t, BufferConfig{MaxRows: 3}, 1<<20)

	for i := 0; i < 3; i++ {
		require.True(t, queue.Append(makeRecord(i)))
	}
	files := store.Index().Files
	require.Len(t, files, 1)
	assert.Equal(t, 3, files[0].RecordCount)
	assert.Equal(t, 6, files[0].WifiCount)
	assert.Equal(t, 0, queue.Pending())
}

func TestQueue_ForceSmallBatches(t *testing.T) {
	queue, store, _ := newTestQueue(t, BufferConfig{MaxRows: 50, ForceSmallBatches: true}, 1<<20)

	for i := 0; i < 4; i++ {
		require.True(t, queue.Append(makeRecord(i)))
	}
	assert.Len(t, store.Index().Files, 4)
}

func TestQueue_RetainsBatchWhenDiskRefuses(t *testing.T) {
	queue, store, _ := newTestQueue(t, BufferConfig{MaxRows: 2}, 1)

	require.True(t, queue.Append(makeRecord(1)))
	require.True(t, queue.Append(makeRecord(2)))
	assert.True(t, store.IsEmpty())
	assert.Equal(t, 2, queue.Pending(), "the refused batch is retained in memory")

	// The buffer fills again behind the retained batch, then drops.
	require.True(t, queue.Append(makeRecord(3)))
	require.True(t, queue.Append(makeRecord(4)))
	assert.False(t, queue.Append(makeRecord(5)))
	assert.Equal(t, int64(1), queue.Dropped())
	assert.Equal(t, 4, queue.Pending())

	cursor := queue.Cursor()
	first := cursor.First()
	require.NotNil(t, first)
	assert.Equal(t, InMemoryOnly, first.State)
	items := decodeItems(t, GzipCompressor{}, first.Payload)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"n":1}`, string(items[0]), "the retained batch comes first")

	second := cursor.Next()
	require.NotNil(t, second)
	items = decodeItems(t, GzipCompressor{}, second.Payload)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"n":3}`, string(items[0]))

	assert.Nil(t, cursor.Next())
	assert.Equal(t, 0, queue.Pending())
}

func TestQueue_CursorOrderAndSnapshot(t *testing.T) {
	queue, store, clock := newTestQueue(t, BufferConfig{MaxRows: 50}, 1<<20)

	require.True(t, queue.Append(makeRecord(1)))
	queue.Flush()
	require.Len(t, store.Index().Files, 1)

	clock.Advance(time.Second)
	require.True(t, queue.Append(makeRecord(2)))

	cursor := queue.Cursor()
	first := cursor.First()
	require.NotNil(t, first)
	assert.Equal(t, InMemoryOnly, first.State, "in-memory batches are yielded before disk batches")
	assert.Equal(t, 1, first.RecordCount)

	// Written after the pass began, so it belongs to the next pass.
	require.True(t, queue.Append(makeRecord(3)))
	queue.Flush()
	require.Len(t, store.Index().Files, 2)

	second := cursor.Next()
	require.NotNil(t, second)
	assert.Equal(t, OnDisk, second.State)
	items := decodeItems(t, GzipCompressor{}, second.Payload)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"n":1}`, string(items[0]))

	assert.Nil(t, cursor.Next())
}

func TestQueue_CursorSkipsVanishedFiles(t *testing.T) {
	queue, store, clock := newTestQueue(t, BufferConfig{MaxRows: 1}, 1<<20)

	require.True(t, queue.Append(makeRecord(1)))
	clock.Advance(time.Second)
	require.True(t, queue.Append(makeRecord(2)))
	files := store.Index().Files
	require.Len(t, files, 2)

	cursor := queue.Cursor()
	first := cursor.First()
	require.NotNil(t, first)

	var other string
	for _, f := range files {
		if f.Name != first.Filename {
			other = f.Name
		}
	}
	require.NoError(t, os.Remove(filepath.Join(store.config.Dir, other)))

	assert.Nil(t, cursor.Next(), "a file removed mid-pass is skipped")
}

func TestQueue_CursorOnEmptyQueue(t *testing.T) {
	queue, _, _ := newTestQueue(t, BufferConfig{}, 1<<20)
	cursor := queue.Cursor()
	assert.Nil(t, cursor.Next(), "Next before First yields nothing")
	assert.Nil(t, cursor.First())
}

func TestQueue_Requeue(t *testing.T) {
	t.Run("persists when the budget allows", func(t *testing.T) {
		queue, store, _ := newTestQueue(t, BufferConfig{}, 1<<20)
		require.True(t, queue.Append(makeRecord(1)))
		batch := queue.Cursor().First()
		require.NotNil(t, batch)

		assert.True(t, queue.Requeue(batch))
		assert.Equal(t, OnDisk, batch.State)
		assert.Len(t, store.Index().Files, 1)
	})

	t.Run("retains once then drops", func(t *testing.T) {
		queue, store, _ := newTestQueue(t, BufferConfig{}, 1)
		require.True(t, queue.Append(makeRecord(1)))
		require.True(t, queue.Append(makeRecord(2)))
		cursor := queue.Cursor()
		batch := cursor.First()
		require.NotNil(t, batch)

		assert.True(t, queue.Requeue(batch))
		assert.True(t, store.IsEmpty())
		assert.Equal(t, 2, queue.Pending())

		other := &Batch{Payload: []byte("xy"), RecordCount: 3}
		assert.False(t, queue.Requeue(other))
		assert.Equal(t, int64(3), queue.Dropped())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		queue, _, _ := newTestQueue(t, BufferConfig{}, 1<<20)
		assert.True(t, queue.Requeue(&Batch{}))
		assert.Equal(t, 0, queue.Pending())
	})
}

func TestQueue_Close(t *testing.T) {
	t.Run("flushes buffered records", func(t *testing.T) {
		queue, store, _ := newTestQueue(t, BufferConfig{}, 1<<20)
		require.True(t, queue.Append(makeRecord(1)))

		require.NoError(t, queue.Close())
		assert.Len(t, store.Index().Files, 1)
		assert.False(t, queue.Append(makeRecord(2)), "append after close is dropped")
		assert.ErrorIs(t, queue.Close(), ErrQueueClosed)
	})

	t.Run("reports records it could not persist", func(t *testing.T) {
		queue, _, _ := newTestQueue(t, BufferConfig{}, 1)
		require.True(t, queue.Append(makeRecord(1)))
		assert.Error(t, queue.Close())
	})
}
