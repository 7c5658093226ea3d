//go:build integration

package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/helpers/emulators"
	"github.com/illmade-knight/go-stumbler/pkg/stats"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLedger_Integration(t *testing.T) {
	// --- Test Setup ---
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	redisConn := emulators.SetupRedisContainer(t, ctx, emulators.GetDefaultRedisImageContainer())
	epoch := time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(epoch)

	ledger, err := stats.NewRedisLedger(ctx, stats.RedisConfig{Addr: redisConn.EmulatorAddress, Key: "test:stats"}, clock, logger)
	require.NoError(t, err)
	defer ledger.Close()

	// --- Empty hash reads as defaults ---
	rec, err := ledger.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Record{Version: stats.SchemaVersion}, rec)

	// --- Increments accumulate ---
	require.NoError(t, ledger.Increment(ctx, stats.Delta{Bytes: 100, Observations: 50, Cells: 4, Wifis: 312}))
	require.NoError(t, ledger.Increment(ctx, stats.Delta{}))
	clock.Advance(time.Minute)
	require.NoError(t, ledger.Increment(ctx, stats.Delta{Bytes: 1, Observations: 1}))
	require.NoError(t, ledger.MarkAttempt(ctx, epoch.Add(time.Hour)))

	rec, err = ledger.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), rec.BytesSent)
	assert.Equal(t, int64(51), rec.ObservationsSent)
	assert.Equal(t, int64(4), rec.CellsSent)
	assert.Equal(t, int64(312), rec.WifisSent)
	assert.Equal(t, epoch.Add(time.Minute), rec.LastUploadTime)
	assert.Equal(t, epoch.Add(time.Hour), rec.LastAttemptTime)
	assert.Equal(t, stats.SchemaVersion, rec.Version)
}
