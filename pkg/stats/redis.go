package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultRedisKey is the hash holding the counters.
const DefaultRedisKey = "stumbler:stats"

// Hash fields, shared with the YAML file layout.
const (
	fieldLastUploadTime   = "last_upload_time"
	fieldLastAttemptTime  = "last_attempt_time"
	fieldBytesSent        = "bytes_sent"
	fieldObservationsSent = "observations_sent"
	fieldCellsSent        = "cells_sent"
	fieldWifisSent        = "wifis_sent"
	fieldVersion          = "version"
)

// RedisConfig holds configuration for the Redis client.
type RedisConfig struct {
	Addr     string // e.g., "localhost:6379"
	Password string // Leave empty if no password
	DB       int
	Key      string
}

// RedisLedger keeps the counters in a Redis hash so that a dashboard can
// read them while the stumbler runs.
type RedisLedger struct {
	client *redis.Client
	key    string
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, cfg RedisConfig, clock clockwork.Clock, logger zerolog.Logger) (*RedisLedger, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Str("key", cfg.Key).Msg("Connected to Redis for stats.")

	return &RedisLedger{
		client: rdb,
		key:    cfg.Key,
		clock:  clock,
		logger: logger.With().Str("component", "RedisLedger").Logger(),
	}, nil
}

// Read implements Ledger.
func (l *RedisLedger) Read(ctx context.Context) (Record, error) {
	fields, err := l.client.HGetAll(ctx, l.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read stats hash %s: %w", l.key, err)
	}
	if len(fields) == 0 {
		return newRecord(), nil
	}
	rec := Record{
		LastUploadTime:   fromMillis(parseField(fields, fieldLastUploadTime)),
		LastAttemptTime:  fromMillis(parseField(fields, fieldLastAttemptTime)),
		BytesSent:        parseField(fields, fieldBytesSent),
		ObservationsSent: parseField(fields, fieldObservationsSent),
		CellsSent:        parseField(fields, fieldCellsSent),
		WifisSent:        parseField(fields, fieldWifisSent),
		Version:          int(parseField(fields, fieldVersion)),
	}
	if rec.Version == 0 {
		rec.Version = SchemaVersion
	}
	return rec, nil
}

// Increment implements Ledger. The counters are bumped in one transaction.
func (l *RedisLedger) Increment(ctx context.Context, d Delta) error {
	if d.IsZero() {
		return nil
	}
	now := l.clock.Now()
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, l.key, fieldBytesSent, d.Bytes)
		pipe.HIncrBy(ctx, l.key, fieldObservationsSent, d.Observations)
		pipe.HIncrBy(ctx, l.key, fieldCellsSent, d.Cells)
		pipe.HIncrBy(ctx, l.key, fieldWifisSent, d.Wifis)
		pipe.HSet(ctx, l.key, fieldLastUploadTime, toMillis(now), fieldVersion, SchemaVersion)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment stats hash %s: %w", l.key, err)
	}
	return nil
}

// MarkAttempt implements Ledger.
func (l *RedisLedger) MarkAttempt(ctx context.Context, at time.Time) error {
	if err := l.client.HSet(ctx, l.key, fieldLastAttemptTime, toMillis(at), fieldVersion, SchemaVersion).Err(); err != nil {
		return fmt.Errorf("failed to mark attempt in stats hash %s: %w", l.key, err)
	}
	return nil
}

// Close closes the Redis client.
func (l *RedisLedger) Close() error {
	l.logger.Info().Msg("Closing Redis client connection...")
	return l.client.Close()
}

func parseField(fields map[string]string, name string) int64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
