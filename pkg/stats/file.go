package stats

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// fileRecord is the on-disk layout of the stats file.
type fileRecord struct {
	LastUploadTime   int64 `yaml:"last_upload_time"`
	LastAttemptTime  int64 `yaml:"last_attempt_time"`
	BytesSent        int64 `yaml:"bytes_sent"`
	ObservationsSent int64 `yaml:"observations_sent"`
	CellsSent        int64 `yaml:"cells_sent"`
	WifisSent        int64 `yaml:"wifis_sent"`
	Version          int   `yaml:"version"`
}

// FileLedger keeps the counters in a small YAML file, rewritten whole on
// every change.
type FileLedger struct {
	mu     sync.Mutex
	path   string
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewFileLedger creates a ledger backed by the file at path. The file itself
// is created on the first write.
func NewFileLedger(path string, clock clockwork.Clock, logger zerolog.Logger) (*FileLedger, error) {
	if path == "" {
		return nil, errors.New("stats file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FileLedger{
		path:   path,
		clock:  clock,
		logger: logger.With().Str("component", "FileLedger").Logger(),
	}, nil
}

// Read implements Ledger.
func (l *FileLedger) Read(_ context.Context) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

// Increment implements Ledger.
func (l *FileLedger) Increment(_ context.Context, d Delta) error {
	if d.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.readLocked()
	if err != nil {
		return err
	}
	rec.BytesSent += d.Bytes
	rec.ObservationsSent += d.Observations
	rec.CellsSent += d.Cells
	rec.WifisSent += d.Wifis
	rec.LastUploadTime = l.clock.Now()
	return l.writeLocked(rec)
}

// MarkAttempt implements Ledger.
func (l *FileLedger) MarkAttempt(_ context.Context, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.readLocked()
	if err != nil {
		return err
	}
	rec.LastAttemptTime = at
	return l.writeLocked(rec)
}

func (l *FileLedger) readLocked() (Record, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return newRecord(), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read stats file %s: %w", l.path, err)
	}

	var fr fileRecord
	if err := yaml.Unmarshal(data, &fr); err != nil {
		return Record{}, fmt.Errorf("failed to parse stats file %s: %w", l.path, err)
	}
	rec := Record{
		LastUploadTime:   fromMillis(fr.LastUploadTime),
		LastAttemptTime:  fromMillis(fr.LastAttemptTime),
		BytesSent:        fr.BytesSent,
		ObservationsSent: fr.ObservationsSent,
		CellsSent:        fr.CellsSent,
		WifisSent:        fr.WifisSent,
		Version:          fr.Version,
	}
	if rec.Version == 0 {
		rec.Version = SchemaVersion
	}
	return rec, nil
}

func (l *FileLedger) writeLocked(rec Record) error {
	data, err := yaml.Marshal(fileRecord{
		LastUploadTime:   toMillis(rec.LastUploadTime),
		LastAttemptTime:  toMillis(rec.LastAttemptTime),
		BytesSent:        rec.BytesSent,
		ObservationsSent: rec.ObservationsSent,
		CellsSent:        rec.CellsSent,
		WifisSent:        rec.WifisSent,
		Version:          SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create stats temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, l.path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write stats file %s: %w", l.path, err)
	}
	l.logger.Debug().Int64("bytes_sent", rec.BytesSent).Int64("observations_sent", rec.ObservationsSent).Msg("Stats written.")
	return nil
}
