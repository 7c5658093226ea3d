package reportstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultPrefix is the batch file name prefix.
	DefaultPrefix = "reports"
	// DefaultMaxBytes is the on-disk budget for batch files.
	DefaultMaxBytes int64 = 3 * 1024 * 1024
	// DefaultMaxAge is the retention limit after which the whole store is purged.
	DefaultMaxAge = 14 * 24 * time.Hour

	timestampSep = "-t"
	recordsSep   = "-r"
	wifisSep     = "-w"
	cellsSep     = "-c"
	tempSuffix   = ".tmp"
)

// StoreConfig holds configuration for the BatchStore.
type StoreConfig struct {
	Dir      string
	Prefix   string
	MaxBytes int64
	MaxAge   time.Duration
}

// BatchFile is a Batch materialized on disk. Its metadata is decoded from
// the file name: <prefix>-t<unix_ms>-r<records>-w<wifis>-c<cells>.<ext>.
type BatchFile struct {
	Name        string
	Size        int64
	CreatedAt   time.Time
	RecordCount int
	WifiCount   int
	CellCount   int
}

// DiskIndex summarizes the store directory. It is rebuilt from a directory
// listing after every mutation rather than patched incrementally.
type DiskIndex struct {
	Files []BatchFile
	Bytes int64
}

// BatchStore manages the on-disk population of finalized batches. All
// methods are safe for concurrent use.
type BatchStore struct {
	mu         sync.Mutex
	config     StoreConfig
	compressor Compressor
	clock      clockwork.Clock
	logger     zerolog.Logger
	index      DiskIndex
}

// NewBatchStore creates the store directory if needed, removes temp files
// left by an interrupted write and builds the initial index.
func NewBatchStore(
	config StoreConfig,
	compressor Compressor,
	clock clockwork.Clock,
	logger zerolog.Logger,
) (*BatchStore, error) {
	if config.Dir == "" {
		return nil, errors.New("batch store directory is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if strings.Contains(config.Prefix, timestampSep) {
		return nil, fmt.Errorf("batch file prefix %q must not contain %q", config.Prefix, timestampSep)
	}
	if config.MaxBytes <= 0 {
		logger.Warn().Int64("provided_max_bytes", config.MaxBytes).Msg("MaxBytes must be positive, using default.")
		config.MaxBytes = DefaultMaxBytes
	}
	if config.MaxAge <= 0 {
		logger.Warn().Dur("provided_max_age", config.MaxAge).Msg("MaxAge must be positive, using default.")
		config.MaxAge = DefaultMaxAge
	}
	if compressor == nil {
		compressor = GzipCompressor{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create batch store directory %s: %w", config.Dir, err)
	}

	s := &BatchStore{
		config:     config,
		compressor: compressor,
		clock:      clock,
		logger:     logger.With().Str("component", "BatchStore").Logger(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeTempFilesLocked()
	if err := s.refreshIndexLocked(); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("dir", config.Dir).
		Int("files", len(s.index.Files)).
		Str("disk_bytes", humanize.Bytes(uint64(s.index.Bytes))).
		Str("max_bytes", humanize.Bytes(uint64(config.MaxBytes))).
		Msg("Batch store opened.")
	return s, nil
}

// Persist writes an in-memory batch to a new file. It returns false, leaving
// the batch unchanged, when the disk budget would be exceeded or the write
// fails. Persisting a batch whose file already exists is a no-op.
func (s *BatchStore) Persist(b *Batch) bool {
	if b.Empty() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.State == OnDisk && b.Filename != "" {
		if _, err := os.Stat(s.path(b.Filename)); err == nil {
			return true
		}
	}

	size := int64(len(b.Payload))
	if s.index.Bytes > s.config.MaxBytes || s.index.Bytes+size > s.config.MaxBytes {
		s.logger.Warn().
			Str("disk_bytes", humanize.Bytes(uint64(s.index.Bytes))).
			Str("batch_bytes", humanize.Bytes(uint64(size))).
			Str("max_bytes", humanize.Bytes(uint64(s.config.MaxBytes))).
			Msg("Disk budget exceeded, refusing to persist batch.")
		return false
	}

	name := s.nextNameLocked(b)
	if err := s.writeFileLocked(name, b.Payload); err != nil {
		s.logger.Error().Err(err).Str("file", name).Msg("Failed to persist batch.")
		return false
	}

	b.State = OnDisk
	b.Filename = name
	if err := s.refreshIndexLocked(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to refresh disk index after persist.")
	}
	s.logger.Debug().Str("file", name).Int("records", b.RecordCount).Msg("Persisted batch.")
	return true
}

// writeFileLocked writes through a temp file so that a crash never leaves a
// truncated batch file behind.
func (s *BatchStore) writeFileLocked(name string, payload []byte) error {
	tmp, err := os.CreateTemp(s.config.Dir, name+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err = tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, s.path(name)); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s: %w", tmpName, err)
	}
	return nil
}

// Delete disposes of a batch. OnDisk batches lose their backing file,
// InMemoryOnly batches just drop their payload. Deleting twice is a no-op.
func (s *BatchStore) Delete(b *Batch) error {
	if b == nil {
		return nil
	}
	if b.State != OnDisk || b.Filename == "" {
		b.Payload = nil
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(b.Filename))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete batch file %s: %w", b.Filename, err)
	}
	s.logger.Debug().Str("file", b.Filename).Msg("Deleted batch file.")
	b.Payload = nil
	b.Filename = ""
	if refreshErr := s.refreshIndexLocked(); refreshErr != nil {
		s.logger.Error().Err(refreshErr).Msg("Failed to refresh disk index after delete.")
	}
	return nil
}

// OldestBatchAge returns the age of the oldest batch file, or 0 when the
// store is empty.
func (s *BatchStore) OldestBatchAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestAgeLocked()
}

func (s *BatchStore) oldestAgeLocked() time.Duration {
	if len(s.index.Files) == 0 {
		return 0
	}
	oldest := s.index.Files[0].CreatedAt
	for _, f := range s.index.Files[1:] {
		if f.CreatedAt.Before(oldest) {
			oldest = f.CreatedAt
		}
	}
	age := s.clock.Since(oldest)
	if age < 0 {
		return 0
	}
	return age
}

// PurgeAll deletes every batch file.
func (s *BatchStore) PurgeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked()
}

func (s *BatchStore) purgeLocked() error {
	var errs []error
	for _, f := range s.index.Files {
		if err := os.Remove(s.path(f.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.logger.Warn().Int("files", len(s.index.Files)).Msg("Purged all batch files.")
	if err := s.refreshIndexLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EnforceRetention purges the whole store when its oldest batch is older
// than MaxAge. It reports whether a purge happened.
func (s *BatchStore) EnforceRetention() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := s.oldestAgeLocked()
	if age <= s.config.MaxAge {
		return false
	}
	s.logger.Warn().
		Dur("oldest_batch_age", age).
		Dur("max_age", s.config.MaxAge).
		Msg("Oldest batch exceeds retention, purging store.")
	if err := s.purgeLocked(); err != nil {
		s.logger.Error().Err(err).Msg("Retention purge was incomplete.")
	}
	return true
}

// IsEmpty reports whether there are no batch files on disk. The in-memory
// buffer is not considered.
func (s *BatchStore) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index.Files) == 0
}

// DiskBytes returns the total size of all batch files.
func (s *BatchStore) DiskBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Bytes
}

// Index returns a snapshot of the disk index.
func (s *BatchStore) Index() DiskIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]BatchFile, len(s.index.Files))
	copy(files, s.index.Files)
	return DiskIndex{Files: files, Bytes: s.index.Bytes}
}

// Load reads a batch file back into an OnDisk batch.
func (s *BatchStore) Load(f BatchFile) (*Batch, error) {
	payload, err := os.ReadFile(s.path(f.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file %s: %w", f.Name, err)
	}
	return &Batch{
		Payload:     payload,
		RecordCount: f.RecordCount,
		WifiCount:   f.WifiCount,
		CellCount:   f.CellCount,
		State:       OnDisk,
		Filename:    f.Name,
		CreatedAt:   f.CreatedAt,
	}, nil
}

// Compressor returns the compressor whose extension this store manages.
func (s *BatchStore) Compressor() Compressor {
	return s.compressor
}

func (s *BatchStore) path(name string) string {
	return filepath.Join(s.config.Dir, name)
}

// nextNameLocked builds a file name from the current time, bumping the
// timestamp until no existing file shares it.
func (s *BatchStore) nextNameLocked(b *Batch) string {
	taken := make(map[int64]struct{}, len(s.index.Files))
	for _, f := range s.index.Files {
		taken[f.CreatedAt.UnixMilli()] = struct{}{}
	}
	ts := s.clock.Now().UnixMilli()
	for {
		if _, ok := taken[ts]; !ok {
			break
		}
		ts++
	}
	return fmt.Sprintf("%s%s%d%s%d%s%d%s%d.%s",
		s.config.Prefix, timestampSep, ts,
		recordsSep, b.RecordCount,
		wifisSep, b.WifiCount,
		cellsSep, b.CellCount,
		s.compressor.Extension())
}

func (s *BatchStore) refreshIndexLocked() error {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to list batch store directory: %w", err)
	}
	index := DiskIndex{Files: make([]BatchFile, 0, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, ok := s.parseName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		f.Size = info.Size()
		index.Files = append(index.Files, f)
		index.Bytes += f.Size
	}
	s.index = index
	return nil
}

func (s *BatchStore) removeTempFilesLocked() {
	matches, err := filepath.Glob(filepath.Join(s.config.Dir, s.config.Prefix+"*"+tempSuffix))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.logger.Info().Str("file", filepath.Base(m)).Msg("Removed interrupted batch write.")
		}
	}
}

// parseName decodes a batch file name. Names that do not belong to this
// store (other prefix, other extension, temp files) are rejected.
func (s *BatchStore) parseName(name string) (BatchFile, bool) {
	if !strings.HasPrefix(name, s.config.Prefix+timestampSep) ||
		!strings.HasSuffix(name, "."+s.compressor.Extension()) {
		return BatchFile{}, false
	}
	ts, ok := parseLongFromFilename(name, timestampSep, 0)
	if !ok {
		return BatchFile{}, false
	}
	// Counts are looked up after the timestamp so that the prefix may
	// contain the other separators.
	after := strings.Index(name, timestampSep) + len(timestampSep)
	records, _ := parseLongFromFilename(name, recordsSep, after)
	wifis, _ := parseLongFromFilename(name, wifisSep, after)
	cells, _ := parseLongFromFilename(name, cellsSep, after)
	return BatchFile{
		Name:        name,
		CreatedAt:   time.UnixMilli(ts),
		RecordCount: int(records),
		WifiCount:   int(wifis),
		CellCount:   int(cells),
	}, true
}

// parseLongFromFilename locates sep at or after offset from and parses the
// digits that follow it up to the next non-digit.
func parseLongFromFilename(name, sep string, from int) (int64, bool) {
	idx := strings.Index(name[from:], sep)
	if idx < 0 {
		return 0, false
	}
	start := from + idx + len(sep)
	end := start
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}
	v, err := strconv.ParseInt(name[start:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
