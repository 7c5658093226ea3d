package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

func writeConfig(t *testing.T, collectorURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stumbler.yaml")
	content := fmt.Sprintf(`
storage:
  dir: %s
buffer:
  max_rows: 500
stats:
  path: %s
http:
  url: %s
log:
  level: disabled
`, filepath.Join(dir, "reports"), filepath.Join(dir, "stats.yaml"), collectorURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// --- Tests ---

func TestCommands_SimulateUploadStatus(t *testing.T) {
	// Arrange
	var hits, bodyBytes atomic.Int64
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.ContentLength > 0 {
			bodyBytes.Add(r.ContentLength)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()
	cfgPath := writeConfig(t, collector.URL)

	// Act: generate observations straight into the local queue.
	out, err := execute(t, "simulate", "-c", cfgPath, "--devices", "2", "--rate", "50", "--duration", "300ms")
	require.NoError(t, err)
	matches := regexp.MustCompile(`published (\d+) observations to queue`).FindStringSubmatch(out)
	require.Len(t, matches, 2, "unexpected simulate output: %s", out)
	published, err := strconv.Atoi(matches[1])
	require.NoError(t, err)
	require.Positive(t, published)

	// Assert: the queue flushed everything to disk on close.
	out, err = execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "batches on disk:   1 ")
	assert.Contains(t, out, "last upload:       never")

	// Act: one upload pass.
	out, err = execute(t, "upload", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded 1")
	assert.Equal(t, int64(1), hits.Load())
	assert.Positive(t, bodyBytes.Load())

	// Assert: the batch is gone and the counters were persisted.
	out, err = execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "batches on disk:   0 ")
	assert.Contains(t, out, fmt.Sprintf("observations sent: %d\n", published))
	assert.NotContains(t, out, "last upload:       never")
}

func TestUpload_RejectedBatchIsDeleted(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer collector.Close()
	cfgPath := writeConfig(t, collector.URL)

	_, err := execute(t, "simulate", "-c", cfgPath, "--devices", "1", "--rate", "50", "--duration", "200ms")
	require.NoError(t, err)

	out, err := execute(t, "upload", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "rejected 1")

	out, err = execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "batches on disk:   0 ")
	assert.Contains(t, out, "observations sent: 0\n")
}

func TestUpload_EmptyQueue(t *testing.T) {
	var hits atomic.Int64
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer collector.Close()
	cfgPath := writeConfig(t, collector.URL)

	out, err := execute(t, "upload", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "batches:      0")
	assert.Zero(t, hits.Load())
}

func TestSimulate_InvalidDevices(t *testing.T) {
	cfgPath := writeConfig(t, "http://localhost:8080/v2/geosubmit")

	_, err := execute(t, "simulate", "-c", cfgPath, "--devices", "0")
	assert.ErrorContains(t, err, "--devices must be positive")
}

func TestCommands_SetupFailureReturnsError(t *testing.T) {
	// Arrange: storage.dir below a regular file cannot be created.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))
	cfgPath := filepath.Join(dir, "stumbler.yaml")
	content := fmt.Sprintf("storage:\n  dir: %s\nstats:\n  path: %s\nlog:\n  level: disabled\n",
		filepath.Join(blocker, "reports"), filepath.Join(dir, "stats.yaml"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	commands := map[string][]string{
		"status":   {"status", "-c", cfgPath},
		"upload":   {"upload", "-c", cfgPath},
		"simulate": {"simulate", "-c", cfgPath, "--duration", "10ms"},
	}
	for name, args := range commands {
		t.Run(name, func(t *testing.T) {
			// Act
			var err error
			assert.NotPanics(t, func() {
				_, err = execute(t, args...)
			})

			// Assert
			assert.Error(t, err)
		})
	}
}

func TestNewService_ClosesWhatWasOpenedOnError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfgPath := writeConfig(t, "http://localhost:8080/v2/geosubmit")
	cfg, logger, err := (&rootOptions{configPath: cfgPath, logOutput: io.Discard}).load()
	require.NoError(t, err)
	cfg.Stats.Path = filepath.Join(blocker, "stats.yaml")

	svc, err := newService(context.Background(), cfg, logger, serviceOptions{})

	assert.Error(t, err)
	assert.Nil(t, svc)
}

func TestRoot_InvalidConfig(t *testing.T) {
	_, err := execute(t, "status", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	logger, err := newLogger("WARN", &out)
	require.NoError(t, err)
	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")
	assert.NotContains(t, out.String(), "quiet")
	assert.Contains(t, out.String(), "loud")

	_, err = newLogger("chatty", &out)
	assert.Error(t, err)
}
