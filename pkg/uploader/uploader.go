// Package uploader drains the report queue to a collector, one pass at a
// time.
package uploader

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/illmade-knight/go-stumbler/pkg/metrics"
	"github.com/illmade-knight/go-stumbler/pkg/reportstore"
	"github.com/illmade-knight/go-stumbler/pkg/stats"
	"github.com/illmade-knight/go-stumbler/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Transport submits one compressed batch to the collector.
type Transport interface {
	Submit(ctx context.Context, payload []byte, headers map[string]string, precompressed bool) (*transport.Response, error)
}

// Queue is the consumer side of the report queue.
type Queue interface {
	Cursor() reportstore.Cursor
	Requeue(b *reportstore.Batch) bool
	Delete(b *reportstore.Batch) error
	EnforceRetention() bool
}

// Params are the per-invocation upload conditions.
type Params struct {
	WifiOnly bool
}

// SkipReason says why a pass did not run.
type SkipReason int

const (
	NotSkipped SkipReason = iota
	// SkipInProgress means another pass was already running.
	SkipInProgress
	// SkipNetwork means the pass required a network that was not available.
	SkipNetwork
)

func (r SkipReason) String() string {
	switch r {
	case SkipInProgress:
		return "skipped_in_progress"
	case SkipNetwork:
		return "skipped_network"
	default:
		return "completed"
	}
}

// PassResult summarizes one invocation of Upload.
type PassResult struct {
	Skipped   SkipReason
	Purged    bool
	Succeeded int
	Rejected  int
	Retried   int
	// Dropped counts retryable batches that could be neither persisted nor
	// retained.
	Dropped int
	Empty   int
	Tally   stats.Delta
}

// Batches returns the number of batches the pass handled.
func (r PassResult) Batches() int {
	return r.Succeeded + r.Rejected + r.Retried + r.Dropped + r.Empty
}

// Config holds the optional collaborators of the Uploader.
type Config struct {
	Policy  SubmissionPolicy
	Network NetworkPolicy
	Metrics *metrics.UploadMetrics
	Clock   clockwork.Clock
}

// Uploader runs single-flight upload passes over a Queue.
type Uploader struct {
	queue     Queue
	transport Transport
	ledger    stats.Ledger
	policy    SubmissionPolicy
	network   NetworkPolicy
	metrics   *metrics.UploadMetrics
	clock     clockwork.Clock
	logger    zerolog.Logger

	uploading atomic.Bool
}

// NewUploader creates an Uploader.
func NewUploader(
	queue Queue,
	tr Transport,
	ledger stats.Ledger,
	cfg Config,
	logger zerolog.Logger,
) (*Uploader, error) {
	if queue == nil {
		return nil, errors.New("uploader requires a queue")
	}
	if tr == nil {
		return nil, errors.New("uploader requires a transport")
	}
	if ledger == nil {
		return nil, errors.New("uploader requires a stats ledger")
	}
	if cfg.Policy == nil {
		cfg.Policy = NewDefaultPolicy("", reportstore.GzipCompressor{})
	}
	if cfg.Network == nil {
		cfg.Network = StaticNetworkPolicy(true)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Uploader{
		queue:     queue,
		transport: tr,
		ledger:    ledger,
		policy:    cfg.Policy,
		network:   cfg.Network,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    logger.With().Str("component", "Uploader").Logger(),
	}, nil
}

// Upload runs one pass. When a pass is already running it returns at once
// with SkipInProgress and changes nothing. A pass always runs to the end of
// the cursor; failures are handled per batch.
func (u *Uploader) Upload(ctx context.Context, params Params) PassResult {
	if !u.uploading.CompareAndSwap(false, true) {
		u.logger.Debug().Msg("Upload already in progress, skipping.")
		result := PassResult{Skipped: SkipInProgress}
		u.metrics.RecordPass(ctx, metrics.PassStats{Result: result.Skipped.String()})
		return result
	}
	defer u.uploading.Store(false)

	if !u.checkCanUpload(params) {
		u.logger.Info().Msg("Wifi-only upload requested but no wifi network is available, skipping.")
		result := PassResult{Skipped: SkipNetwork}
		u.metrics.RecordPass(ctx, metrics.PassStats{Result: result.Skipped.String()})
		return result
	}

	start := u.clock.Now()
	var result PassResult
	result.Purged = u.queue.EnforceRetention()

	cursor := u.queue.Cursor()
	for b := cursor.First(); b != nil; b = cursor.Next() {
		u.processBatch(ctx, b, &result)
	}

	if err := u.ledger.Increment(ctx, result.Tally); err != nil {
		u.logger.Error().Err(err).Msg("Failed to update upload stats.")
	}
	if err := u.ledger.MarkAttempt(ctx, u.clock.Now()); err != nil {
		u.logger.Error().Err(err).Msg("Failed to record upload attempt.")
	}

	u.metrics.RecordPass(ctx, metrics.PassStats{
		Result:    result.Skipped.String(),
		Succeeded: result.Succeeded,
		Rejected:  result.Rejected,
		Retried:   result.Retried,
		Dropped:   result.Dropped,
		Empty:     result.Empty,
		Bytes:     result.Tally.Bytes,
		Duration:  u.clock.Since(start),
	})
	u.logger.Info().
		Int("batches", result.Batches()).
		Int("succeeded", result.Succeeded).
		Int("rejected", result.Rejected).
		Int("retried", result.Retried).
		Int("dropped", result.Dropped).
		Int64("bytes_sent", result.Tally.Bytes).
		Msg("Upload pass finished.")
	return result
}

// InProgress reports whether a pass is running.
func (u *Uploader) InProgress() bool {
	return u.uploading.Load()
}

func (u *Uploader) checkCanUpload(params Params) bool {
	if !params.WifiOnly {
		return true
	}
	return u.network.IsConstrainedNetworkAvailable()
}

func (u *Uploader) processBatch(ctx context.Context, b *reportstore.Batch, result *PassResult) {
	log := u.logger.With().Str("file", b.Filename).Int("records", b.RecordCount).Logger()

	if b.Empty() {
		result.Empty++
		u.delete(b, log)
		return
	}

	resp, err := u.transport.Submit(ctx, b.Payload, u.policy.Headers(b), true)
	switch outcome := Classify(resp, err); outcome {
	case Success:
		result.Succeeded++
		result.Tally.Add(u.policy.Tally(b, resp))
		u.delete(b, log)
	case PermanentClientError:
		result.Rejected++
		log.Warn().Int("status", resp.StatusCode).Bytes("body", resp.Body).Msg("Collector rejected batch, deleting it.")
		u.delete(b, log)
	default:
		ev := log.Warn()
		if err != nil {
			ev = ev.Err(err)
		} else if resp != nil {
			ev = ev.Int("status", resp.StatusCode)
		}
		if u.queue.Requeue(b) {
			result.Retried++
			ev.Msg("Batch submission failed, keeping it for the next pass.")
		} else {
			result.Dropped++
			ev.Msg("Batch submission failed and it could not be kept.")
		}
	}
}

func (u *Uploader) delete(b *reportstore.Batch, log zerolog.Logger) {
	if err := u.queue.Delete(b); err != nil {
		log.Error().Err(err).Msg("Failed to delete batch.")
	}
}
