package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-stumbler/pkg/config"
	"github.com/illmade-knight/go-stumbler/pkg/metrics"
	"github.com/illmade-knight/go-stumbler/pkg/reportstore"
	"github.com/illmade-knight/go-stumbler/pkg/stats"
	"github.com/illmade-knight/go-stumbler/pkg/transport"
	"github.com/illmade-knight/go-stumbler/pkg/uploader"
	"github.com/rs/zerolog"
)

// service is the wired set of components a command works with.
type service struct {
	cfg         *config.Config
	logger      zerolog.Logger
	compressor  reportstore.Compressor
	store       *reportstore.BatchStore
	queue       *reportstore.Queue
	ledger      stats.Ledger
	uploader    *uploader.Uploader
	metricsHTTP http.Handler

	// closers run in reverse order on Close.
	closers []func() error
}

// serviceOptions selects the optional parts of a service.
type serviceOptions struct {
	uploader bool
	metrics  bool
}

// openQueue builds the batch store and the producer queue.
func (s *service) openQueue() error {
	compressor, err := reportstore.NewCompressor(s.cfg.Storage.Compression)
	if err != nil {
		return err
	}
	store, err := reportstore.NewBatchStore(reportstore.StoreConfig{
		Dir:      s.cfg.Storage.Dir,
		Prefix:   s.cfg.Storage.Prefix,
		MaxBytes: s.cfg.Storage.MaxBytes,
		MaxAge:   s.cfg.Storage.MaxAge,
	}, compressor, nil, s.logger)
	if err != nil {
		return fmt.Errorf("open batch store: %w", err)
	}
	buffer := reportstore.NewReportBuffer(reportstore.BufferConfig{
		MaxRows:           s.cfg.Buffer.MaxRows,
		ForceSmallBatches: s.cfg.Buffer.ForceSmallBatches,
	}, compressor)
	queue, err := reportstore.NewQueue(buffer, store, reportstore.QueueConfig{IdleFlush: s.cfg.Buffer.IdleFlush}, nil, s.logger)
	if err != nil {
		return err
	}
	s.compressor = compressor
	s.store = store
	s.queue = queue
	s.closers = append(s.closers, queue.Close)
	return nil
}

func (s *service) openLedger(ctx context.Context) error {
	switch s.cfg.Stats.Backend {
	case config.StatsBackendRedis:
		ledger, err := stats.NewRedisLedger(ctx, stats.RedisConfig{
			Addr:     s.cfg.Stats.Redis.Addr,
			Password: s.cfg.Stats.Redis.Password,
			DB:       s.cfg.Stats.Redis.DB,
			Key:      s.cfg.Stats.Redis.Key,
		}, nil, s.logger)
		if err != nil {
			return err
		}
		s.ledger = ledger
		s.closers = append(s.closers, ledger.Close)
	default:
		ledger, err := stats.NewFileLedger(s.cfg.Stats.Path, nil, s.logger)
		if err != nil {
			return err
		}
		s.ledger = ledger
	}
	return nil
}

func (s *service) openTransport(ctx context.Context) (uploader.Transport, error) {
	switch s.cfg.Upload.Transport {
	case config.TransportGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		return transport.NewGCSTransport(transport.NewGCSClientAdapter(client), transport.GCSTransportConfig{
			BucketName:   s.cfg.GCS.Bucket,
			ObjectPrefix: s.cfg.GCS.Prefix,
		}, nil, s.logger)
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, s.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		tr, err := transport.NewPubSubTransport(client, s.cfg.PubSub.TopicID, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { tr.Stop(); return nil })
		return tr, nil
	default:
		return transport.NewHTTPTransport(transport.HTTPTransportConfig{
			URL:     s.cfg.HTTP.URL,
			Timeout: s.cfg.Upload.Timeout,
		}, nil, s.logger)
	}
}

// openMetrics creates the Prometheus-backed meter provider and the queue
// gauges. The returned instruments are handed to the uploader.
func (s *service) openMetrics() (*metrics.UploadMetrics, error) {
	provider, handler, err := metrics.NewPrometheusProvider()
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { return provider.Shutdown(context.Background()) })
	meter := provider.Meter(metrics.MeterName)
	if _, err := metrics.NewQueueMetrics(meter, s.queue); err != nil {
		return nil, err
	}
	um, err := metrics.NewUploadMetrics(meter)
	if err != nil {
		return nil, err
	}
	s.metricsHTTP = handler
	return um, nil
}

// newService opens the queue and the stats ledger, and optionally the
// transport, uploader and metrics. On error everything opened so far is
// closed again.
func newService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts serviceOptions) (_ *service, err error) {
	svc := &service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	if err = svc.openQueue(); err != nil {
		return nil, err
	}
	if err = svc.openLedger(ctx); err != nil {
		return nil, err
	}
	if !opts.uploader {
		return svc, nil
	}

	var um *metrics.UploadMetrics
	if opts.metrics {
		if um, err = svc.openMetrics(); err != nil {
			return nil, err
		}
	}
	tr, err := svc.openTransport(ctx)
	if err != nil {
		return nil, err
	}
	svc.uploader, err = uploader.NewUploader(svc.queue, tr, svc.ledger, uploader.Config{
		Policy:  uploader.NewDefaultPolicy(cfg.Upload.UserAgent, svc.compressor),
		Network: uploader.NewInterfaceNetworkPolicy(nil, logger),
		Metrics: um,
	}, logger)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Close releases everything in reverse order of opening. The queue flushes
// its buffer to disk as part of this.
func (s *service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && !errors.Is(err, reportstore.ErrQueueClosed) {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
