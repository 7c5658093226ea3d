package uploader

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultUploadInterval is how often the scheduler runs a pass on its own.
	DefaultUploadInterval = 5 * time.Minute
	// DefaultNetworkPoll is how often WatchNetwork checks the network policy.
	DefaultNetworkPoll = 30 * time.Second
)

// Passer runs one upload pass.
type Passer interface {
	Upload(ctx context.Context, params Params) PassResult
}

// SchedulerConfig holds configuration for the Scheduler.
type SchedulerConfig struct {
	Interval time.Duration
	Params   Params
}

// Scheduler decides when upload passes run: periodically, and whenever
// Trigger is called. Triggers that arrive while a pass is queued coalesce.
type Scheduler struct {
	passer   Passer
	interval time.Duration
	params   Params
	clock    clockwork.Clock
	logger   zerolog.Logger
	trigger  chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(passer Passer, cfg SchedulerConfig, clock clockwork.Clock, logger zerolog.Logger) (*Scheduler, error) {
	if passer == nil {
		return nil, errors.New("scheduler requires an uploader")
	}
	if cfg.Interval <= 0 {
		logger.Warn().Dur("provided_interval", cfg.Interval).Msg("Interval must be positive, defaulting to 5 minutes.")
		cfg.Interval = DefaultUploadInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		passer:   passer,
		interval: cfg.Interval,
		params:   cfg.Params,
		clock:    clock,
		logger:   logger.With().Str("component", "UploadScheduler").Logger(),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Trigger asks for a pass as soon as possible. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, running passes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Bool("wifi_only", s.params.WifiOnly).Msg("Upload scheduler started.")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Upload scheduler stopped.")
			return nil
		case <-ticker.Chan():
			s.logger.Debug().Msg("Periodic upload pass.")
		case <-s.trigger:
			s.logger.Debug().Msg("Triggered upload pass.")
		}
		s.passer.Upload(ctx, s.params)
	}
}

// WatchNetwork polls policy and triggers a pass each time the constrained
// network becomes available. It blocks until ctx is done.
func (s *Scheduler) WatchNetwork(ctx context.Context, policy NetworkPolicy, every time.Duration) {
	if every <= 0 {
		every = DefaultNetworkPoll
	}
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()

	available := policy.IsConstrainedNetworkAvailable()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := policy.IsConstrainedNetworkAvailable()
			if now && !available {
				s.logger.Info().Msg("Wifi network became available, triggering upload.")
				s.Trigger()
			}
			available = now
		}
	}
}
