package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Device is one simulated stumbler.
type Device struct {
	ID               string
	MessageRate      float64
	PayloadGenerator PayloadGenerator
}

// Summary counts what happened to the observations of one run.
type Summary struct {
	// Accepted observations were taken by the broker or queue.
	Accepted int
	// Refused observations were published without error but not taken,
	// e.g. because the queue buffer was full.
	Refused int
	// Failed publishes returned an error.
	Failed int
}

// Attempts is the total number of publish attempts.
func (s Summary) Attempts() int {
	return s.Accepted + s.Refused + s.Failed
}

// LoadGenerator drives a fleet of simulated stumblers through a Client for
// a fixed duration.
type LoadGenerator struct {
	client  Client
	devices []*Device
	logger  zerolog.Logger

	accepted atomic.Int64
	refused  atomic.Int64
	failed   atomic.Int64
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(client Client, devices []*Device, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		devices: devices,
		logger:  logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run publishes from every device until duration elapses or ctx is done.
// Only a failure to connect is returned as an error; individual publish
// failures are counted in the Summary.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) (Summary, error) {
	lg.accepted.Store(0)
	lg.refused.Store(0)
	lg.failed.Store(0)

	if err := lg.client.Connect(); err != nil {
		return Summary{}, err
	}
	defer lg.client.Disconnect()

	lg.logger.Info().Int("devices", len(lg.devices)).Dur("duration", duration).Msg("Simulating stumblers.")
	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, device := range lg.devices {
		if device.MessageRate <= 0 {
			lg.logger.Warn().Str("device_id", device.ID).Msg("Device has no positive rate, skipping it.")
			continue
		}
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			lg.drive(runCtx, d)
		}(device)
	}
	wg.Wait()

	summary := Summary{
		Accepted: int(lg.accepted.Load()),
		Refused:  int(lg.refused.Load()),
		Failed:   int(lg.failed.Load()),
	}
	lg.logger.Info().
		Int("accepted", summary.Accepted).
		Int("refused", summary.Refused).
		Int("failed", summary.Failed).
		Msg("Simulation finished.")
	return summary, nil
}

// drive publishes one observation per tick of the device's rate.
func (lg *LoadGenerator) drive(ctx context.Context, device *Device) {
	every := time.Duration(float64(time.Second) / device.MessageRate)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log := lg.logger.With().Str("device_id", device.ID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := lg.client.Publish(ctx, device)
		switch {
		case err != nil:
			lg.failed.Add(1)
			log.Debug().Err(err).Msg("Publish failed.")
		case ok:
			lg.accepted.Add(1)
		default:
			lg.refused.Add(1)
		}
	}
}
