package loadgen

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/illmade-knight/go-stumbler/pkg/types"
	"github.com/jonboulle/clockwork"
)

// ObservationGeneratorConfig shapes the synthetic walk of one stumbler.
type ObservationGeneratorConfig struct {
	StartLatitude  float64
	StartLongitude float64
	// StepDegrees bounds how far the device moves between fixes.
	StepDegrees float64
	MaxCells    int
	MaxWifis    int
	Seed        int64
}

// DefaultObservationGeneratorConfig walks around central London.
func DefaultObservationGeneratorConfig() ObservationGeneratorConfig {
	return ObservationGeneratorConfig{
		StartLatitude:  51.5074,
		StartLongitude: -0.1278,
		StepDegrees:    0.0005,
		MaxCells:       3,
		MaxWifis:       12,
		Seed:           1,
	}
}

// ObservationGenerator emits a random walk of observations, each carrying
// at least one cell or access point. Use one generator per device.
type ObservationGenerator struct {
	mu    sync.Mutex
	cfg   ObservationGeneratorConfig
	rng   *rand.Rand
	clock clockwork.Clock
	lat   float64
	lon   float64
}

// NewObservationGenerator creates an ObservationGenerator.
func NewObservationGenerator(cfg ObservationGeneratorConfig, clock clockwork.Clock) *ObservationGenerator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxCells < 0 {
		cfg.MaxCells = 0
	}
	if cfg.MaxWifis < 0 {
		cfg.MaxWifis = 0
	}
	if cfg.MaxCells == 0 && cfg.MaxWifis == 0 {
		cfg.MaxWifis = 1
	}
	return &ObservationGenerator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		clock: clock,
		lat:   cfg.StartLatitude,
		lon:   cfg.StartLongitude,
	}
}

// Next returns the device's next observation.
func (g *ObservationGenerator) Next(deviceID string) *types.Observation {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lat = clamp(g.lat+(g.rng.Float64()*2-1)*g.cfg.StepDegrees, -90, 90)
	g.lon = clamp(g.lon+(g.rng.Float64()*2-1)*g.cfg.StepDegrees, -180, 180)

	obs := &types.Observation{
		Timestamp: g.clock.Now().UTC(),
		Latitude:  g.lat,
		Longitude: g.lon,
		Accuracy:  5 + g.rng.Float64()*20,
		Source:    deviceID,
	}

	cells := 0
	if g.cfg.MaxCells > 0 {
		cells = g.rng.Intn(g.cfg.MaxCells + 1)
	}
	wifis := 0
	if g.cfg.MaxWifis > 0 {
		wifis = g.rng.Intn(g.cfg.MaxWifis + 1)
	}
	if cells == 0 && wifis == 0 {
		if g.cfg.MaxWifis > 0 {
			wifis = 1
		} else {
			cells = 1
		}
	}

	for i := 0; i < cells; i++ {
		obs.CellTowers = append(obs.CellTowers, types.CellTower{
			RadioType:      "lte",
			MobileCountry:  234,
			MobileNetwork:  10 + g.rng.Intn(20),
			LocationArea:   1 + g.rng.Intn(500),
			CellID:         g.rng.Int63n(1 << 28),
			SignalStrength: -50 - g.rng.Intn(60),
		})
	}
	for i := 0; i < wifis; i++ {
		obs.WifiAPs = append(obs.WifiAPs, types.WifiAccessPoint{
			MacAddress:     g.macAddress(),
			Frequency:      2412 + 5*g.rng.Intn(13),
			SignalStrength: -40 - g.rng.Intn(55),
		})
	}
	return obs
}

// GeneratePayload implements PayloadGenerator.
func (g *ObservationGenerator) GeneratePayload(device *Device) ([]byte, error) {
	obs := g.Next(device.ID)
	payload, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observation: %w", err)
	}
	return payload, nil
}

func (g *ObservationGenerator) macAddress() string {
	b := make([]byte, 6)
	g.rng.Read(b)
	// Locally administered, unicast.
	b[0] = (b[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NewDevices builds n devices, each with its own generator seeded from
// cfg.Seed.
func NewDevices(n int, rate float64, cfg ObservationGeneratorConfig, clock clockwork.Clock) []*Device {
	devices := make([]*Device, 0, n)
	for i := 0; i < n; i++ {
		deviceCfg := cfg
		deviceCfg.Seed = cfg.Seed + int64(i)
		devices = append(devices, &Device{
			ID:               fmt.Sprintf("stumbler-%03d", i),
			MessageRate:      rate,
			PayloadGenerator: NewObservationGenerator(deviceCfg, clock),
		})
	}
	return devices
}
