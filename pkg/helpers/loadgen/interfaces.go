package loadgen

import (
	"context"
)

// PayloadGenerator creates the observation JSON a device sends. It is
// passed the device so that per-device state (an ID, a position) can be
// used.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Client delivers generated observations somewhere: an MQTT broker or
// straight into a local queue.
type Client interface {
	Connect() error
	Disconnect()
	// Publish generates the device's next payload and sends it. The boolean
	// reports whether it was accepted.
	Publish(ctx context.Context, device *Device) (bool, error)
}
