package loadgen

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-stumbler/pkg/ingest"
	"github.com/illmade-knight/go-stumbler/pkg/types"
)

// QueueClient feeds generated observations straight into a local queue,
// through the same decoding path a broker message takes.
type QueueClient struct {
	appender ingest.Appender
}

// NewQueueClient creates a QueueClient.
func NewQueueClient(appender ingest.Appender) *QueueClient {
	return &QueueClient{appender: appender}
}

func (c *QueueClient) Connect() error {
	if c.appender == nil {
		return fmt.Errorf("queue client has no appender")
	}
	return nil
}

func (c *QueueClient) Disconnect() {}

// Publish decodes the device's next message and appends it. A false return
// without error means the queue dropped the record.
func (c *QueueClient) Publish(_ context.Context, device *Device) (bool, error) {
	message, err := wrapPayload(device)
	if err != nil {
		return false, err
	}
	obs, skip, err := types.ObservationTransformer(message)
	if err != nil {
		return false, fmt.Errorf("device %s produced an invalid observation: %w", device.ID, err)
	}
	if skip {
		return false, nil
	}
	rec, err := types.NewRecord(obs)
	if err != nil {
		return false, err
	}
	return c.appender.Append(rec), nil
}
