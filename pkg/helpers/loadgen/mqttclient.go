package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// envelope is the wrapper scanners put around each fix on the wire.
type envelope struct {
	Payload json.RawMessage `json:"payload"`
}

// MqttClient publishes observations to an MQTT broker, one topic per device.
type MqttClient struct {
	client       mqtt.Client
	brokerURL    string
	topicPattern string
	qos          byte
	logger       zerolog.Logger
}

// NewMqttClient creates a new MQTT client. The first '+' in topicPattern is
// replaced with the device ID.
func NewMqttClient(brokerURL, topicPattern string, qos byte, logger zerolog.Logger) *MqttClient {
	return &MqttClient{
		brokerURL:    brokerURL,
		topicPattern: topicPattern,
		qos:          qos,
		logger:       logger.With().Str("component", "LoadgenMqttClient").Logger(),
	}
}

// Connect establishes a connection to the MQTT broker.
func (c *MqttClient) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(fmt.Sprintf("loadgen-client-%s", uuid.New().String())).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("MQTT Connection lost")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			c.logger.Info().Str("broker", c.brokerURL).Msg("Successfully connected to MQTT broker")
		})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	if !c.client.IsConnected() {
		return fmt.Errorf("failed to connect to %s", c.brokerURL)
	}
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (c *MqttClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info().Msg("MQTT client disconnected")
	}
}

// Topic returns the topic a device publishes to.
func (c *MqttClient) Topic(deviceID string) string {
	return strings.Replace(c.topicPattern, "+", deviceID, 1)
}

// Publish wraps the device's next observation in the scanner envelope and
// sends it.
func (c *MqttClient) Publish(ctx context.Context, device *Device) (bool, error) {
	message, err := wrapPayload(device)
	if err != nil {
		return false, err
	}

	topic := c.Topic(device.ID)
	token := c.client.Publish(topic, c.qos, false, message)

	select {
	case <-token.Done():
		if token.Error() != nil {
			return false, fmt.Errorf("mqtt publish error for device %s: %w", device.ID, token.Error())
		}
		c.logger.Debug().Str("device_id", device.ID).Str("topic", topic).Msg("Message published")
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("context cancelled while publishing for device %s: %w", device.ID, ctx.Err())
	}
}

func wrapPayload(device *Device) ([]byte, error) {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return nil, fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}
	message, err := json.Marshal(envelope{Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message for device %s: %w", device.ID, err)
	}
	return message, nil
}
