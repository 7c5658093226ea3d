package ingest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-stumbler/pkg/types"
	"github.com/rs/zerolog"
)

// SourceConfig holds configuration for the MQTTSource worker pool.
type SourceConfig struct {
	InputChanCapacity    int
	NumProcessingWorkers int
}

// DefaultSourceConfig provides sensible defaults.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		InputChanCapacity:    1000,
		NumProcessingWorkers: 4,
	}
}

// Decoder turns a raw broker payload into an observation. The boolean
// reports that the message carries nothing to queue.
type Decoder func(payload []byte) (*types.Observation, bool, error)

// MQTTSource subscribes to scanner observations on an MQTT broker, decodes
// them and appends them to the queue.
type MQTTSource struct {
	mqttClientConfig MQTTClientConfig
	pahoClient       mqtt.Client
	appender         Appender
	decode           Decoder

	config SourceConfig
	logger zerolog.Logger

	MessagesChan chan InMessage
	ErrorChan    chan error

	wg                    sync.WaitGroup
	closeErrorChanOnce    sync.Once
	closeMessagesChanOnce sync.Once
	isShuttingDown        atomic.Bool

	received  atomic.Int64
	accepted  atomic.Int64
	skipped   atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64
}

// NewMQTTSource creates an MQTTSource. A nil decoder uses
// types.ObservationTransformer.
func NewMQTTSource(
	appender Appender,
	decode Decoder,
	logger zerolog.Logger,
	cfg SourceConfig,
	mqttCfg MQTTClientConfig,
) (*MQTTSource, error) {
	if appender == nil {
		return nil, errors.New("mqtt source requires an appender")
	}
	if decode == nil {
		decode = types.ObservationTransformer
	}
	defaults := DefaultSourceConfig()
	if cfg.NumProcessingWorkers <= 0 {
		logger.Warn().
			Int("provided_workers", cfg.NumProcessingWorkers).
			Int("default_workers", defaults.NumProcessingWorkers).
			Msg("NumProcessingWorkers was zero or negative, applying default value.")
		cfg.NumProcessingWorkers = defaults.NumProcessingWorkers
	}
	if cfg.InputChanCapacity <= 0 {
		logger.Warn().
			Int("provided_capacity", cfg.InputChanCapacity).
			Int("default_capacity", defaults.InputChanCapacity).
			Msg("InputChanCapacity was zero or negative, applying default value.")
		cfg.InputChanCapacity = defaults.InputChanCapacity
	}

	return &MQTTSource{
		mqttClientConfig: mqttCfg,
		appender:         appender,
		decode:           decode,
		config:           cfg,
		logger:           logger.With().Str("component", "MQTTSource").Logger(),
		MessagesChan:     make(chan InMessage, cfg.InputChanCapacity),
		ErrorChan:        make(chan error, cfg.InputChanCapacity),
	}, nil
}

// Err returns a read-only channel of non-fatal errors: subscription
// failures and malformed messages.
func (s *MQTTSource) Err() <-chan error {
	return s.ErrorChan
}

// Counters returns a snapshot of the message counters.
func (s *MQTTSource) Counters() Counters {
	return Counters{
		Received:  s.received.Load(),
		Accepted:  s.accepted.Load(),
		Skipped:   s.skipped.Load(),
		Malformed: s.malformed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// handleIncomingPahoMessage pushes the raw message to the MessagesChan for
// the workers. A send racing Stop can hit the closed channel, hence the
// recover.
func (s *MQTTSource) handleIncomingPahoMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().
				Interface("panic", r).
				Str("topic", msg.Topic()).
				Msg("Recovered from panic in message handler during shutdown.")
		}
	}()

	if s.isShuttingDown.Load() {
		s.logger.Warn().Str("topic", msg.Topic()).Msg("Shutdown in progress, Paho message dropped.")
		return
	}

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	s.MessagesChan <- InMessage{
		Payload:   payload,
		Topic:     msg.Topic(),
		Duplicate: msg.Duplicate(),
		MessageID: fmt.Sprintf("%d", msg.MessageID()),
		Timestamp: time.Now().UTC(),
	}
}

// processSingleMessage decodes one message and appends it to the queue.
func (s *MQTTSource) processSingleMessage(msg InMessage, workerID int) {
	s.received.Add(1)

	obs, skip, err := s.decode(msg.Payload)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Warn().Int("worker_id", workerID).Str("topic", msg.Topic).Err(err).Msg("Discarding malformed observation")
		s.sendError(fmt.Errorf("topic %s: %w", msg.Topic, err))
		return
	}
	if skip {
		s.skipped.Add(1)
		s.logger.Debug().Int("worker_id", workerID).Str("topic", msg.Topic).Msg("Message carried no observation, skipping")
		return
	}

	rec, err := types.NewRecord(obs)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Error().Int("worker_id", workerID).Err(err).Msg("Failed to serialize observation")
		s.sendError(err)
		return
	}

	if !s.appender.Append(rec) {
		s.dropped.Add(1)
		return
	}
	s.accepted.Add(1)
}

func (s *MQTTSource) sendError(err error) {
	select {
	case s.ErrorChan <- err:
	default:
		s.logger.Warn().Err(err).Msg("ErrorChan is full, dropping error")
	}
}

// Start begins the processing workers and connects the MQTT client.
func (s *MQTTSource) Start() error {
	s.logger.Info().
		Int("workers", s.config.NumProcessingWorkers).
		Int("channel_capacity", s.config.InputChanCapacity).
		Msg("Starting MQTTSource...")

	for i := 0; i < s.config.NumProcessingWorkers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			for message := range s.MessagesChan {
				s.processSingleMessage(message, workerID)
			}
		}(i)
	}

	// Without a broker only the channel feeds the workers.
	if s.mqttClientConfig.BrokerURL == "" {
		s.logger.Info().Msg("MQTTSource started without MQTT client (broker URL is empty).")
		return nil
	}
	if s.mqttClientConfig.KeepAlive <= 0 {
		s.mqttClientConfig.KeepAlive = 10 * time.Second
		s.logger.Warn().Msg("mqtt config had a zero KeepAlive value - setting to 10s")
	}
	if s.mqttClientConfig.ConnectTimeout <= 0 {
		s.mqttClientConfig.ConnectTimeout = 5 * time.Second
		s.logger.Warn().Msg("mqtt config had a zero ConnectTimeout value - setting to 5s")
	}
	if err := s.initAndConnectMQTTClient(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to initialize or connect MQTT client during Start.")
		s.Stop()
		return err
	}

	s.logger.Info().Msg("MQTTSource started successfully.")
	return nil
}

// Stop unsubscribes, drains the buffered messages into the queue and
// releases the workers. It is safe to call more than once.
func (s *MQTTSource) Stop() {
	s.isShuttingDown.Store(true)

	if s.pahoClient != nil && s.pahoClient.IsConnected() {
		topic := s.mqttClientConfig.Topic
		if token := s.pahoClient.Unsubscribe(topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			s.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown.")
		}
		s.pahoClient.Disconnect(500)
		s.logger.Info().Msg("Paho MQTT client disconnected.")
	}

	s.closeMessagesChanOnce.Do(func() {
		close(s.MessagesChan)
	})
	s.wg.Wait()

	s.closeErrorChanOnce.Do(func() {
		close(s.ErrorChan)
	})
	c := s.Counters()
	s.logger.Info().
		Int64("received", c.Received).
		Int64("accepted", c.Accepted).
		Int64("dropped", c.Dropped).
		Int64("malformed", c.Malformed).
		Msg("MQTTSource stopped.")
}

// onPahoConnect subscribes to the topic upon every (re)connection.
func (s *MQTTSource) onPahoConnect(client mqtt.Client) {
	topic := s.mqttClientConfig.Topic
	s.logger.Info().Str("broker", s.mqttClientConfig.BrokerURL).Str("topic", topic).Msg("Connected to MQTT broker, subscribing")
	if token := client.Subscribe(topic, 1, s.handleIncomingPahoMessage); token.Wait() && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		s.sendError(fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error()))
	}
}

func (s *MQTTSource) onPahoConnectionLost(_ mqtt.Client, err error) {
	s.logger.Error().Err(err).Msg("Paho client lost MQTT connection. Auto-reconnect will be attempted.")
}

// newTLSConfig creates a TLS configuration for the MQTT client.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func isTLSBroker(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://")
}

func (s *MQTTSource) initAndConnectMQTTClient() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttClientConfig.BrokerURL)

	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", s.mqttClientConfig.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(s.mqttClientConfig.Username)
	opts.SetPassword(s.mqttClientConfig.Password)

	opts.SetKeepAlive(s.mqttClientConfig.KeepAlive)
	opts.SetConnectTimeout(s.mqttClientConfig.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.mqttClientConfig.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		s.logger.Debug().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	if isTLSBroker(s.mqttClientConfig.BrokerURL) {
		tlsConfig, err := newTLSConfig(&s.mqttClientConfig)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(s.onPahoConnect)
	opts.SetConnectionLostHandler(s.onPahoConnectionLost)

	s.pahoClient = mqtt.NewClient(opts)
	s.logger.Info().Str("client_id", opts.ClientID).Msg("Paho MQTT client created. Attempting to connect...")

	token := s.pahoClient.Connect()
	if !token.WaitTimeout(s.mqttClientConfig.ConnectTimeout) {
		return fmt.Errorf("paho MQTT client connect timed out after %s", s.mqttClientConfig.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("paho MQTT client connect error: %w", err)
	}
	return nil
}
