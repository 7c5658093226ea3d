package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned (wrapped) by Validate for any rejected value.
var ErrInvalidConfig = errors.New("invalid config")

// Transport names accepted by upload.transport.
const (
	TransportHTTP   = "http"
	TransportGCS    = "gcs"
	TransportPubSub = "pubsub"
)

// Stats backends accepted by stats.backend.
const (
	StatsBackendFile  = "file"
	StatsBackendRedis = "redis"
)

// Defaults for every setting. Component packages carry their own fallbacks
// too; these are what a fresh install runs with.
const (
	DefaultStorageDir         = "stumbler-data/reports"
	DefaultStoragePrefix      = "reports"
	DefaultStorageCompression = "gzip"
	DefaultStorageMaxBytes    = int64(8 << 20)
	DefaultStorageMaxAge      = 14 * 24 * time.Hour

	DefaultBufferMaxRows   = 50
	DefaultBufferIdleFlush = 3 * time.Minute

	DefaultUploadInterval  = 5 * time.Minute
	DefaultUploadTransport = TransportHTTP
	DefaultUploadUserAgent = "go-stumbler/1.0"
	DefaultUploadTimeout   = 60 * time.Second

	DefaultHTTPURL   = "http://localhost:8080/v2/geosubmit"
	DefaultGCSPrefix = "reports"

	DefaultStatsBackend  = StatsBackendFile
	DefaultStatsPath     = "stumbler-data/stats.yaml"
	DefaultStatsRedisKey = "stumbler:stats"

	DefaultMQTTTopic          = "stumblers/+/observations"
	DefaultMQTTClientIDPrefix = "stumbler-ingest-"
	DefaultMQTTKeepAlive      = 30 * time.Second
	DefaultMQTTConnectTimeout = 10 * time.Second
	DefaultMQTTReconnectMax   = time.Minute

	DefaultMetricsListen = ":9464"
	DefaultLogLevel      = "info"
)

// Config is the top-level configuration struct for the stumbler.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Buffer  BufferConfig  `mapstructure:"buffer"`
	Upload  UploadConfig  `mapstructure:"upload"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	GCS     GCSConfig     `mapstructure:"gcs"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Stats   StatsConfig   `mapstructure:"stats"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig describes the on-disk batch directory and its budgets.
type StorageConfig struct {
	Dir         string        `mapstructure:"dir"`
	Prefix      string        `mapstructure:"prefix"`
	Compression string        `mapstructure:"compression"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
	MaxAge      time.Duration `mapstructure:"max_age"`
}

// BufferConfig holds the in-memory buffer knobs.
type BufferConfig struct {
	MaxRows           int           `mapstructure:"max_rows"`
	ForceSmallBatches bool          `mapstructure:"force_small_batches"`
	IdleFlush         time.Duration `mapstructure:"idle_flush"`
}

// UploadConfig controls when and how batches leave the device.
type UploadConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	WifiOnly  bool          `mapstructure:"wifi_only"`
	Transport string        `mapstructure:"transport"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type HTTPConfig struct {
	URL string `mapstructure:"url"`
}

type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// StatsConfig selects where delivery counters are kept.
type StatsConfig struct {
	Backend string           `mapstructure:"backend"`
	Path    string           `mapstructure:"path"`
	Redis   RedisStatsConfig `mapstructure:"redis"`
}

type RedisStatsConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// MQTTConfig configures the observation source. An empty BrokerURL disables it.
type MQTTConfig struct {
	BrokerURL          string        `mapstructure:"broker_url"`
	Topic              string        `mapstructure:"topic"`
	ClientIDPrefix     string        `mapstructure:"client_id_prefix"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	KeepAlive          time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReconnectWaitMax   time.Duration `mapstructure:"reconnect_wait_max"`
	CACertFile         string        `mapstructure:"ca_cert_file"`
	ClientCertFile     string        `mapstructure:"client_cert_file"`
	ClientKeyFile      string        `mapstructure:"client_key_file"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// MetricsConfig holds the Prometheus listener. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Validate checks budgets and the selected backends.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	return c.validateStats()
}

func (c *Config) validateStorage() error {
	if c.Storage.Dir == "" {
		return fmt.Errorf("%w: storage.dir must be set", ErrInvalidConfig)
	}
	if c.Storage.MaxBytes <= 0 {
		return fmt.Errorf("%w: storage.max_bytes must be positive, got %d", ErrInvalidConfig, c.Storage.MaxBytes)
	}
	if c.Storage.MaxAge <= 0 {
		return fmt.Errorf("%w: storage.max_age must be positive, got %s", ErrInvalidConfig, c.Storage.MaxAge)
	}
	if c.Buffer.MaxRows <= 0 {
		return fmt.Errorf("%w: buffer.max_rows must be positive, got %d", ErrInvalidConfig, c.Buffer.MaxRows)
	}
	if c.Buffer.IdleFlush <= 0 {
		return fmt.Errorf("%w: buffer.idle_flush must be positive, got %s", ErrInvalidConfig, c.Buffer.IdleFlush)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.Interval <= 0 {
		return fmt.Errorf("%w: upload.interval must be positive, got %s", ErrInvalidConfig, c.Upload.Interval)
	}
	switch c.Upload.Transport {
	case TransportHTTP:
		if c.HTTP.URL == "" {
			return fmt.Errorf("%w: http.url is required for the http transport", ErrInvalidConfig)
		}
	case TransportGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("%w: gcs.bucket is required for the gcs transport", ErrInvalidConfig)
		}
	case TransportPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" {
			return fmt.Errorf("%w: pubsub.project_id and pubsub.topic_id are required for the pubsub transport", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown upload.transport %q", ErrInvalidConfig, c.Upload.Transport)
	}
	return nil
}

func (c *Config) validateStats() error {
	switch c.Stats.Backend {
	case StatsBackendFile:
		if c.Stats.Path == "" {
			return fmt.Errorf("%w: stats.path is required for the file backend", ErrInvalidConfig)
		}
	case StatsBackendRedis:
		if c.Stats.Redis.Addr == "" {
			return fmt.Errorf("%w: stats.redis.addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown stats.backend %q", ErrInvalidConfig, c.Stats.Backend)
	}
	return nil
}
