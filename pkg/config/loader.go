package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "stumbler"

const configType = "yaml"

// envPrefix is the environment variable prefix, e.g. STUMBLER_UPLOAD_INTERVAL.
const envPrefix = "STUMBLER"

const envKeySeparator = "_"

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise stumbler.yaml is searched in CWD and $HOME; a missing file is
// not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults registers every key so AutomaticEnv can override keys that
// appear in no config file.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("storage.dir", DefaultStorageDir)
	v.SetDefault("storage.prefix", DefaultStoragePrefix)
	v.SetDefault("storage.compression", DefaultStorageCompression)
	v.SetDefault("storage.max_bytes", DefaultStorageMaxBytes)
	v.SetDefault("storage.max_age", DefaultStorageMaxAge)

	v.SetDefault("buffer.max_rows", DefaultBufferMaxRows)
	v.SetDefault("buffer.force_small_batches", false)
	v.SetDefault("buffer.idle_flush", DefaultBufferIdleFlush)

	v.SetDefault("upload.interval", DefaultUploadInterval)
	v.SetDefault("upload.wifi_only", false)
	v.SetDefault("upload.transport", DefaultUploadTransport)
	v.SetDefault("upload.user_agent", DefaultUploadUserAgent)
	v.SetDefault("upload.timeout", DefaultUploadTimeout)

	v.SetDefault("http.url", DefaultHTTPURL)
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.prefix", DefaultGCSPrefix)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")

	v.SetDefault("stats.backend", DefaultStatsBackend)
	v.SetDefault("stats.path", DefaultStatsPath)
	v.SetDefault("stats.redis.addr", "")
	v.SetDefault("stats.redis.password", "")
	v.SetDefault("stats.redis.db", 0)
	v.SetDefault("stats.redis.key", DefaultStatsRedisKey)

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.topic", DefaultMQTTTopic)
	v.SetDefault("mqtt.client_id_prefix", DefaultMQTTClientIDPrefix)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keep_alive", DefaultMQTTKeepAlive)
	v.SetDefault("mqtt.connect_timeout", DefaultMQTTConnectTimeout)
	v.SetDefault("mqtt.reconnect_wait_max", DefaultMQTTReconnectMax)
	v.SetDefault("mqtt.ca_cert_file", "")
	v.SetDefault("mqtt.client_cert_file", "")
	v.SetDefault("mqtt.client_key_file", "")
	v.SetDefault("mqtt.insecure_skip_verify", false)

	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("log.level", DefaultLogLevel)
}
