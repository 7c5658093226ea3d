package ingest

import (
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/types"
)

// Appender accepts records for durable queuing. reportstore.Queue satisfies it.
// A false return means the record was dropped.
type Appender interface {
	Append(rec types.Record) bool
}

// InMessage is a raw message as it arrived from the broker.
type InMessage struct {
	Payload   []byte    `json:"payload"`
	Topic     string    `json:"topic"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Duplicate bool      `json:"duplicate"`
}

// MQTTClientConfig holds the broker connection settings.
type MQTTClientConfig struct {
	BrokerURL          string
	Topic              string
	ClientIDPrefix     string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	ReconnectWaitMax   time.Duration
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// Counters is a snapshot of what the source has seen since it started.
type Counters struct {
	Received  int64
	Accepted  int64
	Skipped   int64
	Malformed int64
	Dropped   int64
}
