package ingest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-stumbler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

// MockAppender records appended records and refuses once full.
type MockAppender struct {
	mu       sync.Mutex
	Records  []types.Record
	Capacity int
}

func (m *MockAppender) Append(rec types.Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Capacity > 0 && len(m.Records) >= m.Capacity {
		return false
	}
	m.Records = append(m.Records, rec)
	return true
}

func (m *MockAppender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records)
}

func observationPayload(i int) []byte {
	return []byte(fmt.Sprintf(`{"payload":{"timestamp":"2025-06-13T10:00:%02dZ","lat":51.5,"lon":-0.12,`+
		`"cellTowers":[{"radioType":"lte","mobileCountryCode":234,"mobileNetworkCode":10,"locationAreaCode":1,"cellId":%d}],`+
		`"wifiAccessPoints":[{"macAddress":"01:23:45:67:89:ab"},{"macAddress":"01:23:45:67:89:ac"}]}}`, i%60, i))
}

// --- Tests ---

func setupTestSource(t *testing.T, appender Appender) *MQTTSource {
	t.Helper()
	source, err := NewMQTTSource(appender, nil, zerolog.Nop(), DefaultSourceConfig(), MQTTClientConfig{})
	require.NoError(t, err)
	return source
}

func TestProcessSingleMessage(t *testing.T) {
	t.Run("Valid observation is queued", func(t *testing.T) {
		// Arrange
		appender := &MockAppender{}
		source := setupTestSource(t, appender)

		// Act
		source.processSingleMessage(InMessage{Payload: observationPayload(7), Topic: "stumblers/a/observations"}, 1)

		// Assert
		require.Equal(t, 1, appender.Count())
		rec := appender.Records[0]
		assert.Equal(t, 1, rec.CellCount)
		assert.Equal(t, 2, rec.WifiCount)
		assert.Contains(t, string(rec.Payload), `"cellId":7`)
		assert.Equal(t, Counters{Received: 1, Accepted: 1}, source.Counters())
	})

	t.Run("Malformed message is reported", func(t *testing.T) {
		appender := &MockAppender{}
		source := setupTestSource(t, appender)

		source.processSingleMessage(InMessage{Payload: []byte("bad-json"), Topic: "t"}, 1)

		assert.Zero(t, appender.Count())
		assert.Equal(t, int64(1), source.Counters().Malformed)
		select {
		case err := <-source.Err():
			assert.Contains(t, err.Error(), "topic t")
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Expected an error on the ErrorChan but got none")
		}
	})

	t.Run("Envelope without fix is skipped", func(t *testing.T) {
		appender := &MockAppender{}
		source := setupTestSource(t, appender)

		source.processSingleMessage(InMessage{Payload: []byte(`{"payload":null}`)}, 1)

		assert.Zero(t, appender.Count())
		assert.Equal(t, Counters{Received: 1, Skipped: 1}, source.Counters())
	})

	t.Run("Refused append is counted as dropped", func(t *testing.T) {
		appender := &MockAppender{Capacity: 1}
		source := setupTestSource(t, appender)

		source.processSingleMessage(InMessage{Payload: observationPayload(1)}, 1)
		source.processSingleMessage(InMessage{Payload: observationPayload(2)}, 1)

		assert.Equal(t, 1, appender.Count())
		assert.Equal(t, Counters{Received: 2, Accepted: 1, Dropped: 1}, source.Counters())
	})

	t.Run("Custom decoder", func(t *testing.T) {
		appender := &MockAppender{}
		decode := func([]byte) (*types.Observation, bool, error) { return nil, false, errors.New("unsupported") }
		source, err := NewMQTTSource(appender, decode, zerolog.Nop(), SourceConfig{}, MQTTClientConfig{})
		require.NoError(t, err)

		source.processSingleMessage(InMessage{Payload: observationPayload(1)}, 1)

		assert.Zero(t, appender.Count())
		assert.Equal(t, int64(1), source.Counters().Malformed)
	})
}

func TestSource_E2E(t *testing.T) {
	// Arrange
	appender := &MockAppender{}
	source := setupTestSource(t, appender)
	require.NoError(t, source.Start())

	// Act
	for i := 0; i < 10; i++ {
		source.MessagesChan <- InMessage{Payload: observationPayload(i), Topic: "stumblers/a/observations"}
	}

	// Assert
	require.Eventually(t, func() bool {
		return appender.Count() == 10
	}, time.Second, 10*time.Millisecond)
	source.Stop()
}

func TestSource_StopDrainsBufferedMessages(t *testing.T) {
	// Arrange
	appender := &MockAppender{}
	source := setupTestSource(t, appender)
	require.NoError(t, source.Start())
	for i := 0; i < 5; i++ {
		source.MessagesChan <- InMessage{Payload: observationPayload(i)}
	}

	// Act
	source.Stop()
	source.Stop()

	// Assert
	assert.Panics(t, func() {
		source.MessagesChan <- InMessage{Payload: []byte("after-stop")}
	}, "Sending to a closed channel should panic")
	assert.Equal(t, 5, appender.Count(), "All buffered messages should be queued on shutdown")
	_, open := <-source.Err()
	assert.False(t, open)
}

func TestNewMQTTSource_Validation(t *testing.T) {
	_, err := NewMQTTSource(nil, nil, zerolog.Nop(), SourceConfig{}, MQTTClientConfig{})
	assert.Error(t, err)

	source, err := NewMQTTSource(&MockAppender{}, nil, zerolog.Nop(), SourceConfig{NumProcessingWorkers: -1}, MQTTClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSourceConfig(), source.config)
}

func TestIsTLSBroker(t *testing.T) {
	assert.True(t, isTLSBroker("tls://broker:8883"))
	assert.True(t, isTLSBroker("SSL://broker:8883"))
	assert.False(t, isTLSBroker("tcp://broker:1883"))
}

func TestNewTLSConfig_MissingCA(t *testing.T) {
	_, err := newTLSConfig(&MQTTClientConfig{CACertFile: t.TempDir() + "/missing.pem"})
	assert.Error(t, err)

	cfg, err := newTLSConfig(&MQTTClientConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}
