package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ObservationMessage represents the full structure of an observation as it
// arrives from a scanner (e.g. over MQTT). The scanner wraps the fix in a
// "payload" envelope.
type ObservationMessage struct {
	Payload *Observation `json:"payload"`
}

// Observation is one location fix together with the wireless signal sources
// seen at that position.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Altitude  float64   `json:"altitude,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Source    string    `json:"source,omitempty"`

	CellTowers []CellTower       `json:"cellTowers,omitempty"`
	WifiAPs    []WifiAccessPoint `json:"wifiAccessPoints,omitempty"`
}

// CellTower identifies a single observed cell.
type CellTower struct {
	RadioType      string `json:"radioType"`
	MobileCountry  int    `json:"mobileCountryCode"`
	MobileNetwork  int    `json:"mobileNetworkCode"`
	LocationArea   int    `json:"locationAreaCode"`
	CellID         int64  `json:"cellId"`
	SignalStrength int    `json:"signalStrength,omitempty"`
	Age            int64  `json:"age,omitempty"`
}

// WifiAccessPoint identifies a single observed Wi-Fi access point.
type WifiAccessPoint struct {
	MacAddress     string `json:"macAddress"`
	SSID           string `json:"ssid,omitempty"`
	Frequency      int    `json:"frequency,omitempty"`
	Channel        int    `json:"channel,omitempty"`
	SignalStrength int    `json:"signalStrength,omitempty"`
	Age            int64  `json:"age,omitempty"`
}

// Validate performs the minimal sanity checks the queue relies on.
func (o *Observation) Validate() error {
	if o.Latitude < -90 || o.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", o.Latitude)
	}
	if o.Longitude < -180 || o.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range", o.Longitude)
	}
	if len(o.CellTowers) == 0 && len(o.WifiAPs) == 0 {
		return fmt.Errorf("observation has no cells or wifis")
	}
	return nil
}

// ObservationTransformer decodes a raw scanner message. It returns the
// observation, a boolean to indicate the message should be skipped, and an
// error if the message is malformed.
func ObservationTransformer(payload []byte) (*Observation, bool, error) {
	var upstreamMsg ObservationMessage
	if err := json.Unmarshal(payload, &upstreamMsg); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal observation message: %w", err)
	}
	// An envelope without a fix is skipped rather than treated as an error.
	if upstreamMsg.Payload == nil {
		return nil, true, nil
	}
	if err := upstreamMsg.Payload.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid observation: %w", err)
	}
	if upstreamMsg.Payload.Timestamp.IsZero() {
		upstreamMsg.Payload.Timestamp = time.Now().UTC()
	}
	return upstreamMsg.Payload, false, nil
}
