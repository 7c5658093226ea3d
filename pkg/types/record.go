package types

import (
	"encoding/json"
	"fmt"
)

// Record is one serialized observation ready to be queued. Payload is a
// complete JSON document and is never modified once created.
type Record struct {
	Payload   json.RawMessage
	CellCount int
	WifiCount int
}

// NewRecord serializes an observation into a Record.
func NewRecord(obs *Observation) (Record, error) {
	if obs == nil {
		return Record{}, fmt.Errorf("observation cannot be nil")
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal observation: %w", err)
	}
	return Record{
		Payload:   payload,
		CellCount: len(obs.CellTowers),
		WifiCount: len(obs.WifiAPs),
	}, nil
}
