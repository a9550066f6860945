package mutation

import (
	"encoding/json"
	"fmt"
)

// MarshalBatch serialises a Batch to JSON.
func MarshalBatch(b *Batch) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal batch: %w", err)
	}
	return data, nil
}

// UnmarshalBatch deserialises a Batch from JSON.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal batch: %w", err)
	}
	return &b, nil
}

// MarshalEvents serialises events as a JSON array.
func MarshalEvents(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("mutation: marshal events: %w", err)
	}
	return data, nil
}

// UnmarshalEvents deserialises a JSON array of events.
func UnmarshalEvents(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("mutation: unmarshal events: %w", err)
	}
	return events, nil
}
