// Package events turns catalog change events into index-single jobs.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Catalog topics the consumer subscribes to by default.
const (
	TopicProductCreated = "catalog.product.created"
	TopicProductUpdated = "catalog.product.updated"
)

// Event is the envelope carried by every catalog message.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// ProductEventData is the part of a product event payload the indexer needs.
type ProductEventData struct {
	ID string `json:"id"`
}

// UnmarshalEvent decodes a message value into an Event.
func UnmarshalEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

// ProductID returns the product the event is about, preferring the aggregate id.
func (e *Event) ProductID() (string, error) {
	if id := strings.TrimSpace(e.AggregateID); id != "" {
		return id, nil
	}
	var data ProductEventData
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return "", fmt.Errorf("unmarshal %s data: %w", e.EventType, err)
		}
	}
	if strings.TrimSpace(data.ID) == "" {
		return "", fmt.Errorf("%s event %s carries no product id", e.EventType, e.EventID)
	}
	return data.ID, nil
}
