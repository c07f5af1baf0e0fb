// Package jobs delivers outbox notifications to downstream transports: Pub/Sub, RabbitMQ, Kafka, the Firestore
// tracking mirror and connected websocket clients.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

// Event is the wire form shared by every sink.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OrderID    string         `json:"orderId"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurredAt"`
	Attempt    int            `json:"attempt"`
}

// NewEvent converts an outbox message into its wire form.
func NewEvent(msg domain.OutboxMessage) Event {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:         msg.ID,
		Type:       msg.EventType,
		OrderID:    msg.AggregateID,
		Payload:    payload,
		OccurredAt: msg.CreatedAt.UTC(),
		Attempt:    msg.Attempts + 1,
	}
}

// Encode marshals the event. Payloads that cannot be encoded will never succeed, so the error is permanent.
func Encode(msg domain.OutboxMessage) ([]byte, error) {
	if strings.TrimSpace(msg.EventType) == "" {
		return nil, fmt.Errorf("%w: outbox message %s has no event type", services.ErrPermanent, msg.ID)
	}
	data, err := json.Marshal(NewEvent(msg))
	if err != nil {
		return nil, fmt.Errorf("%w: encode event %s: %v", services.ErrPermanent, msg.ID, err)
	}
	return data, nil
}

// attributes are the flat routing headers transports that support them carry next to the body.
func attributes(msg domain.OutboxMessage) map[string]string {
	attrs := map[string]string{
		"eventType": msg.EventType,
		"messageId": msg.ID,
	}
	if id := strings.TrimSpace(msg.AggregateID); id != "" {
		attrs["orderId"] = id
	}
	if status, ok := msg.Payload["status"].(string); ok && status != "" {
		attrs["status"] = status
	}
	return attrs
}
