package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

type stubChannel struct {
	err       error
	exchange  string
	key       string
	published []amqp.Publishing
}

func (c *stubChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.exchange = exchange
	c.key = key
	c.published = append(c.published, msg)
	// A nil confirmation is what amqp091 returns when the channel is not in confirm mode.
	return nil, nil
}

func (c *stubChannel) Close() error { return nil }

func TestRabbitMQSinkPublishesPersistentMessage(t *testing.T) {
	ch := &stubChannel{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sink := &RabbitMQSink{ch: ch, exchange: "orders.events", now: func() time.Time { return now }}

	msg := domain.OutboxMessage{ID: "msg-1", AggregateID: "order-1", EventType: "dispatch.assigned", Payload: map[string]any{"deliveryPersonId": "r1"}}
	if err := sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if ch.exchange != "orders.events" || ch.key != "dispatch.assigned" {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(ch.published))
	}
	pub := ch.published[0]
	if pub.DeliveryMode != amqp.Persistent || pub.MessageId != "msg-1" || !pub.Timestamp.Equal(now) {
		t.Fatalf("unexpected publishing %+v", pub)
	}
	if pub.Headers["orderId"] != "order-1" {
		t.Fatalf("expected orderId header, got %v", pub.Headers)
	}
	var event Event
	if err := json.Unmarshal(pub.Body, &event); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if event.Payload["deliveryPersonId"] != "r1" {
		t.Fatalf("unexpected payload %v", event.Payload)
	}
}

func TestRabbitMQSinkWrapsPublishErrors(t *testing.T) {
	boom := errors.New("channel closed")
	sink := &RabbitMQSink{ch: &stubChannel{err: boom}, exchange: "orders.events", now: time.Now}

	err := sink.Deliver(context.Background(), domain.OutboxMessage{ID: "m", EventType: "order.created"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestDialRabbitMQRequiresURL(t *testing.T) {
	if _, err := DialRabbitMQ(" ", ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
