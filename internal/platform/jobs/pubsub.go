package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

// PubSubSink publishes notifications to a Pub/Sub topic.
type PubSubSink struct {
	topic *pubsub.Topic
}

var _ services.NotificationSink = (*PubSubSink)(nil)

// NewPubSubSink constructs a Pub/Sub backed sink. When the topic has message ordering enabled, messages for the
// same order are published with the order id as ordering key.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub sink: topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Deliver publishes the event and waits for the server to acknowledge it.
func (s *PubSubSink) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	if s == nil || s.topic == nil {
		return errors.New("pubsub sink: not initialised")
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	out := &pubsub.Message{
		Data:       data,
		Attributes: attributes(msg),
	}
	if s.topic.EnableMessageOrdering {
		out.OrderingKey = msg.AggregateID
	}

	result := s.topic.Publish(ctx, out)
	if _, err := result.Get(ctx); err != nil {
		if out.OrderingKey != "" {
			s.topic.ResumePublish(out.OrderingKey)
		}
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}
