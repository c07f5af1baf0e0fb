package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

const defaultKafkaTopic = "order-events"

// KafkaSink writes notifications to a Kafka topic keyed by order id, which keeps every event of one order on one
// partition and therefore in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

var _ services.NotificationSink = (*KafkaSink)(nil)

// NewKafkaProducerConfig returns the producer settings the sink expects: acks from all in-sync replicas,
// idempotent writes and successes reported back to SendMessage.
func NewKafkaProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_6_0_0
	if id := strings.TrimSpace(clientID); id != "" {
		cfg.ClientID = id
	}
	return cfg
}

// DialKafka connects a synchronous producer to the brokers.
func DialKafka(brokers []string, topic, clientID string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: brokers are required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create producer: %w", err)
	}
	return NewKafkaSink(producer, topic)
}

// NewKafkaSink wraps an existing producer.
func NewKafkaSink(producer sarama.SyncProducer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, errors.New("kafka sink: producer is required")
	}
	if topic = strings.TrimSpace(topic); topic == "" {
		topic = defaultKafkaTopic
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// Deliver sends the event and blocks until the partition leader acknowledges it.
func (s *KafkaSink) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	if s == nil || s.producer == nil {
		return errors.New("kafka sink: not initialised")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := Encode(msg)
	if err != nil {
		return err
	}

	attrs := attributes(msg)
	headers := make([]sarama.RecordHeader, 0, len(attrs))
	for k, v := range attrs {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   s.topic,
		Key:     sarama.StringEncoder(msg.AggregateID),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	})
	if err != nil {
		if errors.Is(err, sarama.ErrMessageSizeTooLarge) {
			return fmt.Errorf("%w: kafka send %s: %v", services.ErrPermanent, msg.EventType, err)
		}
		return fmt.Errorf("kafka send %s: %w", msg.EventType, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	if s == nil || s.producer == nil {
		return nil
	}
	return s.producer.Close()
}
