package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

const defaultRabbitExchange = "orders.events"

// amqpChannel is the part of *amqp.Channel the sink needs.
type amqpChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// RabbitMQSink publishes notifications to a durable topic exchange. The routing key is the event type, so
// consumers bind with patterns such as "order.*" or "dispatch.#". Every publish waits for a broker confirm.
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	mu       sync.Mutex
	now      func() time.Time
}

var _ services.NotificationSink = (*RabbitMQSink)(nil)

// DialRabbitMQ connects, declares the exchange and puts the channel in confirm mode.
func DialRabbitMQ(url, exchange string) (*RabbitMQSink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("rabbitmq sink: url is required")
	}
	if exchange = strings.TrimSpace(exchange); exchange == "" {
		exchange = defaultRabbitExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq sink: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq sink: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq sink: declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq sink: enable confirms: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

// Deliver publishes the event as a persistent message and waits for the broker to ack it.
func (s *RabbitMQSink) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	if s == nil || s.ch == nil {
		return errors.New("rabbitmq sink: not initialised")
	}
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range attributes(msg) {
		headers[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, msg.EventType, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Type:         msg.EventType,
		Timestamp:    s.now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", msg.EventType, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm %s: %w", msg.EventType, err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq publish %s: broker nacked message", msg.EventType)
	}
	return nil
}

// Ping reports whether the connection is still open.
func (s *RabbitMQSink) Ping(context.Context) error {
	if s == nil || s.conn == nil || s.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Close releases the channel and connection.
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
