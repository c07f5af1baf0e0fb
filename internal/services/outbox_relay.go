package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/payments"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

const (
	defaultOutboxBatch       = 50
	defaultOutboxMaxAttempts = 8
	defaultOutboxLease       = time.Minute
	defaultOutboxBaseBackoff = time.Second
	defaultOutboxMaxBackoff  = 30 * time.Second
	maxOutboxErrorLength     = 500
)

// NotificationSink delivers a notification to downstream consumers.
type NotificationSink interface {
	Deliver(ctx context.Context, msg domain.OutboxMessage) error
}

// RefundExecutor issues refunds at the gateway that took the charge.
type RefundExecutor interface {
	Refund(ctx context.Context, gateway string, req payments.RefundRequest) (payments.RefundResult, error)
}

// ErrPermanent marks delivery failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// OutboxRelayDeps enumerates collaborators required to construct the relay.
type OutboxRelayDeps struct {
	Outbox      repositories.OutboxRepository
	Sink        NotificationSink
	Refunds     RefundExecutor
	Currency    string
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Clock       func() time.Time
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type outboxRelay struct {
	outbox      repositories.OutboxRepository
	sink        NotificationSink
	refunds     RefundExecutor
	currency    string
	batch       int
	maxAttempts int
	lease       time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	clock       func() time.Time
	deliveries  metric.Int64Counter
	logger      func(context.Context, string, map[string]any)
}

// NewOutboxRelay wires dependencies into an OutboxRelay implementation.
func NewOutboxRelay(deps OutboxRelayDeps) (OutboxRelay, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox relay: outbox repository is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("outbox relay: notification sink is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("outbox relay: refund executor is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(tracerName)
	}
	deliveries, err := meter.Int64Counter("outbox.deliveries",
		metric.WithDescription("Outbox delivery attempts by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("outbox relay: counter: %w", err)
	}

	relay := &outboxRelay{
		outbox:      deps.Outbox,
		sink:        deps.Sink,
		refunds:     deps.Refunds,
		currency:    deps.Currency,
		batch:       deps.BatchSize,
		maxAttempts: deps.MaxAttempts,
		lease:       deps.Lease,
		baseBackoff: deps.BaseBackoff,
		maxBackoff:  deps.MaxBackoff,
		clock: func() time.Time {
			return clock().UTC()
		},
		deliveries: deliveries,
		logger:     logger,
	}
	if relay.currency == "" {
		relay.currency = "inr"
	}
	if relay.batch <= 0 {
		relay.batch = defaultOutboxBatch
	}
	if relay.maxAttempts <= 0 {
		relay.maxAttempts = defaultOutboxMaxAttempts
	}
	if relay.lease <= 0 {
		relay.lease = defaultOutboxLease
	}
	if relay.baseBackoff <= 0 {
		relay.baseBackoff = defaultOutboxBaseBackoff
	}
	if relay.maxBackoff <= 0 {
		relay.maxBackoff = defaultOutboxMaxBackoff
	}
	return relay, nil
}

// Drain delivers one batch of due messages.
func (r *outboxRelay) Drain(ctx context.Context) (DrainResult, error) {
	messages, err := r.outbox.ClaimDue(ctx, r.clock(), r.batch, r.lease)
	if err != nil {
		return DrainResult{}, mapRepositoryError(err)
	}

	result := DrainResult{Claimed: len(messages)}
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deliverErr := r.deliver(ctx, msg)
		if deliverErr == nil {
			if err := r.outbox.MarkDelivered(ctx, msg.ID, r.clock()); err != nil {
				return result, mapRepositoryError(err)
			}
			result.Delivered++
			r.count(ctx, msg, "delivered")
			continue
		}

		failure := r.failure(msg, deliverErr)
		if err := r.outbox.MarkFailed(ctx, failure); err != nil {
			return result, mapRepositoryError(err)
		}
		fields := map[string]any{
			"messageID": msg.ID,
			"kind":      string(msg.Kind),
			"event":     msg.EventType,
			"attempts":  failure.Attempts,
			"error":     failure.LastError,
		}
		if failure.Dead {
			result.Dead++
			r.count(ctx, msg, "dead")
			r.logger(ctx, "outbox.dead", fields)
			continue
		}
		result.Retried++
		r.count(ctx, msg, "retried")
		fields["nextAttemptAt"] = failure.NextAttemptAt
		r.logger(ctx, "outbox.retry", fields)
	}
	return result, nil
}

// Run drains on every tick until ctx is cancelled.
func (r *outboxRelay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				result, err := r.Drain(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger(ctx, "outbox.drain.failed", map[string]any{"error": err.Error()})
					}
					break
				}
				// A full batch means more may be waiting.
				if result.Claimed < r.batch {
					break
				}
			}
		}
	}
}

func (r *outboxRelay) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	switch msg.Kind {
	case domain.OutboxKindNotification:
		return r.sink.Deliver(ctx, msg)
	case domain.OutboxKindRefund:
		job, err := refundJobFromPayload(msg.AggregateID, msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		result, err := r.refunds.Refund(ctx, job.Gateway, payments.RefundRequest{
			GatewayTransactionID: job.GatewayTransactionID,
			Amount:               job.Amount,
			Currency:             r.currency,
			Reason:               job.Reason,
			IdempotencyKey:       msg.ID,
			Metadata: map[string]string{
				"order_id":   job.OrderID,
				"payment_id": job.PaymentID,
			},
		})
		if err != nil {
			if errors.Is(err, payments.ErrDeclined) {
				return fmt.Errorf("%w: %w", ErrPermanent, err)
			}
			return err
		}
		r.logger(ctx, "outbox.refund.issued", map[string]any{
			"paymentID": job.PaymentID,
			"refundID":  result.RefundID,
			"status":    string(result.Status),
		})
		return nil
	default:
		return fmt.Errorf("%w: unknown outbox kind %q", ErrPermanent, msg.Kind)
	}
}

func (r *outboxRelay) failure(msg domain.OutboxMessage, err error) repositories.OutboxFailure {
	attempts := msg.Attempts + 1
	lastErr := err.Error()
	if runes := []rune(lastErr); len(runes) > maxOutboxErrorLength {
		lastErr = string(runes[:maxOutboxErrorLength])
	}
	return repositories.OutboxFailure{
		MessageID:     msg.ID,
		Attempts:      attempts,
		NextAttemptAt: r.clock().Add(r.backoff(attempts)),
		LastError:     lastErr,
		Dead:          attempts >= r.maxAttempts || errors.Is(err, ErrPermanent),
	}
}

// backoff doubles from the base delay per attempt and is capped.
func (r *outboxRelay) backoff(attempts int) time.Duration {
	delay := r.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	return delay
}

func (r *outboxRelay) count(ctx context.Context, msg domain.OutboxMessage, outcome string) {
	r.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(msg.Kind)),
		attribute.String("outcome", outcome),
	))
}
