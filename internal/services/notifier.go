package services

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// Notification event kinds.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderCancelled     = "order.cancelled"
	EventDispatchAssigned   = "dispatch.assigned"
	EventDispatchPending    = "dispatch.pending"
	EventDispatchExhausted  = "dispatch.exhausted"
	EventPaymentCompleted   = "payment.completed"
	EventPaymentFailed      = "payment.failed"
	EventPaymentRefunded    = "payment.refunded"
	EventRefundRequested    = "refund.requested"
)

// Notifier records a notification for asynchronous delivery. Implementations write inside the caller's unit of
// work and never wait for delivery.
type Notifier interface {
	Notify(ctx context.Context, orderID, event string, payload map[string]any) error
}

// RefundQueue records a gateway refund for asynchronous execution.
type RefundQueue interface {
	RequestRefund(ctx context.Context, job RefundJob) error
}

// RefundJob is the payload of a queued gateway refund.
type RefundJob struct {
	OrderID              string
	PaymentID            string
	Gateway              string
	GatewayTransactionID string
	Amount               decimal.Decimal
	Reason               string
}

// OutboxWriterDeps bundles collaborators for the outbox writer.
type OutboxWriterDeps struct {
	Outbox      repositories.OutboxRepository
	Clock       func() time.Time
	IDGenerator func() string
}

// OutboxWriter implements Notifier and RefundQueue on top of the transactional outbox.
type OutboxWriter struct {
	outbox repositories.OutboxRepository
	clock  func() time.Time
	newID  func() string
}

var (
	_ Notifier    = (*OutboxWriter)(nil)
	_ RefundQueue = (*OutboxWriter)(nil)
)

// NewOutboxWriter constructs an OutboxWriter.
func NewOutboxWriter(deps OutboxWriterDeps) (*OutboxWriter, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox writer: outbox repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &OutboxWriter{
		outbox: deps.Outbox,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: newID,
	}, nil
}

// Notify enqueues a notification message.
func (w *OutboxWriter) Notify(ctx context.Context, orderID, event string, payload map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return validationError("notification event is required")
	}
	return w.enqueue(ctx, domain.OutboxKindNotification, orderID, event, maps.Clone(payload))
}

// RequestRefund enqueues a gateway refund.
func (w *OutboxWriter) RequestRefund(ctx context.Context, job RefundJob) error {
	if job.PaymentID == "" || job.Gateway == "" {
		return validationError("refund job requires payment and gateway")
	}
	payload := map[string]any{
		"paymentId":            job.PaymentID,
		"gateway":              job.Gateway,
		"gatewayTransactionId": job.GatewayTransactionID,
		"amount":               job.Amount.StringFixed(moneyScale),
		"reason":               job.Reason,
	}
	return w.enqueue(ctx, domain.OutboxKindRefund, job.OrderID, EventRefundRequested, payload)
}

func (w *OutboxWriter) enqueue(ctx context.Context, kind domain.OutboxKind, aggregateID, event string, payload map[string]any) error {
	now := w.clock()
	msg := domain.OutboxMessage{
		ID:            w.newID(),
		Kind:          kind,
		AggregateID:   aggregateID,
		EventType:     event,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := w.outbox.Enqueue(ctx, msg); err != nil {
		return mapRepositoryError(err)
	}
	return nil
}

func refundJobFromPayload(orderID string, payload map[string]any) (RefundJob, error) {
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	amount, err := decimal.NewFromString(str("amount"))
	if err != nil {
		return RefundJob{}, validationError("refund payload amount: %v", err)
	}
	job := RefundJob{
		OrderID:              orderID,
		PaymentID:            str("paymentId"),
		Gateway:              str("gateway"),
		GatewayTransactionID: str("gatewayTransactionId"),
		Amount:               amount,
		Reason:               str("reason"),
	}
	if job.PaymentID == "" || job.Gateway == "" {
		return RefundJob{}, validationError("refund payload missing payment or gateway")
	}
	return job, nil
}
