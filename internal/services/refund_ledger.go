package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// refundLedger books refunds against payment rows and queues the gateway call. Callers hold the order lock.
type refundLedger struct {
	payments repositories.PaymentRepository
	queue    RefundQueue
	notifier Notifier
	clock    func() time.Time
}

func (l refundLedger) refund(ctx context.Context, payment domain.Payment, amount decimal.Decimal, reason string) (domain.Payment, error) {
	if !amount.IsPositive() {
		return domain.Payment{}, validationError("refund amount must be positive")
	}
	refundable := payment.Refundable()
	if amount.GreaterThan(refundable) {
		return domain.Payment{}, validationError("refund %s exceeds refundable balance %s", amount.StringFixed(moneyScale), refundable.StringFixed(moneyScale))
	}

	payment.RefundedAmount = payment.RefundedAmount.Add(amount)
	if payment.RefundedAmount.GreaterThanOrEqual(payment.Amount) {
		payment.Status = domain.PaymentStatusRefunded
	} else {
		payment.Status = domain.PaymentStatusPartiallyRefunded
	}
	payment.UpdatedAt = l.clock()
	if err := l.payments.Update(ctx, payment); err != nil {
		return domain.Payment{}, mapRepositoryError(err)
	}

	if l.queue != nil {
		job := RefundJob{
			OrderID:              payment.OrderID,
			PaymentID:            payment.ID,
			Gateway:              payment.Gateway,
			GatewayTransactionID: payment.GatewayTransactionID,
			Amount:               amount,
			Reason:               reason,
		}
		if err := l.queue.RequestRefund(ctx, job); err != nil {
			return domain.Payment{}, err
		}
	}
	if l.notifier != nil {
		err := l.notifier.Notify(ctx, payment.OrderID, EventPaymentRefunded, map[string]any{
			"orderId":        payment.OrderID,
			"paymentId":      payment.ID,
			"amount":         amount.StringFixed(moneyScale),
			"refundedAmount": payment.RefundedAmount.StringFixed(moneyScale),
			"status":         string(payment.Status),
			"reason":         reason,
		})
		if err != nil {
			return domain.Payment{}, err
		}
	}
	return payment, nil
}

// summarisePaymentStatus derives the order-level payment status from its payment rows.
func summarisePaymentStatus(order domain.Order, payments []domain.Payment) domain.PaymentStatus {
	paid := decimal.Zero
	refunded := decimal.Zero
	var open, failed bool
	for _, p := range payments {
		switch p.Status {
		case domain.PaymentStatusCompleted, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
			paid = paid.Add(p.Amount)
			refunded = refunded.Add(p.RefundedAmount)
		case domain.PaymentStatusPending, domain.PaymentStatusProcessing:
			open = true
		case domain.PaymentStatusFailed:
			failed = true
		}
	}
	net := paid.Sub(refunded)
	switch {
	case paid.IsPositive() && !net.IsPositive():
		return domain.PaymentStatusRefunded
	case paid.IsPositive() && net.GreaterThanOrEqual(order.TotalAmount):
		return domain.PaymentStatusCompleted
	case refunded.IsPositive():
		return domain.PaymentStatusPartiallyRefunded
	case open:
		return domain.PaymentStatusPending
	case failed:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// settledAmount is the sum of payments that have completed, including ones later refunded.
func settledAmount(payments []domain.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		switch p.Status {
		case domain.PaymentStatusCompleted, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
			total = total.Add(p.Amount)
		}
	}
	return total
}

// netPaidAmount is what the order has kept from completed payments, skipping the payment with excludeID.
func netPaidAmount(payments []domain.Payment, excludeID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.ID == excludeID {
			continue
		}
		switch p.Status {
		case domain.PaymentStatusCompleted, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
			total = total.Add(p.Amount.Sub(p.RefundedAmount))
		}
	}
	return total
}

// openAmount sums attempts still waiting on the gateway, other than excludeTxnID.
func openAmount(payments []domain.Payment, excludeTxnID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.TransactionID == excludeTxnID {
			continue
		}
		if p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing {
			total = total.Add(p.Amount)
		}
	}
	return total
}
