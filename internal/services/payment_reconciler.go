package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/payments"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

const (
	transactionIDPrefix = "txn_"
	maxRefundReasonRune = 280
)

// ChargeRouter is the part of payments.Manager the reconciler needs.
type ChargeRouter interface {
	Route(method domain.PaymentMethod) (string, error)
	Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error)
}

// PaymentReconcilerDeps bundles collaborators for the reconciler.
type PaymentReconcilerDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	Tips       repositories.TipRepository
	UnitOfWork repositories.UnitOfWork
	// Lifecycle runs the pending to confirmed edge once an order is paid.
	Lifecycle   OrderService
	Gateways    ChargeRouter
	Notifier    Notifier
	Refunds     RefundQueue
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Tracer      trace.Tracer
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	tips       repositories.TipRepository
	unitOfWork repositories.UnitOfWork
	lifecycle  OrderService
	gateways   ChargeRouter
	notifier   Notifier
	ledger     refundLedger
	currency   string
	clock      func() time.Time
	newID      func() string
	tracer     trace.Tracer
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentReconciler constructs the reconciler.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment reconciler: payment repository is required")
	}
	if deps.Tips == nil {
		return nil, errors.New("payment reconciler: tip repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("payment reconciler: order service is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("payment reconciler: notifier is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "inr"
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	utc := func() time.Time {
		return clock().UTC()
	}
	return &paymentReconciler{
		orders:     deps.Orders,
		payments:   deps.Payments,
		tips:       deps.Tips,
		unitOfWork: unit,
		lifecycle:  deps.Lifecycle,
		gateways:   deps.Gateways,
		notifier:   deps.Notifier,
		ledger: refundLedger{
			payments: deps.Payments,
			queue:    deps.Refunds,
			notifier: deps.Notifier,
			clock:    utc,
		},
		currency: currency,
		clock:    utc,
		newID:    idGen,
		tracer:   tracer,
		logger:   logger,
	}, nil
}

func (r *paymentReconciler) RecordAttempt(ctx context.Context, cmd RecordAttemptCommand) (domain.Payment, error) {
	cmd.OrderID = strings.TrimSpace(cmd.OrderID)
	cmd.TransactionID = strings.TrimSpace(cmd.TransactionID)
	switch {
	case cmd.OrderID == "":
		return domain.Payment{}, validationError("order id is required")
	case cmd.TransactionID == "":
		return domain.Payment{}, validationError("transaction id is required")
	case !cmd.Method.Valid():
		return domain.Payment{}, validationError("unsupported payment method %q", cmd.Method)
	case !cmd.Amount.IsPositive():
		return domain.Payment{}, validationError("payment amount must be positive")
	}
	amount := cmd.Amount.Round(moneyScale)

	var recorded domain.Payment
	err := r.runInTx(ctx, func(txCtx context.Context) error {
		order, err := r.orders.LockByID(txCtx, cmd.OrderID)
		if err != nil {
			return mapRepositoryError(err)
		}

		existing, err := r.payments.FindByTransactionID(txCtx, cmd.TransactionID)
		switch {
		case err == nil:
			if existing.OrderID != cmd.OrderID || !existing.Amount.Equal(amount) || existing.Method != cmd.Method {
				return fmt.Errorf("%w: transaction %s was recorded with different details", ErrConflict, cmd.TransactionID)
			}
			recorded = existing
			return nil
		case !isRepoNotFound(err):
			return mapRepositoryError(err)
		}

		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: %s orders do not take payments", ErrInvalidTransition, order.Status)
		}
		all, err := r.payments.ListByOrder(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		remaining := order.TotalAmount.Sub(settledAmount(all))
		if amount.GreaterThan(remaining) {
			return validationError("payment %s exceeds the remaining balance %s", amount.StringFixed(moneyScale), remaining.StringFixed(moneyScale))
		}

		now := r.clock()
		payment := domain.Payment{
			ID:             r.newID(),
			OrderID:        order.ID,
			Method:         cmd.Method,
			Gateway:        strings.TrimSpace(cmd.Gateway),
			TransactionID:  cmd.TransactionID,
			Amount:         amount,
			RefundedAmount: decimal.Zero,
			Status:         domain.PaymentStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.payments.Append(txCtx, payment); err != nil {
			return mapRepositoryError(err)
		}
		recorded = payment
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return recorded, nil
}

func (r *paymentReconciler) InitiateCharge(ctx context.Context, cmd InitiateChargeCommand) (ChargeOutcome, error) {
	if r.gateways == nil {
		return ChargeOutcome{}, fmt.Errorf("%w: no payment gateways configured", ErrTransient)
	}
	order, err := r.orders.FindByID(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		return ChargeOutcome{}, mapRepositoryError(err)
	}
	if !cmd.Actor.IsStaff() && (cmd.Actor.UserID == "" || cmd.Actor.UserID != order.UserID) {
		return ChargeOutcome{}, fmt.Errorf("%w: order %s belongs to another customer", ErrForbidden, order.ID)
	}
	if !order.PaymentMethod.IsOnline() {
		return ChargeOutcome{}, validationError("cash on delivery orders are settled at the door")
	}
	if order.Status != domain.OrderStatusPending {
		return ChargeOutcome{}, fmt.Errorf("%w: %s orders do not take new charges", ErrInvalidTransition, order.Status)
	}
	gateway, err := r.gateways.Route(order.PaymentMethod)
	if err != nil {
		return ChargeOutcome{}, validationError("%v", err)
	}

	all, err := r.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return ChargeOutcome{}, mapRepositoryError(err)
	}
	txnID := strings.TrimSpace(cmd.TransactionID)
	if txnID == "" {
		// Resume an attempt still waiting on the gateway instead of charging the balance twice.
		for _, p := range all {
			if p.TransactionID != "" && p.Method == order.PaymentMethod &&
				(p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing) {
				txnID = p.TransactionID
				break
			}
		}
	}
	if txnID == "" {
		txnID = transactionIDPrefix + r.newID()
	}
	amount := order.TotalAmount.Sub(settledAmount(all)).Sub(openAmount(all, txnID))
	for _, p := range all {
		// A retried request reuses the amount of its original attempt.
		if p.TransactionID == txnID {
			amount = p.Amount
		}
	}
	if !amount.IsPositive() {
		return ChargeOutcome{}, validationError("order %s is already paid", order.OrderNumber)
	}

	payment, err := r.RecordAttempt(ctx, RecordAttemptCommand{
		OrderID:       order.ID,
		Method:        order.PaymentMethod,
		Amount:        amount,
		TransactionID: txnID,
		Gateway:       gateway,
	})
	if err != nil {
		return ChargeOutcome{}, err
	}
	if payment.Status != domain.PaymentStatusPending && payment.Status != domain.PaymentStatusProcessing {
		return ChargeOutcome{Payment: payment}, nil
	}

	// No order lock is held across the gateway call.
	result, err := r.gateways.Charge(ctx, payments.ChargeRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		CustomerID:     order.UserID,
		Method:         order.PaymentMethod,
		Amount:         payment.Amount,
		Currency:       r.currency,
		TransactionID:  payment.TransactionID,
		IdempotencyKey: payment.TransactionID,
	})
	if err != nil {
		if errors.Is(err, payments.ErrDeclined) {
			failed, confirmErr := r.Confirm(ctx, ConfirmPaymentCommand{
				TransactionID:   payment.TransactionID,
				Outcome:         PaymentOutcomeFailed,
				GatewayResponse: map[string]any{"error": err.Error()},
			})
			if confirmErr != nil {
				return ChargeOutcome{}, confirmErr
			}
			return ChargeOutcome{Payment: failed}, nil
		}
		r.logger(ctx, "payment.charge.failed", map[string]any{
			"orderID":       order.ID,
			"transactionID": payment.TransactionID,
			"gateway":       gateway,
			"error":         err.Error(),
		})
		return ChargeOutcome{}, fmt.Errorf("%w: charge via %s: %w", ErrTransient, gateway, err)
	}

	outcome := ChargeOutcome{ClientSecret: result.ClientSecret, RedirectURL: result.RedirectURL}
	switch result.Status {
	case payments.StatusSucceeded, payments.StatusFailed:
		settled := PaymentOutcomeCompleted
		if result.Status == payments.StatusFailed {
			settled = PaymentOutcomeFailed
		}
		outcome.Payment, err = r.Confirm(ctx, ConfirmPaymentCommand{
			TransactionID:        payment.TransactionID,
			Outcome:              settled,
			GatewayTransactionID: result.GatewayTransactionID,
			ReceiptURL:           result.ReceiptURL,
			GatewayResponse:      result.Raw,
		})
	default:
		outcome.Payment, err = r.markProcessing(ctx, payment, result)
	}
	if err != nil {
		return ChargeOutcome{}, err
	}
	return outcome, nil
}

// markProcessing stores the gateway reference of a charge that settles asynchronously.
func (r *paymentReconciler) markProcessing(ctx context.Context, payment domain.Payment, result payments.ChargeResult) (domain.Payment, error) {
	var updated domain.Payment
	err := r.runInTx(ctx, func(txCtx context.Context) error {
		if _, err := r.orders.LockByID(txCtx, payment.OrderID); err != nil {
			return mapRepositoryError(err)
		}
		current, err := r.payments.FindByTransactionID(txCtx, payment.TransactionID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if current.Status != domain.PaymentStatusPending {
			// A webhook may have settled it while the gateway call was in flight.
			updated = current
			return nil
		}
		current.Status = domain.PaymentStatusProcessing
		current.GatewayTransactionID = result.GatewayTransactionID
		current.GatewayResponse = maps.Clone(result.Raw)
		current.UpdatedAt = r.clock()
		if err := r.payments.Update(txCtx, current); err != nil {
			return mapRepositoryError(err)
		}
		updated = current
		return nil
	})
	return updated, err
}

func (r *paymentReconciler) Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "payments.Confirm", trace.WithAttributes(
		attribute.String("payment.transaction_id", cmd.TransactionID),
		attribute.String("payment.outcome", string(cmd.Outcome)),
	))
	defer span.End()

	payment, err := r.confirm(ctx, cmd)
	if err != nil {
		recordSpanError(span, err)
		return domain.Payment{}, err
	}
	return payment, nil
}

func (r *paymentReconciler) confirm(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Payment, error) {
	txnID := strings.TrimSpace(cmd.TransactionID)
	if txnID == "" {
		return domain.Payment{}, validationError("transaction id is required")
	}
	if cmd.Outcome != PaymentOutcomeCompleted && cmd.Outcome != PaymentOutcomeFailed {
		return domain.Payment{}, validationError("unknown payment outcome %q", cmd.Outcome)
	}

	// Read the payment without a lock to learn its order; the order row is always locked first.
	lookup, err := r.payments.FindByTransactionID(ctx, txnID)
	if err != nil {
		return domain.Payment{}, mapRepositoryError(err)
	}

	var confirmed domain.Payment
	var changed bool
	err = r.runInTx(ctx, func(txCtx context.Context) error {
		order, err := r.orders.LockByID(txCtx, lookup.OrderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		payment, err := r.payments.FindByTransactionID(txCtx, txnID)
		if err != nil {
			return mapRepositoryError(err)
		}

		switch payment.Status {
		case domain.PaymentStatusCompleted, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
			if cmd.Outcome == PaymentOutcomeCompleted {
				confirmed = payment
				return nil
			}
			return fmt.Errorf("%w: transaction %s already completed", ErrConflict, txnID)
		case domain.PaymentStatusFailed:
			if cmd.Outcome == PaymentOutcomeFailed {
				confirmed = payment
				return nil
			}
			return fmt.Errorf("%w: transaction %s already failed", ErrConflict, txnID)
		}

		now := r.clock()
		event := EventPaymentFailed
		payment.Status = domain.PaymentStatusFailed
		if cmd.Outcome == PaymentOutcomeCompleted {
			event = EventPaymentCompleted
			payment.Status = domain.PaymentStatusCompleted
			paidAt := now
			payment.PaidAt = &paidAt
		}
		if id := strings.TrimSpace(cmd.GatewayTransactionID); id != "" {
			payment.GatewayTransactionID = id
		}
		if url := strings.TrimSpace(cmd.ReceiptURL); url != "" {
			payment.ReceiptURL = url
		}
		if cmd.GatewayResponse != nil {
			payment.GatewayResponse = maps.Clone(cmd.GatewayResponse)
		}
		payment.UpdatedAt = now
		if err := r.payments.Update(txCtx, payment); err != nil {
			return mapRepositoryError(err)
		}

		all, err := r.payments.ListByOrder(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if payment.Status == domain.PaymentStatusCompleted {
			// A payment that lands after cancellation goes straight back to the customer,
			// and so does whatever part of it takes the order past its total.
			refund, reason := decimal.Zero, ""
			if order.Status == domain.OrderStatusCancelled {
				refund, reason = payment.Refundable(), "order_cancelled"
			} else if excess := netPaidAmount(all, payment.ID).Add(payment.Amount).Sub(order.TotalAmount); excess.IsPositive() {
				refund, reason = decimal.Min(excess, payment.Refundable()), "overpayment"
			}
			if refund.IsPositive() {
				payment, err = r.ledger.refund(txCtx, payment, refund, reason)
				if err != nil {
					return err
				}
				if all, err = r.payments.ListByOrder(txCtx, order.ID); err != nil {
					return mapRepositoryError(err)
				}
			}
		}
		order.PaymentStatus = summarisePaymentStatus(order, all)
		order.UpdatedAt = now
		if err := r.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		if order.PaymentStatus == domain.PaymentStatusCompleted {
			if err := r.completeTip(txCtx, order.ID, now); err != nil {
				return err
			}
		}

		err = r.notifier.Notify(txCtx, order.ID, event, map[string]any{
			"orderId":       order.ID,
			"orderNumber":   order.OrderNumber,
			"paymentId":     payment.ID,
			"transactionId": payment.TransactionID,
			"method":        string(payment.Method),
			"amount":        payment.Amount.StringFixed(moneyScale),
			"paymentStatus": string(order.PaymentStatus),
		})
		if err != nil {
			return err
		}

		if order.Status == domain.OrderStatusPending && order.PaymentStatus == domain.PaymentStatusCompleted {
			if _, err := r.lifecycle.Transition(txCtx, TransitionCommand{
				OrderID: order.ID,
				Target:  domain.OrderStatusConfirmed,
				Actor:   SystemActor(),
				Reason:  "payment completed",
			}); err != nil {
				return err
			}
		}
		confirmed = payment
		changed = true
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if changed {
		r.logger(ctx, "payment.confirmed", map[string]any{
			"transactionID": confirmed.TransactionID,
			"orderID":       confirmed.OrderID,
			"status":        string(confirmed.Status),
		})
	}
	return confirmed, nil
}

func (r *paymentReconciler) completeTip(ctx context.Context, orderID string, now time.Time) error {
	tip, err := r.tips.FindByOrder(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return mapRepositoryError(err)
	}
	if tip.Status != domain.TipStatusPending {
		return nil
	}
	tip.Status = domain.TipStatusCompleted
	tip.UpdatedAt = now
	if err := r.tips.Update(ctx, tip); err != nil {
		return mapRepositoryError(err)
	}
	return nil
}

func (r *paymentReconciler) Refund(ctx context.Context, cmd RefundCommand) (domain.Payment, error) {
	if !cmd.Actor.IsStaff() {
		return domain.Payment{}, fmt.Errorf("%w: only administrators can refund payments", ErrForbidden)
	}
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return domain.Payment{}, validationError("payment id is required")
	}
	if !cmd.Amount.IsPositive() {
		return domain.Payment{}, validationError("refund amount must be positive")
	}
	reason := strings.TrimSpace(cmd.Reason)
	if len([]rune(reason)) > maxRefundReasonRune {
		reason = string([]rune(reason)[:maxRefundReasonRune])
	}

	lookup, err := r.payments.FindByID(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, mapRepositoryError(err)
	}

	var refunded domain.Payment
	err = r.runInTx(ctx, func(txCtx context.Context) error {
		order, err := r.orders.LockByID(txCtx, lookup.OrderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		payment, err := r.payments.FindByTransactionID(txCtx, lookup.TransactionID)
		if err != nil {
			return mapRepositoryError(err)
		}
		payment, err = r.ledger.refund(txCtx, payment, cmd.Amount.Round(moneyScale), reason)
		if err != nil {
			return err
		}
		all, err := r.payments.ListByOrder(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		order.PaymentStatus = summarisePaymentStatus(order, all)
		order.UpdatedAt = r.clock()
		if err := r.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		refunded = payment
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	r.logger(ctx, "payment.refunded", map[string]any{
		"paymentID": refunded.ID,
		"amount":    cmd.Amount.StringFixed(moneyScale),
		"actor":     cmd.Actor.UserID,
	})
	return refunded, nil
}

func (r *paymentReconciler) ListPayments(ctx context.Context, orderID string, actor Actor) ([]domain.Payment, error) {
	order, err := r.orders.FindByID(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if !actor.IsStaff() && (actor.UserID == "" || actor.UserID != order.UserID) {
		return nil, fmt.Errorf("%w: order %s belongs to another customer", ErrForbidden, order.ID)
	}
	list, err := r.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return list, nil
}

func (r *paymentReconciler) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return r.unitOfWork.RunInTx(ctx, fn)
}
