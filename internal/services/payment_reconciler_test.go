package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/payments"
)

type stubChargeRouter struct {
	gateway  string
	result   payments.ChargeResult
	err      error
	requests []payments.ChargeRequest
}

func (s *stubChargeRouter) Route(method domain.PaymentMethod) (string, error) {
	if s.gateway == "" {
		return "", fmt.Errorf("%w: %s", payments.ErrUnsupportedMethod, method)
	}
	return s.gateway, nil
}

func (s *stubChargeRouter) Charge(_ context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	s.requests = append(s.requests, req)
	return s.result, s.err
}

func recordFullAttempt(t *testing.T, f *fixture, order domain.Order, txnID string) domain.Payment {
	t.Helper()
	payment, err := f.payments.RecordAttempt(context.Background(), RecordAttemptCommand{
		OrderID:       order.ID,
		Method:        order.PaymentMethod,
		Amount:        order.TotalAmount,
		TransactionID: txnID,
		Gateway:       "aggregator",
	})
	require.NoError(t, err)
	return payment
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "20")
	recordFullAttempt(t, f, order, "txn-1")
	ctx := context.Background()

	cmd := ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeCompleted, GatewayTransactionID: "agg-1"}
	first, err := f.payments.Confirm(ctx, cmd)
	require.NoError(t, err)
	second, err := f.payments.Confirm(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusCompleted, first.Status)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.events(EventPaymentCompleted), 1)

	stored := f.order(order.ID)
	assert.Equal(t, domain.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status)

	tip, err := f.store.Tips().FindByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TipStatusCompleted, tip.Status)
}

func TestConfirmRejectsConflictingOutcome(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	recordFullAttempt(t, f, order, "txn-1")
	ctx := context.Background()

	_, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeCompleted})
	require.NoError(t, err)

	_, err = f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeFailed})
	require.ErrorIs(t, err, ErrConflict)

	payment, err := f.store.Payments().FindByTransactionID(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, payment.Status)
}

func TestConfirmFailureKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	recordFullAttempt(t, f, order, "txn-1")

	payment, err := f.payments.Confirm(context.Background(), ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, payment.Status)

	stored := f.order(order.ID)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Equal(t, domain.PaymentStatusFailed, stored.PaymentStatus)
	assert.Len(t, f.events(EventPaymentFailed), 1)
}

func TestConfirmUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.payments.Confirm(context.Background(), ConfirmPaymentCommand{TransactionID: "nope", Outcome: PaymentOutcomeCompleted})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmRefundsOverpayment(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	recordFullAttempt(t, f, order, "txn-a")
	recordFullAttempt(t, f, order, "txn-b")
	ctx := context.Background()

	first, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-a", Outcome: PaymentOutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, first.Status)

	second, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-b", Outcome: PaymentOutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, second.Status)
	assert.Equal(t, "312.50", second.RefundedAmount.StringFixed(2))
	assert.Len(t, f.events(EventRefundRequested), 1)

	all, err := f.store.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.TotalAmount.StringFixed(2), netPaidAmount(all, "").StringFixed(2))

	stored := f.order(order.ID)
	assert.Equal(t, domain.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status)
}

func TestConfirmRefundsOnlyTheExcessOfAPartialTopUp(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	ctx := context.Background()

	_, err := f.payments.RecordAttempt(ctx, RecordAttemptCommand{
		OrderID: order.ID, Method: order.PaymentMethod, Amount: dec("200"), TransactionID: "txn-part", Gateway: "aggregator",
	})
	require.NoError(t, err)
	recordFullAttempt(t, f, order, "txn-full")

	_, err = f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-part", Outcome: PaymentOutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, f.order(order.ID).PaymentStatus)

	full, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-full", Outcome: PaymentOutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, full.Status)
	assert.Equal(t, "200.00", full.RefundedAmount.StringFixed(2))
	assert.Equal(t, domain.PaymentStatusCompleted, f.order(order.ID).PaymentStatus)
}

func TestRecordAttemptIsIdempotentPerTransaction(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	ctx := context.Background()

	first := recordFullAttempt(t, f, order, "txn-1")
	again := recordFullAttempt(t, f, order, "txn-1")
	assert.Equal(t, first.ID, again.ID)

	_, err := f.payments.RecordAttempt(ctx, RecordAttemptCommand{
		OrderID: order.ID, Method: order.PaymentMethod, Amount: dec("10"), TransactionID: "txn-1",
	})
	require.ErrorIs(t, err, ErrConflict)

	list, err := f.store.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecordAttemptRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")

	_, err := f.payments.RecordAttempt(context.Background(), RecordAttemptCommand{
		OrderID: order.ID, Method: order.PaymentMethod, Amount: order.TotalAmount.Add(dec("0.01")), TransactionID: "txn-1",
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRecordAttemptRejectsTerminalOrder(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	_, err := f.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Actor: customerActor})
	require.NoError(t, err)

	_, err = f.payments.RecordAttempt(context.Background(), RecordAttemptCommand{
		OrderID: order.ID, Method: order.PaymentMethod, Amount: order.TotalAmount, TransactionID: "txn-1",
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefundPartialThenFull(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	payment := recordFullAttempt(t, f, order, "txn-1")
	ctx := context.Background()
	_, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeCompleted, GatewayTransactionID: "agg-1"})
	require.NoError(t, err)

	partial, err := f.payments.Refund(ctx, RefundCommand{PaymentID: payment.ID, Amount: dec("100"), Reason: "cold food", Actor: adminActor})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, partial.Status)
	assert.Equal(t, "100.00", partial.RefundedAmount.StringFixed(2))
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, f.order(order.ID).PaymentStatus)

	full, err := f.payments.Refund(ctx, RefundCommand{PaymentID: payment.ID, Amount: dec("212.50"), Actor: adminActor})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, full.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, f.order(order.ID).PaymentStatus)

	refunds := f.events(EventRefundRequested)
	require.Len(t, refunds, 2)
	assert.Equal(t, "100.00", refunds[0].Payload["amount"])
	assert.Equal(t, "212.50", refunds[1].Payload["amount"])
}

func TestRefundBeyondBalanceLeavesPaymentUnchanged(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	payment := recordFullAttempt(t, f, order, "txn-1")
	ctx := context.Background()
	_, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeCompleted})
	require.NoError(t, err)
	before, err := f.store.Payments().FindByID(ctx, payment.ID)
	require.NoError(t, err)

	_, err = f.payments.Refund(ctx, RefundCommand{PaymentID: payment.ID, Amount: dec("312.51"), Actor: adminActor})
	require.ErrorIs(t, err, ErrValidation)

	after, err := f.store.Payments().FindByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, after.RefundedAmount.IsZero())
	assert.Empty(t, f.events(EventRefundRequested))
}

func TestRefundRequiresStaff(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	payment := recordFullAttempt(t, f, order, "txn-1")

	_, err := f.payments.Refund(context.Background(), RefundCommand{PaymentID: payment.ID, Amount: dec("1"), Actor: customerActor})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestLatePaymentOnCancelledOrderIsRefunded(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodUPI, "")
	recordFullAttempt(t, f, order, "txn-1")
	ctx := context.Background()

	_, err := f.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Actor: customerActor})
	require.NoError(t, err)

	payment, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{TransactionID: "txn-1", Outcome: PaymentOutcomeCompleted, GatewayTransactionID: "agg-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, payment.Status)

	stored := f.order(order.ID)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, stored.PaymentStatus)
	assert.Len(t, f.events(EventRefundRequested), 1)
}

func TestInitiateChargeOutcomes(t *testing.T) {
	cases := []struct {
		name          string
		result        payments.ChargeResult
		err           error
		wantErr       error
		wantPayment   domain.PaymentStatus
		wantOrder     domain.OrderStatus
		wantReference string
	}{
		{
			name:          "asynchronous",
			result:        payments.ChargeResult{Status: payments.StatusPending, GatewayTransactionID: "pi_1", ClientSecret: "secret"},
			wantPayment:   domain.PaymentStatusProcessing,
			wantOrder:     domain.OrderStatusPending,
			wantReference: "pi_1",
		},
		{
			name:          "captured",
			result:        payments.ChargeResult{Status: payments.StatusSucceeded, GatewayTransactionID: "pi_2"},
			wantPayment:   domain.PaymentStatusCompleted,
			wantOrder:     domain.OrderStatusConfirmed,
			wantReference: "pi_2",
		},
		{
			name:        "declined",
			err:         fmt.Errorf("%w: card declined", payments.ErrDeclined),
			wantPayment: domain.PaymentStatusFailed,
			wantOrder:   domain.OrderStatusPending,
		},
		{
			name:        "gateway down",
			err:         fmt.Errorf("%w: timeout", payments.ErrUnavailable),
			wantErr:     ErrTransient,
			wantPayment: domain.PaymentStatusPending,
			wantOrder:   domain.OrderStatusPending,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := &stubChargeRouter{gateway: "stripe", result: tc.result, err: tc.err}
			f := newFixture(t, withGateways(router))
			order := f.place(domain.PaymentMethodCreditCard, "")
			ctx := context.Background()

			outcome, err := f.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: order.ID, TransactionID: "txn-1", Actor: customerActor})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.result.ClientSecret, outcome.ClientSecret)
			}

			require.Len(t, router.requests, 1)
			assert.Equal(t, "312.50", router.requests[0].Amount.StringFixed(2))
			assert.Equal(t, "txn-1", router.requests[0].IdempotencyKey)

			payment, err := f.store.Payments().FindByTransactionID(ctx, "txn-1")
			require.NoError(t, err)
			assert.Equal(t, tc.wantPayment, payment.Status)
			assert.Equal(t, "stripe", payment.Gateway)
			assert.Equal(t, tc.wantReference, payment.GatewayTransactionID)
			assert.Equal(t, tc.wantOrder, f.order(order.ID).Status)
		})
	}
}

func TestInitiateChargeResumesOpenAttempt(t *testing.T) {
	router := &stubChargeRouter{gateway: "stripe", result: payments.ChargeResult{Status: payments.StatusPending, GatewayTransactionID: "pi_1"}}
	f := newFixture(t, withGateways(router))
	order := f.place(domain.PaymentMethodCreditCard, "")
	ctx := context.Background()

	first, err := f.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: order.ID, Actor: customerActor})
	require.NoError(t, err)
	second, err := f.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: order.ID, Actor: customerActor})
	require.NoError(t, err)

	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	require.Len(t, router.requests, 2)
	assert.Equal(t, router.requests[0].IdempotencyKey, router.requests[1].IdempotencyKey)

	all, err := f.store.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInitiateChargeSizesAroundOpenAttempts(t *testing.T) {
	router := &stubChargeRouter{gateway: "stripe", result: payments.ChargeResult{Status: payments.StatusPending}}
	f := newFixture(t, withGateways(router))
	order := f.place(domain.PaymentMethodCreditCard, "")
	ctx := context.Background()

	_, err := f.payments.RecordAttempt(ctx, RecordAttemptCommand{
		OrderID: order.ID, Method: order.PaymentMethod, Amount: dec("112.50"), TransactionID: "txn-open", Gateway: "stripe",
	})
	require.NoError(t, err)

	_, err = f.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: order.ID, TransactionID: "txn-new", Actor: customerActor})
	require.NoError(t, err)
	require.Len(t, router.requests, 1)
	assert.Equal(t, "200.00", router.requests[0].Amount.StringFixed(2))
}

func TestInitiateChargeGuards(t *testing.T) {
	router := &stubChargeRouter{gateway: "stripe", result: payments.ChargeResult{Status: payments.StatusPending}}
	f := newFixture(t, withGateways(router))
	ctx := context.Background()

	cash := f.place(domain.PaymentMethodCOD, "")
	_, err := f.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: cash.ID, Actor: customerActor})
	require.ErrorIs(t, err, ErrValidation)

	card := f.place(domain.PaymentMethodCreditCard, "")
	_, err = f.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: card.ID, Actor: Actor{UserID: "user-2", Role: RoleCustomer}})
	require.ErrorIs(t, err, ErrForbidden)

	unrouted := newFixture(t, withGateways(&stubChargeRouter{}))
	upi := unrouted.place(domain.PaymentMethodUPI, "")
	_, err = unrouted.payments.InitiateCharge(ctx, InitiateChargeCommand{OrderID: upi.ID, Actor: customerActor})
	require.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, router.requests)
}

func TestListPaymentsRequiresOwner(t *testing.T) {
	f := newFixture(t)
	order := f.place(domain.PaymentMethodCOD, "")
	ctx := context.Background()

	list, err := f.payments.ListPayments(ctx, order.ID, customerActor)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.payments.ListPayments(ctx, order.ID, Actor{UserID: "user-2", Role: RoleCustomer})
	assert.True(t, errors.Is(err, ErrForbidden))
}
