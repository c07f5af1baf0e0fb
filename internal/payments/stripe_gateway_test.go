package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

type stubIntents struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (s *stubIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	return s.intent, s.err
}

type stubRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return s.refund, nil
}

func TestStripeGatewayChargeCreatesIntent(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		ClientSecret: "pi_123_secret",
	}}
	gw, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{intents: intents, refunds: &stubRefunds{}}})
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}

	result, err := gw.Charge(context.Background(), ChargeRequest{
		OrderID:        "ord_1",
		OrderNumber:    "ORD-20240501-123456",
		Method:         domain.PaymentMethodCreditCard,
		Amount:         decimal.RequireFromString("312.50"),
		TransactionID:  "txn_1",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result.Status != StatusPending || result.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := *intents.params.Amount; got != 31250 {
		t.Fatalf("expected 31250 paise, got %d", got)
	}
	if got := *intents.params.Currency; got != "inr" {
		t.Fatalf("expected inr, got %s", got)
	}
	if intents.params.Metadata[MetadataTransactionID] != "txn_1" {
		t.Fatalf("expected transaction id metadata, got %v", intents.params.Metadata)
	}
}

func TestStripeGatewayClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "card", err: &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: http.StatusPaymentRequired}, want: ErrDeclined},
		{name: "server", err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, want: ErrUnavailable},
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, want: ErrUnavailable},
		{name: "network", err: errors.New("dial tcp: i/o timeout"), want: ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{
				intents: &stubIntents{err: tc.err},
				refunds: &stubRefunds{},
			}})
			if err != nil {
				t.Fatalf("NewStripeGateway: %v", err)
			}
			_, err = gw.Charge(context.Background(), ChargeRequest{Amount: decimal.NewFromInt(1)})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStripeGatewayRefund(t *testing.T) {
	refunds := &stubRefunds{refund: &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}}
	gw, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{intents: &stubIntents{}, refunds: refunds}})
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}
	result, err := gw.Refund(context.Background(), RefundRequest{
		GatewayTransactionID: "pi_123",
		Amount:               decimal.RequireFromString("50.25"),
		Reason:               "order_cancelled",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if result.Status != StatusSucceeded || *refunds.params.Amount != 5025 {
		t.Fatalf("unexpected refund %+v amount %d", result, *refunds.params.Amount)
	}
	if *refunds.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("unexpected reason %s", *refunds.params.Reason)
	}
}

func signStripePayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestParseStripeWebhook(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"transaction_id":"txn_1"}}}}`)

	event, err := ParseStripeWebhook(payload, signStripePayload(payload, secret, time.Now()), secret)
	if err != nil {
		t.Fatalf("ParseStripeWebhook: %v", err)
	}
	if event.TransactionID != "txn_1" || event.GatewayTransactionID != "pi_123" || event.Status != StatusSucceeded {
		t.Fatalf("unexpected event %+v", event)
	}

	if _, err := ParseStripeWebhook(payload, signStripePayload(payload, "wrong", time.Now()), secret); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestParseStripeWebhookIgnoresOtherEvents(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{}}}`)
	_, err := ParseStripeWebhook(payload, signStripePayload(payload, secret, time.Now()), secret)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("expected ErrIgnoredEvent, got %v", err)
	}
}

func TestParseStripeWebhookFailureIsNotTerminal(t *testing.T) {
	secret := "whsec_test"
	failed := []byte(`{"id":"evt_3","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"transaction_id":"txn_1"}}}}`)
	if _, err := ParseStripeWebhook(failed, signStripePayload(failed, secret, time.Now()), secret); !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("expected a failed attempt to be ignored, got %v", err)
	}

	canceled := []byte(`{"id":"evt_4","object":"event","type":"payment_intent.canceled","data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"transaction_id":"txn_1"}}}}`)
	event, err := ParseStripeWebhook(canceled, signStripePayload(canceled, secret, time.Now()), secret)
	if err != nil {
		t.Fatalf("ParseStripeWebhook: %v", err)
	}
	if event.Status != StatusFailed {
		t.Fatalf("expected canceled intent to fail the payment, got %s", event.Status)
	}
}
