package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeGatewayName is the gateway identifier stored on payments taken through Stripe.
const StripeGatewayName = "stripe"

// MetadataTransactionID carries our transaction id on the PaymentIntent so webhooks can be matched.
const MetadataTransactionID = "transaction_id"

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Currency  string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeGateway takes card and wallet payments through PaymentIntents. Charges start pending and settle when
// the payment_intent webhook arrives.
type StripeGateway struct {
	api      stripeClients
	account  string
	currency string
	logger   StripeLogger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "inr"
	}

	return &StripeGateway{
		api:      clients,
		account:  strings.TrimSpace(cfg.AccountID),
		currency: currency,
		logger:   logger,
	}, nil
}

// Name identifies the gateway.
func (g *StripeGateway) Name() string { return StripeGatewayName }

// Charge creates a PaymentIntent for the order total.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = g.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(req.Amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.OrderNumber != "" {
		params.Description = stripe.String("Order " + req.OrderNumber)
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.Metadata = map[string]string{
		"order_id":            req.OrderID,
		MetadataTransactionID: req.TransactionID,
		"payment_method":      string(req.Method),
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return ChargeResult{}, classifyStripeError("create payment intent", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"status":        intent.Status,
	})

	result := ChargeResult{
		GatewayTransactionID: intent.ID,
		Status:               stripeIntentStatus(intent.Status),
		ClientSecret:         intent.ClientSecret,
		Raw:                  rawJSON(intent),
	}
	if intent.LatestCharge != nil {
		result.ReceiptURL = intent.LatestCharge.ReceiptURL
	}
	return result, nil
}

// Refund returns funds for a PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.GatewayTransactionID),
		Amount:        stripe.Int64(MinorUnits(req.Amount)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, classifyStripeError("refund payment intent", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": req.GatewayTransactionID,
		"refund":        refund.ID,
		"status":        refund.Status,
	})

	status := StatusPending
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		status = StatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = StatusFailed
	}
	return RefundResult{RefundID: refund.ID, Status: status, Raw: rawJSON(refund)}, nil
}

// WebhookEvent is the part of a Stripe event the reconciler acts on.
type WebhookEvent struct {
	ID                   string
	Type                 string
	TransactionID        string
	GatewayTransactionID string
	Status               Status
	ReceiptURL           string
	Raw                  map[string]any
}

// ErrIgnoredEvent is returned for webhook event types that carry no payment outcome.
var ErrIgnoredEvent = errors.New("stripe: ignored event type")

// ParseStripeWebhook verifies the Stripe-Signature header and extracts the payment outcome.
func ParseStripeWebhook(payload []byte, signature, secret string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: verify webhook: %w", err)
	}

	var status Status
	switch string(event.Type) {
	case "payment_intent.succeeded":
		status = StatusSucceeded
	case "payment_intent.canceled":
		status = StatusFailed
	case "payment_intent.payment_failed":
		// The intent returns to requires_payment_method and the customer may still retry it.
		return WebhookEvent{ID: event.ID, Type: string(event.Type)}, ErrIgnoredEvent
	default:
		return WebhookEvent{ID: event.ID, Type: string(event.Type)}, ErrIgnoredEvent
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	out := WebhookEvent{
		ID:                   event.ID,
		Type:                 string(event.Type),
		TransactionID:        intent.Metadata[MetadataTransactionID],
		GatewayTransactionID: intent.ID,
		Status:               status,
		Raw:                  rawJSON(&intent),
	}
	if intent.LatestCharge != nil {
		out.ReceiptURL = intent.LatestCharge.ReceiptURL
	}
	if out.TransactionID == "" {
		return WebhookEvent{}, errors.New("stripe: payment intent has no transaction id metadata")
	}
	return out, nil
}

func stripeIntentStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return fmt.Errorf("%w: stripe: %s: %v", ErrDeclined, op, err)
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.Type == stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: stripe: %s: %v", ErrUnavailable, op, err)
		default:
			return fmt.Errorf("stripe: %s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: stripe: %s: %v", ErrUnavailable, op, err)
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "order_cancelled":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func rawJSON(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}
