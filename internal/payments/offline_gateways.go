package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CashGatewayName identifies cash-on-delivery collection.
	CashGatewayName = "cod"
	// CallbackGatewayName identifies the redirect-and-callback aggregator used for UPI, net banking and wallets.
	CallbackGatewayName = "aggregator"
)

// CashGateway records cash-on-delivery. Nothing is collected up front; the rider settles at the door.
type CashGateway struct{}

var _ Gateway = CashGateway{}

// Name identifies the gateway.
func (CashGateway) Name() string { return CashGatewayName }

// Charge returns a pending collection keyed by the transaction id.
func (CashGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	return ChargeResult{
		GatewayTransactionID: "cod_" + req.TransactionID,
		Status:               StatusPending,
	}, nil
}

// Refund of cash is settled by hand; the request is acknowledged as pending.
func (CashGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{
		RefundID: "cod_refund_" + uuid.NewString(),
		Status:   StatusPending,
		Raw:      map[string]any{"manual": true, "amount": req.Amount.StringFixed(2)},
	}, nil
}

// CallbackGatewayConfig configures the CallbackGateway.
type CallbackGatewayConfig struct {
	// CheckoutURL is the aggregator page the customer is redirected to.
	CheckoutURL string
	// Secret signs the redirect so the aggregator can verify the amount.
	Secret string
	Clock  func() time.Time
}

// CallbackGateway hands the customer to an external aggregator and waits for its signed callback.
type CallbackGateway struct {
	checkoutURL string
	secret      []byte
	clock       func() time.Time
}

var _ Gateway = (*CallbackGateway)(nil)

// NewCallbackGateway constructs the aggregator gateway.
func NewCallbackGateway(cfg CallbackGatewayConfig) (*CallbackGateway, error) {
	if strings.TrimSpace(cfg.CheckoutURL) == "" {
		return nil, errors.New("aggregator: checkout url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("aggregator: signing secret is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CallbackGateway{
		checkoutURL: strings.TrimRight(strings.TrimSpace(cfg.CheckoutURL), "/"),
		secret:      []byte(cfg.Secret),
		clock:       clock,
	}, nil
}

// Name identifies the gateway.
func (g *CallbackGateway) Name() string { return CallbackGatewayName }

// Charge builds a signed redirect. The outcome arrives later through the gateway webhook.
func (g *CallbackGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	reference := "agg_" + req.TransactionID
	amount := req.Amount.StringFixed(2)
	ts := g.clock().UTC().Unix()

	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d", reference, amount, req.Method, ts)
	signature := hex.EncodeToString(mac.Sum(nil))

	redirect := fmt.Sprintf("%s?ref=%s&amount=%s&method=%s&ts=%d&sig=%s",
		g.checkoutURL, reference, amount, req.Method, ts, signature)
	return ChargeResult{
		GatewayTransactionID: reference,
		Status:               StatusPending,
		RedirectURL:          redirect,
	}, nil
}

// Refund is acknowledged as pending; the aggregator reports the outcome out of band.
func (g *CallbackGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{
		RefundID: "agg_refund_" + uuid.NewString(),
		Status:   StatusPending,
		Raw: map[string]any{
			"reference": req.GatewayTransactionID,
			"amount":    req.Amount.StringFixed(2),
		},
	}, nil
}

// CallbackNotification is the body the aggregator posts to the gateway webhook.
type CallbackNotification struct {
	TransactionID        string `json:"transactionId"`
	GatewayTransactionID string `json:"gatewayTransactionId"`
	Status               string `json:"status"`
	ReceiptURL           string `json:"receiptUrl,omitempty"`
}

// ParseCallbackNotification decodes and normalises an aggregator callback body. Signature checks happen in
// the HMAC middleware before the body reaches this point.
func ParseCallbackNotification(body []byte) (CallbackNotification, Status, error) {
	var note CallbackNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return CallbackNotification{}, "", fmt.Errorf("aggregator: decode callback: %w", err)
	}
	if strings.TrimSpace(note.TransactionID) == "" {
		return CallbackNotification{}, "", errors.New("aggregator: transactionId is required")
	}
	switch strings.ToLower(strings.TrimSpace(note.Status)) {
	case "success", "succeeded", "completed", "paid":
		return note, StatusSucceeded, nil
	case "failure", "failed", "declined", "cancelled":
		return note, StatusFailed, nil
	default:
		return CallbackNotification{}, "", fmt.Errorf("aggregator: unknown status %q", note.Status)
	}
}
