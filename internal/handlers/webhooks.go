package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Antinna/HTTP-3/internal/payments"
	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/platform/requestctx"
	"github.com/Antinna/HTTP-3/internal/services"
)

const (
	maxWebhookBodySize    = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives payment outcomes from gateways and feeds them to the reconciler.
type WebhookHandlers struct {
	payments         services.PaymentReconciler
	stripeSecret     string
	gatewaySignature func(http.Handler) http.Handler
}

// WebhookOption configures WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithStripeWebhookSecret enables POST /webhooks/payments/stripe.
func WithStripeWebhookSecret(secret string) WebhookOption {
	return func(h *WebhookHandlers) { h.stripeSecret = strings.TrimSpace(secret) }
}

// WithGatewaySignature enables POST /webhooks/payments/gateway behind the given HMAC middleware.
func WithGatewaySignature(mw func(http.Handler) http.Handler) WebhookOption {
	return func(h *WebhookHandlers) { h.gatewaySignature = mw }
}

// NewWebhookHandlers constructs WebhookHandlers.
func NewWebhookHandlers(reconciler services.PaymentReconciler, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{payments: reconciler}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints. The generic gateway callback is only mounted when a signature
// verifier is configured.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.stripeSecret != "" {
		r.Post("/payments/stripe", h.stripeWebhook)
	}
	if h.gatewaySignature != nil {
		r.With(h.gatewaySignature).Post("/payments/gateway", h.gatewayCallback)
	}
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeUnavailable(ctx, w, "payment")
		return
	}
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	event, err := payments.ParseStripeWebhook(body, r.Header.Get(stripeSignatureHeader), h.stripeSecret)
	switch {
	case errors.Is(err, payments.ErrIgnoredEvent):
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored", "type": event.Type})
		return
	case err != nil:
		requestctx.Logger(ctx).Warn("stripe webhook rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", "webhook could not be verified", http.StatusBadRequest))
		return
	}

	h.confirm(w, r, services.ConfirmPaymentCommand{
		TransactionID:        event.TransactionID,
		Outcome:              outcomeFor(event.Status),
		GatewayTransactionID: event.GatewayTransactionID,
		ReceiptURL:           event.ReceiptURL,
		GatewayResponse:      event.Raw,
	})
}

func (h *WebhookHandlers) gatewayCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeUnavailable(ctx, w, "payment")
		return
	}
	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}
	note, status, err := payments.ParseCallbackNotification(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	h.confirm(w, r, services.ConfirmPaymentCommand{
		TransactionID:        note.TransactionID,
		Outcome:              outcomeFor(status),
		GatewayTransactionID: note.GatewayTransactionID,
		ReceiptURL:           note.ReceiptURL,
		GatewayResponse: map[string]any{
			"transactionId":        note.TransactionID,
			"gatewayTransactionId": note.GatewayTransactionID,
			"status":               note.Status,
		},
	})
}

// confirm settles the payment. Confirm is idempotent, so gateway redeliveries get the same 200.
func (h *WebhookHandlers) confirm(w http.ResponseWriter, r *http.Request, cmd services.ConfirmPaymentCommand) {
	ctx := r.Context()
	payment, err := h.payments.Confirm(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment": buildPaymentPayload(payment)})
}

func outcomeFor(status payments.Status) services.PaymentOutcome {
	if status == payments.StatusSucceeded {
		return services.PaymentOutcomeCompleted
	}
	return services.PaymentOutcomeFailed
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return nil, false
	}
	if len(body) > maxWebhookBodySize {
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return nil, false
	}
	return body, true
}
