package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/auth"
	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/platform/pagination"
	"github.com/Antinna/HTTP-3/internal/services"
)

const (
	maxOrderBodySize       = 64 * 1024
	maxOrderCancelBodySize = 4 * 1024
	maxChargeBodySize      = 2 * 1024
	accessTokenQueryParam  = "access_token"
)

var orderPageOptions = pagination.Options{DefaultPageSize: 20, MaxPageSize: 100}

// LiveFeed streams order events to a websocket client.
type LiveFeed interface {
	Serve(w http.ResponseWriter, r *http.Request, topic string)
}

// OrderHandlers exposes customer order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	payments    services.PaymentReconciler
	live        LiveFeed
	idempotency func(http.Handler) http.Handler
}

// OrderOption configures OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderPayments enables the charge endpoints.
func WithOrderPayments(svc services.PaymentReconciler) OrderOption {
	return func(h *OrderHandlers) { h.payments = svc }
}

// WithOrderLiveFeed enables GET /orders/{id}/live.
func WithOrderLiveFeed(feed LiveFeed) OrderOption {
	return func(h *OrderHandlers) { h.live = feed }
}

// WithOrderIdempotency guards order creation and charges with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) { h.idempotency = mw }
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. Authentication runs before the idempotency guard so keys are scoped
// to the caller.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(promoteQueryToken)
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	guarded := r
	if h.idempotency != nil {
		guarded = r.With(h.idempotency)
	}

	guarded.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	guarded.Post("/{orderID}/payments", h.initiateCharge)
	r.Get("/{orderID}/payments", h.listPayments)
	r.Get("/{orderID}/live", h.streamOrder)
}

type createOrderRequest struct {
	Items               []cartLinePayload `json:"items"`
	DeliveryAddress     addressPayload    `json:"delivery_address"`
	PaymentMethod       string            `json:"payment_method"`
	Tip                 decimal.Decimal   `json:"tip"`
	SpecialInstructions string            `json:"special_instructions"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	if actor.Role != services.RoleCustomer {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "only customers can place orders", http.StatusForbidden))
		return
	}

	var req createOrderRequest
	if !decodeBody(w, r, &req, maxOrderBodySize) {
		return
	}
	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if !method.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method must be one of cod, upi, debit_card, credit_card, net_banking, digital_wallet", http.StatusBadRequest))
		return
	}

	order, err := h.orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		Actor:               actor,
		Items:               toCartLines(req.Items),
		DeliveryAddress:     req.DeliveryAddress.toDomain(),
		PaymentMethod:       method,
		Tip:                 req.Tip,
		SpecialInstructions: req.SpecialInstructions,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	filter, ok := parseOrderListFilter(w, r)
	if !ok {
		return
	}

	page, err := h.orders.ListOrders(ctx, filter, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if !decodeOptionalBody(w, r, &req, maxOrderCancelBodySize) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type initiateChargeRequest struct {
	TransactionID string `json:"transaction_id"`
}

type chargeResponse struct {
	Payment      paymentPayload `json:"payment"`
	ClientSecret string         `json:"client_secret,omitempty"`
	RedirectURL  string         `json:"redirect_url,omitempty"`
}

func (h *OrderHandlers) initiateCharge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req initiateChargeRequest
	if !decodeOptionalBody(w, r, &req, maxChargeBodySize) {
		return
	}

	outcome, err := h.payments.InitiateCharge(ctx, services.InitiateChargeCommand{
		OrderID:       orderID,
		TransactionID: strings.TrimSpace(req.TransactionID),
		Actor:         actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, chargeResponse{
		Payment:      buildPaymentPayload(outcome.Payment),
		ClientSecret: outcome.ClientSecret,
		RedirectURL:  outcome.RedirectURL,
	})
}

func (h *OrderHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	payments, err := h.payments.ListPayments(ctx, orderID, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]paymentPayload, 0, len(payments))
	for _, p := range payments {
		items = append(items, buildPaymentPayload(p))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

// streamOrder authorises the caller against the order before handing the connection to the live feed.
func (h *OrderHandlers) streamOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.live == nil || h.orders == nil {
		writeUnavailable(ctx, w, "live_tracking")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.orders.GetOrder(ctx, orderID, actor); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.live.Serve(w, r, orderID)
}

// promoteQueryToken lets browsers, which cannot set headers on websocket handshakes, pass the ID token as a
// query parameter.
func promoteQueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) && r.Header.Get("Authorization") == "" {
			if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam)); token != "" {
				r = r.Clone(r.Context())
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

// parseOrderListFilter reads status (repeatable or comma separated), pageSize and pageToken.
func parseOrderListFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	params, err := pagination.FromRequest(r, orderPageOptions)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.OrderListFilter{}, false
	}
	var statuses []domain.OrderStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := domain.OrderStatus(part)
			if !status.Valid() {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "unknown order status "+part, http.StatusBadRequest))
				return services.OrderListFilter{}, false
			}
			statuses = append(statuses, status)
		}
	}
	return services.OrderListFilter{
		Statuses:   statuses,
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}, true
}
