package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/auth"
	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/platform/requestctx"
	"github.com/Antinna/HTTP-3/internal/services"
)

const (
	transientRetryAfter = time.Second
	exhaustedRetryAfter = 5 * time.Second
)

// writeServiceError maps service sentinels onto the JSON error envelope. ErrExhaustedRetry is checked before
// ErrTransient because exhausted retries usually wrap the last transient failure.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrExhaustedRetry):
		httpx.WriteError(ctx, w, httpx.NewError("retry_exhausted", "the request could not be completed, try again shortly", http.StatusServiceUnavailable).
			WithRetryAfter(exhaustedRetryAfter))
	case errors.Is(err, services.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		requestctx.Logger(ctx).Warn("transient failure", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "temporarily unavailable, retry the request", http.StatusServiceUnavailable).
			WithRetryAfter(transientRetryAfter))
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", strings.ReplaceAll(name, "_", " ")+" service unavailable", http.StatusServiceUnavailable))
}

// actorFromRequest converts the verified identity into a service actor. It writes a 401 and returns false when
// the request carries none.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	role := services.Role(identity.Role)
	if role == "" {
		role = services.RoleCustomer
	}
	return services.Actor{UserID: strings.TrimSpace(identity.UID), Role: role}, true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func money(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePointer(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type coordinatesPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type addressPayload struct {
	Line1      string             `json:"line1"`
	Line2      string             `json:"line2,omitempty"`
	City       string             `json:"city"`
	State      string             `json:"state,omitempty"`
	PostalCode string             `json:"postal_code,omitempty"`
	Landmark   string             `json:"landmark,omitempty"`
	Location   coordinatesPayload `json:"location"`
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      strings.TrimSpace(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      strings.TrimSpace(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Landmark:   strings.TrimSpace(p.Landmark),
		Location:   domain.Coordinates{Lat: p.Location.Lat, Lng: p.Location.Lng},
	}
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Landmark:   addr.Landmark,
		Location:   coordinatesPayload{Lat: addr.Location.Lat, Lng: addr.Location.Lng},
	}
}

type cartLinePayload struct {
	MenuItemID     string            `json:"menu_item_id"`
	Quantity       int               `json:"quantity"`
	Customizations map[string]string `json:"customizations,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
}

func toCartLines(items []cartLinePayload) []services.CartLine {
	lines := make([]services.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, services.CartLine{
			MenuItemID:     strings.TrimSpace(item.MenuItemID),
			Quantity:       item.Quantity,
			Customizations: item.Customizations,
			Instructions:   item.Instructions,
		})
	}
	return lines
}

type orderItemPayload struct {
	ID             string            `json:"id"`
	MenuItemID     string            `json:"menu_item_id"`
	Name           string            `json:"name"`
	Quantity       int               `json:"quantity"`
	UnitPrice      string            `json:"unit_price"`
	LineTotal      string            `json:"line_total"`
	Customizations map[string]string `json:"customizations,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
}

func buildOrderItems(items []domain.OrderItem) []orderItemPayload {
	out := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, orderItemPayload{
			ID:             item.ID,
			MenuItemID:     item.MenuItemID,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPrice:      money(item.UnitPrice),
			LineTotal:      money(item.LineTotal),
			Customizations: item.Customizations,
			Instructions:   item.Instructions,
		})
	}
	return out
}

type orderTotalsPayload struct {
	Subtotal    string `json:"subtotal"`
	TaxAmount   string `json:"tax_amount"`
	DeliveryFee string `json:"delivery_fee"`
	TipAmount   string `json:"tip_amount"`
	TotalAmount string `json:"total_amount"`
}

func buildTotals(p domain.PricingResult) orderTotalsPayload {
	return orderTotalsPayload{
		Subtotal:    money(p.Subtotal),
		TaxAmount:   money(p.TaxAmount),
		DeliveryFee: money(p.DeliveryFee),
		TipAmount:   money(p.TipAmount),
		TotalAmount: money(p.TotalAmount),
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                    string             `json:"id"`
	OrderNumber           string             `json:"order_number"`
	UserID                string             `json:"user_id"`
	Status                string             `json:"status"`
	StatusInfo            statusPresentation `json:"status_info"`
	PaymentStatus         string             `json:"payment_status"`
	PaymentMethod         string             `json:"payment_method"`
	Totals                orderTotalsPayload `json:"totals"`
	DeliveryAddress       addressPayload     `json:"delivery_address"`
	DeliveryDistanceKM    string             `json:"delivery_distance_km"`
	DeliveryPersonID      string             `json:"delivery_person_id,omitempty"`
	EstimatedDeliveryTime string             `json:"estimated_delivery_time,omitempty"`
	ActualDeliveryTime    string             `json:"actual_delivery_time,omitempty"`
	SpecialInstructions   string             `json:"special_instructions,omitempty"`
	CancelReason          string             `json:"cancel_reason,omitempty"`
	Items                 []orderItemPayload `json:"items"`
	CreatedAt             string             `json:"created_at"`
	UpdatedAt             string             `json:"updated_at,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:                    order.ID,
		OrderNumber:           order.OrderNumber,
		UserID:                order.UserID,
		Status:                string(order.Status),
		StatusInfo:            presentStatus(order.Status),
		PaymentStatus:         string(order.PaymentStatus),
		PaymentMethod:         string(order.PaymentMethod),
		DeliveryAddress:       buildAddressPayload(order.DeliveryAddress),
		DeliveryDistanceKM:    order.DeliveryDistanceKM.StringFixed(2),
		EstimatedDeliveryTime: formatTimePointer(order.EstimatedDeliveryTime),
		ActualDeliveryTime:    formatTimePointer(order.ActualDeliveryTime),
		SpecialInstructions:   order.SpecialInstructions,
		CancelReason:          order.CancelReason,
		Items:                 buildOrderItems(order.Items),
		CreatedAt:             formatTime(order.CreatedAt),
		UpdatedAt:             formatTime(order.UpdatedAt),
		Totals: orderTotalsPayload{
			Subtotal:    money(order.Subtotal),
			TaxAmount:   money(order.TaxAmount),
			DeliveryFee: money(order.DeliveryFee),
			TipAmount:   money(order.TipAmount),
			TotalAmount: money(order.TotalAmount),
		},
	}
	if order.HasDeliveryPerson() {
		payload.DeliveryPersonID = *order.DeliveryPersonID
	}
	return payload
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	TotalAmount   string `json:"total_amount"`
	ItemCount     int    `json:"item_count"`
	CreatedAt     string `json:"created_at"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

func buildOrderList(page domain.CursorPage[domain.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		count := 0
		for _, item := range order.Items {
			count += item.Quantity
		}
		items = append(items, orderSummaryPayload{
			ID:            order.ID,
			OrderNumber:   order.OrderNumber,
			Status:        string(order.Status),
			PaymentStatus: string(order.PaymentStatus),
			TotalAmount:   money(order.TotalAmount),
			ItemCount:     count,
			CreatedAt:     formatTime(order.CreatedAt),
		})
	}
	return orderListResponse{Items: items, NextPageToken: strings.TrimSpace(page.NextPageToken)}
}

type paymentPayload struct {
	ID                   string `json:"id"`
	OrderID              string `json:"order_id"`
	Method               string `json:"method"`
	Gateway              string `json:"gateway"`
	TransactionID        string `json:"transaction_id"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
	Amount               string `json:"amount"`
	RefundedAmount       string `json:"refunded_amount"`
	Status               string `json:"status"`
	ReceiptURL           string `json:"receipt_url,omitempty"`
	PaidAt               string `json:"paid_at,omitempty"`
	CreatedAt            string `json:"created_at"`
}

func buildPaymentPayload(p domain.Payment) paymentPayload {
	return paymentPayload{
		ID:                   p.ID,
		OrderID:              p.OrderID,
		Method:               string(p.Method),
		Gateway:              p.Gateway,
		TransactionID:        p.TransactionID,
		GatewayTransactionID: p.GatewayTransactionID,
		Amount:               money(p.Amount),
		RefundedAmount:       money(p.RefundedAmount),
		Status:               string(p.Status),
		ReceiptURL:           p.ReceiptURL,
		PaidAt:               formatTimePointer(p.PaidAt),
		CreatedAt:            formatTime(p.CreatedAt),
	}
}

type personnelPayload struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	Name              string              `json:"name"`
	Phone             string              `json:"phone"`
	VehicleType       string              `json:"vehicle_type,omitempty"`
	VehicleNumber     string              `json:"vehicle_number,omitempty"`
	Status            string              `json:"status"`
	Location          *coordinatesPayload `json:"location,omitempty"`
	LocationUpdatedAt string              `json:"location_updated_at,omitempty"`
	Rating            string              `json:"rating"`
	TotalDeliveries   int                 `json:"total_deliveries"`
	TotalEarnings     string              `json:"total_earnings"`
	IsActive          bool                `json:"is_active"`
}

func buildPersonnelPayload(p domain.DeliveryPersonnel) personnelPayload {
	payload := personnelPayload{
		ID:                p.ID,
		UserID:            p.UserID,
		Name:              p.Name,
		Phone:             p.Phone,
		VehicleType:       p.VehicleType,
		VehicleNumber:     p.VehicleNumber,
		Status:            string(p.Status),
		LocationUpdatedAt: formatTimePointer(p.LocationUpdatedAt),
		Rating:            p.Rating.StringFixed(1),
		TotalDeliveries:   p.TotalDeliveries,
		TotalEarnings:     money(p.TotalEarnings),
		IsActive:          p.IsActive,
	}
	if p.Location != nil {
		payload.Location = &coordinatesPayload{Lat: p.Location.Lat, Lng: p.Location.Lng}
	}
	return payload
}

// decodeBody decodes a JSON body and writes the 400 itself.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	if err := httpx.DecodeJSON(r, dst, limit); err != nil {
		httpx.WriteError(r.Context(), w, *err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, dst, limit)
}
