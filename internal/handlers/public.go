package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

const maxQuoteBodySize = 32 * 1024

// PublicHandlers serves unauthenticated catalog and pricing endpoints.
type PublicHandlers struct {
	menu     services.MenuService
	orders   services.OrderService
	supports func(domain.PaymentMethod) bool
}

// PublicOption configures PublicHandlers.
type PublicOption func(*PublicHandlers)

// WithPublicMenuService sets the menu reader.
func WithPublicMenuService(svc services.MenuService) PublicOption {
	return func(h *PublicHandlers) { h.menu = svc }
}

// WithPublicOrderService sets the service used for quotes.
func WithPublicOrderService(svc services.OrderService) PublicOption {
	return func(h *PublicHandlers) { h.orders = svc }
}

// WithPaymentMethodSupport marks which payment methods have a routed gateway.
func WithPaymentMethodSupport(supports func(domain.PaymentMethod) bool) PublicOption {
	return func(h *PublicHandlers) { h.supports = supports }
}

// NewPublicHandlers constructs the public handlers.
func NewPublicHandlers(opts ...PublicOption) *PublicHandlers {
	h := &PublicHandlers{}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/menu", h.getMenu)
	r.Post("/quote", h.quote)
	r.Get("/order-statuses", h.listOrderStatuses)
	r.Get("/payment-methods", h.listPaymentMethods)
}

type menuItemPayload struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Price           string   `json:"price"`
	ImageURL        string   `json:"image_url,omitempty"`
	IsVegetarian    bool     `json:"is_vegetarian"`
	IsVegan         bool     `json:"is_vegan"`
	IsGlutenFree    bool     `json:"is_gluten_free"`
	SpiceLevel      int      `json:"spice_level"`
	Ingredients     []string `json:"ingredients,omitempty"`
	Allergens       []string `json:"allergens,omitempty"`
	PrepTimeMinutes int      `json:"prep_time_minutes"`
}

type menuSectionPayload struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Items       []menuItemPayload `json:"items"`
}

type menuResponse struct {
	Categories []menuSectionPayload `json:"categories"`
}

func (h *PublicHandlers) getMenu(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.menu == nil {
		writeUnavailable(ctx, w, "menu")
		return
	}
	menu, err := h.menu.Menu(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := menuResponse{Categories: make([]menuSectionPayload, 0, len(menu.Categories))}
	for _, section := range menu.Categories {
		items := make([]menuItemPayload, 0, len(section.Items))
		for _, item := range section.Items {
			items = append(items, menuItemPayload{
				ID:              item.ID,
				Name:            item.Name,
				Description:     item.Description,
				Price:           money(item.Price),
				ImageURL:        item.ImageURL,
				IsVegetarian:    item.IsVegetarian,
				IsVegan:         item.IsVegan,
				IsGlutenFree:    item.IsGlutenFree,
				SpiceLevel:      item.SpiceLevel,
				Ingredients:     item.Ingredients,
				Allergens:       item.Allergens,
				PrepTimeMinutes: item.PrepTimeMinutes,
			})
		}
		resp.Categories = append(resp.Categories, menuSectionPayload{
			ID:          section.Category.ID,
			Name:        section.Category.Name,
			Description: section.Category.Description,
			Items:       items,
		})
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSONResponse(w, http.StatusOK, resp)
}

type quoteRequest struct {
	Items           []cartLinePayload `json:"items"`
	DeliveryAddress addressPayload    `json:"delivery_address"`
	Tip             decimal.Decimal   `json:"tip"`
}

type quoteResponse struct {
	Totals       orderTotalsPayload `json:"totals"`
	Items        []orderItemPayload `json:"items"`
	DistanceKM   string             `json:"distance_km"`
	WithinRadius bool               `json:"within_radius"`
	MeetsMinimum bool               `json:"meets_minimum"`
	MinimumOrder string             `json:"minimum_order"`
	Deliverable  bool               `json:"deliverable"`
}

func (h *PublicHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	var req quoteRequest
	if !decodeBody(w, r, &req, maxQuoteBodySize) {
		return
	}

	quote, err := h.orders.Quote(ctx, services.QuoteCommand{
		Items:           toCartLines(req.Items),
		DeliveryAddress: req.DeliveryAddress.toDomain(),
		Tip:             req.Tip,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, quoteResponse{
		Totals:       buildTotals(quote.Pricing),
		Items:        buildOrderItems(quote.Lines),
		DistanceKM:   quote.DistanceKM.StringFixed(2),
		WithinRadius: quote.WithinRadius,
		MeetsMinimum: quote.MeetsMinimum,
		MinimumOrder: money(quote.Minimum),
		Deliverable:  quote.WithinRadius && quote.MeetsMinimum,
	})
}

func (h *PublicHandlers) listOrderStatuses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSONResponse(w, http.StatusOK, map[string]any{"statuses": statusCatalog()})
}

func (h *PublicHandlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods := paymentMethodCatalog(h.supports)
	if filter := strings.TrimSpace(r.URL.Query().Get("available")); filter == "true" {
		available := methods[:0]
		for _, m := range methods {
			if m.Available {
				available = append(available, m)
			}
		}
		methods = available
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment_methods": methods})
}
