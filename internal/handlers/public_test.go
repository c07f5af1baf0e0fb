package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

type stubMenuService struct {
	menu services.Menu
	err  error
}

func (s *stubMenuService) Menu(context.Context) (services.Menu, error) {
	return s.menu, s.err
}

func newPublicRouter(h *PublicHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/public", h.Routes)
	return router
}

func TestPublicHandlersMenu(t *testing.T) {
	menu := &stubMenuService{menu: services.Menu{
		Categories: []services.MenuSection{
			{
				Category: domain.MenuCategory{ID: "cat-1", Name: "Starters"},
				Items: []domain.MenuItem{
					{ID: "menu-1", Name: "Paneer Tikka", Price: decimal.RequireFromString("249.5"), IsVegetarian: true, SpiceLevel: 2},
				},
			},
		},
	}}
	router := newPublicRouter(NewPublicHandlers(WithPublicMenuService(menu)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/public/menu", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=60") {
		t.Fatalf("expected cache header, got %q", cc)
	}
	var resp menuResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Categories) != 1 || len(resp.Categories[0].Items) != 1 {
		t.Fatalf("unexpected menu %#v", resp)
	}
	item := resp.Categories[0].Items[0]
	if item.Price != "249.50" || !item.IsVegetarian || item.SpiceLevel != 2 {
		t.Fatalf("unexpected item %#v", item)
	}
}

func TestPublicHandlersMenuUnavailable(t *testing.T) {
	router := newPublicRouter(NewPublicHandlers())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/public/menu", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestPublicHandlersQuote(t *testing.T) {
	var captured services.QuoteCommand
	orders := &stubOrderService{
		quoteFn: func(_ context.Context, cmd services.QuoteCommand) (services.Quote, error) {
			captured = cmd
			return services.Quote{
				Pricing: domain.PricingResult{
					Subtotal:    decimal.RequireFromString("180"),
					TaxAmount:   decimal.RequireFromString("9"),
					DeliveryFee: decimal.RequireFromString("40"),
					TipAmount:   decimal.Zero,
					TotalAmount: decimal.RequireFromString("229"),
				},
				DistanceKM:   decimal.RequireFromString("3.456"),
				WithinRadius: true,
				MeetsMinimum: false,
				Minimum:      decimal.RequireFromString("200"),
			}, nil
		},
	}
	router := newPublicRouter(NewPublicHandlers(WithPublicOrderService(orders)))

	body := `{"items":[{"menu_item_id":"menu-1","quantity":1}],"delivery_address":{"line1":"1 Main St","city":"Pune","location":{"lat":18.5,"lng":73.8}}}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/public/quote", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Items) != 1 || captured.DeliveryAddress.City != "Pune" {
		t.Fatalf("unexpected quote command %#v", captured)
	}
	var resp quoteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Totals.TotalAmount != "229.00" || resp.DistanceKM != "3.46" {
		t.Fatalf("unexpected totals %#v", resp)
	}
	if resp.Deliverable {
		t.Fatalf("expected quote below minimum to be undeliverable")
	}
	if resp.MinimumOrder != "200.00" {
		t.Fatalf("expected minimum 200.00, got %s", resp.MinimumOrder)
	}
}

func TestPublicHandlersQuoteValidationError(t *testing.T) {
	orders := &stubOrderService{
		quoteFn: func(context.Context, services.QuoteCommand) (services.Quote, error) {
			return services.Quote{}, errors.Join(services.ErrValidation, errors.New("quantity must be positive"))
		},
	}
	router := newPublicRouter(NewPublicHandlers(WithPublicOrderService(orders)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/public/quote", strings.NewReader(`{"items":[{"menu_item_id":"menu-1","quantity":0}]}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPublicHandlersOrderStatuses(t *testing.T) {
	router := newPublicRouter(NewPublicHandlers())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/public/order-statuses", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Statuses []statusPresentation `json:"statuses"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Statuses) != len(domain.OrderStatuses) {
		t.Fatalf("expected %d statuses, got %d", len(domain.OrderStatuses), len(resp.Statuses))
	}
	if resp.Statuses[0].Value != string(domain.OrderStatusPending) {
		t.Fatalf("expected pending first, got %s", resp.Statuses[0].Value)
	}
}

func TestPublicHandlersPaymentMethodsAvailableFilter(t *testing.T) {
	supports := func(m domain.PaymentMethod) bool {
		return m == domain.PaymentMethodCOD || m == domain.PaymentMethodCreditCard
	}
	router := newPublicRouter(NewPublicHandlers(WithPaymentMethodSupport(supports)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/public/payment-methods?available=true", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		PaymentMethods []paymentMethodPresentation `json:"payment_methods"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.PaymentMethods) != 2 {
		t.Fatalf("expected 2 available methods, got %#v", resp.PaymentMethods)
	}
	for _, m := range resp.PaymentMethods {
		if !m.Available {
			t.Fatalf("unexpected unavailable method %s", m.Value)
		}
	}
}
