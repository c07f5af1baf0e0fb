package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/auth"
	"github.com/Antinna/HTTP-3/internal/services"
)

type stubPersonnelService struct {
	registerFn     func(context.Context, services.RegisterPersonnelCommand) (domain.DeliveryPersonnel, error)
	listFn         func(context.Context, bool) ([]domain.DeliveryPersonnel, error)
	setActiveFn    func(context.Context, string, bool) (domain.DeliveryPersonnel, error)
	meFn           func(context.Context, string) (domain.DeliveryPersonnel, error)
	locationFn     func(context.Context, string, domain.Coordinates) (domain.DeliveryPersonnel, error)
	availabilityFn func(context.Context, string, domain.DeliveryStatus) (domain.DeliveryPersonnel, error)
}

func (s *stubPersonnelService) Register(ctx context.Context, cmd services.RegisterPersonnelCommand) (domain.DeliveryPersonnel, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, cmd)
	}
	return domain.DeliveryPersonnel{}, errors.New("not implemented")
}

func (s *stubPersonnelService) List(ctx context.Context, activeOnly bool) ([]domain.DeliveryPersonnel, error) {
	if s.listFn != nil {
		return s.listFn(ctx, activeOnly)
	}
	return nil, nil
}

func (s *stubPersonnelService) SetActive(ctx context.Context, personID string, active bool) (domain.DeliveryPersonnel, error) {
	if s.setActiveFn != nil {
		return s.setActiveFn(ctx, personID, active)
	}
	return domain.DeliveryPersonnel{}, errors.New("not implemented")
}

func (s *stubPersonnelService) Me(ctx context.Context, userID string) (domain.DeliveryPersonnel, error) {
	if s.meFn != nil {
		return s.meFn(ctx, userID)
	}
	return domain.DeliveryPersonnel{}, errors.New("not implemented")
}

func (s *stubPersonnelService) UpdateLocation(ctx context.Context, userID string, location domain.Coordinates) (domain.DeliveryPersonnel, error) {
	if s.locationFn != nil {
		return s.locationFn(ctx, userID, location)
	}
	return domain.DeliveryPersonnel{}, errors.New("not implemented")
}

func (s *stubPersonnelService) SetAvailability(ctx context.Context, userID string, status domain.DeliveryStatus) (domain.DeliveryPersonnel, error) {
	if s.availabilityFn != nil {
		return s.availabilityFn(ctx, userID, status)
	}
	return domain.DeliveryPersonnel{}, errors.New("not implemented")
}

func samplePerson(userID string) domain.DeliveryPersonnel {
	return domain.DeliveryPersonnel{
		ID:            "dp-1",
		UserID:        userID,
		Name:          "Ravi",
		Phone:         "+919800000001",
		VehicleType:   "bike",
		Status:        domain.DeliveryStatusAvailable,
		Rating:        decimal.RequireFromString("4.75"),
		TotalEarnings: decimal.RequireFromString("1200"),
		IsActive:      true,
	}
}

func newDeliveryRouter(h *DeliveryHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/delivery", h.Routes)
	return router
}

func TestDeliveryHandlersProfile(t *testing.T) {
	personnel := &stubPersonnelService{
		meFn: func(_ context.Context, userID string) (domain.DeliveryPersonnel, error) {
			return samplePerson(userID), nil
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, personnel, &stubOrderService{}))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/delivery/me", nil), "rider-1", auth.RoleDeliveryPerson)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		DeliveryPerson personnelPayload `json:"delivery_person"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.DeliveryPerson.UserID != "rider-1" || resp.DeliveryPerson.Rating != "4.8" || resp.DeliveryPerson.TotalEarnings != "1200.00" {
		t.Fatalf("unexpected profile %#v", resp.DeliveryPerson)
	}
	if resp.DeliveryPerson.Location != nil {
		t.Fatalf("expected no location, got %#v", resp.DeliveryPerson.Location)
	}
}

func TestDeliveryHandlersUpdateLocation(t *testing.T) {
	var captured domain.Coordinates
	personnel := &stubPersonnelService{
		locationFn: func(_ context.Context, userID string, loc domain.Coordinates) (domain.DeliveryPersonnel, error) {
			captured = loc
			person := samplePerson(userID)
			now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			person.Location = &loc
			person.LocationUpdatedAt = &now
			return person, nil
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, personnel, nil))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/delivery/me/location", strings.NewReader(`{"lat":0,"lng":77.6}`)), "rider-1", auth.RoleDeliveryPerson)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Lat != 0 || captured.Lng != 77.6 {
		t.Fatalf("unexpected coordinates %#v", captured)
	}
	if !strings.Contains(rr.Body.String(), `"location_updated_at":"2024-05-01T12:00:00Z"`) {
		t.Fatalf("expected location timestamp in body, got %s", rr.Body.String())
	}
}

func TestDeliveryHandlersUpdateLocationRequiresBothCoordinates(t *testing.T) {
	personnel := &stubPersonnelService{
		locationFn: func(context.Context, string, domain.Coordinates) (domain.DeliveryPersonnel, error) {
			t.Fatal("UpdateLocation should not be called")
			return domain.DeliveryPersonnel{}, nil
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, personnel, nil))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/delivery/me/location", strings.NewReader(`{"lat":12.9}`)), "rider-1", auth.RoleDeliveryPerson)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDeliveryHandlersAvailability(t *testing.T) {
	var captured domain.DeliveryStatus
	personnel := &stubPersonnelService{
		availabilityFn: func(_ context.Context, userID string, status domain.DeliveryStatus) (domain.DeliveryPersonnel, error) {
			captured = status
			person := samplePerson(userID)
			person.Status = status
			return person, nil
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, personnel, nil))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/delivery/me/availability", strings.NewReader(`{"status":"Offline"}`)), "rider-1", auth.RoleDeliveryPerson)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured != domain.DeliveryStatusOffline {
		t.Fatalf("expected offline, got %s", captured)
	}

	req = withIdentity(httptest.NewRequest(http.MethodPut, "/delivery/me/availability", strings.NewReader(`{"status":"busy"}`)), "rider-1", auth.RoleDeliveryPerson)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected busy to be rejected with 400, got %d", rr.Code)
	}
}

func TestDeliveryHandlersPickupAndDeliver(t *testing.T) {
	var targets []domain.OrderStatus
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.TransitionCommand) (domain.Order, error) {
			if cmd.Actor.Role != services.RoleDeliveryPerson || cmd.Actor.UserID != "rider-1" {
				t.Fatalf("unexpected actor %#v", cmd.Actor)
			}
			targets = append(targets, cmd.Target)
			return sampleOrder(cmd.OrderID, cmd.Target), nil
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, &stubPersonnelService{}, orders))

	for _, path := range []string{"/delivery/orders/ord-1:pickup", "/delivery/orders/ord-1:deliver"} {
		req := withIdentity(httptest.NewRequest(http.MethodPost, path, nil), "rider-1", auth.RoleDeliveryPerson)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rr.Code)
		}
	}

	if len(targets) != 2 || targets[0] != domain.OrderStatusOutForDelivery || targets[1] != domain.OrderStatusDelivered {
		t.Fatalf("unexpected transitions %v", targets)
	}
}

func TestDeliveryHandlersPickupByOtherRider(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.TransitionCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrForbidden
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, &stubPersonnelService{}, orders))

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/delivery/orders/ord-1:pickup", nil), "rider-2", auth.RoleDeliveryPerson)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestDeliveryHandlersAssignedOrders(t *testing.T) {
	var capturedActor services.Actor
	orders := &stubOrderService{
		listFn: func(_ context.Context, _ services.OrderListFilter, actor services.Actor) (domain.CursorPage[domain.Order], error) {
			capturedActor = actor
			return domain.CursorPage[domain.Order]{Items: []domain.Order{sampleOrder("ord-1", domain.OrderStatusOutForDelivery)}}, nil
		},
	}
	router := newDeliveryRouter(NewDeliveryHandlers(nil, &stubPersonnelService{}, orders))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/delivery/me/orders?status=out_for_delivery", nil), "rider-1", auth.RoleDeliveryPerson)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedActor.Role != services.RoleDeliveryPerson {
		t.Fatalf("expected delivery person actor, got %#v", capturedActor)
	}
}
