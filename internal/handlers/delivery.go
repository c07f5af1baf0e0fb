package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/auth"
	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/services"
)

const maxDeliveryBodySize = 2 * 1024

// DeliveryHandlers serves the delivery person's self-service endpoints.
type DeliveryHandlers struct {
	authn     *auth.Authenticator
	personnel services.PersonnelService
	orders    services.OrderService
}

// NewDeliveryHandlers constructs DeliveryHandlers.
func NewDeliveryHandlers(authn *auth.Authenticator, personnel services.PersonnelService, orders services.OrderService) *DeliveryHandlers {
	return &DeliveryHandlers{authn: authn, personnel: personnel, orders: orders}
}

// Routes registers the /delivery endpoints.
func (h *DeliveryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser(auth.RoleDeliveryPerson))
	}
	r.Get("/me", h.getProfile)
	r.Put("/me/location", h.updateLocation)
	r.Put("/me/availability", h.updateAvailability)
	r.Get("/me/orders", h.listAssignedOrders)
	r.Post("/orders/{orderID}:pickup", h.transitionTo(domain.OrderStatusOutForDelivery))
	r.Post("/orders/{orderID}:deliver", h.transitionTo(domain.OrderStatusDelivered))
}

func (h *DeliveryHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.personnel == nil {
		writeUnavailable(ctx, w, "personnel")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	person, err := h.personnel.Me(ctx, actor.UserID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"delivery_person": buildPersonnelPayload(person)})
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (h *DeliveryHandlers) updateLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.personnel == nil {
		writeUnavailable(ctx, w, "personnel")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !decodeBody(w, r, &req, maxDeliveryBodySize) {
		return
	}
	if req.Lat == nil || req.Lng == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "lat and lng are required", http.StatusBadRequest))
		return
	}

	person, err := h.personnel.UpdateLocation(ctx, actor.UserID, domain.Coordinates{Lat: *req.Lat, Lng: *req.Lng})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"delivery_person": buildPersonnelPayload(person)})
}

type availabilityRequest struct {
	Status string `json:"status"`
}

func (h *DeliveryHandlers) updateAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.personnel == nil {
		writeUnavailable(ctx, w, "personnel")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req availabilityRequest
	if !decodeBody(w, r, &req, maxDeliveryBodySize) {
		return
	}
	status := domain.DeliveryStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != domain.DeliveryStatusAvailable && status != domain.DeliveryStatusOffline {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be available or offline", http.StatusBadRequest))
		return
	}

	person, err := h.personnel.SetAvailability(ctx, actor.UserID, status)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"delivery_person": buildPersonnelPayload(person)})
}

func (h *DeliveryHandlers) listAssignedOrders(w http.ResponseWriter, r *http.Request) {
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

// transitionTo moves an assigned order forward. The service checks that the caller is the assignee.
func (h *DeliveryHandlers) transitionTo(target domain.OrderStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
		order, err := h.orders.Transition(ctx, services.TransitionCommand{
			OrderID: orderID,
			Target:  target,
			Actor:   actor,
		})
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
	}
}
