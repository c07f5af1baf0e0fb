package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/auth"
	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/platform/jobs"
	"github.com/Antinna/HTTP-3/internal/services"
)

const maxAdminBodySize = 16 * 1024

// AdminServices are the services the admin API drives. Nil members disable their endpoints.
type AdminServices struct {
	Orders    services.OrderService
	Payments  services.PaymentReconciler
	Dispatch  services.DispatchService
	Personnel services.PersonnelService
	Settings  services.SettingsService
}

// AdminHandlers serves the staff endpoints under /admin.
type AdminHandlers struct {
	authn *auth.Authenticator
	svc   AdminServices
	live  LiveFeed
}

// NewAdminHandlers constructs AdminHandlers. live may be nil.
func NewAdminHandlers(authn *auth.Authenticator, svc AdminServices, live LiveFeed) *AdminHandlers {
	return &AdminHandlers{authn: authn, svc: svc, live: live}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(promoteQueryToken)
	if h.authn != nil {
		r.Use(h.authn.RequireUser(auth.RoleAdmin))
	}

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}:assign", h.assignOrder)
	r.Post("/orders/{orderID}:dispatch", h.dispatchOrder)
	r.Get("/orders/{orderID}/payments", h.listPayments)
	r.Post("/payments/{paymentID}:refund", h.refundPayment)

	r.Get("/settings", h.listSettings)
	r.Put("/settings", h.updateSettings)

	r.Get("/delivery-personnel", h.listPersonnel)
	r.Post("/delivery-personnel", h.registerPersonnel)
	r.Patch("/delivery-personnel/{personID}", h.updatePersonnel)

	r.Get("/live", h.streamAll)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Orders == nil {
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
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	filter.DeliveryPersonID = strings.TrimSpace(r.URL.Query().Get("delivery_person_id"))

	page, err := h.svc.Orders.ListOrders(ctx, filter, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Orders == nil {
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
	order, err := h.svc.Orders.GetOrder(ctx, orderID, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Orders == nil {
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
	var req transitionRequest
	if !decodeBody(w, r, &req, maxAdminBodySize) {
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	var (
		order domain.Order
		err   error
	)
	if target == domain.OrderStatusCancelled {
		order, err = h.svc.Orders.Cancel(ctx, services.CancelOrderCommand{OrderID: orderID, Actor: actor, Reason: req.Reason})
	} else {
		order, err = h.svc.Orders.Transition(ctx, services.TransitionCommand{OrderID: orderID, Target: target, Actor: actor, Reason: req.Reason})
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Orders == nil {
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
	if !decodeOptionalBody(w, r, &req, maxAdminBodySize) {
		return
	}
	order, err := h.svc.Orders.Cancel(ctx, services.CancelOrderCommand{OrderID: orderID, Actor: actor, Reason: req.Reason})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type assignRequest struct {
	DeliveryPersonID string `json:"delivery_person_id"`
}

func (h *AdminHandlers) assignOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Dispatch == nil {
		writeUnavailable(ctx, w, "dispatch")
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
	var req assignRequest
	if !decodeBody(w, r, &req, maxAdminBodySize) {
		return
	}
	personID := strings.TrimSpace(req.DeliveryPersonID)
	if personID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delivery_person_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.svc.Dispatch.AssignManually(ctx, services.AssignCommand{OrderID: orderID, PersonID: personID, Actor: actor})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type dispatchResultPayload struct {
	OrderID          string `json:"order_id"`
	Assigned         bool   `json:"assigned"`
	DeliveryPersonID string `json:"delivery_person_id,omitempty"`
	Attempts         int    `json:"attempts"`
	Error            string `json:"error,omitempty"`
}

func buildDispatchResult(res services.DispatchResult) dispatchResultPayload {
	payload := dispatchResultPayload{
		OrderID:          res.OrderID,
		Assigned:         res.Assigned(),
		DeliveryPersonID: res.DeliveryPersonID,
		Attempts:         res.Attempts,
	}
	if res.Err != nil {
		payload.Error = res.Err.Error()
	}
	return payload
}

// dispatchOrder runs one automatic dispatch attempt. No free rider is not an error: the response is 202 and
// the order stays ready for the next tick.
func (h *AdminHandlers) dispatchOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Dispatch == nil {
		writeUnavailable(ctx, w, "dispatch")
		return
	}
	if _, ok := actorFromRequest(w, r); !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Dispatch.DispatchOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if !result.Assigned() {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, map[string]any{"dispatch": buildDispatchResult(result)})
}

func (h *AdminHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Payments == nil {
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
	payments, err := h.svc.Payments.ListPayments(ctx, orderID, actor)
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

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *AdminHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Payments == nil {
		writeUnavailable(ctx, w, "payment")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentID"))
	if paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment id is required", http.StatusBadRequest))
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req, maxAdminBodySize) {
		return
	}

	payment, err := h.svc.Payments.Refund(ctx, services.RefundCommand{
		PaymentID: paymentID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		Actor:     actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment": buildPaymentPayload(payment)})
}

type settingPayload struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func buildSettings(settings []domain.SystemSetting) []settingPayload {
	out := make([]settingPayload, 0, len(settings))
	for _, s := range settings {
		out = append(out, settingPayload{
			Key:         s.Key,
			Value:       s.Value,
			Description: s.Description,
			UpdatedBy:   s.UpdatedBy,
			UpdatedAt:   formatTime(s.UpdatedAt),
		})
	}
	return out
}

func (h *AdminHandlers) listSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Settings == nil {
		writeUnavailable(ctx, w, "settings")
		return
	}
	settings, err := h.svc.Settings.List(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"settings": buildSettings(settings)})
}

type updateSettingsRequest struct {
	Values map[string]string `json:"values"`
}

func (h *AdminHandlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Settings == nil {
		writeUnavailable(ctx, w, "settings")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req updateSettingsRequest
	if !decodeBody(w, r, &req, maxAdminBodySize) {
		return
	}
	settings, err := h.svc.Settings.Update(ctx, services.UpdateSettingsCommand{Values: req.Values, Actor: actor})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"settings": buildSettings(settings)})
}

func (h *AdminHandlers) listPersonnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Personnel == nil {
		writeUnavailable(ctx, w, "personnel")
		return
	}
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "active must be a boolean", http.StatusBadRequest))
			return
		}
		activeOnly = parsed
	}
	people, err := h.svc.Personnel.List(ctx, activeOnly)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]personnelPayload, 0, len(people))
	for _, p := range people {
		items = append(items, buildPersonnelPayload(p))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

type registerPersonnelRequest struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	VehicleType   string `json:"vehicle_type"`
	VehicleNumber string `json:"vehicle_number"`
	LicenseNumber string `json:"license_number"`
}

func (h *AdminHandlers) registerPersonnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Personnel == nil {
		writeUnavailable(ctx, w, "personnel")
		return
	}
	var req registerPersonnelRequest
	if !decodeBody(w, r, &req, maxAdminBodySize) {
		return
	}
	person, err := h.svc.Personnel.Register(ctx, services.RegisterPersonnelCommand{
		UserID:        req.UserID,
		Name:          req.Name,
		Phone:         req.Phone,
		VehicleType:   req.VehicleType,
		VehicleNumber: req.VehicleNumber,
		LicenseNumber: req.LicenseNumber,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"delivery_person": buildPersonnelPayload(person)})
}

type updatePersonnelRequest struct {
	IsActive *bool `json:"is_active"`
}

func (h *AdminHandlers) updatePersonnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Personnel == nil {
		writeUnavailable(ctx, w, "personnel")
		return
	}
	personID := strings.TrimSpace(chi.URLParam(r, "personID"))
	var req updatePersonnelRequest
	if !decodeBody(w, r, &req, maxAdminBodySize) {
		return
	}
	if req.IsActive == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "is_active is required", http.StatusBadRequest))
		return
	}
	person, err := h.svc.Personnel.SetActive(ctx, personID, *req.IsActive)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"delivery_person": buildPersonnelPayload(person)})
}

func (h *AdminHandlers) streamAll(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeUnavailable(r.Context(), w, "live_tracking")
		return
	}
	h.live.Serve(w, r, jobs.AdminFeed)
}
