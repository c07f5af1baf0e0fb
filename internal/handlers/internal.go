package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/services"
)

const (
	defaultDispatchBatch = 25
	maxDispatchBatch     = 200
)

// InternalHandlers are the scheduler hooks under /internal. Service token checks are applied by the router.
type InternalHandlers struct {
	dispatch services.DispatchService
	relay    services.OutboxRelay
	batch    int
}

// NewInternalHandlers constructs InternalHandlers. batch is the default dispatch tick size.
func NewInternalHandlers(dispatch services.DispatchService, relay services.OutboxRelay, batch int) *InternalHandlers {
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	return &InternalHandlers{dispatch: dispatch, relay: relay, batch: batch}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/dispatch:tick", h.dispatchTick)
	r.Post("/outbox:drain", h.drainOutbox)
}

type dispatchTickResponse struct {
	Processed int                     `json:"processed"`
	Assigned  int                     `json:"assigned"`
	Results   []dispatchResultPayload `json:"results"`
}

func (h *InternalHandlers) dispatchTick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dispatch == nil {
		writeUnavailable(ctx, w, "dispatch")
		return
	}
	limit := h.batch
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(parsed, maxDispatchBatch)
	}

	results, err := h.dispatch.DispatchPending(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := dispatchTickResponse{Processed: len(results), Results: make([]dispatchResultPayload, 0, len(results))}
	for _, res := range results {
		if res.Assigned() {
			resp.Assigned++
		}
		resp.Results = append(resp.Results, buildDispatchResult(res))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *InternalHandlers) drainOutbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.relay == nil {
		writeUnavailable(ctx, w, "outbox")
		return
	}
	result, err := h.relay.Drain(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{
		"claimed":   result.Claimed,
		"delivered": result.Delivered,
		"retried":   result.Retried,
		"dead":      result.Dead,
	})
}
