package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Antinna/HTTP-3/internal/services"
)

type stubOutboxRelay struct {
	result services.DrainResult
	err    error
	calls  int
}

func (s *stubOutboxRelay) Drain(context.Context) (services.DrainResult, error) {
	s.calls++
	return s.result, s.err
}

func (s *stubOutboxRelay) Run(context.Context, time.Duration) {}

func newInternalRouter(h *InternalHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", h.Routes)
	return router
}

func TestInternalHandlersDispatchTick(t *testing.T) {
	var limit int
	dispatch := &stubDispatchService{
		pendingFn: func(_ context.Context, l int) ([]services.DispatchResult, error) {
			limit = l
			return []services.DispatchResult{
				{OrderID: "ord-1", DeliveryPersonID: "dp-1", Attempts: 1},
				{OrderID: "ord-2", Attempts: 3},
				{OrderID: "ord-3", Attempts: 1, Err: errors.New("claim lost")},
			}, nil
		},
	}
	router := newInternalRouter(NewInternalHandlers(dispatch, nil, 0))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/dispatch:tick", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if limit != defaultDispatchBatch {
		t.Fatalf("expected default batch %d, got %d", defaultDispatchBatch, limit)
	}
	var resp dispatchTickResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Processed != 3 || resp.Assigned != 1 {
		t.Fatalf("unexpected tick summary %#v", resp)
	}
	if resp.Results[2].Error != "claim lost" {
		t.Fatalf("expected error to be surfaced, got %#v", resp.Results[2])
	}
}

func TestInternalHandlersDispatchTickLimit(t *testing.T) {
	var limit int
	dispatch := &stubDispatchService{
		pendingFn: func(_ context.Context, l int) ([]services.DispatchResult, error) {
			limit = l
			return nil, nil
		},
	}
	router := newInternalRouter(NewInternalHandlers(dispatch, nil, 10))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/dispatch:tick?limit=5000", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if limit != maxDispatchBatch {
		t.Fatalf("expected limit capped at %d, got %d", maxDispatchBatch, limit)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/dispatch:tick?limit=-1", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestInternalHandlersDrainOutbox(t *testing.T) {
	relay := &stubOutboxRelay{result: services.DrainResult{Claimed: 4, Delivered: 2, Retried: 1, Dead: 1}}
	router := newInternalRouter(NewInternalHandlers(nil, relay, 0))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/outbox:drain", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["claimed"] != 4 || resp["delivered"] != 2 || resp["retried"] != 1 || resp["dead"] != 1 {
		t.Fatalf("unexpected drain summary %v", resp)
	}
	if relay.calls != 1 {
		t.Fatalf("expected one drain, got %d", relay.calls)
	}
}

func TestInternalHandlersUnavailable(t *testing.T) {
	router := newInternalRouter(NewInternalHandlers(nil, nil, 0))

	for _, target := range []string{"/internal/dispatch:tick", "/internal/outbox:drain"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, target, nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected status 503, got %d", target, rr.Code)
		}
	}
}
