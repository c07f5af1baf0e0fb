package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	router := NewRouter()

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("expected json content type, got %s", ct)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("default not implemented group", func(t *testing.T) {
		for _, path := range []string{"/api/v1/public/menu", "/api/v1/orders", "/api/v1/admin/settings"} {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

			if rr.Code != http.StatusNotImplemented {
				t.Fatalf("%s: expected status 501, got %d", path, rr.Code)
			}
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body["error"] != errorNotFoundCode {
			t.Fatalf("expected %s, got %v", errorNotFoundCode, body["error"])
		}
		if body["request_id"] == nil {
			t.Fatalf("expected request id to be stamped")
		}
	})
}

func TestNewRouter_CustomRegistrarAndGroupMiddleware(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	router := NewRouter(
		WithMiddlewares(mark("global")),
		WithPublicMiddlewares(mark("public")),
		WithPublicRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
				order = append(order, "handler")
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/public/ping", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if strings.Join(order, ",") != "global,public,handler" {
		t.Fatalf("unexpected middleware order %v", order)
	}

	order = nil
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if strings.Join(order, ",") != "global" {
		t.Fatalf("expected group middleware to stay scoped, got %v", order)
	}
}

func TestNewRouter_TimeoutSkipsWebsocketUpgrades(t *testing.T) {
	var deadlines []bool
	router := NewRouter(
		WithRequestTimeout(time.Minute),
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/{orderID}/live", func(w http.ResponseWriter, r *http.Request) {
				_, ok := r.Context().Deadline()
				deadlines = append(deadlines, ok)
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord-1/live", nil))

	upgrade := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord-1/live", nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	router.ServeHTTP(httptest.NewRecorder(), upgrade)

	if len(deadlines) != 2 || !deadlines[0] || deadlines[1] {
		t.Fatalf("expected deadline only on the plain request, got %v", deadlines)
	}
}
