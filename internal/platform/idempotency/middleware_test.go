package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Antinna/HTTP-3/internal/platform/requestctx"
)

var fixedTime = time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func post(handler http.Handler, userID, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	ctx, caller := requestctx.WithCaller(req.Context())
	caller.Set(userID, "customer")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.WithContext(ctx))
	return rr
}

func createdHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/api/v1/orders/ord-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord-1"}`))
	})
}

func TestMiddlewareRequiresKey(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(createdHandler(&calls))

	rr := post(handler, "user-1", "", `{"items":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_required")
	if calls != 0 {
		t.Fatalf("handler must not run without a key")
	}

	optional := Middleware(NewMemoryStore(), WithOptionalKey())(createdHandler(&calls))
	if rr := post(optional, "user-1", "", `{}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected optional key to pass through, got %d", rr.Code)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(createdHandler(&calls))

	first := post(handler, "user-1", "k-1", `{"items":[1]}`)
	second := post(handler, "user-1", "k-1", `{"items":[1]}`)

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical replay, got %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" || first.Header().Get(ReplayHeader) != "" {
		t.Fatalf("replay header only belongs on the replay")
	}
	if second.Header().Get("Location") != "/api/v1/orders/ord-1" {
		t.Fatalf("expected stored headers, got %v", second.Header())
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(createdHandler(&calls))

	post(handler, "user-1", "shared", `{}`)
	rr := post(handler, "user-2", "shared", `{}`)
	if rr.Code != http.StatusCreated || rr.Header().Get(ReplayHeader) != "" {
		t.Fatalf("expected a fresh response for another caller")
	}
	if calls != 2 {
		t.Fatalf("expected two handler calls, got %d", calls)
	}
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(createdHandler(&calls))

	post(handler, "user-1", "k-1", `{"items":[1]}`)
	rr := post(handler, "user-1", "k-1", `{"items":[2]}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_reused")
}

func TestMiddlewareInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run while the key is held")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{}`))
	if _, _, err := store.Reserve(context.Background(), "user-1:k-1", fingerprintRequest(req, []byte(`{}`)), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := post(handler, "user-1", "k-1", `{}`)
	if rr.Code != http.StatusConflict || rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected 409 with Retry-After, got %d %v", rr.Code, rr.Header())
	}
	assertErrorCode(t, rr, "idempotency_in_progress")
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	var calls int32
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	if rr := post(handler, "user-1", "k-1", `{}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected the 503 to pass through, got %d", rr.Code)
	}
	if rr := post(handler, "user-1", "k-1", `{}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected the retry to run the handler, got %d", rr.Code)
	}
	if calls != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestMiddlewareStoreFailure(t *testing.T) {
	store := &failingStore{reserveErr: errors.New("db down")}
	handler := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run when the store is down")
	}))
	rr := post(handler, "user-1", "k-1", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_unavailable")
}

func TestMiddlewareCompleteFailureReleases(t *testing.T) {
	store := &failingStore{completeErr: errors.New("write failed")}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rr := post(handler, "user-1", "k-1", `{}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("the handler response stands, got %d", rr.Code)
	}
	if !store.released {
		t.Fatalf("expected the key to be released")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, "k", "fp", Response{StatusCode: 201}, fixedTime, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	later := fixedTime.Add(2 * time.Minute)
	outcome, _, err := store.Reserve(ctx, "k", "other", later, time.Minute)
	if err != nil || outcome != OutcomeReserved {
		t.Fatalf("expected an expired key to be reusable, got %v %v", outcome, err)
	}
	removed, err := store.CleanupExpired(ctx, later.Add(time.Hour), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d %v", removed, err)
	}
}

func TestStorableHeadersDropsHopHeaders(t *testing.T) {
	got := storableHeaders(http.Header{
		"Content-Type":   {"application/json"},
		"Content-Length": {"12"},
		"X-Request-Id":   {"abc"},
	})
	if len(got) != 1 || got["Content-Type"][0] != "application/json" {
		t.Fatalf("unexpected headers %v", got)
	}
}

type failingStore struct {
	reserveErr  error
	completeErr error
	released    bool
}

func (s *failingStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Outcome, Record, error) {
	return OutcomeReserved, Record{}, s.reserveErr
}

func (s *failingStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	return s.completeErr
}

func (s *failingStore) Release(context.Context, string) error {
	s.released = true
	return nil
}

func (s *failingStore) CleanupExpired(context.Context, time.Time, int) (int, error) { return 0, nil }

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != want {
		t.Fatalf("expected error %q, got %q", want, body.Error)
	}
}
