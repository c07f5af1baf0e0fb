package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serveWithToken(t *testing.T, mw func(http.Handler) http.Handler, header string, next http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	return rr
}

func TestRequireUser_PopulatesIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "rider-uid",
		Claims: map[string]any{
			"role":         "delivery_person",
			"phone_number": "+919812345678",
		},
	}}
	authn := NewAuthenticator(verifier)

	called := false
	rr := serveWithToken(t, authn.RequireUser(RoleDeliveryPerson), "Bearer token-value", func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "rider-uid" || identity.Role != RoleDeliveryPerson {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if identity.Phone != "+919812345678" {
			t.Fatalf("expected phone claim, got %q", identity.Phone)
		}
		if identity.Token() == nil {
			t.Fatalf("expected token to be retained")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if rr.Code != http.StatusNoContent || !called {
		t.Fatalf("expected handler to run, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
}

func TestRequireUser_DefaultsToCustomer(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{}}})

	rr := serveWithToken(t, authn.RequireUser(), "Bearer t", func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if !identity.HasRole(RoleCustomer) {
			t.Fatalf("expected customer role, got %q", identity.Role)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireUser_RejectsWrongRole(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{"role": "customer"}}})

	rr := serveWithToken(t, authn.RequireUser(RoleAdmin), "Bearer t", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run for a customer on an admin route")
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireUser_ExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: ErrTokenExpired})

	rr := serveWithToken(t, authn.RequireUser(), "Bearer expired", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute on expired token")
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "token_expired" {
		t.Fatalf("expected token_expired error, got %v", body["error"])
	}
}

func TestRequireUser_MissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{})
	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		rr := serveWithToken(t, authn.RequireUser(), header, func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("handler should not run for header %q", header)
		})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestNormaliseRoleAliases(t *testing.T) {
	cases := map[string]string{
		"Rider":           RoleDeliveryPerson,
		" delivery ":      RoleDeliveryPerson,
		"delivery_person": RoleDeliveryPerson,
		"USER":            RoleCustomer,
		"admin":           RoleAdmin,
	}
	for in, want := range cases {
		if got := normaliseRole(in); got != want {
			t.Fatalf("normaliseRole(%q) = %q, want %q", in, got, want)
		}
	}
}
