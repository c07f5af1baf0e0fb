package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const callbackPath = "/api/v1/webhooks/payments/gateway"

func signedCallback(t *testing.T, secret string, ts time.Time, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, callbackPath, bytes.NewReader(body))
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig := Sign([]byte(secret), http.MethodPost, callbackPath, timestamp, nonce, body)
	req.Header.Set(defaultSignatureHeader, hex.EncodeToString(sig))
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, nonce)
	return req
}

func newTestVerifier(now time.Time) *SignatureVerifier {
	return NewSignatureVerifier(StaticSecrets{"gateway": "s3cret"}, NewMemoryNonceStore(),
		WithSignatureClock(func() time.Time { return now }))
}

func TestRequireSignature_AcceptsAndRestoresBody(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	body := []byte(`{"transactionId":"TXN-1","status":"completed"}`)

	var seen []byte
	rr := httptest.NewRecorder()
	newTestVerifier(now).RequireSignature("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, signedCallback(t, "s3cret", now, "n-1", body))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(seen, body) {
		t.Fatalf("expected body to be restored, got %q", seen)
	}
}

func TestRequireSignature_Base64Signature(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	body := []byte(`{}`)
	req := signedCallback(t, "s3cret", now, "n-b64", body)
	raw, _ := hex.DecodeString(req.Header.Get(defaultSignatureHeader))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(raw))

	rr := httptest.NewRecorder()
	newTestVerifier(now).RequireSignature("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireSignature_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	body := []byte(`{"transactionId":"TXN-1"}`)

	cases := []struct {
		name   string
		req    func() *http.Request
		secret string
		status int
	}{
		{
			name:   "wrong secret",
			req:    func() *http.Request { return signedCallback(t, "other", now, "n-2", body) },
			secret: "gateway",
			status: http.StatusUnauthorized,
		},
		{
			name:   "stale timestamp",
			req:    func() *http.Request { return signedCallback(t, "s3cret", now.Add(-10*time.Minute), "n-3", body) },
			secret: "gateway",
			status: http.StatusUnauthorized,
		},
		{
			name: "tampered body",
			req: func() *http.Request {
				req := signedCallback(t, "s3cret", now, "n-4", body)
				req.Body = io.NopCloser(bytes.NewReader([]byte(`{"transactionId":"TXN-2"}`)))
				return req
			},
			secret: "gateway",
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown secret",
			req:    func() *http.Request { return signedCallback(t, "s3cret", now, "n-5", body) },
			secret: "missing",
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newTestVerifier(now).RequireSignature(tc.secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler must not run")
			})).ServeHTTP(rr, tc.req())
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestRequireSignature_RejectsReplay(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	verifier := newTestVerifier(now)
	body := []byte(`{"transactionId":"TXN-9"}`)
	handler := verifier.RequireSignature("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedCallback(t, "s3cret", now, "same", body))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first delivery to pass, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedCallback(t, "s3cret", now, "same", body))
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", second.Code)
	}
}
