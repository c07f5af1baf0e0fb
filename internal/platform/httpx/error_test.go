package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(req.Context(), rr, NewError("retry_exhausted", "try again\nlater", http.StatusServiceUnavailable).
		WithRetryAfter(1500*time.Millisecond).
		WithDetails(map[string]any{"order_id": "ord-1"}))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "retry_exhausted", body["error"])
	assert.Equal(t, "try again later", body["message"])
	assert.Equal(t, float64(503), body["status"])
	assert.Equal(t, "ord-1", body["order_id"])
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Reason string `json:"reason"`
	}

	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "ok", body: `{"reason":"changed my mind"}`},
		{name: "empty", body: ``, wantErr: "request body is required"},
		{name: "unknown field", body: `{"why":"x"}`, wantErr: `unknown field "why"`},
		{name: "wrong type", body: `{"reason":1}`, wantErr: `field "reason" has the wrong type`},
		{name: "trailing", body: `{"reason":"a"}{"reason":"b"}`, wantErr: "single JSON object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(req, &dst, 0)
			if tc.wantErr == "" {
				require.Nil(t, err)
				assert.Equal(t, "changed my mind", dst.Reason)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, http.StatusBadRequest, err.Status)
			assert.Contains(t, err.Message, tc.wantErr)
		})
	}
}
