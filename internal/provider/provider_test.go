package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketfair/settlements/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHTTPClient(&config.ProviderConfig{
		Name:    "paystream",
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
}

func TestHTTPClient_CreateAuthorization(t *testing.T) {
	t.Run("passes the idempotency key and decodes the handle", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/authorizations", r.URL.Path)
			assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(1000), body["amount"])
			assert.Equal(t, "USD", body["currency"])

			json.NewEncoder(w).Encode(map[string]string{"id": "auth-1", "status": "approved"})
		})

		auth, err := client.CreateAuthorization(1000, "USD", "key-1")
		assert.NoError(t, err)
		assert.Equal(t, "auth-1", auth.ExternalID)
		assert.Equal(t, "approved", auth.Status)
	})

	t.Run("non-2xx responses become errors", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
		})

		auth, err := client.CreateAuthorization(1000, "USD", "key-1")
		assert.Nil(t, auth)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "402")
	})

	t.Run("missing authorization id is rejected", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "approved"})
		})

		auth, err := client.CreateAuthorization(1000, "USD", "key-1")
		assert.Nil(t, auth)
		assert.Error(t, err)
	})
}

func TestHTTPClient_CaptureAndRefund(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/authorizations/auth-1/capture":
			json.NewEncoder(w).Encode(map[string]string{"id": "cap-1"})
		case "/v1/authorizations/auth-1/refund":
			json.NewEncoder(w).Encode(map[string]string{"id": "ref-1"})
		default:
			http.NotFound(w, r)
		}
	})

	captureID, err := client.Capture("auth-1")
	assert.NoError(t, err)
	assert.Equal(t, "cap-1", captureID)

	refundID, err := client.Refund("auth-1")
	assert.NoError(t, err)
	assert.Equal(t, "ref-1", refundID)
}
